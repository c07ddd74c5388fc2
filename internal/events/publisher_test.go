package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPublisher_PublishSubscribe(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	ch := p.Subscribe("wf1")

	p.Publish(New(EventPhaseStarted, "wf1"))

	select {
	case ev := <-ch:
		assert.Equal(t, EventPhaseStarted, ev.Type)
		assert.Equal(t, "wf1", ev.WorkflowID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemoryPublisher_GlobalSubscriber(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	global := p.Subscribe(GlobalWorkflowID)

	p.Publish(New(EventWorkflowStarted, "wf1"))
	p.Publish(New(EventWorkflowStarted, "wf2"))

	got := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case ev := <-global:
			got[ev.WorkflowID] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for global events")
		}
	}
	assert.True(t, got["wf1"] && got["wf2"])
}

func TestMemoryPublisher_OtherWorkflowFiltered(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	ch := p.Subscribe("wf1")
	p.Publish(New(EventPhaseStarted, "wf2"))

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for %s", ev.WorkflowID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryPublisher_Unsubscribe(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	ch := p.Subscribe("wf1")
	p.Unsubscribe("wf1", ch)

	// Channel is closed after unsubscribe.
	_, open := <-ch
	assert.False(t, open)

	// Publishing afterwards must not panic.
	p.Publish(New(EventPhaseStarted, "wf1"))
}

func TestMemoryPublisher_FullBufferNonBlocking(t *testing.T) {
	p := NewMemoryPublisher(WithBufferSize(1))
	defer p.Close()

	ch := p.Subscribe("wf1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Publish(New(EventPhaseStarted, "wf1"))
		p.Publish(New(EventPhaseCompleted, "wf1")) // buffer full, dropped
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full buffer")
	}

	ev := <-ch
	require.Equal(t, EventPhaseStarted, ev.Type)
}

func TestMemoryPublisher_CloseClosesSubscribers(t *testing.T) {
	p := NewMemoryPublisher()
	ch := p.Subscribe("wf1")

	p.Close()

	_, open := <-ch
	assert.False(t, open)

	// Subscribing after close yields a closed channel.
	late := p.Subscribe("wf1")
	_, open = <-late
	assert.False(t, open)
}
