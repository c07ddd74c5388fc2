package portpool

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	adwerrors "github.com/randalmurphal/adw/internal/errors"
)

func newTestPool(t *testing.T, size int) *Pool {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "ports.json"), 9100, size)
}

func TestReserve_LowestSlotFirst(t *testing.T) {
	pool := newTestPool(t, 100)

	backend, frontend, err := pool.Reserve("wf1")
	require.NoError(t, err)
	assert.Equal(t, 9100, backend)
	assert.Equal(t, 9200, frontend)

	backend, frontend, err = pool.Reserve("wf2")
	require.NoError(t, err)
	assert.Equal(t, 9101, backend)
	assert.Equal(t, 9201, frontend)
}

func TestReserve_Idempotent(t *testing.T) {
	pool := newTestPool(t, 100)

	b1, f1, err := pool.Reserve("wf1")
	require.NoError(t, err)
	b2, f2, err := pool.Reserve("wf1")
	require.NoError(t, err)

	assert.Equal(t, b1, b2)
	assert.Equal(t, f1, f2)

	active, err := pool.Active()
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

func TestReserve_FrontendOffset(t *testing.T) {
	pool := newTestPool(t, 100)

	for i := range 5 {
		backend, frontend, err := pool.Reserve(fmt.Sprintf("wf%d", i))
		require.NoError(t, err)
		assert.Equal(t, backend+100, frontend)
	}
}

func TestReserve_ReusesReleasedSlot(t *testing.T) {
	pool := newTestPool(t, 100)

	_, _, err := pool.Reserve("wf1")
	require.NoError(t, err)
	_, _, err = pool.Reserve("wf2")
	require.NoError(t, err)

	released, err := pool.Release("wf1")
	require.NoError(t, err)
	assert.True(t, released)

	backend, _, err := pool.Reserve("wf3")
	require.NoError(t, err)
	assert.Equal(t, 9100, backend, "lowest free slot should be reused")
}

func TestReserve_Exhausted(t *testing.T) {
	pool := newTestPool(t, 3)

	for i := range 3 {
		_, _, err := pool.Reserve(fmt.Sprintf("wf%d", i))
		require.NoError(t, err)
	}

	_, _, err := pool.Reserve("overflow")
	require.Error(t, err)
	adwErr := adwerrors.AsADWError(err)
	require.NotNil(t, adwErr)
	assert.Equal(t, adwerrors.CodePortPoolExhausted, adwErr.Code)
}

func TestPoolBoundaries(t *testing.T) {
	pool := newTestPool(t, 100)

	// Fill all 100 slots.
	for i := range 100 {
		backend, frontend, err := pool.Reserve(fmt.Sprintf("wf%03d", i))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, backend, 9100)
		assert.Less(t, backend, 9200)
		assert.GreaterOrEqual(t, frontend, 9200)
		assert.Less(t, frontend, 9300)
	}

	active, err := pool.Active()
	require.NoError(t, err)
	assert.Equal(t, 100, active)

	// Slot 101 fails.
	_, _, err = pool.Reserve("wf-overflow")
	assert.Error(t, err)

	// Releasing one brings us back under the cap.
	_, err = pool.Release("wf050")
	require.NoError(t, err)
	backend, _, err := pool.Reserve("wf-after")
	require.NoError(t, err)
	assert.Equal(t, 9150, backend)
}

func TestRelease_Unknown(t *testing.T) {
	pool := newTestPool(t, 100)

	released, err := pool.Release("nope")
	require.NoError(t, err)
	assert.False(t, released)
}

func TestAllocationOf(t *testing.T) {
	pool := newTestPool(t, 100)

	_, ok, err := pool.AllocationOf("wf1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = pool.Reserve("wf1")
	require.NoError(t, err)

	a, ok, err := pool.AllocationOf("wf1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 9100, a.Backend)
	assert.Equal(t, 9200, a.Frontend)
	assert.False(t, a.AllocatedAt.IsZero())
}

func TestCleanupStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.json")
	pool := New(path, 9100, 100)

	_, _, err := pool.Reserve("old")
	require.NoError(t, err)
	_, _, err = pool.Reserve("fresh")
	require.NoError(t, err)

	// Backdate the first allocation.
	pool.mu.Lock()
	a := pool.allocations["old"]
	a.AllocatedAt = time.Now().Add(-48 * time.Hour)
	pool.allocations["old"] = a
	require.NoError(t, pool.persist())
	pool.mu.Unlock()

	removed, err := pool.CleanupStale(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok, err := pool.AllocationOf("old")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = pool.AllocationOf("fresh")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPersistenceAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.json")

	first := New(path, 9100, 100)
	b1, f1, err := first.Reserve("wf1")
	require.NoError(t, err)

	// A second process opens the same pool file.
	second := New(path, 9100, 100)
	b2, f2, err := second.Reserve("wf1")
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
	assert.Equal(t, f1, f2)

	backend, _, err := second.Reserve("wf2")
	require.NoError(t, err)
	assert.Equal(t, 9101, backend)
}
