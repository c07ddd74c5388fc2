package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	adwerrors "github.com/randalmurphal/adw/internal/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), nil)
}

func TestNewWorkflowID(t *testing.T) {
	id := NewWorkflowID()
	assert.Len(t, id, 8)

	other := NewWorkflowID()
	assert.NotEqual(t, id, other)
}

func TestEnsure_Idempotent(t *testing.T) {
	st := newTestStore(t)

	id, err := st.Ensure("", "42")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	again, err := st.Ensure(id, "42")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	s, err := st.Load(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, s.Status)
	assert.Equal(t, "42", s.IssueID)
	assert.False(t, s.StartTime.IsZero())
}

func TestLoad_NotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.Load("deadbeef")
	require.Error(t, err)
	adwErr := adwerrors.AsADWError(err)
	require.NotNil(t, adwErr)
	assert.Equal(t, adwerrors.CodeWorkflowNotFound, adwErr.Code)
}

func TestLoad_CorruptReturnsEmpty(t *testing.T) {
	st := newTestStore(t)
	id, err := st.Ensure("", "42")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(st.Path(id), []byte("{not json"), 0o644))

	s, err := st.Load(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, s.Status)
	assert.Equal(t, id, s.WorkflowID)
}

func TestSave_PreservesSubprocessResults(t *testing.T) {
	st := newTestStore(t)
	id, err := st.Ensure("", "42")
	require.NoError(t, err)

	// A subprocess phase writes its result block directly to the document.
	block := map[string]any{"success": true, "summary": map[string]any{"tests_passed": 12.0}}
	require.NoError(t, st.Update(id, map[string]any{"external_test_results": block}, "subprocess"))

	// The parent holds a struct loaded before the subprocess ran.
	parent, err := st.Load(id)
	require.NoError(t, err)
	delete(parent.Extra, "external_test_results") // parent never saw the block
	parent.CurrentPhase = "review"
	require.NoError(t, st.Save(parent, "parent_save"))

	// The block must survive the parent save byte-for-byte.
	reloaded, err := st.Load(id)
	require.NoError(t, err)
	raw, ok := reloaded.ResultBlock("external_test_results")
	require.True(t, ok, "external_test_results clobbered by parent save")

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, true, got["success"])
	assert.Equal(t, "review", reloaded.CurrentPhase)
}

func TestMarkTerminal(t *testing.T) {
	st := newTestStore(t)
	id, err := st.Ensure("", "42")
	require.NoError(t, err)

	require.NoError(t, st.MarkTerminal(id, StatusCompleted))

	s, err := st.Load(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, s.Status)
	require.NotNil(t, s.EndTime)
	assert.False(t, s.EndTime.Before(s.StartTime))
	assert.NoError(t, s.Validate())

	// Same terminal status is idempotent.
	assert.NoError(t, st.MarkTerminal(id, StatusCompleted))

	// Different terminal status is rejected.
	assert.Error(t, st.MarkTerminal(id, StatusFailed))
}

func TestMarkTerminal_NonTerminalRejected(t *testing.T) {
	st := newTestStore(t)
	id, err := st.Ensure("", "42")
	require.NoError(t, err)

	assert.Error(t, st.MarkTerminal(id, StatusRunning))
}

func TestRequestCancel(t *testing.T) {
	st := newTestStore(t)
	id, err := st.Ensure("", "42")
	require.NoError(t, err)

	require.NoError(t, st.RequestCancel(id))

	s, err := st.Load(id)
	require.NoError(t, err)
	assert.True(t, s.CancelRequested)
}

func TestList(t *testing.T) {
	st := newTestStore(t)

	ids := make(map[string]bool)
	for range 3 {
		id, err := st.Ensure("", "42")
		require.NoError(t, err)
		ids[id] = true
	}

	got, err := st.List()
	require.NoError(t, err)
	assert.Len(t, got, 3)
	for _, id := range got {
		assert.True(t, ids[id])
	}
}

func TestWorkflowState_Validate(t *testing.T) {
	now := time.Now()
	earlier := now.Add(-time.Hour)

	tests := []struct {
		name    string
		state   WorkflowState
		wantErr bool
	}{
		{
			name:  "running without end_time",
			state: WorkflowState{WorkflowID: "a", Status: StatusRunning, StartTime: earlier},
		},
		{
			name:    "completed without end_time",
			state:   WorkflowState{WorkflowID: "a", Status: StatusCompleted, StartTime: earlier},
			wantErr: true,
		},
		{
			name: "end before start",
			state: WorkflowState{
				WorkflowID: "a", Status: StatusFailed,
				StartTime: now, EndTime: &earlier,
			},
			wantErr: true,
		},
		{
			name: "branch matches classification",
			state: WorkflowState{
				WorkflowID: "a", Status: StatusRunning, StartTime: earlier,
				Classification: ClassBug, BranchName: "bug-42-deadbeef-fix-crash",
			},
		},
		{
			name: "branch mismatch",
			state: WorkflowState{
				WorkflowID: "a", Status: StatusRunning, StartTime: earlier,
				Classification: ClassFeature, BranchName: "bug-42-deadbeef-fix-crash",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.state.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExtraFieldsRoundTrip(t *testing.T) {
	st := newTestStore(t)
	id, err := st.Ensure("", "42")
	require.NoError(t, err)

	// Downstream components may add fields the core does not model.
	require.NoError(t, st.Update(id, map[string]any{"dashboard_pin": "blue"}, "downstream"))

	s, err := st.Load(id)
	require.NoError(t, err)
	s.Status = StatusRunning
	require.NoError(t, st.Save(s, "roundtrip"))

	data, err := os.ReadFile(filepath.Join(st.root, id, StateFileName))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "blue", doc["dashboard_pin"])
	assert.Equal(t, "running", doc["status"])
}
