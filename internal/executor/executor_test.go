package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/adw/internal/agent"
	adwerrors "github.com/randalmurphal/adw/internal/errors"
	"github.com/randalmurphal/adw/internal/phase"
	"github.com/randalmurphal/adw/internal/safety"
	"github.com/randalmurphal/adw/internal/state"
)

// newWorkflow seeds a store with a runnable workflow and returns its id.
func newWorkflow(t *testing.T, store *state.Store) string {
	t.Helper()
	id, err := store.Ensure("", "42")
	require.NoError(t, err)

	ws, err := store.Load(id)
	require.NoError(t, err)
	ws.WorktreePath = t.TempDir()
	ws.BranchName = "feature-42-" + id
	ws.Classification = state.ClassFeature
	require.NoError(t, store.Save(ws, "test_setup"))
	return id
}

// fakeTool writes an executable script that prints the given stdout and
// exits with the given code, and returns its path.
func fakeTool(t *testing.T, stdout string, exitCode int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-tool")
	script := fmt.Sprintf("#!/bin/sh\ncat <<'TOOLEOF'\n%s\nTOOLEOF\nexit %d\n", stdout, exitCode)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newExecutor(t *testing.T, runner agent.Runner) (*Executor, *state.Store) {
	t.Helper()
	store := state.NewStore(t.TempDir(), nil)
	return New(store, safety.New(nil), runner, nil, 10*time.Minute, nil), store
}

func toolSpec(t *testing.T, name phase.Name, stdout string, exitCode int) phase.Spec {
	t.Helper()
	return phase.Spec{
		Name:    name,
		Mode:    phase.ModeTool,
		Tool:    fakeTool(t, stdout, exitCode),
		Timeout: time.Minute,
	}
}

func TestRun_ToolSuccess(t *testing.T) {
	e, store := newExecutor(t, nil)
	id := newWorkflow(t, store)

	spec := toolSpec(t, phase.Build, `{
		"success": true,
		"summary": {"compiled": 12, "warnings": 1},
		"next_steps": ["run tests"]
	}`, 0)

	result, err := e.Run(context.Background(), id, spec, 3, PhaseData{})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Equal(t, "build", result.PhaseName)
	assert.Equal(t, float64(12), result.Summary["compiled"])
	assert.Equal(t, []string{"run tests"}, result.NextSteps)
	assert.Greater(t, result.DurationSeconds, 0.0)

	// The result lands in both the typed map and the passthrough block.
	ws, err := store.Load(id)
	require.NoError(t, err)
	assert.Contains(t, ws.PhaseResults, "build")
	_, ok := ws.ResultBlock("external_build_results")
	assert.True(t, ok)
}

func TestRun_ToolFailureWithErrors(t *testing.T) {
	e, store := newExecutor(t, nil)
	id := newWorkflow(t, store)

	spec := toolSpec(t, phase.Test, `{
		"success": false,
		"summary": {"passed": 10, "failed": 2},
		"errors": [
			{"file": "pkg/a_test.go", "line": 40, "kind": "test_failure",
			 "severity": "error", "message": "want 4, got 5"}
		]
	}`, 1)

	result, err := e.Run(context.Background(), id, spec, 5, PhaseData{})
	require.Error(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "pkg/a_test.go", result.Errors[0].File)

	adwErr := adwerrors.AsADWError(err)
	require.NotNil(t, adwErr)
	assert.Equal(t, adwerrors.CodeToolFailure, adwErr.Code)

	// Failed results are persisted too.
	ws, err := store.Load(id)
	require.NoError(t, err)
	assert.False(t, ws.PhaseResults["test"].Success)
}

func TestRun_ToolFailureAlternateKeys(t *testing.T) {
	e, store := newExecutor(t, nil)
	id := newWorkflow(t, store)

	// Older tool generations report "failures" with "error_type" or "rule".
	spec := toolSpec(t, phase.Lint, `{
		"success": false,
		"failures": [
			{"file": "pkg/a.go", "line": 12, "error_type": "unused-var",
			 "severity": "warning", "message": "x declared and not used"},
			{"file": "pkg/b.go", "line": 3, "rule": "line-length",
			 "severity": "warning", "message": "line too long"}
		]
	}`, 1)

	result, err := e.Run(context.Background(), id, spec, 4, PhaseData{})
	require.Error(t, err)
	require.NotNil(t, result)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, "unused-var", result.Errors[0].Kind)
	assert.Equal(t, "line-length", result.Errors[1].Kind)
}

func TestRun_ToolSchemaMismatch(t *testing.T) {
	e, store := newExecutor(t, nil)
	id := newWorkflow(t, store)

	spec := toolSpec(t, phase.Build, "panic: runtime error", 1)

	result, err := e.Run(context.Background(), id, spec, 3, PhaseData{})
	require.Error(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Contains(t, result.Details, "panic: runtime error")

	// Surfaced as ToolFailure with SchemaMismatch underneath.
	adwErr := adwerrors.AsADWError(err)
	require.NotNil(t, adwErr)
	assert.Equal(t, adwerrors.CodeToolFailure, adwErr.Code)
}

func TestRun_ToolExitCodeOverridesSummary(t *testing.T) {
	e, store := newExecutor(t, nil)
	id := newWorkflow(t, store)

	// Tool claims success but exits 1.
	spec := toolSpec(t, phase.Build, `{"success": true}`, 1)

	result, err := e.Run(context.Background(), id, spec, 3, PhaseData{})
	require.Error(t, err)
	assert.False(t, result.Success)
}

func TestRun_AgentSuccess(t *testing.T) {
	stub := &agent.StubRunner{
		Results: []*agent.Result{{
			Output:     "plan written",
			TokensUsed: 1500,
			CostUSD:    0.30,
		}},
	}
	e, store := newExecutor(t, stub)
	id := newWorkflow(t, store)

	spec, err := phase.Lookup(phase.Plan)
	require.NoError(t, err)

	result, err := e.Run(context.Background(), id, spec, 1, PhaseData{})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1500, result.TokensUsed)
	assert.InDelta(t, 0.30, result.CostUSD, 1e-9)

	// The agent always runs inside the worktree.
	require.Len(t, stub.Requests, 1)
	ws, _ := store.Load(id)
	assert.Equal(t, ws.WorktreePath, stub.Requests[0].WorkingDir)
	assert.Contains(t, stub.Requests[0].Prompt, "Issue: 42")
}

func TestRun_AgentFailure(t *testing.T) {
	stub := &agent.StubRunner{
		Results: []*agent.Result{{IsError: true, ErrorText: "budget exceeded"}},
	}
	e, store := newExecutor(t, stub)
	id := newWorkflow(t, store)

	spec, err := phase.Lookup(phase.Review)
	require.NoError(t, err)

	result, err := e.Run(context.Background(), id, spec, 6, PhaseData{})
	require.Error(t, err)
	assert.False(t, result.Success)

	adwErr := adwerrors.AsADWError(err)
	require.NotNil(t, adwErr)
	assert.Equal(t, adwerrors.CodeAgentFailure, adwErr.Code)
}

func TestRun_CancelRequested(t *testing.T) {
	e, store := newExecutor(t, &agent.StubRunner{})
	id := newWorkflow(t, store)
	require.NoError(t, store.RequestCancel(id))

	spec, err := phase.Lookup(phase.Plan)
	require.NoError(t, err)

	_, err = e.Run(context.Background(), id, spec, 1, PhaseData{})
	require.Error(t, err)
	adwErr := adwerrors.AsADWError(err)
	require.NotNil(t, adwErr)
	assert.Equal(t, adwerrors.CodeCancelled, adwErr.Code)
}

func TestRun_NoWorktree(t *testing.T) {
	e, store := newExecutor(t, nil)
	id, err := store.Ensure("", "42")
	require.NoError(t, err)

	spec, err := phase.Lookup(phase.Build)
	require.NoError(t, err)

	_, err = e.Run(context.Background(), id, spec, 3, PhaseData{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no worktree")
}

func TestRun_ToolTimeout(t *testing.T) {
	e, store := newExecutor(t, nil)
	id := newWorkflow(t, store)

	path := filepath.Join(t.TempDir(), "slow-tool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nsleep 30\n"), 0o755))
	spec := phase.Spec{Name: phase.Build, Mode: phase.ModeTool, Tool: path, Timeout: time.Minute}

	start := time.Now()
	_, err := e.Run(context.Background(), id, spec, 3,
		PhaseData{TimeoutSeconds: 1})
	elapsed := time.Since(start)

	require.Error(t, err)
	adwErr := adwerrors.AsADWError(err)
	require.NotNil(t, adwErr)
	assert.Equal(t, adwerrors.CodeTimeout, adwErr.Code)
	assert.Less(t, elapsed, 20*time.Second, "SIGTERM should stop the tool quickly")
}

func TestParsePhaseData(t *testing.T) {
	pd, err := ParsePhaseData(json.RawMessage(`{"timeout_seconds": 120, "tool_args": ["--fast"]}`))
	require.NoError(t, err)
	assert.Equal(t, 120, pd.TimeoutSeconds)
	assert.Equal(t, []string{"--fast"}, pd.ToolArgs)

	pd, err = ParsePhaseData(nil)
	require.NoError(t, err)
	assert.Zero(t, pd.TimeoutSeconds)

	_, err = ParsePhaseData(json.RawMessage(`{broken`))
	assert.Error(t, err)
}
