// Package executor runs single phases: agent phases through the agent
// runner, tool phases as external subprocesses returning JSON. Every spawn
// passes the safety gate first, and every result is merged into the
// workflow state document before the phase reports completion.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/adw/internal/agent"
	adwerrors "github.com/randalmurphal/adw/internal/errors"
	"github.com/randalmurphal/adw/internal/events"
	"github.com/randalmurphal/adw/internal/phase"
	"github.com/randalmurphal/adw/internal/safety"
	"github.com/randalmurphal/adw/internal/state"
)

// Executor runs phases inside workflow worktrees.
type Executor struct {
	store          *state.Store
	gate           *safety.Gate
	runner         agent.Runner
	emitter        *events.Emitter
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// New creates an executor.
func New(store *state.Store, gate *safety.Gate, runner agent.Runner,
	emitter *events.Emitter, defaultTimeout time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:          store,
		gate:           gate,
		runner:         runner,
		emitter:        emitter,
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// PhaseData carries per-record execution overrides from the queue.
type PhaseData struct {
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	ToolArgs       []string `json:"tool_args,omitempty"`
	PromptExtra    string   `json:"prompt_extra,omitempty"`
}

// ParsePhaseData decodes a queue record's phase_data payload.
func ParsePhaseData(raw json.RawMessage) (PhaseData, error) {
	var pd PhaseData
	if len(raw) == 0 {
		return pd, nil
	}
	if err := json.Unmarshal(raw, &pd); err != nil {
		return pd, fmt.Errorf("parse phase data: %w", err)
	}
	return pd, nil
}

// Run executes one phase for the workflow and persists its result. The
// returned PhaseResult is always non-nil when err describes a phase-level
// failure; infrastructure errors (missing state, blocked spawn) return a
// nil result.
func (e *Executor) Run(ctx context.Context, workflowID string, spec phase.Spec,
	phaseNumber int, data PhaseData) (*state.PhaseResult, error) {

	ws, err := e.store.Load(workflowID)
	if err != nil {
		return nil, err
	}
	if ws.WorktreePath == "" {
		return nil, fmt.Errorf("workflow %s has no worktree, cannot run %s", workflowID, spec.Name)
	}
	if ws.CancelRequested {
		return nil, adwerrors.ErrCancelled(workflowID)
	}

	timeout := spec.Timeout
	if data.TimeoutSeconds > 0 {
		timeout = time.Duration(data.TimeoutSeconds) * time.Second
	}
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	e.markPhaseStarted(ctx, ws, spec, phaseNumber)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var result *state.PhaseResult
	var runErr error
	switch spec.Mode {
	case phase.ModeAgent:
		result, runErr = e.runAgent(runCtx, ws, spec, data)
	case phase.ModeTool:
		result, runErr = e.runTool(runCtx, ws, spec, data)
	default:
		return nil, fmt.Errorf("phase %s has unknown mode %q", spec.Name, spec.Mode)
	}

	if runErr != nil && result == nil {
		// Spawn never happened (blocked, cancelled) or infrastructure broke.
		e.emitPhaseEvent(ctx, ws, spec, phaseNumber, events.EventPhaseFailed,
			time.Since(start), 0, runErr.Error())
		return nil, runErr
	}

	result.PhaseName = string(spec.Name)
	result.DurationSeconds = time.Since(start).Seconds()

	if err := e.persistResult(ws.WorkflowID, spec, result); err != nil {
		return result, err
	}

	eventType := events.EventPhaseCompleted
	errMsg := ""
	if !result.Success {
		eventType = events.EventPhaseFailed
		if runErr != nil {
			errMsg = runErr.Error()
		} else {
			errMsg = fmt.Sprintf("phase %s reported failure", spec.Name)
		}
	}
	e.emitPhaseEvent(ctx, ws, spec, phaseNumber, eventType,
		time.Since(start), result.CostUSD, errMsg)

	return result, runErr
}

func (e *Executor) markPhaseStarted(ctx context.Context, ws *state.WorkflowState,
	spec phase.Spec, phaseNumber int) {

	if err := e.store.Update(ws.WorkflowID, map[string]any{
		"current_phase": string(spec.Name),
		"status":        state.StatusRunning,
	}, "phase_start:"+string(spec.Name)); err != nil {
		e.logger.Warn("failed to record phase start",
			"workflow_id", ws.WorkflowID, "phase", spec.Name, "error", err)
	}
	e.emitPhaseEvent(ctx, ws, spec, phaseNumber, events.EventPhaseStarted, 0, 0, "")
}

func (e *Executor) emitPhaseEvent(ctx context.Context, ws *state.WorkflowState,
	spec phase.Spec, phaseNumber int, eventType events.EventType,
	elapsed time.Duration, costUSD float64, errMsg string) {

	if e.emitter == nil {
		return
	}
	ev := events.New(eventType, ws.WorkflowID)
	ev.IssueID = ws.IssueID
	ev.PhaseName = string(spec.Name)
	ev.PhaseNumber = phaseNumber
	ev.DurationSeconds = elapsed.Seconds()
	ev.CostUSD = costUSD
	ev.ErrorMessage = errMsg
	e.emitter.Emit(ctx, ev)
}

// persistResult merges the phase result into the state document: the typed
// phase_results entry plus the external_<phase>_results passthrough block
// read by downstream phases.
func (e *Executor) persistResult(workflowID string, spec phase.Spec, result *state.PhaseResult) error {
	ws, err := e.store.Load(workflowID)
	if err != nil {
		return err
	}
	if ws.PhaseResults == nil {
		ws.PhaseResults = make(map[string]state.PhaseResult)
	}
	ws.PhaseResults[string(spec.Name)] = *result

	if spec.Mode == phase.ModeTool {
		if err := ws.SetResultBlock(fmt.Sprintf("external_%s_results", spec.Name), result); err != nil {
			return err
		}
	}
	return e.store.Save(ws, "phase_result:"+string(spec.Name))
}
