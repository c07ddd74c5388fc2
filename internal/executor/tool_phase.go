package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/tidwall/gjson"

	adwerrors "github.com/randalmurphal/adw/internal/errors"
	"github.com/randalmurphal/adw/internal/events"
	"github.com/randalmurphal/adw/internal/phase"
	"github.com/randalmurphal/adw/internal/safety"
	"github.com/randalmurphal/adw/internal/state"
)

// toolGrace is how long a SIGTERMed tool gets before SIGKILL.
const toolGrace = 10 * time.Second

// runTool executes a tool-mode phase as an external subprocess. The tool
// prints one JSON summary object on stdout; everything else is a contract
// violation.
func (e *Executor) runTool(ctx context.Context, ws *state.WorkflowState,
	spec phase.Spec, data PhaseData) (*state.PhaseResult, error) {

	args := append([]string{ws.WorkflowID}, data.ToolArgs...)

	if e.gate != nil {
		cmdLine := spec.Tool + " " + strings.Join(args, " ")
		raw, _ := json.Marshal(map[string]string{"command": cmdLine})
		decision := e.gate.Evaluate(safety.Input{ToolName: "Bash", ToolInput: raw})
		if !decision.Allowed() {
			e.emitSafetyBlock(ctx, ws, spec, decision)
			return nil, adwerrors.ErrSafetyBlocked(spec.Tool, decision.Reason)
		}
	}

	cmd := exec.CommandContext(ctx, spec.Tool, args...)
	cmd.Dir = ws.WorktreePath
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("ADW_WORKFLOW_ID=%s", ws.WorkflowID),
		fmt.Sprintf("ADW_ISSUE_ID=%s", ws.IssueID),
		fmt.Sprintf("BACKEND_PORT=%d", ws.BackendPort),
		fmt.Sprintf("FRONTEND_PORT=%d", ws.FrontendPort),
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		}
		return nil
	}
	cmd.WaitDelay = toolGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	e.logger.Info("tool phase starting",
		"workflow_id", ws.WorkflowID, "phase", spec.Name, "tool", spec.Tool)
	runErr := cmd.Run()
	elapsed := time.Since(start)

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	e.emitToolCall(ctx, ws, spec, elapsed, exitCode)

	if ctx.Err() == context.DeadlineExceeded {
		result := &state.PhaseResult{
			Success: false,
			Details: truncateDetails(stderr.String()),
		}
		return result, adwerrors.ErrTimeout(string(spec.Name), elapsed.Round(time.Second).String())
	}

	result, parseErr := parseToolOutput(spec, stdout.String())
	if parseErr != nil {
		// An unparseable contract is reported as a tool failure carrying
		// the raw stdout so the operator can see what the tool emitted.
		result = &state.PhaseResult{
			Success: false,
			Details: truncateDetails(stdout.String() + "\n" + stderr.String()),
		}
		return result, adwerrors.ErrToolFailure(spec.Tool, exitCode).
			WithCause(parseErr)
	}

	if runErr != nil && result.Success {
		// Exit code and summary disagree; trust the exit code.
		result.Success = false
	}
	if !result.Success {
		return result, adwerrors.ErrToolFailure(spec.Tool, exitCode)
	}
	return result, nil
}

// parseToolOutput decodes the tool summary contract:
//
//	{"success": bool, "summary": {...}, "errors": [...], "next_steps": [...]}
//
// gjson probing tolerates extra fields from newer tool versions.
func parseToolOutput(spec phase.Spec, stdout string) (*state.PhaseResult, error) {
	out := strings.TrimSpace(stdout)
	if out == "" || !gjson.Valid(out) {
		return nil, adwerrors.ErrSchemaMismatch(spec.Tool, truncateDetails(out))
	}

	doc := gjson.Parse(out)
	success := doc.Get("success")
	if !success.Exists() {
		return nil, adwerrors.ErrSchemaMismatch(spec.Tool, truncateDetails(out))
	}

	result := &state.PhaseResult{Success: success.Bool()}

	if summary := doc.Get("summary"); summary.IsObject() {
		result.Summary = make(map[string]float64)
		summary.ForEach(func(key, value gjson.Result) bool {
			result.Summary[key.String()] = value.Float()
			return true
		})
	}

	// Tool generations disagree on key names: the diagnostics list arrives
	// as "errors" or "failures", the kind as "kind", "rule", or "error_type".
	diags := doc.Get("errors")
	if !diags.Exists() {
		diags = doc.Get("failures")
	}
	diags.ForEach(func(_, item gjson.Result) bool {
		kind := item.Get("kind").String()
		if kind == "" {
			kind = item.Get("rule").String()
		}
		if kind == "" {
			kind = item.Get("error_type").String()
		}
		result.Errors = append(result.Errors, state.ToolError{
			File:     item.Get("file").String(),
			Line:     int(item.Get("line").Int()),
			Column:   int(item.Get("column").Int()),
			Kind:     kind,
			Severity: item.Get("severity").String(),
			Message:  item.Get("message").String(),
			Fixable:  item.Get("fixable").Bool(),
		})
		return true
	})

	doc.Get("next_steps").ForEach(func(_, item gjson.Result) bool {
		result.NextSteps = append(result.NextSteps, item.String())
		return true
	})

	if details := doc.Get("details"); details.Exists() {
		result.Details = truncateDetails(details.String())
	}
	return result, nil
}

func (e *Executor) emitToolCall(ctx context.Context, ws *state.WorkflowState,
	spec phase.Spec, elapsed time.Duration, exitCode int) {

	if e.emitter == nil {
		return
	}
	ev := events.New(events.EventToolCall, ws.WorkflowID)
	ev.IssueID = ws.IssueID
	ev.PhaseName = string(spec.Name)
	ev.DurationSeconds = elapsed.Seconds()
	raw, _ := json.Marshal(map[string]any{"tool": spec.Tool, "exit_code": exitCode})
	ev.Context = raw
	e.emitter.Emit(ctx, ev)
}

func (e *Executor) emitSafetyBlock(ctx context.Context, ws *state.WorkflowState,
	spec phase.Spec, decision safety.Decision) {

	if e.emitter == nil {
		return
	}
	ev := events.New(events.EventSafetyBlock, ws.WorkflowID)
	ev.IssueID = ws.IssueID
	ev.PhaseName = string(spec.Name)
	ev.ErrorMessage = decision.Reason
	raw, _ := json.Marshal(decision)
	ev.Context = raw
	e.emitter.Emit(ctx, ev)
}
