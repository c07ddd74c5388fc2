// Package agent runs coding-agent phases through the agent CLI in headless
// mode. The runner is a capability interface so the executor and tests stay
// independent of the concrete CLI.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/tidwall/gjson"

	adwerrors "github.com/randalmurphal/adw/internal/errors"
)

// Request describes one agent run. WorkingDir is mandatory: every phase runs
// inside its workflow's worktree, never the main checkout.
type Request struct {
	Prompt     string
	WorkingDir string
	Model      string
	SessionID  string
	Resume     bool
	MaxTurns   int
}

// Result is the structured outcome of an agent run.
type Result struct {
	Output     string
	SessionID  string
	NumTurns   int
	CostUSD    float64
	TokensUsed int
	Duration   time.Duration
	IsError    bool
	ErrorText  string
}

// Runner executes agent prompts.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// CLIRunner shells out to the agent CLI in headless mode with JSON output.
type CLIRunner struct {
	cliPath string
	logger  *slog.Logger
}

// NewCLIRunner creates a runner for the CLI at cliPath ("claude" by default).
func NewCLIRunner(cliPath string, logger *slog.Logger) *CLIRunner {
	if cliPath == "" {
		cliPath = "claude"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIRunner{cliPath: cliPath, logger: logger}
}

// Run executes the prompt and parses the CLI's JSON result envelope.
func (r *CLIRunner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.WorkingDir == "" {
		return nil, fmt.Errorf("agent run requires a working directory")
	}
	if req.Prompt == "" {
		return nil, fmt.Errorf("agent run requires a prompt")
	}

	args := []string{
		"-p", req.Prompt,
		"--output-format", "json",
		"--dangerously-skip-permissions",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SessionID != "" {
		if req.Resume {
			args = append(args, "--resume", req.SessionID)
		} else {
			args = append(args, "--session-id", req.SessionID)
		}
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprintf("%d", req.MaxTurns))
	}

	cmd := exec.CommandContext(ctx, r.cliPath, args...)
	cmd.Dir = req.WorkingDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// On cancellation, SIGTERM the process group and give it 10 s before
	// the runtime falls back to SIGKILL.
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		}
		return nil
	}
	cmd.WaitDelay = 10 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	r.logger.Info("agent run starting",
		"workdir", req.WorkingDir, "model", req.Model, "resume", req.Resume)

	err := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return nil, adwerrors.ErrTimeout("agent", elapsed.Round(time.Second).String())
	}
	if ctx.Err() == context.Canceled {
		return nil, context.Canceled
	}
	if err != nil {
		return nil, adwerrors.ErrAgentFailure("agent",
			fmt.Sprintf("%v: %s", err, truncate(stderr.String(), 500)))
	}

	result := parseEnvelope(stdout.String())
	result.Duration = elapsed

	r.logger.Info("agent run finished",
		"duration", elapsed.Round(time.Second),
		"turns", result.NumTurns,
		"cost_usd", result.CostUSD,
		"is_error", result.IsError)
	return result, nil
}

// parseEnvelope extracts the fields of the CLI's JSON result envelope. The
// envelope shape drifts across CLI versions, so probing with gjson keeps the
// runner tolerant of additions.
func parseEnvelope(stdout string) *Result {
	out := strings.TrimSpace(stdout)
	res := &Result{Output: out}

	if !gjson.Valid(out) {
		res.IsError = true
		res.ErrorText = "agent CLI emitted non-JSON output"
		return res
	}

	doc := gjson.Parse(out)
	if v := doc.Get("result"); v.Exists() {
		res.Output = v.String()
	}
	res.SessionID = doc.Get("session_id").String()
	res.NumTurns = int(doc.Get("num_turns").Int())
	res.CostUSD = doc.Get("total_cost_usd").Float()
	res.TokensUsed = int(doc.Get("usage.input_tokens").Int() + doc.Get("usage.output_tokens").Int())
	if doc.Get("is_error").Bool() || doc.Get("subtype").String() == "error" {
		res.IsError = true
		res.ErrorText = res.Output
	}
	return res
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
