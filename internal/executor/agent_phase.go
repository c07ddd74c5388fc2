package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/randalmurphal/adw/internal/agent"
	adwerrors "github.com/randalmurphal/adw/internal/errors"
	"github.com/randalmurphal/adw/internal/phase"
	"github.com/randalmurphal/adw/internal/state"
)

// promptTemplates are the per-phase instructions handed to the agent runner.
// The workflow context (issue, branch, prior results) is appended at run
// time.
var promptTemplates = map[string]string{
	"plan": "Read the issue below and write an implementation plan to " +
		"plans/<issue>.md: affected files, ordered steps, test strategy, risks.",
	"review": "Review the changes on this branch against the plan. Post " +
		"findings as a markdown report in reviews/<issue>.md; flag blocking issues.",
	"document": "Update documentation affected by the changes on this branch: " +
		"README sections, doc comments, changelog entry.",
	"ship": "Prepare this branch for merge: commit outstanding changes, push, " +
		"and open a pull request describing the change and its verification.",
	"cleanup": "Resolve review feedback on the open pull request, squash " +
		"fixup commits, and bring the branch up to date with its base.",
}

// runAgent executes an agent-mode phase in the workflow's worktree.
func (e *Executor) runAgent(ctx context.Context, ws *state.WorkflowState,
	spec phase.Spec, data PhaseData) (*state.PhaseResult, error) {

	prompt, err := e.buildPrompt(ws, spec, data)
	if err != nil {
		return nil, err
	}

	res, err := e.runner.Run(ctx, agent.Request{
		Prompt:     prompt,
		WorkingDir: ws.WorktreePath,
	})
	if err != nil {
		return &state.PhaseResult{Success: false, Details: err.Error()}, err
	}

	result := &state.PhaseResult{
		Success:    !res.IsError,
		TokensUsed: res.TokensUsed,
		CostUSD:    res.CostUSD,
		Details:    truncateDetails(res.Output),
	}
	if res.IsError {
		return result, adwerrors.ErrAgentFailure(string(spec.Name), truncateDetails(res.ErrorText))
	}
	return result, nil
}

func (e *Executor) buildPrompt(ws *state.WorkflowState, spec phase.Spec, data PhaseData) (string, error) {
	tmpl, ok := promptTemplates[spec.Prompt]
	if !ok {
		return "", fmt.Errorf("phase %s has no prompt template %q", spec.Name, spec.Prompt)
	}

	var b strings.Builder
	b.WriteString(tmpl)
	fmt.Fprintf(&b, "\n\nWorkflow: %s\nIssue: %s\nBranch: %s\n",
		ws.WorkflowID, ws.IssueID, ws.BranchName)
	if ws.BackendPort != 0 {
		fmt.Fprintf(&b, "Backend port: %d\nFrontend port: %d\n", ws.BackendPort, ws.FrontendPort)
	}
	if data.PromptExtra != "" {
		b.WriteString("\n")
		b.WriteString(data.PromptExtra)
		b.WriteString("\n")
	}

	// Prior phase summaries give later phases their context.
	for _, name := range []phase.Name{phase.Plan, phase.Build, phase.Test, phase.Review} {
		if name == spec.Name {
			break
		}
		if prior, ok := ws.PhaseResults[string(name)]; ok && prior.Details != "" {
			fmt.Fprintf(&b, "\n%s result:\n%s\n", name, prior.Details)
		}
	}
	return b.String(), nil
}

const maxDetailsLen = 4000

func truncateDetails(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxDetailsLen {
		return s
	}
	return s[:maxDetailsLen] + "\n[truncated]"
}
