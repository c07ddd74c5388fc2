// Package orchestrator runs whole workflows: issue in, merged-ready branch
// out. It owns the setup pipeline (quota check, classification, port
// reservation, worktree creation), dispatches phases either directly
// (lightweight template) or through the queue and coordinator, and settles
// the workflow afterwards (summary comment, port release, teardown).
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/randalmurphal/adw/internal/classify"
	"github.com/randalmurphal/adw/internal/coordinator"
	adwerrors "github.com/randalmurphal/adw/internal/errors"
	"github.com/randalmurphal/adw/internal/events"
	"github.com/randalmurphal/adw/internal/executor"
	"github.com/randalmurphal/adw/internal/hosting"
	"github.com/randalmurphal/adw/internal/phase"
	"github.com/randalmurphal/adw/internal/portpool"
	"github.com/randalmurphal/adw/internal/queue"
	"github.com/randalmurphal/adw/internal/state"
	"github.com/randalmurphal/adw/internal/tracker"
	"github.com/randalmurphal/adw/internal/worktree"
)

// QuotaChecker is the slice of the rate-limit guard the orchestrator needs.
type QuotaChecker interface {
	Check(ctx context.Context) error
}

// Orchestrator wires the engine components into the workflow pipeline.
type Orchestrator struct {
	store      *state.Store
	classifier *classify.Classifier
	ports      *portpool.Pool
	trees      *worktree.Manager
	queue      *queue.Queue
	exec       *executor.Executor
	coord      *coordinator.Coordinator
	progress   *tracker.Tracker
	emitter    *events.Emitter
	host       hosting.Host // nil when running without a code host
	guard      QuotaChecker // nil disables the pre-flight quota check
	baseBranch string
	interval   time.Duration
	strict     bool
	logger     *slog.Logger
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Store      *state.Store
	Classifier *classify.Classifier
	Ports      *portpool.Pool
	Trees      *worktree.Manager
	Queue      *queue.Queue
	Executor   *executor.Executor
	Coord      *coordinator.Coordinator
	Progress   *tracker.Tracker
	Emitter    *events.Emitter
	Host       hosting.Host
	Guard      QuotaChecker
	BaseBranch string
	// PollInterval paces the queued-template drive loop. Zero means the
	// coordinator's default.
	PollInterval time.Duration
	// Strict makes soft phase failures fail the workflow. The queued path
	// needs the same setting on the coordinator.
	Strict bool
	Logger *slog.Logger
}

// New creates an orchestrator.
func New(d Deps) *Orchestrator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseBranch := d.BaseBranch
	if baseBranch == "" {
		baseBranch = "main"
	}
	interval := d.PollInterval
	if interval <= 0 {
		interval = coordinator.DefaultPollInterval / 4
	}
	return &Orchestrator{
		store:      d.Store,
		classifier: d.Classifier,
		ports:      d.Ports,
		trees:      d.Trees,
		queue:      d.Queue,
		exec:       d.Executor,
		coord:      d.Coord,
		progress:   d.Progress,
		emitter:    d.Emitter,
		host:       d.Host,
		guard:      d.Guard,
		baseBranch: baseBranch,
		interval:   interval,
		strict:     d.Strict,
		logger:     logger,
	}
}

// Options adjust a single workflow run.
type Options struct {
	// WorkflowID resumes an existing workflow instead of starting fresh.
	WorkflowID string
	// Template overrides the classifier's template choice. Deprecated
	// template tokens forward to their targets.
	Template string
	// Phases restricts the run to the named phases, for per-phase commands.
	Phases []phase.Name
	// SkipVerify drops the verify phase, for runs without an e2e target.
	SkipVerify bool
	// SkipReview drops the agent review pass.
	SkipReview bool
	// SkipExternal drops tool-mode phases entirely, for repositories
	// without the external tool suite installed.
	SkipExternal bool
}

// skips reports whether a phase is excluded by the run options.
func (o Options) skips(name phase.Name) bool {
	if o.SkipVerify && name == phase.Verify {
		return true
	}
	if o.SkipReview && name == phase.Review {
		return true
	}
	if o.SkipExternal {
		if spec, err := phase.Lookup(name); err == nil && spec.Mode == phase.ModeTool {
			return true
		}
	}
	return false
}

// Run drives one workflow to a terminal state. The returned id identifies
// the workflow whether it succeeded or not.
func (o *Orchestrator) Run(ctx context.Context, issueID string, opts Options) (string, error) {
	if o.guard != nil {
		if err := o.guard.Check(ctx); err != nil {
			return "", err
		}
	}

	issue := o.fetchIssue(ctx, issueID)

	workflowID, err := o.store.Ensure(opts.WorkflowID, issueID)
	if err != nil {
		return "", err
	}
	log := o.logger.With("workflow_id", workflowID, "issue_id", issueID)

	tmpl, result, err := o.resolveTemplate(issue, issueID, opts.Template)
	if err != nil {
		return workflowID, err
	}
	log.Info("workflow classified",
		"level", result.Level, "template", tmpl.Name,
		"cost_min_usd", result.MinCostUSD, "cost_max_usd", result.MaxCostUSD)

	if err := o.prepare(workflowID, issue, issueID, tmpl.Name, result); err != nil {
		o.settleFailure(ctx, workflowID, issueID, err)
		return workflowID, err
	}

	o.emitWorkflowEvent(ctx, events.EventWorkflowStarted, workflowID, issueID, "")

	remaining, err := o.remainingPhases(workflowID, tmpl, opts)
	if err != nil {
		return workflowID, err
	}
	if len(remaining) == 0 {
		log.Info("workflow already complete, nothing to run")
		return workflowID, nil
	}

	if tmpl.Direct {
		err = o.runDirect(ctx, workflowID, tmpl, remaining)
	} else {
		err = o.runQueued(ctx, workflowID, issueID, tmpl, remaining)
	}

	o.settle(ctx, workflowID, issueID, err)
	return workflowID, err
}

// fetchIssue reads the issue from the host when possible. Free-text
// requests and hostless runs classify on the id alone.
func (o *Orchestrator) fetchIssue(ctx context.Context, issueID string) *hosting.Issue {
	if o.host == nil {
		return nil
	}
	number, err := strconv.Atoi(issueID)
	if err != nil {
		return nil
	}
	issue, err := o.host.GetIssue(ctx, number)
	if err != nil {
		o.logger.Warn("issue fetch failed, classifying on id alone",
			"issue_id", issueID, "error", err)
		return nil
	}
	return issue
}

func (o *Orchestrator) resolveTemplate(issue *hosting.Issue, issueID, override string) (phase.Template, classify.Result, error) {
	in := classify.Input{IssueID: issueID}
	if issue != nil {
		in.Title = issue.Title
		in.Body = issue.Body
		in.TypeLabel = issue.TypeLabel()
	}
	result := o.classifier.Classify(in)

	name := result.Template
	if override != "" {
		name = override
		if target, deprecated, ok := phase.ResolveAlias(override); ok && deprecated {
			o.logger.Warn("deprecated template token, forwarding",
				"token", override, "target", target)
		}
	}

	tmpl, err := phase.TemplateByName(name)
	if err != nil {
		return phase.Template{}, result, adwerrors.ErrConfigInvalid("template", err.Error())
	}
	return tmpl, result, nil
}

// prepare reserves ports, creates the worktree, and records both in state.
func (o *Orchestrator) prepare(workflowID string, issue *hosting.Issue,
	issueID, templateName string, result classify.Result) error {

	ws, err := o.store.Load(workflowID)
	if err != nil {
		return err
	}

	ws.TemplateName = templateName
	if ws.Classification == "" {
		ws.Classification = result.Class
	}

	if ws.BackendPort == 0 {
		backend, frontend, err := o.ports.Reserve(workflowID)
		if err != nil {
			return err
		}
		ws.BackendPort = backend
		ws.FrontendPort = frontend
	}

	if ws.WorktreePath == "" {
		title := ""
		if issue != nil {
			title = issue.Title
		}
		branch := worktree.BranchName(ws.Classification, issueID, workflowID, title)
		path, err := o.trees.Create(workflowID, branch, o.baseBranch)
		if err != nil {
			return err
		}
		if err := o.trees.ConfigureEnv(path, ws.BackendPort, ws.FrontendPort); err != nil {
			return err
		}
		ws.BranchName = branch
		ws.WorktreePath = path
	}

	ws.Status = state.StatusRunning
	return o.store.Save(ws, "orchestrator_prepare")
}

// remainingPhases applies resume and the skip options: phases already
// recorded complete are dropped, then the option filters. An explicit
// phase list bypasses the template.
func (o *Orchestrator) remainingPhases(workflowID string, tmpl phase.Template,
	opts Options) ([]phase.Name, error) {

	list := tmpl.Phases
	if len(opts.Phases) > 0 {
		list = opts.Phases
	}

	var remaining []phase.Name
	for _, name := range list {
		if opts.skips(name) {
			continue
		}
		done, err := o.progress.IsCompleted(workflowID, name)
		if err != nil {
			return nil, err
		}
		if !done {
			remaining = append(remaining, name)
		}
	}
	return remaining, nil
}

// runDirect chains phases in-process, the lightweight path.
func (o *Orchestrator) runDirect(ctx context.Context, workflowID string,
	tmpl phase.Template, remaining []phase.Name) error {

	for _, name := range remaining {
		ws, err := o.store.Load(workflowID)
		if err != nil {
			return err
		}
		if ws.CancelRequested {
			if err := o.store.MarkTerminal(workflowID, state.StatusCancelled); err != nil {
				o.logger.Warn("terminal mark failed", "workflow_id", workflowID, "error", err)
			}
			o.emitWorkflowEvent(ctx, events.EventWorkflowCancelled, workflowID, ws.IssueID, "")
			return adwerrors.ErrCancelled(workflowID)
		}

		spec, err := phase.Lookup(name)
		if err != nil {
			return err
		}
		if err := o.progress.SetCurrent(workflowID, name); err != nil {
			o.logger.Warn("progress update failed", "workflow_id", workflowID, "error", err)
		}

		result, runErr := o.exec.Run(ctx, workflowID, spec, tmpl.Ordinal(name), executor.PhaseData{})
		if runErr != nil || result == nil || !result.Success {
			if phase.IsSoft(name) && !o.strict {
				o.logger.Warn("soft phase failed, continuing",
					"workflow_id", workflowID, "phase", name, "error", runErr)
				continue
			}
			if err := o.store.MarkTerminal(workflowID, state.StatusFailed); err != nil {
				o.logger.Warn("terminal mark failed", "workflow_id", workflowID, "error", err)
			}
			if runErr == nil {
				runErr = fmt.Errorf("phase %s failed", name)
			}
			o.emitWorkflowEvent(ctx, events.EventWorkflowFailed, workflowID, ws.IssueID, runErr.Error())
			return runErr
		}
		if err := o.progress.MarkCompleted(workflowID, name); err != nil {
			o.logger.Warn("progress mark failed", "workflow_id", workflowID, "error", err)
		}
	}

	if err := o.store.MarkTerminal(workflowID, state.StatusCompleted); err != nil {
		return err
	}
	o.emitWorkflowEvent(ctx, events.EventWorkflowCompleted, workflowID, "", "")
	return nil
}

// runQueued enqueues the remaining phases and drives the coordinator until
// the workflow settles.
func (o *Orchestrator) runQueued(ctx context.Context, workflowID, issueID string,
	tmpl phase.Template, remaining []phase.Name) error {

	records := make([]queue.Record, 0, len(remaining))
	for i, name := range remaining {
		r := queue.Record{
			WorkflowID:  workflowID,
			ParentIssue: issueID,
			PhaseNumber: tmpl.Ordinal(name),
			PhaseName:   string(name),
			Priority:    100,
		}
		if i > 0 {
			prev := tmpl.Ordinal(remaining[i-1])
			r.DependsOnPhase = &prev
		}
		records = append(records, r)
	}
	if _, err := o.queue.Enqueue(ctx, records); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		o.coord.Tick(ctx)

		ws, err := o.store.Load(workflowID)
		if err != nil {
			return err
		}
		if ws.Status.IsTerminal() {
			switch ws.Status {
			case state.StatusCompleted:
				return nil
			case state.StatusCancelled:
				return adwerrors.ErrCancelled(workflowID)
			default:
				return fmt.Errorf("workflow %s failed", workflowID)
			}
		}
		time.Sleep(o.interval)
	}
}

// settle posts the summary comment and releases per-workflow resources.
// The worktree survives failures for inspection.
func (o *Orchestrator) settle(ctx context.Context, workflowID, issueID string, runErr error) {
	ws, err := o.store.Load(workflowID)
	if err != nil {
		o.logger.Warn("settle: state load failed", "workflow_id", workflowID, "error", err)
		return
	}

	if ws.Status.IsTerminal() {
		o.postSummary(ctx, ws, issueID, runErr)
	}

	if released, err := o.ports.Release(workflowID); err != nil {
		o.logger.Warn("port release failed", "workflow_id", workflowID, "error", err)
	} else if released {
		o.logger.Info("ports released", "workflow_id", workflowID)
	}

	if ws.Status == state.StatusCompleted {
		if err := o.trees.Teardown(workflowID); err != nil {
			o.logger.Warn("worktree teardown failed", "workflow_id", workflowID, "error", err)
		}
	}
}

func (o *Orchestrator) settleFailure(ctx context.Context, workflowID, issueID string, cause error) {
	if err := o.store.MarkTerminal(workflowID, state.StatusFailed); err != nil {
		o.logger.Warn("terminal mark failed", "workflow_id", workflowID, "error", err)
	}
	o.emitWorkflowEvent(ctx, events.EventWorkflowFailed, workflowID, issueID, cause.Error())
	o.settle(ctx, workflowID, issueID, cause)
}

// postSummary comments the workflow outcome on the originating issue.
func (o *Orchestrator) postSummary(ctx context.Context, ws *state.WorkflowState,
	issueID string, runErr error) {

	if o.host == nil {
		return
	}
	number, err := strconv.Atoi(issueID)
	if err != nil {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Workflow %s: %s\n\n", ws.WorkflowID, ws.Status)
	fmt.Fprintf(&b, "Branch: `%s`\n\n", ws.BranchName)

	var totalCost float64
	for _, name := range []phase.Name{phase.Plan, phase.Validate, phase.Build,
		phase.Lint, phase.Test, phase.Review, phase.Document, phase.Ship,
		phase.Cleanup, phase.Verify} {
		r, ok := ws.PhaseResults[string(name)]
		if !ok {
			continue
		}
		mark := "x"
		if !r.Success {
			mark = " "
		}
		fmt.Fprintf(&b, "- [%s] %s (%.0fs", mark, name, r.DurationSeconds)
		if r.CostUSD > 0 {
			fmt.Fprintf(&b, ", $%.2f", r.CostUSD)
		}
		b.WriteString(")\n")
		totalCost += r.CostUSD
	}
	if totalCost > 0 {
		fmt.Fprintf(&b, "\nTotal cost: $%.2f\n", totalCost)
	}
	if runErr != nil {
		fmt.Fprintf(&b, "\nFailure: %s\n", runErr)
	}

	if err := o.host.PostIssueComment(ctx, number, b.String()); err != nil {
		o.logger.Warn("summary comment failed",
			"workflow_id", ws.WorkflowID, "issue_id", issueID, "error", err)
	}
}

func (o *Orchestrator) emitWorkflowEvent(ctx context.Context, eventType events.EventType,
	workflowID, issueID, errMsg string) {

	if o.emitter == nil {
		return
	}
	ev := events.New(eventType, workflowID)
	ev.IssueID = issueID
	ev.ErrorMessage = errMsg
	o.emitter.Emit(ctx, ev)
}

// Cancel requests cancellation of a running workflow. The flag is honored
// by whichever loop is driving it.
func (o *Orchestrator) Cancel(workflowID string) error {
	if _, err := o.store.Load(workflowID); err != nil {
		return err
	}
	return o.store.RequestCancel(workflowID)
}

// Resume re-runs a workflow from its first unfinished phase.
func (o *Orchestrator) Resume(ctx context.Context, workflowID string) (string, error) {
	ws, err := o.store.Load(workflowID)
	if err != nil {
		return "", err
	}
	if ws.Status == state.StatusCompleted {
		return workflowID, nil
	}
	// Clear a stale terminal status so the run loop can restart.
	if err := o.store.Update(workflowID, map[string]any{
		"status":           state.StatusPending,
		"end_time":         nil,
		"cancel_requested": false,
	}, "resume_reset"); err != nil {
		return "", err
	}
	return o.Run(ctx, ws.IssueID, Options{WorkflowID: workflowID, Template: ws.TemplateName})
}
