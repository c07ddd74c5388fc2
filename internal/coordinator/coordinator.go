// Package coordinator drives queued workflows to completion. A single
// coordinator per scope (enforced by an advisory file lock) polls the phase
// queue, spawns ready phases through the executor, and applies the
// completion rules: success triggers the next phase, hard failure blocks
// every dependent, soft failure lets the chain continue.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	adwerrors "github.com/randalmurphal/adw/internal/errors"
	"github.com/randalmurphal/adw/internal/events"
	"github.com/randalmurphal/adw/internal/executor"
	"github.com/randalmurphal/adw/internal/lock"
	"github.com/randalmurphal/adw/internal/phase"
	"github.com/randalmurphal/adw/internal/queue"
	"github.com/randalmurphal/adw/internal/state"
	"github.com/randalmurphal/adw/internal/tracker"
)

// DefaultPollInterval is the queue polling cadence.
const DefaultPollInterval = 2 * time.Second

// DefaultMaxConcurrent bounds simultaneously running phases.
const DefaultMaxConcurrent = 4

// Coordinator polls the queue and supervises phase execution.
type Coordinator struct {
	queue    *queue.Queue
	exec     *executor.Executor
	store    *state.Store
	progress *tracker.Tracker
	emitter  *events.Emitter
	locker   *lock.FileLocker
	interval time.Duration
	strict   bool
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[int64]context.CancelFunc // queue id -> phase cancel
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPollInterval overrides the polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithStrict makes soft phase failures fail the workflow instead of
// letting the chain continue. Wired from the stop_on_lint_failure setting.
func WithStrict(strict bool) Option {
	return func(c *Coordinator) { c.strict = strict }
}

// New creates a coordinator. locker may be nil when single-instance
// enforcement is handled elsewhere (direct-chained workflows, tests).
func New(q *queue.Queue, exec *executor.Executor, store *state.Store,
	progress *tracker.Tracker, emitter *events.Emitter,
	locker *lock.FileLocker, opts ...Option) *Coordinator {

	c := &Coordinator{
		queue:    q,
		exec:     exec,
		store:    store,
		progress: progress,
		emitter:  emitter,
		locker:   locker,
		interval: DefaultPollInterval,
		logger:   slog.Default(),
		inflight: make(map[int64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run polls until ctx is cancelled. It returns immediately when another
// coordinator holds the lock.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.locker != nil {
		if err := c.locker.Acquire(); err != nil {
			return fmt.Errorf("coordinator already running: %w", err)
		}
		defer func() { _ = c.locker.Release() }()

		hb := lock.NewHeartbeatRunner(c.locker, 0)
		hb.Start(ctx)
		defer hb.Stop()
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(DefaultMaxConcurrent)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("coordinator started", "poll_interval", c.interval)
	for {
		select {
		case <-ctx.Done():
			_ = group.Wait()
			c.logger.Info("coordinator stopped")
			return ctx.Err()
		case <-ticker.C:
			c.tick(groupCtx, group)
		}
	}
}

// Tick runs one polling pass on its own bounded group and waits for the
// phases it spawned. It is the synchronous entry used by direct-chained
// workflows and tests, and is safe to call while Run polls: each caller
// supervises only the phases it started.
func (c *Coordinator) Tick(ctx context.Context) {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(DefaultMaxConcurrent)
	c.tick(groupCtx, group)
	_ = group.Wait()
}

func (c *Coordinator) tick(ctx context.Context, group *errgroup.Group) {
	c.honorCancellations(ctx)

	for {
		record, err := c.queue.NextReady(ctx)
		if err != nil {
			c.logger.Warn("queue poll failed", "error", err)
			return
		}
		if record == nil {
			return
		}
		if err := c.spawn(ctx, group, record); err != nil {
			c.logger.Warn("phase spawn failed",
				"workflow_id", record.WorkflowID, "phase", record.PhaseName, "error", err)
			return
		}
	}
}

// honorCancellations cancels in-flight phases of workflows whose state has
// cancel_requested set, and marks those workflows terminal.
func (c *Coordinator) honorCancellations(ctx context.Context) {
	c.mu.Lock()
	byWorkflow := make(map[string][]context.CancelFunc)
	for id, cancel := range c.inflight {
		record, err := c.queue.Get(ctx, id)
		if err != nil {
			continue
		}
		byWorkflow[record.WorkflowID] = append(byWorkflow[record.WorkflowID], cancel)
	}
	c.mu.Unlock()

	for workflowID, cancels := range byWorkflow {
		ws, err := c.store.Load(workflowID)
		if err != nil || !ws.CancelRequested {
			continue
		}
		c.logger.Info("cancelling workflow", "workflow_id", workflowID)
		for _, cancel := range cancels {
			cancel()
		}
		if _, err := c.queue.CancelWorkflow(ctx, workflowID, "cancel requested"); err != nil {
			c.logger.Warn("queue cancel failed", "workflow_id", workflowID, "error", err)
		}
		if err := c.store.MarkTerminal(workflowID, state.StatusCancelled); err != nil {
			c.logger.Warn("terminal mark failed", "workflow_id", workflowID, "error", err)
		}
		c.emitWorkflow(ctx, events.EventWorkflowCancelled, ws, "cancel requested")
	}
}

// spawn marks the record running and executes it on the caller's bounded group.
func (c *Coordinator) spawn(ctx context.Context, group *errgroup.Group, record *queue.Record) error {
	// Cancellation is honored before every spawn.
	ws, err := c.store.Load(record.WorkflowID)
	if err != nil {
		return err
	}
	if ws.CancelRequested {
		if _, err := c.queue.CancelWorkflow(ctx, record.WorkflowID, "cancel requested"); err != nil {
			return err
		}
		if err := c.store.MarkTerminal(record.WorkflowID, state.StatusCancelled); err != nil {
			c.logger.Warn("terminal mark failed", "workflow_id", record.WorkflowID, "error", err)
		}
		c.emitWorkflow(ctx, events.EventWorkflowCancelled, ws, "cancel requested")
		return nil
	}

	if err := c.queue.Mark(ctx, record.QueueID, queue.StatusRunning, ""); err != nil {
		return err
	}

	phaseCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.inflight[record.QueueID] = cancel
	c.mu.Unlock()

	group.Go(func() error {
		defer func() {
			cancel()
			c.mu.Lock()
			delete(c.inflight, record.QueueID)
			c.mu.Unlock()
		}()
		c.execute(phaseCtx, record)
		return nil
	})
	return nil
}

// execute runs one phase and applies the completion rules.
func (c *Coordinator) execute(ctx context.Context, record *queue.Record) {
	name := phase.Name(record.PhaseName)
	spec, err := phase.Lookup(name)
	if err != nil {
		c.failHard(ctx, record, err)
		return
	}

	data, err := executor.ParsePhaseData(record.PhaseData)
	if err != nil {
		c.failHard(ctx, record, err)
		return
	}

	if err := c.progress.SetCurrent(record.WorkflowID, name); err != nil {
		c.logger.Warn("progress update failed", "workflow_id", record.WorkflowID, "error", err)
	}

	result, runErr := c.exec.Run(ctx, record.WorkflowID, spec, record.PhaseNumber, data)

	switch {
	case runErr == nil && result != nil && result.Success:
		c.complete(ctx, record, name)
	case adwerrors.AsADWError(runErr) != nil &&
		adwerrors.AsADWError(runErr).Code == adwerrors.CodeCancelled:
		// The cancellation pass owns queue and state transitions.
		c.logger.Info("phase cancelled", "workflow_id", record.WorkflowID, "phase", name)
	case phase.IsSoft(name) && !c.strict:
		c.failSoft(ctx, record, name, runErr)
	default:
		c.failHard(ctx, record, runErr)
	}
}

func (c *Coordinator) complete(ctx context.Context, record *queue.Record, name phase.Name) {
	if err := c.progress.MarkCompleted(record.WorkflowID, name); err != nil {
		c.logger.Warn("progress mark failed", "workflow_id", record.WorkflowID, "error", err)
	}

	promoted, err := c.queue.TriggerNext(ctx, record.QueueID)
	if err != nil {
		c.logger.Warn("trigger next failed",
			"workflow_id", record.WorkflowID, "phase", name, "error", err)
		return
	}
	if promoted == nil {
		c.finishWorkflow(ctx, record.WorkflowID)
	}
}

// failSoft records the failure but keeps the chain moving.
func (c *Coordinator) failSoft(ctx context.Context, record *queue.Record, name phase.Name, runErr error) {
	msg := "soft phase failed"
	if runErr != nil {
		msg = runErr.Error()
	}
	c.logger.Warn("soft phase failed, continuing",
		"workflow_id", record.WorkflowID, "phase", name, "error", msg)

	if err := c.queue.Mark(ctx, record.QueueID, queue.StatusFailed, msg); err != nil {
		c.logger.Warn("soft fail mark failed", "workflow_id", record.WorkflowID, "error", err)
	}
	promoted, err := c.queue.ContinueAfter(ctx, record.QueueID)
	if err != nil {
		c.logger.Warn("continue after soft failure failed",
			"workflow_id", record.WorkflowID, "error", err)
		return
	}
	if promoted == nil {
		c.finishWorkflow(ctx, record.WorkflowID)
	}
}

// failHard blocks every dependent and marks the workflow failed.
func (c *Coordinator) failHard(ctx context.Context, record *queue.Record, runErr error) {
	msg := "phase failed"
	if runErr != nil {
		msg = runErr.Error()
	}

	if _, err := c.queue.BlockDependents(ctx, record.QueueID, msg); err != nil {
		c.logger.Warn("block dependents failed",
			"workflow_id", record.WorkflowID, "error", err)
	}
	if err := c.store.MarkTerminal(record.WorkflowID, state.StatusFailed); err != nil {
		c.logger.Warn("terminal mark failed", "workflow_id", record.WorkflowID, "error", err)
	}

	ws, err := c.store.Load(record.WorkflowID)
	if err == nil {
		c.emitWorkflow(ctx, events.EventWorkflowFailed, ws, msg)
	}
}

// finishWorkflow marks a workflow whose last phase completed.
func (c *Coordinator) finishWorkflow(ctx context.Context, workflowID string) {
	if err := c.store.MarkTerminal(workflowID, state.StatusCompleted); err != nil {
		c.logger.Warn("terminal mark failed", "workflow_id", workflowID, "error", err)
		return
	}
	ws, err := c.store.Load(workflowID)
	if err == nil {
		c.emitWorkflow(ctx, events.EventWorkflowCompleted, ws, "")
	}
	c.logger.Info("workflow completed", "workflow_id", workflowID)
}

func (c *Coordinator) emitWorkflow(ctx context.Context, eventType events.EventType,
	ws *state.WorkflowState, errMsg string) {

	if c.emitter == nil {
		return
	}
	ev := events.New(eventType, ws.WorkflowID)
	ev.IssueID = ws.IssueID
	ev.Status = string(ws.Status)
	ev.ErrorMessage = errMsg
	if ws.EndTime != nil {
		ev.DurationSeconds = ws.EndTime.Sub(ws.StartTime).Seconds()
	}
	c.emitter.Emit(ctx, ev)
}
