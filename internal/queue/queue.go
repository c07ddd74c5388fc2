// Package queue provides the durable phase queue and dependency tracker.
// Each workflow's phases form a linear chain of records whose statuses
// follow a fixed state machine; all mutations run in single transactions.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/randalmurphal/adw/internal/db"
	adwerrors "github.com/randalmurphal/adw/internal/errors"
)

// Status is the lifecycle state of a phase record.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true for absorbing statuses.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBlocked, StatusCancelled:
		return true
	}
	return false
}

// validTransitions is the phase state machine. Terminal statuses have no
// outgoing edges.
var validTransitions = map[Status][]Status{
	StatusQueued:  {StatusReady, StatusBlocked, StatusCancelled},
	StatusReady:   {StatusRunning, StatusBlocked, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusBlocked},
}

func transitionValid(from, to Status) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Record is one (workflow, phase) queue entry.
type Record struct {
	QueueID        int64           `json:"queue_id"`
	WorkflowID     string          `json:"workflow_id"`
	ParentIssue    string          `json:"parent_issue"`
	PhaseNumber    int             `json:"phase_number"`
	PhaseName      string          `json:"phase_name"`
	DependsOnPhase *int            `json:"depends_on_phase,omitempty"`
	Status         Status          `json:"status"`
	Priority       int             `json:"priority"`
	PhaseData      json.RawMessage `json:"phase_data,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ReadyAt        *time.Time      `json:"ready_at,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}

// Queue is the durable phase queue.
type Queue struct {
	db *db.DB
}

// New creates a queue over the given database.
func New(database *db.DB) *Queue {
	return &Queue{db: database}
}

const recordColumns = `queue_id, workflow_id, parent_issue, phase_number, phase_name,
	depends_on_phase, status, priority, phase_data, created_at, updated_at,
	ready_at, started_at, completed_at, error_message`

// Enqueue inserts the workflow's phase records. All enter queued except the
// first phase, which enters ready immediately.
func (q *Queue) Enqueue(ctx context.Context, records []Record) ([]int64, error) {
	if len(records) == 0 {
		return nil, nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	ids := make([]int64, 0, len(records))
	for i, r := range records {
		status := StatusQueued
		var readyAt *time.Time
		if i == 0 {
			status = StatusReady
			readyAt = &now
		}
		data := r.PhaseData
		if len(data) == 0 {
			data = json.RawMessage("{}")
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO phase_queue
				(workflow_id, parent_issue, phase_number, phase_name,
				 depends_on_phase, status, priority, phase_data,
				 created_at, updated_at, ready_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.WorkflowID, r.ParentIssue, r.PhaseNumber, r.PhaseName,
			r.DependsOnPhase, string(status), r.Priority, string(data),
			formatTime(now), formatTime(now), formatTimePtr(readyAt))
		if err != nil {
			return nil, fmt.Errorf("insert phase %s: %w", r.PhaseName, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("last insert id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit enqueue: %w", err)
	}
	return ids, nil
}

// Get loads one record by queue id.
func (q *Queue) Get(ctx context.Context, queueID int64) (*Record, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM phase_queue WHERE queue_id = ?`, queueID)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("phase record %d not found", queueID)
	}
	return r, err
}

// ListWorkflow returns the workflow's records ordered by phase number.
func (q *Queue) ListWorkflow(ctx context.Context, workflowID string) ([]Record, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM phase_queue
		 WHERE workflow_id = ? ORDER BY phase_number`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list workflow phases: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// Mark transitions a record to a new status, validating against the state
// machine and stamping the matching timestamp. Invalid transitions are
// coordinator bugs and surface as errors.
func (q *Queue) Mark(ctx context.Context, queueID int64, newStatus Status, errorMessage string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark: %w", err)
	}
	defer tx.Rollback()

	if err := q.markTx(ctx, tx, queueID, newStatus, errorMessage); err != nil {
		return err
	}
	return tx.Commit()
}

func (q *Queue) markTx(ctx context.Context, tx *sql.Tx, queueID int64, newStatus Status, errorMessage string) error {
	row := tx.QueryRowContext(ctx,
		`SELECT status FROM phase_queue WHERE queue_id = ?`, queueID)
	var currentStr string
	if err := row.Scan(&currentStr); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("phase record %d not found", queueID)
		}
		return fmt.Errorf("read phase status: %w", err)
	}
	current := Status(currentStr)

	if !transitionValid(current, newStatus) {
		return adwerrors.ErrInvalidTransition(string(current), string(newStatus))
	}

	now := time.Now().UTC()
	set := `status = ?, updated_at = ?, error_message = ?`
	args := []any{string(newStatus), formatTime(now), errorMessage}

	switch newStatus {
	case StatusReady:
		set += `, ready_at = ?`
		args = append(args, formatTime(now))
	case StatusRunning:
		set += `, started_at = ?`
		args = append(args, formatTime(now))
	case StatusCompleted, StatusFailed, StatusBlocked, StatusCancelled:
		set += `, completed_at = ?`
		args = append(args, formatTime(now))
	}
	args = append(args, queueID)

	if _, err := tx.ExecContext(ctx,
		`UPDATE phase_queue SET `+set+` WHERE queue_id = ?`, args...); err != nil {
		return fmt.Errorf("update phase status: %w", err)
	}
	return nil
}

// NextReady returns the ready record with the highest priority, breaking
// ties by earliest creation. Returns nil when nothing is ready.
func (q *Queue) NextReady(ctx context.Context) (*Record, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM phase_queue
		 WHERE status = 'ready'
		 ORDER BY priority DESC, created_at ASC, queue_id ASC
		 LIMIT 1`)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// TriggerNext marks the record completed and promotes the next sibling
// phase in the same workflow to ready, if it is still queued. Returns the
// promoted queue id, or nil when the workflow has no next phase.
func (q *Queue) TriggerNext(ctx context.Context, completedID int64) (*int64, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin trigger: %w", err)
	}
	defer tx.Rollback()

	completed, err := q.getTx(ctx, tx, completedID)
	if err != nil {
		return nil, err
	}

	if completed.Status != StatusCompleted {
		if err := q.markTx(ctx, tx, completedID, StatusCompleted, ""); err != nil {
			return nil, err
		}
	}

	// Phase numbers are template ordinals and may have gaps when phases
	// were skipped, so "next" is the lowest number above the completed one.
	row := tx.QueryRowContext(ctx,
		`SELECT queue_id, status FROM phase_queue
		 WHERE workflow_id = ? AND phase_number > ?
		 ORDER BY phase_number LIMIT 1`,
		completed.WorkflowID, completed.PhaseNumber)

	var nextID int64
	var nextStatus string
	if err := row.Scan(&nextID, &nextStatus); err != nil {
		if err == sql.ErrNoRows {
			return nil, tx.Commit() // last phase of the workflow
		}
		return nil, fmt.Errorf("find next phase: %w", err)
	}

	if Status(nextStatus) == StatusQueued {
		if err := q.markTx(ctx, tx, nextID, StatusReady, ""); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return &nextID, nil
	}
	return nil, tx.Commit()
}

// ContinueAfter promotes the next queued sibling phase to ready without
// touching the record itself. Soft-phase failures use this: the record
// stays failed but the workflow keeps moving.
func (q *Queue) ContinueAfter(ctx context.Context, queueID int64) (*int64, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin continue: %w", err)
	}
	defer tx.Rollback()

	current, err := q.getTx(ctx, tx, queueID)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx,
		`SELECT queue_id, status FROM phase_queue
		 WHERE workflow_id = ? AND phase_number > ?
		 ORDER BY phase_number LIMIT 1`,
		current.WorkflowID, current.PhaseNumber)

	var nextID int64
	var nextStatus string
	if err := row.Scan(&nextID, &nextStatus); err != nil {
		if err == sql.ErrNoRows {
			return nil, tx.Commit()
		}
		return nil, fmt.Errorf("find next phase: %w", err)
	}

	if Status(nextStatus) == StatusQueued {
		if err := q.markTx(ctx, tx, nextID, StatusReady, ""); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return &nextID, nil
	}
	return nil, tx.Commit()
}

// BlockDependents marks the failing record failed and every later phase of
// the same workflow currently queued or ready as blocked with the reason.
// Returns the blocked queue ids in phase order.
func (q *Queue) BlockDependents(ctx context.Context, failedID int64, reason string) ([]int64, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin block: %w", err)
	}
	defer tx.Rollback()

	failed, err := q.getTx(ctx, tx, failedID)
	if err != nil {
		return nil, err
	}

	if failed.Status != StatusFailed {
		if err := q.markTx(ctx, tx, failedID, StatusFailed, reason); err != nil {
			return nil, err
		}
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT queue_id FROM phase_queue
		 WHERE workflow_id = ? AND phase_number > ? AND status IN ('queued', 'ready')
		 ORDER BY phase_number`,
		failed.WorkflowID, failed.PhaseNumber)
	if err != nil {
		return nil, fmt.Errorf("find dependents: %w", err)
	}

	var dependents []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dependents = append(dependents, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range dependents {
		if err := q.markTx(ctx, tx, id, StatusBlocked, reason); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return dependents, nil
}

// CancelWorkflow settles every non-terminal phase of the workflow. Queued
// and ready phases become cancelled; running phases become failed with the
// reason (the state machine has no running->cancelled edge; the executor
// process is terminated separately).
func (q *Queue) CancelWorkflow(ctx context.Context, workflowID, reason string) ([]int64, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin cancel: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT queue_id, status FROM phase_queue
		 WHERE workflow_id = ? AND status IN ('queued', 'ready', 'running')
		 ORDER BY phase_number`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("find cancellable phases: %w", err)
	}

	type pending struct {
		id     int64
		status Status
	}
	var targets []pending
	for rows.Next() {
		var p pending
		var statusStr string
		if err := rows.Scan(&p.id, &statusStr); err != nil {
			rows.Close()
			return nil, err
		}
		p.status = Status(statusStr)
		targets = append(targets, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var cancelled []int64
	for _, p := range targets {
		target := StatusCancelled
		if p.status == StatusRunning {
			target = StatusFailed
		}
		if err := q.markTx(ctx, tx, p.id, target, reason); err != nil {
			return nil, err
		}
		cancelled = append(cancelled, p.id)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cancelled, nil
}

func (q *Queue) getTx(ctx context.Context, tx *sql.Tx, queueID int64) (*Record, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM phase_queue WHERE queue_id = ?`, queueID)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("phase record %d not found", queueID)
	}
	return r, err
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var r Record
	var dependsOn sql.NullInt64
	var statusStr, phaseData, createdAt, updatedAt string
	var readyAt, startedAt, completedAt sql.NullString

	err := row.Scan(&r.QueueID, &r.WorkflowID, &r.ParentIssue, &r.PhaseNumber,
		&r.PhaseName, &dependsOn, &statusStr, &r.Priority, &phaseData,
		&createdAt, &updatedAt, &readyAt, &startedAt, &completedAt,
		&r.ErrorMessage)
	if err != nil {
		return nil, err
	}

	r.Status = Status(statusStr)
	r.PhaseData = json.RawMessage(phaseData)
	if dependsOn.Valid {
		n := int(dependsOn.Int64)
		r.DependsOnPhase = &n
	}

	r.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	r.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if r.ReadyAt, err = parseTimePtr(readyAt); err != nil {
		return nil, fmt.Errorf("parse ready_at: %w", err)
	}
	if r.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if r.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	return &r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
