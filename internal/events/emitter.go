package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/randalmurphal/adw/internal/db"
)

// EventsFileName is the per-workflow JSONL audit file.
const EventsFileName = "events.jsonl"

// Emitter persists events to every configured sink: the per-workflow JSONL
// file, the SQLite event log, and the HTTP observability endpoint. Every
// sink is best-effort: a failing sink is logged at Warn and never fails the
// workflow that emitted the event.
type Emitter struct {
	stateDir string
	database *db.DB
	endpoint string
	client   *http.Client
	pub      Publisher
	logger   *slog.Logger

	mu       sync.Mutex
	lastTime map[string]time.Time
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithDatabase adds the SQLite event-log sink.
func WithDatabase(database *db.DB) EmitterOption {
	return func(e *Emitter) { e.database = database }
}

// WithEndpoint adds the HTTP observability sink.
func WithEndpoint(endpoint string) EmitterOption {
	return func(e *Emitter) { e.endpoint = strings.TrimSuffix(endpoint, "/") }
}

// WithPublisher forwards every event to a live publisher.
func WithPublisher(pub Publisher) EmitterOption {
	return func(e *Emitter) { e.pub = pub }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) EmitterOption {
	return func(e *Emitter) { e.logger = logger }
}

// NewEmitter creates an emitter writing JSONL files under stateDir.
func NewEmitter(stateDir string, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		stateDir: stateDir,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   slog.Default(),
		lastTime: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit persists the event to every sink. Timestamps are forced monotonic
// per workflow so the audit trail sorts by time even when the clock steps.
func (e *Emitter) Emit(ctx context.Context, event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	event.Time = e.monotonic(event.WorkflowID, event.Time)

	if err := e.writeJSONL(event); err != nil {
		e.logger.Warn("event jsonl write failed",
			"workflow_id", event.WorkflowID, "type", event.Type, "error", err)
	}
	if e.database != nil {
		if err := e.writeDB(ctx, event); err != nil {
			e.logger.Warn("event log insert failed",
				"workflow_id", event.WorkflowID, "type", event.Type, "error", err)
		}
	}
	if e.endpoint != "" {
		if err := e.post(ctx, event); err != nil {
			e.logger.Warn("observability post failed",
				"workflow_id", event.WorkflowID, "type", event.Type, "error", err)
		}
	}
	if e.pub != nil {
		e.pub.Publish(event)
	}
}

// monotonic returns ts bumped past the workflow's previous event time when
// the clock has not advanced.
func (e *Emitter) monotonic(workflowID string, ts time.Time) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()

	last := e.lastTime[workflowID]
	if !ts.After(last) {
		ts = last.Add(time.Microsecond)
	}
	e.lastTime[workflowID] = ts
	return ts
}

func (e *Emitter) writeJSONL(event Event) error {
	dir := filepath.Join(e.stateDir, event.WorkflowID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workflow dir: %w", err)
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, EventsFileName),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (e *Emitter) writeDB(ctx context.Context, event Event) error {
	contextJSON := "{}"
	if len(event.Context) > 0 {
		contextJSON = string(event.Context)
	}
	_, err := e.database.ExecContext(ctx, `
		INSERT INTO event_log
			(timestamp, event_type, workflow_id, issue_id, phase_name,
			 phase_number, status, duration_seconds, cost_usd, error_message, context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Time.Format(time.RFC3339Nano), string(event.Type),
		event.WorkflowID, event.IssueID, event.PhaseName, event.PhaseNumber,
		event.Status, event.DurationSeconds, event.CostUSD,
		event.ErrorMessage, contextJSON)
	return err
}

// post sends the event to the observability endpoint. Phase events go to
// /phases, workflow events to /workflows.
func (e *Emitter) post(ctx context.Context, event Event) error {
	path := "/api/v1/observability/workflows"
	if strings.HasPrefix(string(event.Type), "phase_") || event.Type == EventToolCall {
		path = "/api/v1/observability/phases"
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Recent returns the workflow's newest events from the SQLite event log,
// newest first.
func (e *Emitter) Recent(ctx context.Context, workflowID string, limit int) ([]Event, error) {
	if e.database == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := e.database.QueryContext(ctx, `
		SELECT timestamp, event_type, workflow_id, issue_id, phase_name,
		       phase_number, status, duration_seconds, cost_usd, error_message, context
		FROM event_log
		WHERE workflow_id = ?
		ORDER BY event_id DESC
		LIMIT ?`, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("query event log: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var ts, eventType, contextJSON string
		if err := rows.Scan(&ts, &eventType, &ev.WorkflowID, &ev.IssueID,
			&ev.PhaseName, &ev.PhaseNumber, &ev.Status, &ev.DurationSeconds,
			&ev.CostUSD, &ev.ErrorMessage, &contextJSON); err != nil {
			return nil, err
		}
		ev.Type = EventType(eventType)
		if ev.Time, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse event timestamp: %w", err)
		}
		if contextJSON != "{}" && contextJSON != "" {
			ev.Context = json.RawMessage(contextJSON)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
