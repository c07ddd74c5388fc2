// Package events provides event types and publishing infrastructure for the
// workflow engine: an in-memory publisher feeding live subscribers and a
// persistent emitter feeding the audit trail.
package events

import (
	"encoding/json"
	"time"
)

// EventType defines the type of event.
type EventType string

const (
	// EventWorkflowStarted indicates a workflow began executing.
	EventWorkflowStarted EventType = "workflow_started"
	// EventWorkflowCompleted indicates a workflow reached completed.
	EventWorkflowCompleted EventType = "workflow_completed"
	// EventWorkflowFailed indicates a workflow reached failed.
	EventWorkflowFailed EventType = "workflow_failed"
	// EventWorkflowCancelled indicates a workflow was cancelled.
	EventWorkflowCancelled EventType = "workflow_cancelled"

	// EventPhaseStarted indicates a phase began executing.
	EventPhaseStarted EventType = "phase_started"
	// EventPhaseCompleted indicates a phase finished successfully.
	EventPhaseCompleted EventType = "phase_completed"
	// EventPhaseFailed indicates a phase failed.
	EventPhaseFailed EventType = "phase_failed"
	// EventPhaseBlocked indicates a phase was blocked by an upstream failure.
	EventPhaseBlocked EventType = "phase_blocked"

	// EventToolCall records one agent tool invocation during a phase.
	EventToolCall EventType = "tool_call"
	// EventSafetyBlock records a blocked tool invocation.
	EventSafetyBlock EventType = "safety_block"
	// EventWarning indicates a non-fatal warning.
	EventWarning EventType = "warning"
)

// Event is one engine occurrence, keyed by workflow.
type Event struct {
	Type            EventType       `json:"type"`
	WorkflowID      string          `json:"workflow_id"`
	IssueID         string          `json:"issue_id,omitempty"`
	PhaseName       string          `json:"phase_name,omitempty"`
	PhaseNumber     int             `json:"phase_number,omitempty"`
	Status          string          `json:"status,omitempty"`
	DurationSeconds float64         `json:"duration_seconds,omitempty"`
	CostUSD         float64         `json:"cost_usd,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Context         json.RawMessage `json:"context,omitempty"`
	Time            time.Time       `json:"time"`
}

// New creates an event with the current timestamp.
func New(eventType EventType, workflowID string) Event {
	return Event{Type: eventType, WorkflowID: workflowID, Time: time.Now().UTC()}
}

// PhaseUpdate is the payload broadcast to websocket clients on every phase
// status change.
type PhaseUpdate struct {
	WorkflowID  string  `json:"workflow_id"`
	PhaseName   string  `json:"phase_name"`
	PhaseNumber int     `json:"phase_number"`
	Status      string  `json:"status"`
	CostUSD     float64 `json:"cost_usd,omitempty"`
	Error       string  `json:"error,omitempty"`
}
