// Package state provides the identity and state store for adw workflows.
//
// Each workflow persists a single JSON document at
// <root>/<state_dir>/<workflow_id>/adw_state.json. The document is the
// coordination source of truth: the orchestrator, coordinator and executor
// all read and write it through this package. Writes are read-before-merge so
// that fields written by subprocess phases survive later parent saves.
package state

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StateFileName is the filename for workflow state documents.
const StateFileName = "adw_state.json"

// Status represents the workflow execution status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true for statuses that end a workflow.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Classification is the issue class assigned by the classifier.
// Assigned once per workflow, then immutable.
type Classification string

const (
	ClassFeature Classification = "feature"
	ClassBug     Classification = "bug"
	ClassChore   Classification = "chore"
	ClassPatch   Classification = "patch"
)

// ToolError is one diagnostic from an external tool run.
type ToolError struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Column   int    `json:"column,omitempty"`
	Kind     string `json:"kind"`
	Severity string `json:"severity"` // error | warning
	Message  string `json:"message"`
	Fixable  bool   `json:"fixable,omitempty"`
}

// PhaseResult is the typed record of one phase's execution.
type PhaseResult struct {
	PhaseName       string             `json:"phase_name"`
	Success         bool               `json:"success"`
	Summary         map[string]float64 `json:"summary,omitempty"`
	Errors          []ToolError        `json:"errors,omitempty"`
	NextSteps       []string           `json:"next_steps,omitempty"`
	DurationSeconds float64            `json:"duration_seconds"`
	TokensUsed      int                `json:"tokens_used,omitempty"`
	CostUSD         float64            `json:"cost_usd,omitempty"`
	Details         string             `json:"details,omitempty"`
}

// WorkflowState is the per-workflow state document.
//
// Extra holds top-level keys the core does not model (result blocks written
// by subprocess phases, downstream annotations). They round-trip through
// load/save untouched.
type WorkflowState struct {
	WorkflowID     string                 `json:"workflow_id"`
	IssueID        string                 `json:"issue_id"`
	TemplateName   string                 `json:"template_name,omitempty"`
	Classification Classification         `json:"classification,omitempty"`
	Status         Status                 `json:"status"`
	CurrentPhase   string                 `json:"current_phase,omitempty"`
	BranchName     string                 `json:"branch_name,omitempty"`
	WorktreePath   string                 `json:"worktree_path,omitempty"`
	BackendPort    int                    `json:"backend_port,omitempty"`
	FrontendPort   int                    `json:"frontend_port,omitempty"`
	BaselineErrors map[string]any         `json:"baseline_errors,omitempty"`
	StartTime      time.Time              `json:"start_time"`
	EndTime        *time.Time             `json:"end_time,omitempty"`
	PhaseResults   map[string]PhaseResult `json:"phase_results,omitempty"`
	Context        map[string]any         `json:"context,omitempty"`
	CancelRequested bool                  `json:"cancel_requested,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// knownKeys lists the top-level JSON keys owned by the typed fields.
var knownKeys = map[string]bool{
	"workflow_id": true, "issue_id": true, "template_name": true,
	"classification": true, "status": true, "current_phase": true,
	"branch_name": true, "worktree_path": true, "backend_port": true,
	"frontend_port": true, "baseline_errors": true, "start_time": true,
	"end_time": true, "phase_results": true, "context": true,
	"cancel_requested": true,
}

// MarshalJSON merges typed fields with the Extra passthrough keys.
func (s *WorkflowState) MarshalJSON() ([]byte, error) {
	type alias WorkflowState
	typed, err := json.Marshal((*alias)(s))
	if err != nil {
		return nil, err
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(typed, &doc); err != nil {
		return nil, err
	}
	for k, v := range s.Extra {
		if !knownKeys[k] {
			doc[k] = v
		}
	}
	return json.Marshal(doc)
}

// UnmarshalJSON parses typed fields and captures unknown keys into Extra.
func (s *WorkflowState) UnmarshalJSON(data []byte) error {
	type alias WorkflowState
	if err := json.Unmarshal(data, (*alias)(s)); err != nil {
		return err
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	for k := range doc {
		if knownKeys[k] {
			delete(doc, k)
		}
	}
	if len(doc) > 0 {
		s.Extra = doc
	}
	return nil
}

// SetResultBlock stores a subprocess result block (for example
// "external_build_results") as a passthrough key.
func (s *WorkflowState) SetResultBlock(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal result block %s: %w", key, err)
	}
	if s.Extra == nil {
		s.Extra = make(map[string]json.RawMessage)
	}
	s.Extra[key] = raw
	return nil
}

// ResultBlock returns a passthrough key's raw JSON, if present.
func (s *WorkflowState) ResultBlock(key string) (json.RawMessage, bool) {
	raw, ok := s.Extra[key]
	return raw, ok
}

// Validate checks the state document invariants.
func (s *WorkflowState) Validate() error {
	if s.Status.IsTerminal() {
		if s.EndTime == nil {
			return fmt.Errorf("workflow %s: terminal status %s without end_time", s.WorkflowID, s.Status)
		}
		if s.EndTime.Before(s.StartTime) {
			return fmt.Errorf("workflow %s: end_time precedes start_time", s.WorkflowID)
		}
	}
	if s.BranchName != "" && s.Classification != "" {
		if !strings.HasPrefix(s.BranchName, string(s.Classification)) {
			return fmt.Errorf("workflow %s: branch %q does not start with classification %q",
				s.WorkflowID, s.BranchName, s.Classification)
		}
	}
	return nil
}
