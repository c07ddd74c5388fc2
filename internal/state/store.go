package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	adwerrors "github.com/randalmurphal/adw/internal/errors"
)

// NewWorkflowID returns a short unique workflow identifier.
func NewWorkflowID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Store persists workflow state documents under a root directory.
// Safe for concurrent use within a process; cross-process coordination
// relies on atomic renames plus read-before-merge writes.
type Store struct {
	root   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewStore creates a store rooted at dir (typically <repo>/agents).
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: dir, logger: logger}
}

// Path returns the state document path for a workflow.
func (st *Store) Path(workflowID string) string {
	return filepath.Join(st.root, workflowID, StateFileName)
}

// Ensure returns the workflow id, allocating and initializing a state
// document when none is given. Calling Ensure twice with the same id
// returns that id without touching the stored document.
func (st *Store) Ensure(workflowID, issueID string) (string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if workflowID != "" {
		if _, err := os.Stat(st.Path(workflowID)); err == nil {
			return workflowID, nil
		}
	} else {
		workflowID = NewWorkflowID()
	}

	s := &WorkflowState{
		WorkflowID: workflowID,
		IssueID:    issueID,
		Status:     StatusPending,
		StartTime:  time.Now().UTC(),
	}
	if err := st.writeLocked(s, "ensure"); err != nil {
		return "", err
	}
	return workflowID, nil
}

// Load reads the state document for a workflow.
// A corrupt document returns an empty state and a warning rather than an
// error; the caller re-initializes. A missing document is WorkflowNotFound.
func (st *Store) Load(workflowID string) (*WorkflowState, error) {
	data, err := os.ReadFile(st.Path(workflowID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, adwerrors.ErrWorkflowNotFound(workflowID)
		}
		return nil, fmt.Errorf("read state for workflow %s: %w", workflowID, err)
	}

	var s WorkflowState
	if err := json.Unmarshal(data, &s); err != nil {
		st.logger.Warn("state document corrupt, returning empty state",
			"workflow_id", workflowID, "error", err)
		return &WorkflowState{
			WorkflowID: workflowID,
			Status:     StatusPending,
			StartTime:  time.Now().UTC(),
		}, nil
	}
	return &s, nil
}

// Save persists the state, merging over the current on-disk document so
// that keys written by other processes are never dropped. The label tags
// the save in the debug log.
func (st *Store) Save(s *WorkflowState, label string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.writeLocked(s, label)
}

// Update applies a shallow patch of top-level keys to the persisted
// document and writes it back atomically.
func (st *Store) Update(workflowID string, patch map[string]any, label string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	doc, err := st.readDoc(workflowID)
	if err != nil {
		return err
	}
	for k, v := range patch {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal patch key %s: %w", k, err)
		}
		doc[k] = raw
	}
	return st.writeDoc(workflowID, doc, label)
}

// MarkTerminal sets a terminal status and end_time. It fails when the
// workflow is already terminal with a different status.
func (st *Store) MarkTerminal(workflowID string, status Status) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	doc, err := st.readDoc(workflowID)
	if err != nil {
		return err
	}

	if raw, ok := doc["status"]; ok {
		var current Status
		if err := json.Unmarshal(raw, &current); err == nil {
			if current.IsTerminal() && current != status {
				return fmt.Errorf("workflow %s already terminal with status %s, cannot set %s",
					workflowID, current, status)
			}
		}
	}

	statusRaw, _ := json.Marshal(status)
	endRaw, _ := json.Marshal(time.Now().UTC())
	doc["status"] = statusRaw
	doc["end_time"] = endRaw
	return st.writeDoc(workflowID, doc, "mark_terminal:"+string(status))
}

// RequestCancel flips the cancel_requested flag on the persisted document.
// The coordinator honors it on the next tick.
func (st *Store) RequestCancel(workflowID string) error {
	return st.Update(workflowID, map[string]any{"cancel_requested": true}, "request_cancel")
}

// List returns the ids of all workflows with a state document.
func (st *Store) List() ([]string, error) {
	entries, err := os.ReadDir(st.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list workflows: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(st.Path(e.Name())); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// writeLocked merges the typed state over the persisted document and
// writes atomically. Caller holds st.mu.
func (st *Store) writeLocked(s *WorkflowState, label string) error {
	doc, err := st.readDoc(s.WorkflowID)
	if err != nil {
		return err
	}

	typed, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	var typedDoc map[string]json.RawMessage
	if err := json.Unmarshal(typed, &typedDoc); err != nil {
		return fmt.Errorf("remarshal state: %w", err)
	}

	// Known keys come from the in-memory struct; everything else on disk
	// survives. This is what keeps external_*_results intact across
	// parent saves.
	for k, v := range typedDoc {
		doc[k] = v
	}
	return st.writeDoc(s.WorkflowID, doc, label)
}

// readDoc loads the persisted document as raw keys. Missing file yields an
// empty document; corrupt content is discarded with a warning.
func (st *Store) readDoc(workflowID string) (map[string]json.RawMessage, error) {
	doc := make(map[string]json.RawMessage)
	data, err := os.ReadFile(st.Path(workflowID))
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return nil, fmt.Errorf("read state for workflow %s: %w", workflowID, err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		st.logger.Warn("discarding corrupt state document on write",
			"workflow_id", workflowID, "error", err)
		return make(map[string]json.RawMessage), nil
	}
	return doc, nil
}

func (st *Store) writeDoc(workflowID string, doc map[string]json.RawMessage, label string) error {
	dir := filepath.Join(st.root, workflowID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state document: %w", err)
	}
	if err := renameio.WriteFile(st.Path(workflowID), data, 0o644); err != nil {
		return fmt.Errorf("write state document: %w", err)
	}

	st.logger.Debug("state saved", "workflow_id", workflowID, "label", label)
	return nil
}
