// Package tracker records per-workflow phase completion in a sidecar file so
// interrupted workflows resume from the first unfinished phase instead of
// re-running work.
package tracker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/randalmurphal/adw/internal/phase"
)

// FileName is the sidecar file next to the workflow state document.
const FileName = "completed_phases.json"

// progress is the persisted sidecar shape.
type progress struct {
	Completed   []string  `json:"completed"`
	Current     string    `json:"current,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
}

// Tracker reads and writes phase-completion sidecars under the state dir.
type Tracker struct {
	stateDir string
	mu       sync.Mutex
}

// New creates a tracker rooted at stateDir.
func New(stateDir string) *Tracker {
	return &Tracker{stateDir: stateDir}
}

func (t *Tracker) path(workflowID string) string {
	return filepath.Join(t.stateDir, workflowID, FileName)
}

func (t *Tracker) load(workflowID string) (*progress, error) {
	data, err := os.ReadFile(t.path(workflowID))
	if os.IsNotExist(err) {
		return &progress{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read phase progress: %w", err)
	}

	var p progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse phase progress: %w", err)
	}
	return &p, nil
}

func (t *Tracker) save(workflowID string, p *progress) error {
	if err := os.MkdirAll(filepath.Dir(t.path(workflowID)), 0o755); err != nil {
		return fmt.Errorf("create workflow dir: %w", err)
	}
	p.LastUpdated = time.Now().UTC()
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal phase progress: %w", err)
	}
	if err := renameio.WriteFile(t.path(workflowID), data, 0o644); err != nil {
		return fmt.Errorf("write phase progress: %w", err)
	}
	return nil
}

// IsCompleted reports whether the phase already completed for the workflow.
func (t *Tracker) IsCompleted(workflowID string, name phase.Name) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, err := t.load(workflowID)
	if err != nil {
		return false, err
	}
	for _, done := range p.Completed {
		if done == string(name) {
			return true, nil
		}
	}
	return false, nil
}

// MarkCompleted records the phase as done. Idempotent: marking twice keeps
// one entry. A completed phase clears the current marker if it matches.
func (t *Tracker) MarkCompleted(workflowID string, name phase.Name) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, err := t.load(workflowID)
	if err != nil {
		return err
	}
	for _, done := range p.Completed {
		if done == string(name) {
			return nil
		}
	}
	p.Completed = append(p.Completed, string(name))
	if p.Current == string(name) {
		p.Current = ""
	}
	return t.save(workflowID, p)
}

// SetCurrent records the phase now executing.
func (t *Tracker) SetCurrent(workflowID string, name phase.Name) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, err := t.load(workflowID)
	if err != nil {
		return err
	}
	p.Current = string(name)
	return t.save(workflowID, p)
}

// Current returns the phase recorded as executing, or "" when none is.
func (t *Tracker) Current(workflowID string) (phase.Name, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, err := t.load(workflowID)
	if err != nil {
		return "", err
	}
	return phase.Name(p.Current), nil
}

// NextToRun returns the template's first phase not yet completed, or ""
// when the whole template is done.
func (t *Tracker) NextToRun(workflowID string, tmpl phase.Template) (phase.Name, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, err := t.load(workflowID)
	if err != nil {
		return "", err
	}

	done := make(map[string]bool, len(p.Completed))
	for _, name := range p.Completed {
		done[name] = true
	}
	for _, name := range tmpl.Phases {
		if !done[string(name)] {
			return name, nil
		}
	}
	return "", nil
}

// Reset deletes the workflow's sidecar, forcing a from-scratch run.
func (t *Tracker) Reset(workflowID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	err := os.Remove(t.path(workflowID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
