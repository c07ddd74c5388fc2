// Package portpool manages (backend, frontend) port pair allocations for
// concurrent workflows. Slot k in a pool starting at 9100 with size 100 maps
// to ports (9100+k, 9200+k); the frontend port is always backend+100 so the
// per-worktree env can derive one from the other.
package portpool

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	adwerrors "github.com/randalmurphal/adw/internal/errors"
	"github.com/randalmurphal/adw/internal/lock"
)

// Allocation is one workflow's port pair.
type Allocation struct {
	Backend     int       `json:"backend"`
	Frontend    int       `json:"frontend"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// Pool allocates port pairs from a bounded range and persists allocations
// to a JSON file. All operations are safe for concurrent use; an advisory
// file lock guards cross-process mutation of the persistence file.
type Pool struct {
	start  int // first backend port
	size   int // number of slots
	path   string
	locker *lock.FileLocker
	logger *slog.Logger

	mu          sync.Mutex
	allocations map[string]Allocation // workflow_id -> allocation
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger for the pool.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// New creates a pool persisting to path. start is the first backend port and
// size the number of slots; frontend ports occupy [start+size, start+2*size).
func New(path string, start, size int, opts ...Option) *Pool {
	p := &Pool{
		start:       start,
		size:        size,
		path:        path,
		locker:      lock.NewFileLocker(path+".lock", lock.DefaultOwner()),
		logger:      slog.Default(),
		allocations: make(map[string]Allocation),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Reserve returns the workflow's port pair, allocating the lowest free slot
// when none exists yet. Reserving twice for the same workflow returns the
// same pair.
func (p *Pool) Reserve(workflowID string) (backend, frontend int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.withFileLock(func() error {
		if err := p.reload(); err != nil {
			return err
		}

		if a, ok := p.allocations[workflowID]; ok {
			backend, frontend = a.Backend, a.Frontend
			return nil
		}

		slot, ok := p.lowestFreeSlot()
		if !ok {
			return adwerrors.ErrPortPoolExhausted(p.size)
		}

		backend = p.start + slot
		frontend = p.start + p.size + slot
		p.allocations[workflowID] = Allocation{
			Backend:     backend,
			Frontend:    frontend,
			AllocatedAt: time.Now().UTC(),
		}
		return p.persist()
	}); err != nil {
		return 0, 0, err
	}

	p.logger.Debug("ports reserved",
		"workflow_id", workflowID, "backend", backend, "frontend", frontend)
	return backend, frontend, nil
}

// Release frees the workflow's allocation. Returns true if one existed.
func (p *Pool) Release(workflowID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var released bool
	err := p.withFileLock(func() error {
		if err := p.reload(); err != nil {
			return err
		}
		if _, ok := p.allocations[workflowID]; !ok {
			return nil
		}
		delete(p.allocations, workflowID)
		released = true
		return p.persist()
	})
	return released, err
}

// AllocationOf returns the workflow's allocation, if any.
func (p *Pool) AllocationOf(workflowID string) (Allocation, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.reload(); err != nil {
		return Allocation{}, false, err
	}
	a, ok := p.allocations[workflowID]
	return a, ok, nil
}

// CleanupStale removes allocations older than maxAge and returns the count.
func (p *Pool) CleanupStale(maxAge time.Duration) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var removed int
	err := p.withFileLock(func() error {
		if err := p.reload(); err != nil {
			return err
		}
		cutoff := time.Now().Add(-maxAge)
		for id, a := range p.allocations {
			if a.AllocatedAt.Before(cutoff) {
				delete(p.allocations, id)
				removed++
			}
		}
		if removed == 0 {
			return nil
		}
		return p.persist()
	})
	if removed > 0 {
		p.logger.Info("released stale port allocations", "count", removed)
	}
	return removed, err
}

// Active returns the number of live allocations.
func (p *Pool) Active() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.reload(); err != nil {
		return 0, err
	}
	return len(p.allocations), nil
}

// lowestFreeSlot finds the smallest slot index with no allocation.
// Caller holds p.mu with fresh state.
func (p *Pool) lowestFreeSlot() (int, bool) {
	used := make(map[int]bool, len(p.allocations))
	for _, a := range p.allocations {
		used[a.Backend-p.start] = true
	}
	for slot := 0; slot < p.size; slot++ {
		if !used[slot] {
			return slot, true
		}
	}
	return 0, false
}

// withFileLock runs fn while holding the advisory file lock.
func (p *Pool) withFileLock(fn func() error) error {
	if err := p.locker.Acquire(); err != nil {
		return fmt.Errorf("acquire pool lock: %w", err)
	}
	defer func() {
		if err := p.locker.Release(); err != nil {
			p.logger.Warn("release pool lock failed", "error", err)
		}
	}()
	return fn()
}

// reload refreshes in-memory allocations from disk. Another process may have
// mutated the file since our last read.
func (p *Pool) reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			p.allocations = make(map[string]Allocation)
			return nil
		}
		return fmt.Errorf("read port pool: %w", err)
	}

	allocations := make(map[string]Allocation)
	if err := json.Unmarshal(data, &allocations); err != nil {
		return fmt.Errorf("parse port pool: %w", err)
	}
	p.allocations = allocations
	return nil
}

func (p *Pool) persist() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create pool dir: %w", err)
	}

	data, err := json.MarshalIndent(p.allocations, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal port pool: %w", err)
	}

	tmpPath := p.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write port pool: %w", err)
	}
	if err := os.Rename(tmpPath, p.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename port pool: %w", err)
	}
	return nil
}

// Snapshot returns allocations sorted by backend port, for status output.
func (p *Pool) Snapshot() ([]string, map[string]Allocation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.reload(); err != nil {
		return nil, nil, err
	}

	out := make(map[string]Allocation, len(p.allocations))
	ids := make([]string, 0, len(p.allocations))
	for id, a := range p.allocations {
		out[id] = a
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return out[ids[i]].Backend < out[ids[j]].Backend
	})
	return ids, out, nil
}
