// Package lock provides advisory file locks for cross-process coordination.
// The port pool uses one to guard its persistence file; the coordinator uses
// one to guarantee a single instance per event-sink scope.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTTL is the default time-to-live for locks.
const DefaultTTL = 60 * time.Second

// DefaultHeartbeatInterval is the default interval for heartbeat updates.
const DefaultHeartbeatInterval = 10 * time.Second

// Lock represents advisory lock state persisted to disk.
type Lock struct {
	Owner     string    `yaml:"owner"`     // user@machine identifier
	Acquired  time.Time `yaml:"acquired"`  // when lock was acquired
	Heartbeat time.Time `yaml:"heartbeat"` // last heartbeat update
	TTL       string    `yaml:"ttl"`       // time-to-live as duration string
	PID       int       `yaml:"pid"`       // process ID of lock holder
}

// TTLDuration parses the TTL string and returns a time.Duration.
func (l *Lock) TTLDuration() time.Duration {
	d, err := time.ParseDuration(l.TTL)
	if err != nil {
		return DefaultTTL
	}
	return d
}

// IsStale returns true if the lock heartbeat is older than TTL.
func (l *Lock) IsStale() bool {
	return time.Since(l.Heartbeat) > l.TTLDuration()
}

// FileLocker implements file-based advisory locking. Stale locks (dead
// holders that stopped heartbeating) are claimed silently.
type FileLocker struct {
	path  string
	owner string
	mu    sync.Mutex
}

// NewFileLocker creates a locker persisting to path for the given owner.
func NewFileLocker(path, owner string) *FileLocker {
	return &FileLocker{path: path, owner: owner}
}

// DefaultOwner returns a user@host owner identifier for this process.
func DefaultOwner() string {
	user := os.Getenv("USER")
	if user == "" {
		user = "adw"
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return user + "@" + host
}

func (l *FileLocker) readLock() (*Lock, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := yaml.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	return &lock, nil
}

func (l *FileLocker) writeLock(lock *Lock) error {
	data, err := yaml.Marshal(lock)
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	tmpPath := l.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename lock file: %w", err)
	}
	return nil
}

// Acquire attempts to acquire the lock. Returns a *HeldError when the lock
// is actively held by another owner.
func (l *FileLocker) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.readLock()
	if err == nil {
		if !existing.IsStale() && existing.Owner != l.owner {
			return &HeldError{Owner: existing.Owner, PID: existing.PID}
		}
		// Stale, or our own lock being refreshed.
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read lock: %w", err)
	}

	lock := &Lock{
		Owner:     l.owner,
		Acquired:  time.Now().UTC(),
		Heartbeat: time.Now().UTC(),
		TTL:       DefaultTTL.String(),
		PID:       os.Getpid(),
	}
	return l.writeLock(lock)
}

// Release releases the lock if we own it.
func (l *FileLocker) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.readLock()
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lock: %w", err)
	}
	if existing.Owner != l.owner {
		return &HeldError{Owner: existing.Owner, PID: existing.PID}
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// Heartbeat refreshes the heartbeat timestamp on a held lock.
func (l *FileLocker) Heartbeat() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.readLock()
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("lock not held")
		}
		return fmt.Errorf("read lock: %w", err)
	}
	if existing.Owner != l.owner {
		return &HeldError{Owner: existing.Owner, PID: existing.PID}
	}

	existing.Heartbeat = time.Now().UTC()
	return l.writeLock(existing)
}

// IsLocked reports whether the lock is actively held, and by whom.
func (l *FileLocker) IsLocked() (bool, *Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, err := l.readLock()
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil, nil
		}
		return false, nil, fmt.Errorf("read lock: %w", err)
	}
	if lock.IsStale() {
		return false, nil, nil
	}
	return true, lock, nil
}

// HeldError reports a lock held by another owner.
type HeldError struct {
	Owner string
	PID   int
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lock held by %s (pid %d)", e.Owner, e.PID)
}

// HeartbeatRunner refreshes a held lock periodically until stopped.
type HeartbeatRunner struct {
	locker   *FileLocker
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewHeartbeatRunner creates a heartbeat runner for the locker.
func NewHeartbeatRunner(locker *FileLocker, interval time.Duration) *HeartbeatRunner {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &HeartbeatRunner{
		locker:   locker,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the heartbeat loop in a goroutine.
func (h *HeartbeatRunner) Start(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case <-ticker.C:
				// Heartbeat errors are ignored; the lock goes stale if
				// they persist and another holder claims it.
				_ = h.locker.Heartbeat()
			}
		}
	}()
}

// Stop stops the heartbeat loop and waits for it to finish.
func (h *HeartbeatRunner) Stop() {
	close(h.stopCh)
	h.wg.Wait()
}
