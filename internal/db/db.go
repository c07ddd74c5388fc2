// Package db opens the adw SQLite database and applies its schema. The
// database holds the phase queue and the observability event log; workflow
// state documents stay on the filesystem.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// DB wraps the sql handle with adw schema management.
type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. WAL mode and a busy timeout make concurrent workflow processes
// safe against each other.
func Open(path string) (*DB, error) {
	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Every pooled connection of an in-memory database would get its own
	// empty database; pin the pool to one connection.
	if path == ":memory:" {
		handle.SetMaxOpenConns(1)
	}

	if _, err := handle.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	db := &DB{DB: handle}
	if err := db.migrate(context.Background()); err != nil {
		_ = handle.Close()
		return nil, err
	}
	return db, nil
}

// OpenMemory opens an in-memory database, for tests.
func OpenMemory() (*DB, error) {
	return Open(":memory:")
}

func (db *DB) migrate(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS phase_queue (
			queue_id INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id TEXT NOT NULL,
			parent_issue TEXT NOT NULL DEFAULT '',
			phase_number INTEGER NOT NULL,
			phase_name TEXT NOT NULL,
			depends_on_phase INTEGER,
			status TEXT NOT NULL DEFAULT 'queued',
			priority INTEGER NOT NULL DEFAULT 100,
			phase_data TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			ready_at TEXT,
			started_at TEXT,
			completed_at TEXT,
			error_message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_phase_queue_workflow
			ON phase_queue(workflow_id, phase_number)`,
		`CREATE INDEX IF NOT EXISTS idx_phase_queue_status
			ON phase_queue(status, priority DESC, created_at)`,
		`CREATE TABLE IF NOT EXISTS event_log (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			event_type TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			issue_id TEXT NOT NULL DEFAULT '',
			phase_name TEXT NOT NULL DEFAULT '',
			phase_number INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT '',
			duration_seconds REAL NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			context TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_log_workflow
			ON event_log(workflow_id, event_id)`,
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
