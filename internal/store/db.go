// Package store is the sqlite-backed persistence layer: a task.Store
// implementation for standalone runs, the session length index feeding the
// truncation percentile, and a queryable mirror of the event log.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // sqlite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                TEXT PRIMARY KEY,
	title             TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'open',
	priority          INTEGER NOT NULL DEFAULT 2,
	labels            TEXT NOT NULL DEFAULT '[]',
	attempts          INTEGER NOT NULL DEFAULT 0,
	epic_id           TEXT NOT NULL DEFAULT '',
	assignee          TEXT NOT NULL DEFAULT '',
	execution_summary TEXT NOT NULL DEFAULT '',
	block_reason      TEXT NOT NULL DEFAULT '',
	scope             TEXT NOT NULL DEFAULT '[]',
	conflict_files    TEXT NOT NULL DEFAULT '[]',
	merge_stage       TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_comments (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    TEXT NOT NULL REFERENCES tasks(id),
	body       TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS session_index (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL,
	output_len INTEGER NOT NULL,
	diff_len   INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_index_project ON session_index(project_id);

CREATE TABLE IF NOT EXISTS event_mirror (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	log_seq    INTEGER NOT NULL DEFAULT 0,
	project_id TEXT NOT NULL,
	task_id    TEXT NOT NULL DEFAULT '',
	kind       TEXT NOT NULL,
	data       TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_mirror_task ON event_mirror(task_id);

CREATE TABLE IF NOT EXISTS scheduler_counters (
	project_id   TEXT PRIMARY KEY,
	total_done   INTEGER NOT NULL DEFAULT 0,
	total_failed INTEGER NOT NULL DEFAULT 0,
	updated_at   TEXT NOT NULL
);
`

// DB wraps the sqlite handle shared by the per-concern stores.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if needed) the database at path and migrates the
// schema.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	return open(path)
}

// OpenInMemory opens an isolated in-memory database, primarily for tests.
func OpenInMemory() (*DB, error) {
	return open(":memory:")
}

func open(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &DB{sql: db}, nil
}

// Close releases the sqlite handle.
func (d *DB) Close() error {
	return d.sql.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
