// Package store persists tasks, task steps, approvals, and traces in an
// embedded sqlite database. One database serves the whole process; every row
// carries its workspace ID so queries stay tenant-scoped.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store wraps the sqlite handle.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// modernc sqlite serializes writes; one connection avoids lock churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMemory opens an in-memory store for tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// GenID returns a new v7 UUID (time-ordered) for entity IDs.
func GenID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	thread_id TEXT,
	user_id TEXT NOT NULL,
	intent TEXT NOT NULL,
	tier TEXT NOT NULL,
	priority TEXT NOT NULL,
	state TEXT NOT NULL,
	reason TEXT,
	result TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_workspace ON tasks(workspace_id, created_at);

CREATE TABLE IF NOT EXISTS task_steps (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	step_type TEXT NOT NULL,
	detail TEXT,
	error TEXT,
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_steps_task ON task_steps(task_id, seq);

CREATE TABLE IF NOT EXISTS approvals (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	state TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	resolved_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS traces (
	id TEXT PRIMARY KEY,
	task_id TEXT,
	workspace_id TEXT NOT NULL,
	name TEXT NOT NULL,
	intent TEXT,
	model_chain TEXT,
	status TEXT NOT NULL,
	error TEXT,
	input_preview TEXT,
	output_preview TEXT,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	start_time TIMESTAMP NOT NULL,
	end_time TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_traces_workspace ON traces(workspace_id, start_time);

CREATE TABLE IF NOT EXISTS spans (
	id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL,
	span_type TEXT NOT NULL,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	error TEXT,
	input_preview TEXT,
	output_preview TEXT,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	model TEXT,
	tool_name TEXT,
	start_time TIMESTAMP NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_spans_trace ON spans(trace_id, start_time);
`
