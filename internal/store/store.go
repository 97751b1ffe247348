// Package store is the durable side of Envoy: sessions, transcript messages,
// conversation state, custom tools, integrations, scheduled tasks, and task
// runs, all in one sqlite file. Single process, single writer.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// Store wraps the sqlite handle. All queries go through here.
type Store struct {
	db *sql.DB
}

var (
	defaultStore *Store
	defaultOnce  sync.Once
	defaultErr   error
)

// Init opens the process-wide store at path. Safe to call more than once;
// only the first call opens.
func Init(path string) (*Store, error) {
	defaultOnce.Do(func() {
		defaultStore, defaultErr = Open(path)
	})
	return defaultStore, defaultErr
}

// Default returns the store opened by Init, or nil.
func Default() *Store { return defaultStore }

// Open opens (creating if needed) a sqlite database at path and initializes
// the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite has one writer; keep the pool honest.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	s.migrate()
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for tests.
func (s *Store) DB() *sql.DB { return s.db }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id                 TEXT PRIMARY KEY,
		title              TEXT NOT NULL DEFAULT 'New chat',
		conversation_state TEXT NOT NULL DEFAULT '',
		created_at         TIMESTAMP NOT NULL,
		updated_at         TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS integrations (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL UNIQUE,
		description   TEXT NOT NULL DEFAULT '',
		config_schema TEXT NOT NULL DEFAULT '[]',
		enabled       INTEGER NOT NULL DEFAULT 1,
		created_at    TIMESTAMP NOT NULL,
		updated_at    TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS custom_tools (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL UNIQUE,
		description    TEXT NOT NULL DEFAULT '',
		input_schema   TEXT NOT NULL DEFAULT '{"type":"object"}',
		code           TEXT NOT NULL,
		enabled        INTEGER NOT NULL DEFAULT 1,
		integration_id TEXT REFERENCES integrations(id) ON DELETE CASCADE,
		created_at     TIMESTAMP NOT NULL,
		updated_at     TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		cron        TEXT NOT NULL,
		enabled     INTEGER NOT NULL DEFAULT 1,
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_runs (
		id          TEXT PRIMARY KEY,
		task_id     TEXT NOT NULL REFERENCES scheduled_tasks(id) ON DELETE CASCADE,
		status      TEXT NOT NULL,
		result      TEXT NOT NULL DEFAULT '',
		output      TEXT NOT NULL DEFAULT '',
		started_at  TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs(task_id, started_at)`,
}

// initSchema is idempotent: every statement is create-if-not-exists.
func (s *Store) initSchema() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Forward-only additive migrations. Each runs on every start and is allowed
// to fail when already applied (sqlite has no ADD COLUMN IF NOT EXISTS).
var migrations = []string{
	`ALTER TABLE sessions ADD COLUMN conversation_state TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE custom_tools ADD COLUMN integration_id TEXT REFERENCES integrations(id) ON DELETE CASCADE`,
}

func (s *Store) migrate() {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			if !strings.Contains(err.Error(), "duplicate column") {
				slog.Debug("migration skipped", "error", err)
			}
		}
	}
}
