// Package storage owns the SQLite database shared by the credential store,
// the scheduler, the execution tracker, and the memory DAO.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// DefaultPath returns the default database location under the user's
// proxycast directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "data.db"
	}
	return filepath.Join(home, ".proxycast", "data.db")
}

// Open opens (creating if needed) the database at path and applies the
// schema. Empty path uses DefaultPath; ":memory:" is honored for tests.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		path = DefaultPath()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite supports a single writer; serializing access through one
	// connection avoids SQLITE_BUSY under concurrent stores.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			provider_type TEXT NOT NULL,
			tier TEXT NOT NULL,
			auth_kind TEXT NOT NULL,
			auth_json TEXT NOT NULL,
			is_healthy INTEGER NOT NULL DEFAULT 1,
			current_load INTEGER NOT NULL DEFAULT 0,
			supports_vision INTEGER NOT NULL DEFAULT 0,
			supports_tools INTEGER NOT NULL DEFAULT 1,
			context_len INTEGER NOT NULL DEFAULT 0,
			consecutive_errors INTEGER NOT NULL DEFAULT 0,
			last_used DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_tier ON credentials(tier)`,

		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			provider TEXT,
			model TEXT,
			schedule_json TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			auto_disabled_until DATETIME,
			next_run_at DATETIME,
			last_started_at DATETIME,
			last_finished_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(status, next_run_at)`,

		`CREATE TABLE IF NOT EXISTS agent_runs (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			source_ref TEXT,
			session_id TEXT,
			status TEXT NOT NULL DEFAULT 'queued',
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			duration_ms INTEGER,
			error_code TEXT,
			error_message TEXT,
			metadata_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON agent_runs(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_open ON agent_runs(status) WHERE finished_at IS NULL`,

		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			session_id TEXT,
			category TEXT NOT NULL,
			title TEXT,
			content TEXT NOT NULL,
			summary TEXT,
			tags_json TEXT,
			embedding BLOB,
			confidence REAL NOT NULL DEFAULT 0,
			importance INTEGER NOT NULL DEFAULT 0,
			access_count INTEGER NOT NULL DEFAULT 0,
			source TEXT,
			metadata_json TEXT,
			archived INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_category ON memories(category)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
