// Package store persists workflow records, attestations, provenance and the
// anchoring queue in SQLite.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS workflows (
	id           TEXT PRIMARY KEY,
	user         TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	failed_phase TEXT NOT NULL DEFAULT '',
	artifacts    INTEGER NOT NULL DEFAULT 0,
	record       TEXT NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workflows_updated ON workflows(updated_at);

CREATE TABLE IF NOT EXISTS attestations (
	id          TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	artifact_id TEXT NOT NULL,
	hash        TEXT NOT NULL,
	signature   TEXT NOT NULL DEFAULT '',
	key_id      TEXT NOT NULL DEFAULT '',
	record      TEXT NOT NULL,
	created_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attestations_workflow ON attestations(workflow_id);

CREATE TABLE IF NOT EXISTS provenance (
	id           TEXT PRIMARY KEY,
	workflow_id  TEXT NOT NULL,
	user         TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	record       TEXT NOT NULL,
	started_at   DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_provenance_workflow ON provenance(workflow_id);

CREATE TABLE IF NOT EXISTS anchor_queue (
	id             TEXT PRIMARY KEY,
	attestation_id TEXT NOT NULL UNIQUE,
	hash           TEXT NOT NULL,
	meta           TEXT NOT NULL DEFAULT '{}',
	status         TEXT NOT NULL,
	queued_at      DATETIME NOT NULL
);
`

// DB wraps a sql.DB with store-specific operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
