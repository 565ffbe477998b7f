// Package store provides the durable session store on SQLite or PostgreSQL.
//
// All queries are written with `?` bindvars and rebound for the active
// driver. SQLite runs with a single writer connection; multi-row work
// (event sequencing, cascade delete) happens inside one transaction.
package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const schemaVersion = 1

// Store provides session, event, and relation storage operations.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader (read-only pool; equals db for postgres)
}

// New creates a store over an existing writer/reader pair and initializes
// the schema. For PostgreSQL pass the same pool twice.
func New(writer, reader *sqlx.DB) (*Store, error) {
	if reader == nil {
		reader = writer
	}
	s := &Store{db: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying connections.
func (s *Store) Close() error {
	if s.ro != s.db {
		_ = s.ro.Close()
	}
	return s.db.Close()
}

// Ping verifies the store connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// initSchema creates the tables if they don't exist and records the
// schema version.
func (s *Store) initSchema() error {
	if _, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent_name TEXT NOT NULL,
		parent_session_id TEXT NOT NULL DEFAULT '',
		execution_mode TEXT NOT NULL DEFAULT 'SYNC',
		created_by TEXT NOT NULL DEFAULT '',
		executor_session_id TEXT NOT NULL DEFAULT '',
		executor_type TEXT NOT NULL DEFAULT '',
		hostname TEXT NOT NULL DEFAULT '',
		project_dir TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		result_text TEXT NOT NULL DEFAULT '',
		result_data TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		last_resumed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS session_events (
		session_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		run_id TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, sequence)
	);

	CREATE TABLE IF NOT EXISTS session_relations (
		id TEXT PRIMARY KEY,
		pair_id TEXT NOT NULL,
		definition TEXT NOT NULL,
		from_session_id TEXT NOT NULL,
		to_session_id TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS schema_meta (
		version INTEGER NOT NULL
	);
	`); err != nil {
		return err
	}

	if err := s.initIndexes(); err != nil {
		return err
	}
	return s.ensureSchemaVersion()
}

func (s *Store) initIndexes() error {
	_, err := s.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_session_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_created_by ON sessions(created_by);
	CREATE INDEX IF NOT EXISTS idx_session_events_session_seq ON session_events(session_id, sequence);
	CREATE INDEX IF NOT EXISTS idx_session_relations_pair ON session_relations(pair_id);
	CREATE INDEX IF NOT EXISTS idx_session_relations_from ON session_relations(from_session_id, definition);
	`)
	return err
}

func (s *Store) ensureSchemaVersion() error {
	var count int
	if err := s.db.Get(&count, `SELECT COUNT(*) FROM schema_meta`); err != nil {
		return err
	}
	if count == 0 {
		_, err := s.db.Exec(s.db.Rebind(`INSERT INTO schema_meta (version) VALUES (?)`), schemaVersion)
		return err
	}
	return nil
}

// sqlxIn expands IN (?) placeholders for slice arguments.
func sqlxIn(query string, args ...any) (string, []any, error) {
	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, fmt.Errorf("failed to expand query arguments: %w", err)
	}
	return expanded, expandedArgs, nil
}

// SchemaVersion returns the recorded schema version.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	err := s.ro.Get(&version, `SELECT version FROM schema_meta LIMIT 1`)
	return version, err
}
