// Package store is the durable state store backing the async-state
// queue, subscription, and routing-rule persistence described in
// §4.7/§6: a single SQLite database (WAL mode) holding an append-only
// event log, a generic entities table, and the queue items that back
// async_state:* operations. It is accessed only through this package's
// single-writer, multi-reader pool — SQLite serializes writes for us,
// but callers must not hold a *sql.Rows open across an unrelated
// suspension point.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the process-wide state store singleton. Compose it into the
// runtime value; do not construct more than one per database path.
type Store struct {
	db *sql.DB
}

// Open creates or opens the state store at dbPath, running migrations
// on first use. WAL mode and a busy timeout are set so concurrent
// readers never block on the single writer for long.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state store: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		id            TEXT PRIMARY KEY,
		type          TEXT NOT NULL,
		properties    TEXT NOT NULL,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL,
		expires_at    TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(type);
	CREATE INDEX IF NOT EXISTS idx_entities_expires_at ON entities(expires_at);

	CREATE TABLE IF NOT EXISTS events (
		id          TEXT PRIMARY KEY,
		chain_id    TEXT NOT NULL,
		parent_id   TEXT,
		name        TEXT NOT NULL,
		payload     TEXT NOT NULL,
		ts          TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_chain_id ON events(chain_id);
	CREATE INDEX IF NOT EXISTS idx_events_name ON events(name);

	CREATE TABLE IF NOT EXISTS queue_items (
		queue_id    TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		data        TEXT NOT NULL,
		pushed_at   TEXT NOT NULL,
		PRIMARY KEY (queue_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_queue_items_queue_id ON queue_items(queue_id);

	CREATE TABLE IF NOT EXISTS queues (
		queue_id      TEXT PRIMARY KEY,
		namespace     TEXT NOT NULL,
		key           TEXT NOT NULL,
		created_at    TEXT NOT NULL,
		ttl_deadline  TEXT,
		next_seq      INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// DB exposes the underlying connection pool for packages in this
// module that need bespoke queries (asyncstate, rules, usage,
// subscription) without each opening their own database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}
