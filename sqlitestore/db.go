// Package sqlitestore backs the saga, outbox, and idempotency stores with a
// single SQLite database, giving the orchestrator the transactional unit of
// work the outbox pattern requires: a saga mutation and its lifecycle events
// commit together or not at all.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"

	// Register the pure-Go SQLite driver. modernc.org/sqlite avoids CGO so
	// the module builds anywhere the Go toolchain runs.
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS saga_instances (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	status     TEXT NOT NULL,
	input      BLOB,
	steps      BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_saga_instances_status ON saga_instances(status);

CREATE TABLE IF NOT EXISTS outbox_records (
	id           TEXT PRIMARY KEY,
	aggregate_id TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	payload      BLOB NOT NULL,
	status       TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	published_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_outbox_records_status_created ON outbox_records(status, created_at);

CREATE TABLE IF NOT EXISTS idempotency_records (
	key          TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	result       BLOB,
	result_error TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	expires_at   INTEGER NOT NULL
);
`

// DB wraps the shared SQLite handle the three stores run on.
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for an ephemeral database in tests.
func Open(ctx context.Context, path string) (*DB, error) {
	// The pure-Go driver takes _pragma query parameters. WAL allows readers
	// alongside the writer; busy_timeout waits for locks instead of failing.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)

	// The driver name is "sqlite", not "sqlite3", for modernc.
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// SQLite allows one writer at a time; a single pooled connection keeps
	// every transaction serialized instead of contending for the write lock.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	return &DB{db: db}, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// SagaStore returns the saga instance store over this database.
func (d *DB) SagaStore() *SagaStore {
	return &SagaStore{db: d.db}
}

// OutboxStore returns the outbox record store over this database.
func (d *DB) OutboxStore() *OutboxStore {
	return &OutboxStore{db: d.db}
}

// IdempotencyStore returns the idempotency record store over this database.
func (d *DB) IdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{db: d.db}
}
