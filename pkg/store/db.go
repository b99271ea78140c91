// Package store implements the three durable key-value stores described
// in spec.md §4.2: IngestionStateStore, RawStore, and ProcessingStore.
// They share one underlying *sql.DB so that the cursor-atomicity
// invariant (§5, §8 property 2) — a raw insert and the cursor advance
// it corresponds to must commit as one unit — is a plain SQL
// transaction rather than a distributed-commit problem.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the shared SQLite connection and exposes the three logical
// stores as separate, independently-contracted views over it.
type DB struct {
	conn *sql.DB
	mu   sync.Mutex // serializes writers; SQLite allows one writer at a time anyway

	Ingestion *IngestionStateStore
	Raw       *RawStore
	Processed *ProcessingStore
}

// Open creates (or reopens) the pipeline database at path, migrating
// the schema if needed, and wires up the three logical stores.
func Open(path string) (*DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1) // modernc.org/sqlite has no internal write-serialization; enforce it here

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping %s: %w", path, err)
	}

	d := &DB{conn: conn}
	if err := d.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	d.Ingestion = &IngestionStateStore{db: d}
	d.Raw = &RawStore{db: d}
	d.Processed = &ProcessingStore{db: d}
	return d, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// withTx runs fn inside a transaction, committing on success and
// rolling back on any error (including a panic recovered and re-raised).
// Every cross-row invariant in spec §4.2/§5 goes through this.
func (d *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const schema = `
CREATE TABLE IF NOT EXISTS source_state (
	source_id               TEXT PRIMARY KEY,
	platform                 TEXT NOT NULL DEFAULT 'telegram',
	channel_id               TEXT NOT NULL,
	channel_username         TEXT,
	status                   TEXT NOT NULL DEFAULT 'active',
	include_comments         INTEGER NOT NULL DEFAULT 0,
	history_from             TEXT,
	history_to               TEXT,
	batch_size               INTEGER NOT NULL DEFAULT 50,
	poll_interval_seconds    INTEGER NOT NULL DEFAULT 60,
	last_post_id             TEXT,
	backfill_completed_at    TEXT,
	last_attempt_at          TEXT,
	last_success_at          TEXT,
	fail_count               INTEGER NOT NULL DEFAULT 0,
	last_error               TEXT,
	rate_limit_until         TEXT,
	comments_unavailable     INTEGER NOT NULL DEFAULT 0,
	created_at               TEXT NOT NULL,
	updated_at               TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS comment_cursors (
	source_id        TEXT NOT NULL,
	thread_id        TEXT NOT NULL,
	last_comment_id  TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	PRIMARY KEY (source_id, thread_id)
);

CREATE TABLE IF NOT EXISTS source_attempts (
	id           TEXT PRIMARY KEY,
	source_id    TEXT NOT NULL,
	attempted_at TEXT NOT NULL,
	success      INTEGER NOT NULL,
	error_class  TEXT,
	message      TEXT,
	detail       TEXT
);
CREATE INDEX IF NOT EXISTS idx_source_attempts_source ON source_attempts(source_id, attempted_at);

CREATE TABLE IF NOT EXISTS raw_messages (
	source_ref         TEXT PRIMARY KEY,
	message_id         TEXT NOT NULL,
	message_type       TEXT NOT NULL,
	channel_id         TEXT NOT NULL,
	date               TEXT NOT NULL,
	text               TEXT NOT NULL,
	thread_id          TEXT,
	parent_message_id  TEXT,
	language           TEXT,
	raw_payload        BLOB,
	payload_truncated  INTEGER NOT NULL DEFAULT 0,
	original_size      INTEGER,
	inserted_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS raw_conflicts (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	source_ref   TEXT NOT NULL,
	reason       TEXT NOT NULL,
	new_text     TEXT,
	new_date     TEXT,
	observed_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_raw_conflicts_ref ON raw_conflicts(source_ref);

CREATE TABLE IF NOT EXISTS processed_documents (
	source_ref          TEXT PRIMARY KEY,
	id                  TEXT NOT NULL UNIQUE,
	source_message_id   TEXT NOT NULL,
	channel_id          TEXT NOT NULL,
	processed_at        TEXT NOT NULL,
	text_clean          TEXT NOT NULL,
	summary             TEXT,
	topics              TEXT NOT NULL DEFAULT '[]',
	entities            TEXT NOT NULL DEFAULT '[]',
	language            TEXT,
	metadata            TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS processing_failures (
	source_ref      TEXT PRIMARY KEY,
	channel_id      TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_attempt_at TEXT NOT NULL,
	error_class     TEXT NOT NULL,
	error_message   TEXT NOT NULL,
	error_details   TEXT
);

CREATE TABLE IF NOT EXISTS topic_cards (
	id             TEXT PRIMARY KEY,
	title          TEXT NOT NULL,
	summary        TEXT,
	scope_in       TEXT NOT NULL DEFAULT '[]',
	scope_out      TEXT NOT NULL DEFAULT '[]',
	type           TEXT NOT NULL,
	anchors        TEXT NOT NULL DEFAULT '[]',
	sources        TEXT NOT NULL DEFAULT '[]',
	updated_at     TEXT NOT NULL,
	tags           TEXT NOT NULL DEFAULT '[]',
	related_topics TEXT NOT NULL DEFAULT '[]',
	status         TEXT,
	metadata       TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS topic_bundles (
	topic_id    TEXT NOT NULL,
	time_from   TEXT,
	time_to     TEXT,
	updated_at  TEXT NOT NULL,
	items       TEXT NOT NULL DEFAULT '[]',
	channels    TEXT NOT NULL DEFAULT '[]',
	metadata    TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (topic_id, time_from, time_to)
);
-- at most one "current" (time_from/time_to both null) bundle per topic
CREATE UNIQUE INDEX IF NOT EXISTS idx_topic_bundles_current
	ON topic_bundles(topic_id)
	WHERE time_from IS NULL AND time_to IS NULL;
`

func (d *DB) migrate(ctx context.Context) error {
	_, err := d.conn.ExecContext(ctx, schema)
	return err
}
