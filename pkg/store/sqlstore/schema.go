// Package sqlstore is the durable store.SessionStore backed by database/sql
// and mattn/go-sqlite3, generalizing the teacher's internal/auth.Store
// (database/sql over a sqlite file) from a single users table to the full
// session/subscription/queued-message schema of SPEC_FULL.md §4.7.
package sqlstore

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	client_id      TEXT PRIMARY KEY,
	node_id        TEXT NOT NULL,
	clean_session  INTEGER NOT NULL,
	connected      INTEGER NOT NULL,
	update_time    INTEGER NOT NULL,
	information    BLOB,
	lw_topic       TEXT,
	lw_payload     BLOB,
	lw_qos         INTEGER,
	lw_retain      INTEGER,
	lw_dup         INTEGER,
	lw_delay_until INTEGER
);

CREATE TABLE IF NOT EXISTS subscriptions (
	client_id           TEXT NOT NULL,
	topic_filter        TEXT NOT NULL,
	qos                 INTEGER NOT NULL,
	no_local            INTEGER NOT NULL,
	retain_as_published INTEGER NOT NULL,
	retain_handling     INTEGER NOT NULL,
	PRIMARY KEY (client_id, topic_filter)
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_filter ON subscriptions (topic_filter);

CREATE TABLE IF NOT EXISTS queued_messages (
	message_uuid       TEXT PRIMARY KEY,
	message_id         INTEGER,
	topic_name         TEXT NOT NULL,
	payload            BLOB,
	qos                INTEGER NOT NULL,
	retain             INTEGER NOT NULL,
	publisher_client   TEXT,
	message_expires_at INTEGER
);

CREATE TABLE IF NOT EXISTS queued_messages_clients (
	client_id          TEXT NOT NULL,
	message_uuid       TEXT NOT NULL,
	status             INTEGER NOT NULL,
	last_status_change INTEGER NOT NULL,
	expiry_at          INTEGER,
	PRIMARY KEY (client_id, message_uuid)
);
CREATE INDEX IF NOT EXISTS idx_qmc_client ON queued_messages_clients (client_id, message_uuid);
`

// Open opens (creating if necessary) a sqlite3 database at dsn and applies
// the schema. dsn follows database/sql + mattn/go-sqlite3 conventions, e.g.
// "./store/store.db" or ":memory:" for tests.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // sqlite3 driver serializes writers; avoid SQLITE_BUSY under our own load
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
