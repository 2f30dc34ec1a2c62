package store

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the flow.Store for single-node deployments. It uses
// the pure-Go modernc.org/sqlite driver, so no cgo toolchain is
// needed.
type SQLiteStore struct {
	sqlStore
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workflows (
	id         TEXT    NOT NULL,
	version    INTEGER NOT NULL,
	active     INTEGER NOT NULL DEFAULT 1,
	definition BLOB    NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (id, version)
);

CREATE TABLE IF NOT EXISTS executions (
	id                  TEXT    PRIMARY KEY,
	workflow_id         TEXT    NOT NULL,
	workflow_version    INTEGER NOT NULL,
	status              TEXT    NOT NULL,
	started_at          INTEGER NOT NULL,
	completed_at        INTEGER,
	retry_count         INTEGER NOT NULL DEFAULT 0,
	next_retry_at       INTEGER,
	error_message       TEXT    NOT NULL DEFAULT '',
	parent_execution_id TEXT    NOT NULL DEFAULT '',
	parent_node_id      TEXT    NOT NULL DEFAULT '',
	lease_owner         TEXT    NOT NULL DEFAULT '',
	lease_until         INTEGER,
	waiting_signal_type TEXT    NOT NULL DEFAULT '',
	waiting_child_id    TEXT    NOT NULL DEFAULT '',
	state               BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_claim
	ON executions (status, lease_until, started_at);
CREATE INDEX IF NOT EXISTS idx_executions_workflow
	ON executions (workflow_id, started_at);
CREATE INDEX IF NOT EXISTS idx_executions_parent
	ON executions (parent_execution_id);

CREATE TABLE IF NOT EXISTS signals (
	id           TEXT    PRIMARY KEY,
	execution_id TEXT    NOT NULL DEFAULT '',
	type         TEXT    NOT NULL,
	data         BLOB,
	received_at  INTEGER NOT NULL,
	processed    INTEGER NOT NULL DEFAULT 0,
	processed_by TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_signals_pending
	ON signals (processed, type, received_at);

CREATE TABLE IF NOT EXISTS dead_signals (
	id           TEXT    PRIMARY KEY,
	execution_id TEXT    NOT NULL DEFAULT '',
	type         TEXT    NOT NULL,
	data         BLOB,
	received_at  INTEGER NOT NULL,
	reason       TEXT    NOT NULL,
	dead_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS schedules (
	id           TEXT    PRIMARY KEY,
	workflow_id  TEXT    NOT NULL,
	rule         TEXT    NOT NULL,
	next_fire_at INTEGER NOT NULL,
	active       INTEGER NOT NULL DEFAULT 1,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_due
	ON schedules (active, next_fire_at);

CREATE TABLE IF NOT EXISTS logs (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id TEXT    NOT NULL,
	node_id      TEXT    NOT NULL DEFAULT '',
	level        TEXT    NOT NULL,
	message      TEXT    NOT NULL,
	timestamp    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_execution
	ON logs (execution_id, seq);
`

// NewSQLiteStore opens (and creates if needed) a SQLite database at
// path and prepares the schema. Pass ":memory:" for an ephemeral
// database.
//
// WAL mode and a busy timeout are set so the worker's claim writes and
// the control plane's reads coexist without SQLITE_BUSY storms. The
// connection pool is capped at one writer, which is how SQLite wants
// to be used.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?%s", path, url.Values{
		"_pragma": []string{
			"journal_mode(WAL)",
			"busy_timeout(5000)",
			"foreign_keys(ON)",
			"synchronous(NORMAL)",
		},
	}.Encode())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare sqlite schema: %w", err)
	}
	return &SQLiteStore{sqlStore{db: db}}, nil
}
