// Package audit is a server-only, fire-and-forget observability log
// (SPEC_FULL.md §4.13 ADDED): one sqlite row per session lifecycle or
// auth event. It is grounded in the teacher's internal/store
// Open/migrate pattern, narrowed from a multi-table control-plane schema
// to a single append-only events table, and writes never block or fail
// the protocol path — a failed write is logged, not propagated.
package audit

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"chatroom/internal/chatlog"
)

// Kind discriminates the fixed set of events the audit log records.
type Kind string

const (
	KindRegister       Kind = "register"
	KindLogin          Kind = "login"
	KindLoginFailed    Kind = "login_failed"
	KindLogout         Kind = "logout"
	KindEviction       Kind = "eviction"
	KindReap           Kind = "reap"
	KindSessionClosed  Kind = "session_closed"
)

// Log is the audit sink. A nil *Log is valid and every method becomes a
// no-op; chatserver runs with a nil Log when CHATROOM_AUDIT_DB is set to
// the empty string.
type Log struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// ensures its schema exists.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=off")
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Log{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			kind TEXT NOT NULL,
			username TEXT,
			peer_addr TEXT,
			detail TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_username ON events(username);
	`)
	return err
}

// Record inserts one audit row. Failures are logged via chatlog and
// otherwise swallowed: audit is observability, not the protocol's
// source of truth.
func (l *Log) Record(kind Kind, username, peerAddr, detail string) {
	if l == nil || l.db == nil {
		return
	}
	_, err := l.db.Exec(
		"INSERT INTO events (at, kind, username, peer_addr, detail) VALUES (?, ?, ?, ?, ?)",
		time.Now().UTC().Format(time.RFC3339Nano), string(kind), username, peerAddr, detail,
	)
	if err != nil {
		chatlog.Errorf("audit: write failed: %v", err)
	}
}

// Close releases the underlying database handle.
func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
