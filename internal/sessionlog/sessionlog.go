// Package sessionlog is an optional, SQLite-backed append log of every
// tracked control message a hub has seen, readable back in order after a
// restart. vistle-hub only reports how many messages a reopened ledger
// holds; nothing feeds them back into a tracker. Modeled on
// a typical SQLite-backed store's Open/WAL/migrate shape; the in-memory
// statetracker.Tracker remains authoritative during a live session, this is
// strictly an offline recovery aid.
package sessionlog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"

	"github.com/vistle-go/vistle/internal/message"
)

// Log wraps an SQLite-backed append-only ledger of tracked messages.
type Log struct {
	db *sql.DB
}

// Open opens (or creates) the ledger at path. An empty path disables the
// ledger entirely — callers should skip calling Open when
// config.Config.SessionLogPath is empty.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("sessionlog: create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessionlog: set WAL mode: %w", err)
	}

	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessionlog: migrate: %w", err)
	}
	return l, nil
}

func (l *Log) migrate() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			seq     INTEGER PRIMARY KEY AUTOINCREMENT,
			type    INTEGER NOT NULL,
			uuid    TEXT NOT NULL,
			payload BLOB NOT NULL,
			ts      TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Append records one tracked message. Called by statetracker.Tracker.Handle
// for every message the router table marks Track, before the tracker
// applies it to its model.
func (l *Log) Append(env message.Envelope) error {
	_, err := l.db.Exec(
		`INSERT INTO messages (type, uuid, payload, ts) VALUES (?, ?, ?, ?)`,
		int(env.Type), env.UUID.String(), env.Payload, env.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sessionlog: append: %w", err)
	}
	return nil
}

// Replay returns every recorded message in sequence order.
func (l *Log) Replay() ([]message.Envelope, error) {
	rows, err := l.db.Query(`SELECT type, uuid, payload, ts FROM messages ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: query: %w", err)
	}
	defer rows.Close()

	var out []message.Envelope
	for rows.Next() {
		var typ int
		var uuidStr, tsStr string
		var payload []byte
		if err := rows.Scan(&typ, &uuidStr, &payload, &tsStr); err != nil {
			return nil, fmt.Errorf("sessionlog: scan: %w", err)
		}
		id, err := uuid.Parse(uuidStr)
		if err != nil {
			return nil, fmt.Errorf("sessionlog: parse uuid %q: %w", uuidStr, err)
		}
		ts, err := time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			return nil, fmt.Errorf("sessionlog: parse timestamp %q: %w", tsStr, err)
		}
		out = append(out, message.Envelope{
			UUID:      id,
			Type:      message.Type(typ),
			Payload:   payload,
			Timestamp: ts,
		})
	}
	return out, rows.Err()
}

// Count returns the number of recorded messages, used to decide whether a
// restart has a non-empty ledger worth replaying.
func (l *Log) Count() (int, error) {
	var n int
	err := l.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sessionlog: count: %w", err)
	}
	return n, nil
}
