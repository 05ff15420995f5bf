// Package sqlite stores history events in a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/warden/internal/history"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS watchdog_events(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		pid INTEGER NOT NULL DEFAULT 0,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 0,
		detail TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS watchdog_events_type_ts ON watchdog_events(event_type, ts)`,
}

// Sink appends events to the watchdog_events table. Timestamps are stored
// as Unix nanoseconds.
type Sink struct {
	db     *sql.DB
	insert *sql.Stmt
}

// New opens dsn, which is "sqlite:///path/file.db", "sqlite://:memory:" or a
// bare path.
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if len(dsn) >= len("sqlite://") && strings.EqualFold(dsn[:len("sqlite://")], "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one connection: no SQLITE_BUSY between concurrent sends, and :memory: stays a single database
	db.SetMaxOpenConns(1)
	ctx := context.Background()
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite schema: %w", err)
		}
	}
	ins, err := db.PrepareContext(ctx, `INSERT INTO watchdog_events(ts, event_type, name, pid, attempt_count, success, detail) VALUES(?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Sink{db: db, insert: ins}, nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.insert.ExecContext(ctx, ts.UTC().UnixNano(), string(e.Type), e.Name, e.PID, e.AttemptCount, e.Success, e.DetailJSON())
	return err
}

// Count returns the number of stored events of type t, or all events when t is empty.
func (s *Sink) Count(ctx context.Context, t history.EventType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM watchdog_events WHERE ? = '' OR event_type = ?`, string(t), string(t)).Scan(&n)
	return n, err
}

// Recent returns up to limit events, newest first, optionally filtered by type.
func (s *Sink) Recent(ctx context.Context, t history.EventType, limit int) ([]history.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, event_type, name, pid, attempt_count, success, detail
		FROM watchdog_events
		WHERE ? = '' OR event_type = ?
		ORDER BY ts DESC, id DESC
		LIMIT ?`, string(t), string(t), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []history.Event
	for rows.Next() {
		var (
			e      history.Event
			ts     int64
			typ    string
			detail string
		)
		if err := rows.Scan(&ts, &typ, &e.Name, &e.PID, &e.AttemptCount, &e.Success, &detail); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		e.Type = history.EventType(typ)
		if detail != "" && detail != "{}" {
			_ = json.Unmarshal([]byte(detail), &e.Detail)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db == nil {
		return nil
	}
	_ = s.insert.Close()
	return s.db.Close()
}
