package history

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteSink persists lifecycle events to a SQLite database
// (modernc.org/sqlite driver, CGO-free). Use ":memory:" for tests.
type SQLiteSink struct {
	db *sql.DB
}

func NewSQLiteSink(path string) (*SQLiteSink, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = db.Exec("PRAGMA busy_timeout=3000;")
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS server_events(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		server_id TEXT NOT NULL,
		pid INTEGER NOT NULL,
		occurred_at TIMESTAMP NOT NULL,
		exit_err TEXT NULL
	);`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_server_events_server ON server_events(server_id);`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Send(ctx context.Context, e Event) error {
	var exitErr sql.NullString
	if e.ExitErr != "" {
		exitErr = sql.NullString{String: e.ExitErr, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO server_events(event_type, server_id, pid, occurred_at, exit_err) VALUES(?, ?, ?, ?, ?);`,
		string(e.Type), e.ServerID, e.PID, e.OccurredAt.UTC(), exitErr)
	return err
}

// Recent returns the most recent events for a server id, newest first.
func (s *SQLiteSink) Recent(ctx context.Context, serverID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, server_id, pid, occurred_at, exit_err
		 FROM server_events WHERE server_id = ? ORDER BY id DESC LIMIT ?;`,
		serverID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Event
	for rows.Next() {
		var e Event
		var typ string
		var exitErr sql.NullString
		if err := rows.Scan(&typ, &e.ServerID, &e.PID, &e.OccurredAt, &exitErr); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		if exitErr.Valid {
			e.ExitErr = exitErr.String
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error { return s.db.Close() }
