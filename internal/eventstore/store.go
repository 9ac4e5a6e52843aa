// Package eventstore persists the append-only event log and its two
// materialized tables (shell_state, process_liveness) in an embedded SQL
// database.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mira-voss/capacitord/internal/events"
)

// Store wraps the embedded database file holding events, shell_state, and
// process_liveness.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if absent) the database at path, enables WAL
// journaling, synchronous=NORMAL, and a 5s busy timeout, and ensures
// the schema exists.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening event store: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline; sqlite serializes anyway

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping reports whether the database file is reachable, for get_health.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			recorded_at TEXT NOT NULL,
			event_type TEXT NOT NULL,
			session_id TEXT,
			pid INTEGER,
			payload TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS shell_state (
			pid INTEGER PRIMARY KEY,
			cwd TEXT NOT NULL,
			tty TEXT NOT NULL,
			parent_app TEXT,
			tmux_session TEXT,
			tmux_client_tty TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS process_liveness (
			pid INTEGER PRIMARY KEY,
			proc_started INTEGER,
			last_seen_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrating event store: %w", err)
		}
	}
	return nil
}

// InsertEvent appends ev to the event log. Duplicate event_id is a no-op
// and is reported via the bool return.
func (s *Store) InsertEvent(ctx context.Context, ev events.Event) (inserted bool, err error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("marshaling event payload: %w", err)
	}
	var pid any
	if ev.PID != 0 {
		pid = ev.PID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, recorded_at, event_type, session_id, pid, payload)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		ev.EventID, events.RFC3339UTC(ev.RecordedAt), string(ev.Kind), nullIfEmpty(ev.SessionID), pid, string(payload))
	if err != nil {
		if isBusy(err) {
			s.logger.Warn("event store busy on insert", "event_id", ev.EventID, "err", err)
		}
		return false, fmt.Errorf("inserting event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "busy")
}

// UpsertShellState materializes a shell_cwd event into shell_state.
func (s *Store) UpsertShellState(ctx context.Context, e events.ShellEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO shell_state (pid, cwd, tty, parent_app, tmux_session, tmux_client_tty, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(pid) DO UPDATE SET
		   cwd=excluded.cwd, tty=excluded.tty, parent_app=excluded.parent_app,
		   tmux_session=excluded.tmux_session, tmux_client_tty=excluded.tmux_client_tty,
		   updated_at=excluded.updated_at`,
		e.PID, e.Cwd, e.TTY, nullIfEmpty(e.ParentApp), nullIfEmpty(e.TmuxSession), nullIfEmpty(e.TmuxClientTTY),
		events.RFC3339UTC(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting shell_state: %w", err)
	}
	return nil
}

// AllShellState returns every row of shell_state, e.g. to rebuild the
// in-memory ShellRegistry after a restart.
func (s *Store) AllShellState(ctx context.Context) ([]events.ShellEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT pid, cwd, tty, parent_app, tmux_session, tmux_client_tty, updated_at FROM shell_state`)
	if err != nil {
		return nil, fmt.Errorf("querying shell_state: %w", err)
	}
	defer rows.Close()

	var out []events.ShellEntry
	for rows.Next() {
		var e events.ShellEntry
		var parentApp, tmuxSession, tmuxClientTTY sql.NullString
		var updatedAt string
		if err := rows.Scan(&e.PID, &e.Cwd, &e.TTY, &parentApp, &tmuxSession, &tmuxClientTTY, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning shell_state: %w", err)
		}
		e.ParentApp = parentApp.String
		e.TmuxSession = tmuxSession.String
		e.TmuxClientTTY = tmuxClientTTY.String
		e.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertProcessLiveness records that pid was seen at seenAt, preserving any
// existing non-null proc_started.
func (s *Store) UpsertProcessLiveness(ctx context.Context, row events.ProcessLivenessRow) error {
	var started any
	if row.ProcStarted != nil {
		started = *row.ProcStarted
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO process_liveness (pid, proc_started, last_seen_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(pid) DO UPDATE SET
		   proc_started = COALESCE(process_liveness.proc_started, excluded.proc_started),
		   last_seen_at = excluded.last_seen_at`,
		row.PID, started, events.RFC3339UTC(row.LastSeenAt))
	if err != nil {
		return fmt.Errorf("upserting process_liveness: %w", err)
	}
	return nil
}

// ProcessLiveness looks up a single PID's liveness row.
func (s *Store) ProcessLiveness(ctx context.Context, pid int) (events.ProcessLivenessRow, bool, error) {
	var started sql.NullInt64
	var lastSeen string
	err := s.db.QueryRowContext(ctx,
		`SELECT proc_started, last_seen_at FROM process_liveness WHERE pid = ?`, pid).
		Scan(&started, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return events.ProcessLivenessRow{}, false, nil
	}
	if err != nil {
		return events.ProcessLivenessRow{}, false, fmt.Errorf("querying process_liveness: %w", err)
	}
	row := events.ProcessLivenessRow{PID: pid}
	if started.Valid {
		v := started.Int64
		row.ProcStarted = &v
	}
	row.LastSeenAt, _ = time.Parse(time.RFC3339, lastSeen)
	return row, true, nil
}

// ProcessLivenessCount returns the number of rows in process_liveness, used
// by cold-start rebuild logic.
func (s *Store) ProcessLivenessCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM process_liveness`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting process_liveness: %w", err)
	}
	return n, nil
}

// RebuildProcessLiveness implements the cold-start rule: if
// process_liveness is empty but events carry PIDs, repopulate it from the
// log. proc_started is unknown for replayed rows (the process may be long
// gone), so it stays null.
func (s *Store) RebuildProcessLiveness(ctx context.Context) error {
	n, err := s.ProcessLivenessCount(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO process_liveness (pid, proc_started, last_seen_at)
		 SELECT pid, NULL, MAX(recorded_at) FROM events
		 WHERE pid IS NOT NULL GROUP BY pid
		 ON CONFLICT(pid) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("rebuilding process_liveness: %w", err)
	}
	return nil
}

// ReplayAll streams every stored event ordered by recorded_at, with ties
// broken by insertion (rowid) order, for rebuild-on-cold-start. Malformed payloads are skipped, not
// fatal.
func (s *Store) ReplayAll(ctx context.Context, fn func(events.Event) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM events ORDER BY recorded_at ASC, rowid ASC`)
	if err != nil {
		return fmt.Errorf("querying events for replay: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			s.logger.Warn("skipping unreadable event row during replay", "err", err)
			continue
		}
		var ev events.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			s.logger.Warn("skipping malformed event payload during replay", "err", err)
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return rows.Err()
}

// RecentActivity returns up to limit most-recently recorded events, for the
// get_activity method.
func (s *Store) RecentActivity(ctx context.Context, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM events ORDER BY recorded_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent activity: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
