package eventstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mira-voss/capacitord/internal/events"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestInsertEventIdempotent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	ev := events.Event{
		EventID: "e1", Kind: events.KindSessionStart, SessionID: "s1",
		Cwd: "/p", RecordedAt: ts("2026-08-02T10:00:00Z"),
	}

	inserted, err := s.InsertEvent(ctx, ev)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	inserted, err = s.InsertEvent(ctx, ev)
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if inserted {
		t.Error("duplicate event_id must be a no-op")
	}

	var count int
	replayed := 0
	err = s.ReplayAll(ctx, func(events.Event) error { replayed++; return nil })
	if err != nil {
		t.Fatalf("ReplayAll: %v", err)
	}
	count = replayed
	if count != 1 {
		t.Errorf("stored %d events, want 1", count)
	}
}

func TestReplayAllOrdersByRecordedAt(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	for _, e := range []events.Event{
		{EventID: "b", Kind: events.KindStop, SessionID: "s1", Cwd: "/p", RecordedAt: ts("2026-08-02T10:02:00Z")},
		{EventID: "a", Kind: events.KindSessionStart, SessionID: "s1", Cwd: "/p", RecordedAt: ts("2026-08-02T10:00:00Z")},
	} {
		if _, err := s.InsertEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	var order []string
	if err := s.ReplayAll(ctx, func(ev events.Event) error {
		order = append(order, ev.EventID)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("replay order = %v, want [a b]", order)
	}
}

func TestShellStateUpsertReplacesByPID(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	first := events.ShellEntry{PID: 100, Cwd: "/a", TTY: "/dev/ttys001", ParentApp: "iterm", UpdatedAt: ts("2026-08-02T10:00:00Z")}
	second := events.ShellEntry{PID: 100, Cwd: "/b", TTY: "/dev/ttys001", TmuxSession: "cap", UpdatedAt: ts("2026-08-02T10:05:00Z")}
	if err := s.UpsertShellState(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertShellState(ctx, second); err != nil {
		t.Fatal(err)
	}

	rows, err := s.AllShellState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	got := rows[0]
	if got.Cwd != "/b" || got.TmuxSession != "cap" || got.ParentApp != "" {
		t.Errorf("upsert did not replace: %+v", got)
	}
}

func TestProcessLivenessPreservesProcStarted(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	started := int64(1_754_000_000)
	if err := s.UpsertProcessLiveness(ctx, events.ProcessLivenessRow{
		PID: 100, ProcStarted: &started, LastSeenAt: ts("2026-08-02T10:00:00Z"),
	}); err != nil {
		t.Fatal(err)
	}
	// Later sighting where the OS could not answer must not null it out.
	if err := s.UpsertProcessLiveness(ctx, events.ProcessLivenessRow{
		PID: 100, ProcStarted: nil, LastSeenAt: ts("2026-08-02T10:10:00Z"),
	}); err != nil {
		t.Fatal(err)
	}

	row, found, err := s.ProcessLiveness(ctx, 100)
	if err != nil || !found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if row.ProcStarted == nil || *row.ProcStarted != started {
		t.Errorf("proc_started = %v, want %d preserved", row.ProcStarted, started)
	}
	if !row.LastSeenAt.Equal(ts("2026-08-02T10:10:00Z")) {
		t.Errorf("last_seen_at = %v", row.LastSeenAt)
	}
}

func TestRebuildProcessLivenessFromEvents(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	for _, e := range []events.Event{
		{EventID: "a", Kind: events.KindSessionStart, SessionID: "s1", Cwd: "/p", PID: 100, RecordedAt: ts("2026-08-02T10:00:00Z")},
		{EventID: "b", Kind: events.KindPostToolUse, SessionID: "s1", Cwd: "/p", PID: 100, RecordedAt: ts("2026-08-02T10:05:00Z")},
		{EventID: "c", Kind: events.KindSessionStart, SessionID: "s2", Cwd: "/q", RecordedAt: ts("2026-08-02T10:06:00Z")},
	} {
		if _, err := s.InsertEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.RebuildProcessLiveness(ctx); err != nil {
		t.Fatal(err)
	}
	row, found, err := s.ProcessLiveness(ctx, 100)
	if err != nil || !found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if row.ProcStarted != nil {
		t.Error("rebuilt rows must keep proc_started null")
	}
	if !row.LastSeenAt.Equal(ts("2026-08-02T10:05:00Z")) {
		t.Errorf("last_seen_at = %v, want latest sighting", row.LastSeenAt)
	}

	n, err := s.ProcessLivenessCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1 (pid-less events ignored)", n)
	}
}

func TestRebuildProcessLivenessSkipsWhenPopulated(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	started := int64(42)
	if err := s.UpsertProcessLiveness(ctx, events.ProcessLivenessRow{
		PID: 999, ProcStarted: &started, LastSeenAt: ts("2026-08-02T10:00:00Z"),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertEvent(ctx, events.Event{
		EventID: "a", Kind: events.KindSessionStart, SessionID: "s1", Cwd: "/p", PID: 100,
		RecordedAt: ts("2026-08-02T10:00:00Z"),
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.RebuildProcessLiveness(ctx); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := s.ProcessLiveness(ctx, 100); found {
		t.Error("rebuild must be a no-op when the table already has rows")
	}
}

func TestRecentActivityLimit(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e := events.Event{
			EventID: string(rune('a' + i)), Kind: events.KindPostToolUse, SessionID: "s1", Cwd: "/p",
			RecordedAt: ts("2026-08-02T10:00:00Z").Add(time.Duration(i) * time.Minute),
		}
		if _, err := s.InsertEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	evs, err := s.RecentActivity(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 {
		t.Fatalf("len = %d, want 2", len(evs))
	}
	if evs[0].EventID != "e" || evs[1].EventID != "d" {
		t.Errorf("order = %s,%s, want newest first", evs[0].EventID, evs[1].EventID)
	}
}
