package reducer

import (
	"testing"
	"time"

	"github.com/mira-voss/capacitord/internal/events"
	"github.com/mira-voss/capacitord/internal/identity"
)

type fakeResolver struct {
	answer identity.Identity
	ok     bool
}

func (f fakeResolver) Resolve(string) (identity.Identity, bool) { return f.answer, f.ok }

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func ev(kind events.Kind, sessionID, cwd, recordedAt string) events.Event {
	return events.Event{EventID: "e", Kind: kind, SessionID: sessionID, Cwd: cwd, RecordedAt: ts(recordedAt)}
}

func TestReduce_SessionStartOnAbsent(t *testing.T) {
	res := Reduce(nil, false, ev(events.KindSessionStart, "s1", "/p", "2026-01-01T00:00:00Z"), fakeResolver{})
	if res.Kind != Upsert || res.Record.State != events.StateReady {
		t.Fatalf("got %+v", res)
	}
}

func TestReduce_SessionStartWhileActiveSkipped(t *testing.T) {
	cur := &events.SessionRecord{SessionID: "s1", State: events.StateWorking, UpdatedAt: ts("2026-01-01T00:00:00Z")}
	res := Reduce(cur, false, ev(events.KindSessionStart, "s1", "/p", "2026-01-01T00:01:00Z"), fakeResolver{})
	if res.Kind != Skip {
		t.Fatalf("expected Skip, got %+v", res)
	}
}

func TestReduce_Heartbeat(t *testing.T) {
	cur := &events.SessionRecord{
		SessionID: "s1", State: events.StateWorking,
		StateChangedAt: ts("2026-01-01T00:00:00Z"),
		UpdatedAt:      ts("2026-01-01T00:00:00Z"),
	}
	res := Reduce(cur, false, ev(events.KindPostToolUse, "s1", "", "2026-01-01T00:05:00Z"), fakeResolver{})
	if res.Kind != Upsert || res.Record.State != events.StateWorking {
		t.Fatalf("got %+v", res)
	}
	if !res.Record.StateChangedAt.Equal(ts("2026-01-01T00:00:00Z")) {
		t.Fatalf("heartbeat must not advance state_changed_at, got %v", res.Record.StateChangedAt)
	}
	if !res.Record.UpdatedAt.Equal(ts("2026-01-01T00:05:00Z")) {
		t.Fatalf("heartbeat must refresh updated_at, got %v", res.Record.UpdatedAt)
	}
}

func TestReduce_ToolUseFromNonWorkingAdvancesStateChangedAt(t *testing.T) {
	cur := &events.SessionRecord{
		SessionID: "s1", State: events.StateReady,
		StateChangedAt: ts("2026-01-01T00:00:00Z"),
		UpdatedAt:      ts("2026-01-01T00:00:00Z"),
	}
	res := Reduce(cur, false, ev(events.KindPreToolUse, "s1", "", "2026-01-01T00:05:00Z"), fakeResolver{})
	if res.Record.State != events.StateWorking {
		t.Fatalf("expected Working, got %v", res.Record.State)
	}
	if !res.Record.StateChangedAt.Equal(ts("2026-01-01T00:05:00Z")) {
		t.Fatalf("state change must advance state_changed_at")
	}
}

func TestReduce_StalenessDropped(t *testing.T) {
	cur := &events.SessionRecord{SessionID: "s1", State: events.StateWorking, UpdatedAt: ts("2026-01-01T00:10:00Z")}
	res := Reduce(cur, false, ev(events.KindPermissionRequest, "s1", "/p", "2026-01-01T00:05:00Z"), fakeResolver{})
	if res.Kind != Skip {
		t.Fatalf("expected stale event to be skipped, got %+v", res)
	}
}

func TestReduce_NotificationOnlyIdlePromptMatters(t *testing.T) {
	cur := &events.SessionRecord{SessionID: "s1", State: events.StateWorking, UpdatedAt: ts("2026-01-01T00:00:00Z")}
	e := ev(events.KindNotification, "s1", "/p", "2026-01-01T00:01:00Z")
	e.NotificationType = "something_else"
	if res := Reduce(cur, false, e, fakeResolver{}); res.Kind != Skip {
		t.Fatalf("expected skip for non-idle_prompt notification, got %+v", res)
	}
	e.NotificationType = "idle_prompt"
	res := Reduce(cur, false, e, fakeResolver{})
	if res.Kind != Upsert || res.Record.State != events.StateReady {
		t.Fatalf("expected Ready upsert, got %+v", res)
	}
}

func TestReduce_StopHookActiveSkipped(t *testing.T) {
	cur := &events.SessionRecord{SessionID: "s1", State: events.StateWorking, UpdatedAt: ts("2026-01-01T00:00:00Z")}
	e := ev(events.KindStop, "s1", "/p", "2026-01-01T00:01:00Z")
	e.StopHookActive = true
	if res := Reduce(cur, false, e, fakeResolver{}); res.Kind != Skip {
		t.Fatalf("expected skip, got %+v", res)
	}
	e.StopHookActive = false
	res := Reduce(cur, false, e, fakeResolver{})
	if res.Kind != Upsert || res.Record.State != events.StateReady {
		t.Fatalf("got %+v", res)
	}
}

func TestReduce_SessionEndDeletes(t *testing.T) {
	cur := &events.SessionRecord{SessionID: "s1", State: events.StateWorking}
	res := Reduce(cur, false, events.Event{EventID: "e", Kind: events.KindSessionEnd, SessionID: "s1"}, fakeResolver{})
	if res.Kind != Delete {
		t.Fatalf("expected Delete, got %+v", res)
	}
}

func TestReduce_TombstoneBlocksAllButSessionStart(t *testing.T) {
	e := ev(events.KindUserPromptSubmit, "s1", "/p", "2026-01-01T00:00:00Z")
	if res := Reduce(nil, true, e, fakeResolver{}); res.Kind != Skip {
		t.Fatalf("expected tombstoned session to drop event, got %+v", res)
	}
	start := ev(events.KindSessionStart, "s1", "/p", "2026-01-01T00:00:00Z")
	res := Reduce(nil, true, start, fakeResolver{})
	if res.Kind != Upsert {
		t.Fatalf("expected session_start to clear tombstone, got %+v", res)
	}
}

func TestReduce_ShellCwdNeverTouchesRecord(t *testing.T) {
	e := events.Event{EventID: "e", Kind: events.KindShellCwd, PID: 1, Cwd: "/x", TTY: "/dev/tty1"}
	if res := Reduce(nil, false, e, fakeResolver{}); res.Kind != Skip {
		t.Fatalf("expected skip, got %+v", res)
	}
}

func TestReduce_ProjectIdentityKeepsNarrowerOnParentCd(t *testing.T) {
	cur := &events.SessionRecord{
		SessionID: "s1", State: events.StateWorking, Cwd: "/repo/pkg",
		ProjectPath: "/repo/pkg", ProjectID: "/repo/pkg",
		UpdatedAt: ts("2026-01-01T00:00:00Z"),
	}
	// cd to repo root between tool uses; resolver answers with the repo root,
	// which is a parent of the currently-stored /repo/pkg.
	resolver := fakeResolver{answer: identity.Identity{Path: "/repo", ID: "/repo"}, ok: true}
	e := ev(events.KindPreToolUse, "s1", "/repo", "2026-01-01T00:01:00Z")
	res := Reduce(cur, false, e, resolver)
	if res.Record.ProjectPath != "/repo/pkg" {
		t.Fatalf("expected narrower project path preserved, got %q", res.Record.ProjectPath)
	}
}

func TestReduce_ProjectIdentityUpdatesWithFilePath(t *testing.T) {
	cur := &events.SessionRecord{
		SessionID: "s1", State: events.StateWorking, Cwd: "/repo/pkg",
		ProjectPath: "/repo/pkg", ProjectID: "/repo/pkg",
		UpdatedAt: ts("2026-01-01T00:00:00Z"),
	}
	resolver := fakeResolver{answer: identity.Identity{Path: "/repo", ID: "/repo"}, ok: true}
	e := ev(events.KindPreToolUse, "s1", "/repo", "2026-01-01T00:01:00Z")
	e.FilePath = "/repo/README.md"
	res := Reduce(cur, false, e, resolver)
	if res.Record.ProjectPath != "/repo" {
		t.Fatalf("expected project path to follow resolver when file_path present, got %q", res.Record.ProjectPath)
	}
}
