// Package reducer implements the per-session state machine:
// given the current SessionRecord (if any) and a validated event, decide
// whether to skip, upsert, or delete.
package reducer

import (
	"github.com/mira-voss/capacitord/internal/events"
	"github.com/mira-voss/capacitord/internal/identity"
)

// ResultKind tags what the reducer decided to do with the store.
type ResultKind int

const (
	Skip ResultKind = iota
	Upsert
	Delete
)

// Result is the reducer's verdict for one event.
type Result struct {
	Kind   ResultKind
	Record events.SessionRecord // valid when Kind == Upsert
}

// Resolver abstracts project-identity resolution so the reducer can be
// tested without touching the filesystem.
type Resolver interface {
	Resolve(cwd string) (identity.Identity, bool)
}

type fsResolver struct{}

func (fsResolver) Resolve(path string) (identity.Identity, bool) { return identity.Resolve(path) }

// DefaultResolver resolves project identity via the real filesystem.
var DefaultResolver Resolver = fsResolver{}

// Reduce applies the transition table to ev, given the session's
// current record (nil if absent/tombstoned) and whether a tombstone exists
// for ev.SessionID. It does not touch storage; callers persist the Result.
func Reduce(current *events.SessionRecord, tombstoned bool, ev events.Event, resolver Resolver) Result {
	if resolver == nil {
		resolver = DefaultResolver
	}

	// Tombstone coverage: every kind except
	// session_start is a no-op for a tombstoned session_id.
	if tombstoned && ev.Kind != events.KindSessionStart {
		return Result{Kind: Skip}
	}

	// shell_cwd never touches SessionRecord; it's materialized separately.
	if ev.Kind == events.KindShellCwd {
		return Result{Kind: Skip}
	}

	if ev.Kind == events.KindSessionEnd {
		return Result{Kind: Delete}
	}

	// Staleness filter: an event whose recorded_at precedes the current
	// record's updated_at is dropped, regardless of kind.
	if current != nil && ev.RecordedAt.Before(current.UpdatedAt) {
		return Result{Kind: Skip}
	}

	switch ev.Kind {
	case events.KindSessionStart:
		if current != nil && current.State.Active() {
			return Result{Kind: Skip}
		}
		return Result{Kind: Upsert, Record: transition(current, ev, events.StateReady, resolver)}

	case events.KindUserPromptSubmit:
		return Result{Kind: Upsert, Record: transition(current, ev, events.StateWorking, resolver)}

	case events.KindPreToolUse, events.KindPostToolUse, events.KindPostToolUseFailure:
		return Result{Kind: Upsert, Record: transition(current, ev, events.StateWorking, resolver)}

	case events.KindPermissionRequest:
		return Result{Kind: Upsert, Record: transition(current, ev, events.StateWaiting, resolver)}

	case events.KindPreCompact:
		return Result{Kind: Upsert, Record: transition(current, ev, events.StateCompacting, resolver)}

	case events.KindNotification:
		if ev.NotificationType != "idle_prompt" {
			return Result{Kind: Skip}
		}
		return Result{Kind: Upsert, Record: transition(current, ev, events.StateReady, resolver)}

	case events.KindStop:
		if ev.StopHookActive {
			return Result{Kind: Skip}
		}
		return Result{Kind: Upsert, Record: transition(current, ev, events.StateReady, resolver)}

	case events.KindSubagentStart, events.KindSubagentStop, events.KindTeammateIdle,
		events.KindTaskCompleted, events.KindWorktreeCreate, events.KindWorktreeRemove,
		events.KindConfigChange:
		// Not named in the transition table: these kinds carry no
		// session-state transition of their own, so they fall through as
		// a no-op on SessionRecord (still persisted to the event log by
		// the caller). This is distinct from staleness Skip: it's a
		// deliberate "no matching row" rather than a dropped stale event.
		return Result{Kind: Skip}

	default:
		return Result{Kind: Skip}
	}
}

// transition builds the Upsert record for a non-staleness, non-delete
// result: sets state, conditionally advances state_changed_at, refreshes
// updated_at and last_event_kind, and recomputes project identity.
func transition(current *events.SessionRecord, ev events.Event, newState events.State, resolver Resolver) events.SessionRecord {
	var rec events.SessionRecord
	if current != nil {
		rec = *current
	} else {
		rec = events.SessionRecord{SessionID: ev.SessionID}
	}

	stateChanged := rec.State != newState
	rec.State = newState
	rec.LastEventKind = ev.Kind
	rec.UpdatedAt = ev.RecordedAt
	if stateChanged {
		rec.StateChangedAt = ev.RecordedAt
	} else if current == nil {
		rec.StateChangedAt = ev.RecordedAt
	}
	if ev.PID != 0 {
		rec.PID = ev.PID
	}
	if ev.Cwd != "" {
		rec.Cwd = ev.Cwd
	}

	resolveFrom := rec.Cwd
	if resolveFrom == "" {
		resolveFrom = ev.Cwd
	}
	if resolveFrom != "" {
		if id, ok := resolver.Resolve(resolveFrom); ok {
			// If the event has no file_path and
			// the resolver's answer is a parent of the currently-stored
			// project_path, keep the narrower stored identity.
			if ev.FilePath == "" && current != nil && current.ProjectPath != "" && isParentOf(id.Path, current.ProjectPath) {
				rec.ProjectPath = current.ProjectPath
				rec.ProjectID = current.ProjectID
			} else {
				rec.ProjectPath = id.Path
				rec.ProjectID = id.ID
			}
		}
	}

	return rec
}

// isParentOf reports whether candidate is a proper `/`-delimited ancestor of
// path (including the root "/" special case).
func isParentOf(candidate, path string) bool {
	if candidate == path {
		return false
	}
	if candidate == "/" {
		return path != ""
	}
	prefix := candidate + "/"
	return len(path) > len(prefix) && path[:len(prefix)] == prefix
}
