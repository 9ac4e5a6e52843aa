// Package ingest wires the event dispatcher: validation, idempotent persistence, the reducer's state transition, and
// the side effects the reducer itself does not perform (shell_state and
// process_liveness materialization, orphaned-lock reconciliation).
package ingest

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mira-voss/capacitord/internal/events"
	"github.com/mira-voss/capacitord/internal/eventstore"
	"github.com/mira-voss/capacitord/internal/lock"
	"github.com/mira-voss/capacitord/internal/procinfo"
	"github.com/mira-voss/capacitord/internal/reducer"
	"github.com/mira-voss/capacitord/internal/registry"
	"github.com/mira-voss/capacitord/internal/sessiontable"
	"github.com/mira-voss/capacitord/internal/tombstone"
)

// Dispatcher is the single writer that mutates the store, the session
// table, the tombstone set, and the shell registry in response to events.
// Callers (the IPC server) must serialize calls to Ingest.
type Dispatcher struct {
	Store      *eventstore.Store
	Sessions   *sessiontable.Table
	Tombstones *tombstone.Set
	ShellReg   *registry.ShellRegistry
	LockBase   string
	Logger     *slog.Logger

	seenMu    sync.RWMutex
	seenKinds map[events.Kind]bool
}

// SeenKinds returns which event kinds have been ingested this run, feeding
// the synthesizer's capability reconciliation.
func (d *Dispatcher) SeenKinds() map[events.Kind]bool {
	d.seenMu.RLock()
	defer d.seenMu.RUnlock()
	out := make(map[events.Kind]bool, len(d.seenKinds))
	for k := range d.seenKinds {
		out[k] = true
	}
	return out
}

func (d *Dispatcher) markSeen(kind events.Kind) {
	d.seenMu.Lock()
	if d.seenKinds == nil {
		d.seenKinds = make(map[events.Kind]bool)
	}
	d.seenKinds[kind] = true
	d.seenMu.Unlock()
}

// Result reports what Ingest actually did, for logging and tests.
type Result struct {
	Duplicate bool
	Skipped   bool
	Deleted   bool
	Record    events.SessionRecord // valid when an Upsert happened
}

// Ingest validates raw, persists it, and applies its effects. It returns
// the validation error unchanged (callers map it to a wire error code) or a
// Result describing what happened.
func (d *Dispatcher) Ingest(ctx context.Context, raw events.Raw) (Result, error) {
	ev, err := events.Validate(raw)
	if err != nil {
		return Result{}, err
	}

	inserted, err := d.Store.InsertEvent(ctx, ev)
	if err != nil {
		return Result{}, err
	}
	if !inserted {
		// A duplicate event_id is a complete no-op, not just a skipped
		// store insert.
		return Result{Duplicate: true}, nil
	}

	d.markSeen(ev.Kind)
	d.applySideEffects(ctx, ev)

	if ev.Kind == events.KindShellCwd {
		return Result{Skipped: true}, nil
	}

	if ev.Kind == events.KindSessionStart {
		if err := d.Tombstones.Clear(ev.SessionID); err != nil {
			d.Logger.Warn("clearing tombstone", "session_id", ev.SessionID, "err", err)
		}
	}

	tombstoned := ev.SessionID != "" && d.Tombstones.Has(ev.SessionID)
	var current *events.SessionRecord
	if rec, ok := d.Sessions.Get(ev.SessionID); ok {
		current = &rec
	}

	result := reducer.Reduce(current, tombstoned, ev, nil)
	switch result.Kind {
	case reducer.Skip:
		return Result{Skipped: true}, nil
	case reducer.Upsert:
		d.Sessions.Put(result.Record)
		return Result{Record: result.Record}, nil
	case reducer.Delete:
		// Lock release ordering: the session record is removed before
		// the lock, so the record-delete must precede the caller
		// releasing the lock. The tombstone is written here so no event
		// arriving after this point can resurrect the session_id.
		d.Sessions.Delete(ev.SessionID)
		if err := d.Tombstones.Mark(ev.SessionID); err != nil {
			d.Logger.Warn("marking tombstone", "session_id", ev.SessionID, "err", err)
		}
		return Result{Deleted: true}, nil
	default:
		return Result{Skipped: true}, nil
	}
}

// applySideEffects covers what the reducer itself does not perform:
// shell_cwd materializes shell_state and the ShellRegistry; any event
// carrying a PID upserts process_liveness and attempts orphaned-lock
// reconciliation for its cwd.
func (d *Dispatcher) applySideEffects(ctx context.Context, ev events.Event) {
	if ev.Kind == events.KindShellCwd {
		entry := events.ShellEntry{
			PID: ev.PID, Cwd: ev.Cwd, TTY: ev.TTY,
			ParentApp: ev.ParentApp, TmuxSession: ev.TmuxSession, TmuxClientTTY: ev.TmuxClientTTY,
			UpdatedAt: ev.RecordedAt,
		}
		if err := d.Store.UpsertShellState(ctx, entry); err != nil {
			d.Logger.Warn("upserting shell_state", "pid", ev.PID, "err", err)
		}
		d.ShellReg.Upsert(registry.ShellObservation{
			PID: ev.PID, Cwd: ev.Cwd, TTY: ev.TTY,
			ParentApp: ev.ParentApp, TmuxSession: ev.TmuxSession, TmuxClientTTY: ev.TmuxClientTTY,
			RecordedAt: ev.RecordedAt,
		})
	}

	if ev.PID != 0 {
		row := events.ProcessLivenessRow{
			PID: ev.PID, ProcStarted: procinfo.StartTime(ev.PID), LastSeenAt: ev.RecordedAt,
		}
		if err := d.Store.UpsertProcessLiveness(ctx, row); err != nil {
			d.Logger.Warn("upserting process_liveness", "pid", ev.PID, "err", err)
		}
	}

	if ev.Cwd != "" && d.LockBase != "" {
		known := make(map[int]bool)
		for _, rec := range d.Sessions.All() {
			if rec.PID != 0 {
				known[rec.PID] = true
			}
		}
		if err := lock.ReconcileOrphaned(d.LockBase, ev.Cwd, known); err != nil {
			d.Logger.Warn("reconciling orphaned lock", "cwd", ev.Cwd, "err", err)
		}
	}
}

// Rebuild replays every stored event through Ingest-equivalent reducer
// logic to reconstruct the in-memory session table and shell registry on
// cold start. It does not re-insert events or
// re-run side effects that only matter at first observation (process
// liveness is rebuilt separately from the process_liveness table itself).
func (d *Dispatcher) Rebuild(ctx context.Context) error {
	return d.Store.ReplayAll(ctx, func(ev events.Event) error {
		d.markSeen(ev.Kind)
		if ev.Kind == events.KindShellCwd {
			d.ShellReg.Upsert(registry.ShellObservation{
				PID: ev.PID, Cwd: ev.Cwd, TTY: ev.TTY,
				ParentApp: ev.ParentApp, TmuxSession: ev.TmuxSession, TmuxClientTTY: ev.TmuxClientTTY,
				RecordedAt: ev.RecordedAt,
			})
			return nil
		}
		if ev.Kind == events.KindSessionStart {
			_ = d.Tombstones.Clear(ev.SessionID)
		}
		tombstoned := ev.SessionID != "" && d.Tombstones.Has(ev.SessionID)
		var current *events.SessionRecord
		if rec, ok := d.Sessions.Get(ev.SessionID); ok {
			current = &rec
		}
		result := reducer.Reduce(current, tombstoned, ev, nil)
		switch result.Kind {
		case reducer.Upsert:
			d.Sessions.Put(result.Record)
		case reducer.Delete:
			d.Sessions.Delete(ev.SessionID)
			_ = d.Tombstones.Mark(ev.SessionID)
		}
		return nil
	})
}
