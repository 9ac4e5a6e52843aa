// Package sessiontable holds the in-memory SessionRecord map behind a
// single-writer/many-reader discipline. SessionRecords are not persisted
// to the event store directly — the store is append-only events plus
// shell_state and process_liveness; session state is rebuilt on cold
// start by replaying events back through the reducer (see
// internal/ingest).
package sessiontable

import (
	"sync"

	"github.com/mira-voss/capacitord/internal/events"
)

// Table is the live map of session_id -> SessionRecord.
type Table struct {
	mu      sync.RWMutex
	records map[string]events.SessionRecord
}

func New() *Table {
	return &Table{records: make(map[string]events.SessionRecord)}
}

// Get returns the current record for id, if any.
func (t *Table) Get(id string) (events.SessionRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[id]
	return rec, ok
}

// Put stores rec, replacing any existing record for its SessionID.
func (t *Table) Put(rec events.SessionRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[rec.SessionID] = rec
}

// Delete removes the record for id.
func (t *Table) Delete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, id)
}

// All returns a stable snapshot of every current record.
func (t *Table) All() []events.SessionRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]events.SessionRecord, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, rec)
	}
	return out
}
