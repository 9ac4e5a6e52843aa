// Package registry implements the in-memory signal registries:
// freshness-tagged observations from shells and tmux, behind a single-writer
// many-reader discipline.
package registry

import (
	"sync"
	"time"
)

// ShellObservation is one live entry of the ShellRegistry.
type ShellObservation struct {
	PID           int
	Cwd           string
	TTY           string
	ParentApp     string
	TmuxSession   string
	TmuxClientTTY string
	RecordedAt    time.Time
}

// AgeMS returns how old the observation is relative to now, in milliseconds.
func (o ShellObservation) AgeMS(now time.Time) int64 {
	return now.Sub(o.RecordedAt).Milliseconds()
}

// ShellRegistry holds the most recent shell_cwd observation per PID.
type ShellRegistry struct {
	mu   sync.RWMutex
	byPID map[int]ShellObservation
}

func NewShellRegistry() *ShellRegistry {
	return &ShellRegistry{byPID: make(map[int]ShellObservation)}
}

func (r *ShellRegistry) Upsert(o ShellObservation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPID[o.PID] = o
}

func (r *ShellRegistry) Remove(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byPID, pid)
}

// Snapshot returns a stable copy of every current observation.
func (r *ShellRegistry) Snapshot() []ShellObservation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ShellObservation, 0, len(r.byPID))
	for _, o := range r.byPID {
		out = append(out, o)
	}
	return out
}

// TmuxClientObservation is one attached-client observation.
type TmuxClientObservation struct {
	ClientTTY        string
	SessionName      string
	PaneCurrentPath  string // optional, "" if unknown
	CapturedAt       time.Time
}

func (o TmuxClientObservation) AgeMS(now time.Time) int64 {
	return now.Sub(o.CapturedAt).Milliseconds()
}

// TmuxSessionObservation is one detached-or-attached session's known pane
// paths. A session may have multiple panes; any pane path qualifies for
// scope matching, and the first is the primary for routing.
type TmuxSessionObservation struct {
	SessionName string
	PanePaths   []string
	CapturedAt  time.Time
}

func (o TmuxSessionObservation) AgeMS(now time.Time) int64 {
	return now.Sub(o.CapturedAt).Milliseconds()
}

func (o TmuxSessionObservation) FirstPanePath() string {
	if len(o.PanePaths) == 0 {
		return ""
	}
	return o.PanePaths[0]
}

// TmuxRegistry holds the most recent poll results for attached clients and
// sessions. A whole-registry replace happens once per poll cycle (the
// poller owns "now"); readers see either the old or new snapshot, never a
// partial one.
type TmuxRegistry struct {
	mu       sync.RWMutex
	clients  []TmuxClientObservation
	sessions []TmuxSessionObservation
}

func NewTmuxRegistry() *TmuxRegistry {
	return &TmuxRegistry{}
}

// ReplaceClients atomically swaps the attached-client observation list.
func (r *TmuxRegistry) ReplaceClients(obs []TmuxClientObservation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = obs
}

// ReplaceSessions atomically swaps the session observation list.
func (r *TmuxRegistry) ReplaceSessions(obs []TmuxSessionObservation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = obs
}

func (r *TmuxRegistry) Clients() []TmuxClientObservation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TmuxClientObservation, len(r.clients))
	copy(out, r.clients)
	return out
}

func (r *TmuxRegistry) Sessions() []TmuxSessionObservation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TmuxSessionObservation, len(r.sessions))
	copy(out, r.sessions)
	return out
}

// AttachedSessionNames reports which session names currently have an
// attached client, used by the activation decision's TmuxContext.
func (r *TmuxRegistry) AttachedSessionNames() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.clients))
	for _, c := range r.clients {
		out[c.SessionName] = true
	}
	return out
}
