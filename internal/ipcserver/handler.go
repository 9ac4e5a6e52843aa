package ipcserver

import (
	"context"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/mira-voss/capacitord/internal/config"
	"github.com/mira-voss/capacitord/internal/events"
	"github.com/mira-voss/capacitord/internal/eventstore"
	"github.com/mira-voss/capacitord/internal/hem"
	"github.com/mira-voss/capacitord/internal/ingest"
	"github.com/mira-voss/capacitord/internal/procinfo"
	"github.com/mira-voss/capacitord/internal/protocol"
	"github.com/mira-voss/capacitord/internal/registry"
	"github.com/mira-voss/capacitord/internal/routing"
	"github.com/mira-voss/capacitord/internal/sessiontable"
	"github.com/mira-voss/capacitord/internal/tombstone"
)

// Handler maps validated requests to the store, registries, and engines.
// It is safe for concurrent use by read methods; the server serializes
// mutating methods before they reach Handle.
type Handler struct {
	Cfg        config.Config
	Dispatcher *ingest.Dispatcher
	Store      *eventstore.Store
	Sessions   *sessiontable.Table
	Tombstones *tombstone.Set
	ShellReg   *registry.ShellRegistry
	TmuxReg    *registry.TmuxRegistry
	Version    string
	StartedAt  time.Time

	// Now is the daemon's notion of the current instant for freshness
	// comparisons; tests pin it.
	Now func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Handle dispatches one request. Every return path produces a response —
// a request accepted off the wire always gets an answer.
func (h *Handler) Handle(ctx context.Context, req protocol.Request) protocol.Response {
	switch req.Method {
	case protocol.MethodGetHealth:
		return protocol.OKResponse(req.ID, h.health(ctx))
	case protocol.MethodGetShellState:
		return h.shellState(ctx, req)
	case protocol.MethodGetProcessLiveness:
		return h.processLiveness(ctx, req)
	case protocol.MethodGetRoutingSnapshot:
		return h.routingSnapshot(req, false)
	case protocol.MethodGetRoutingDiagnostics:
		return h.routingSnapshot(req, true)
	case protocol.MethodGetConfig:
		return protocol.OKResponse(req.ID, h.configView())
	case protocol.MethodGetSessions:
		return protocol.OKResponse(req.ID, h.sessions())
	case protocol.MethodGetProjectStates:
		return protocol.OKResponse(req.ID, h.projectStates())
	case protocol.MethodGetActivity:
		return h.activity(ctx, req)
	case protocol.MethodGetTombstones:
		return protocol.OKResponse(req.ID, map[string]any{"tombstones": h.Tombstones.List()})
	case protocol.MethodEvent:
		return h.event(ctx, req)
	default:
		return protocol.ErrResponse(req.ID, protocol.ErrInvalidParams, "unknown method")
	}
}

func (h *Handler) health(ctx context.Context) map[string]any {
	status := "ok"
	dbOK := h.Store.Ping(ctx) == nil
	if !dbOK {
		status = "degraded"
	}
	return map[string]any{
		"status":      status,
		"version":     h.Version,
		"uptime_s":    int64(h.now().Sub(h.StartedAt).Seconds()),
		"db_ok":       dbOK,
		"socket_path": h.Cfg.SocketPath(),
		"pid":         os.Getpid(),
	}
}

type shellEntryView struct {
	Cwd           string `json:"cwd"`
	TTY           string `json:"tty"`
	ParentApp     string `json:"parent_app,omitempty"`
	TmuxSession   string `json:"tmux_session,omitempty"`
	TmuxClientTTY string `json:"tmux_client_tty,omitempty"`
	Alive         bool   `json:"alive"`
	UpdatedAt     string `json:"updated_at"`
}

func (h *Handler) shellState(ctx context.Context, req protocol.Request) protocol.Response {
	rows, err := h.Store.AllShellState(ctx)
	if err != nil {
		return protocol.ErrResponse(req.ID, protocol.ErrInvalidParams, "reading shell state: "+err.Error())
	}
	out := make(map[string]shellEntryView, len(rows))
	for _, e := range rows {
		out[strconv.Itoa(e.PID)] = shellEntryView{
			Cwd: e.Cwd, TTY: e.TTY, ParentApp: e.ParentApp,
			TmuxSession: e.TmuxSession, TmuxClientTTY: e.TmuxClientTTY,
			Alive:     procinfo.Alive(e.PID),
			UpdatedAt: events.RFC3339UTC(e.UpdatedAt),
		}
	}
	return protocol.OKResponse(req.ID, map[string]any{"shells": out})
}

func (h *Handler) processLiveness(ctx context.Context, req protocol.Request) protocol.Response {
	params, err := protocol.ParseProcessLivenessParams(req.Params)
	if err != nil {
		code, msg := protocol.AsValidationError(err)
		return protocol.ErrResponse(req.ID, code, msg)
	}
	row, found, err := h.Store.ProcessLiveness(ctx, int(params.PID))
	if err != nil {
		return protocol.ErrResponse(req.ID, protocol.ErrInvalidParams, "reading process liveness: "+err.Error())
	}
	data := map[string]any{"pid": params.PID, "found": found}
	if found {
		data["last_seen_at"] = events.RFC3339UTC(row.LastSeenAt)
		if row.ProcStarted != nil {
			data["proc_started"] = *row.ProcStarted
		} else {
			data["proc_started"] = nil
		}
		data["alive"] = procinfo.Alive(int(params.PID))
	}
	return protocol.OKResponse(req.ID, data)
}

func (h *Handler) routingSnapshot(req protocol.Request, diagnostics bool) protocol.Response {
	params, err := protocol.ParseRoutingParams(req.Params)
	if err != nil {
		code, msg := protocol.AsValidationError(err)
		return protocol.ErrResponse(req.ID, code, msg)
	}
	diag := routing.Resolve(params.ProjectPath, params.WorkspaceID, h.now(), h.Cfg.Routing, h.ShellReg, h.TmuxReg)
	if diagnostics {
		return protocol.OKResponse(req.ID, diag)
	}
	return protocol.OKResponse(req.ID, diag.Snapshot)
}

func (h *Handler) configView() map[string]any {
	bindings := make(map[string]any, len(h.Cfg.Routing.WorkspaceBindings))
	for id, b := range h.Cfg.Routing.WorkspaceBindings {
		bindings[id] = map[string]any{
			"preferred_sessions": b.PreferredSessions,
			"path_patterns":      b.PathPatterns,
		}
	}
	return map[string]any{
		"config_root":     h.Cfg.ConfigRoot,
		"max_connections": h.Cfg.MaxConnections,
		"routing": map[string]any{
			"tmux_signal_fresh_ms":  h.Cfg.Routing.TmuxSignalFreshMS,
			"shell_signal_fresh_ms": h.Cfg.Routing.ShellSignalFreshMS,
			"shell_retention_hours": h.Cfg.Routing.ShellRetentionHours,
			"tmux_poll_interval_ms": h.Cfg.Routing.TmuxPollIntervalMS,
			"workspace_bindings":    bindings,
		},
		"hem": map[string]any{
			"mode": h.Cfg.Hem.Mode,
			"capabilities": map[string]bool{
				string(hem.CapNotificationMatcher):  h.Cfg.Hem.DeclaredCapabilities.NotificationMatcherSupport,
				string(hem.CapToolUseIDConsistency): h.Cfg.Hem.DeclaredCapabilities.ToolUseIDConsistency,
			},
		},
	}
}

type sessionView struct {
	SessionID      string `json:"session_id"`
	State          string `json:"state"`
	PID            int    `json:"pid,omitempty"`
	Cwd            string `json:"cwd"`
	ProjectPath    string `json:"project_path"`
	ProjectID      string `json:"project_id"`
	StateChangedAt string `json:"state_changed_at"`
	UpdatedAt      string `json:"updated_at"`
	LastEventKind  string `json:"last_event_kind"`
}

func (h *Handler) sessions() map[string]any {
	records := h.Sessions.All()
	sort.Slice(records, func(i, j int) bool { return records[i].SessionID < records[j].SessionID })
	out := make([]sessionView, 0, len(records))
	for _, rec := range records {
		out = append(out, sessionView{
			SessionID:      rec.SessionID,
			State:          string(rec.State),
			PID:            rec.PID,
			Cwd:            rec.Cwd,
			ProjectPath:    rec.ProjectPath,
			ProjectID:      rec.ProjectID,
			StateChangedAt: events.RFC3339UTC(rec.StateChangedAt),
			UpdatedAt:      events.RFC3339UTC(rec.UpdatedAt),
			LastEventKind:  string(rec.LastEventKind),
		})
	}
	return map[string]any{"sessions": out}
}

type projectStateView struct {
	ProjectID     string  `json:"project_id"`
	ProjectPath   string  `json:"project_path"`
	State         string  `json:"state"`
	Confidence    float64 `json:"confidence"`
	EvidenceCount int     `json:"evidence_count"`
}

func (h *Handler) projectStates() map[string]any {
	declared := map[hem.CapabilityName]bool{
		hem.CapNotificationMatcher:  h.Cfg.Hem.DeclaredCapabilities.NotificationMatcherSupport,
		hem.CapToolUseIDConsistency: h.Cfg.Hem.DeclaredCapabilities.ToolUseIDConsistency,
	}
	statuses, unknown, misdeclared := hem.EvaluateCapabilities(declared, h.Dispatcher.SeenKinds())
	penalty := hem.CapabilityPenaltyFactor(unknown, misdeclared, h.Cfg.Hem.Config.CapabilityDetection)

	states := hem.Synthesize(h.Sessions.All(), h.now(), h.Cfg.Hem.Config, penalty,
		h.Cfg.Hem.DeclaredCapabilities.NotificationMatcherSupport)

	out := make([]projectStateView, 0, len(states))
	for _, st := range states {
		out = append(out, projectStateView{
			ProjectID: st.ProjectID, ProjectPath: st.ProjectPath,
			State: string(st.State), Confidence: st.Confidence, EvidenceCount: st.EvidenceCount,
		})
	}
	return map[string]any{
		"projects":           out,
		"capability_status":  statuses,
		"capability_penalty": penalty,
	}
}

type activityView struct {
	EventID    string `json:"event_id"`
	RecordedAt string `json:"recorded_at"`
	EventType  string `json:"event_type"`
	SessionID  string `json:"session_id,omitempty"`
	Cwd        string `json:"cwd,omitempty"`
	PID        int    `json:"pid,omitempty"`
}

func (h *Handler) activity(ctx context.Context, req protocol.Request) protocol.Response {
	params, err := protocol.ParseActivityParams(req.Params)
	if err != nil {
		code, msg := protocol.AsValidationError(err)
		return protocol.ErrResponse(req.ID, code, msg)
	}
	evs, err := h.Store.RecentActivity(ctx, int(params.Limit))
	if err != nil {
		return protocol.ErrResponse(req.ID, protocol.ErrInvalidParams, "reading activity: "+err.Error())
	}
	out := make([]activityView, 0, len(evs))
	for _, ev := range evs {
		out = append(out, activityView{
			EventID: ev.EventID, RecordedAt: events.RFC3339UTC(ev.RecordedAt),
			EventType: string(ev.Kind), SessionID: ev.SessionID, Cwd: ev.Cwd, PID: ev.PID,
		})
	}
	return protocol.OKResponse(req.ID, map[string]any{"events": out})
}

func (h *Handler) event(ctx context.Context, req protocol.Request) protocol.Response {
	raw, err := protocol.ParseEventParams(req.Params)
	if err != nil {
		code, msg := protocol.AsValidationError(err)
		return protocol.ErrResponse(req.ID, code, msg)
	}
	result, err := h.Dispatcher.Ingest(ctx, raw)
	if err != nil {
		code, msg := protocol.MapEventError(err)
		return protocol.ErrResponse(req.ID, code, msg)
	}
	data := map[string]any{
		"duplicate": result.Duplicate,
		"skipped":   result.Skipped,
		"deleted":   result.Deleted,
	}
	if result.Record.SessionID != "" {
		data["state"] = string(result.Record.State)
	}
	return protocol.OKResponse(req.ID, data)
}
