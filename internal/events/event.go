// Package events defines the wire and storage representation of hook events:
// the append-only, idempotent record of everything the daemon has observed.
package events

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies the type of a hook event. Kinds are a closed set; adding
// one requires updating every switch that matches over Kind (validator,
// reducer, store).
type Kind string

const (
	KindSessionStart        Kind = "session_start"
	KindUserPromptSubmit    Kind = "user_prompt_submit"
	KindPreToolUse          Kind = "pre_tool_use"
	KindPostToolUse         Kind = "post_tool_use"
	KindPostToolUseFailure  Kind = "post_tool_use_failure"
	KindPermissionRequest   Kind = "permission_request"
	KindPreCompact          Kind = "pre_compact"
	KindNotification        Kind = "notification"
	KindSubagentStart       Kind = "subagent_start"
	KindSubagentStop        Kind = "subagent_stop"
	KindStop                Kind = "stop"
	KindTeammateIdle        Kind = "teammate_idle"
	KindTaskCompleted       Kind = "task_completed"
	KindWorktreeCreate      Kind = "worktree_create"
	KindWorktreeRemove      Kind = "worktree_remove"
	KindConfigChange        Kind = "config_change"
	KindSessionEnd          Kind = "session_end"
	KindShellCwd            Kind = "shell_cwd"
)

// AllKinds enumerates every declared Kind. Used by exhaustiveness tests in
// the reducer package so a new Kind added here is caught by CI until every
// match site accounts for it.
var AllKinds = []Kind{
	KindSessionStart, KindUserPromptSubmit, KindPreToolUse, KindPostToolUse,
	KindPostToolUseFailure, KindPermissionRequest, KindPreCompact, KindNotification,
	KindSubagentStart, KindSubagentStop, KindStop, KindTeammateIdle,
	KindTaskCompleted, KindWorktreeCreate, KindWorktreeRemove, KindConfigChange,
	KindSessionEnd, KindShellCwd,
}

func (k Kind) Valid() bool {
	for _, candidate := range AllKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

// Event is the fully validated, UTC-normalized in-memory representation of a
// single hook event. Construct it via Validate, never directly from raw JSON.
type Event struct {
	EventID          string    `json:"event_id"`
	RecordedAt       time.Time `json:"recorded_at"`
	Kind             Kind      `json:"event_type"`
	SessionID        string    `json:"session_id,omitempty"`
	Cwd              string    `json:"cwd,omitempty"`
	FilePath         string    `json:"file_path,omitempty"`
	PID              int       `json:"pid,omitempty"`
	NotificationType string    `json:"notification_type,omitempty"`
	StopHookActive   bool      `json:"stop_hook_active,omitempty"`
	TTY              string    `json:"tty,omitempty"`
	ParentApp        string    `json:"parent_app,omitempty"`
	TmuxSession      string    `json:"tmux_session,omitempty"`
	TmuxClientTTY    string    `json:"tmux_client_tty,omitempty"`
}

// Errors surfaced by Validate. Callers map these to stable wire error codes.
var (
	ErrMissingEventID     = errors.New("missing event_id")
	ErrEventIDTooLong      = errors.New("event_id exceeds 128 characters")
	ErrInvalidTimestamp   = errors.New("invalid recorded_at timestamp")
	ErrUnknownKind        = errors.New("unknown event_type")
	ErrMissingSessionID   = errors.New("missing session_id")
	ErrMissingCwd         = errors.New("missing cwd")
	ErrMissingPID         = errors.New("missing or zero pid")
	ErrMissingTTY         = errors.New("missing tty")
	ErrMissingNotifyType  = errors.New("missing notification_type")
)

const maxEventIDLen = 128

// Raw is the unvalidated, JSON-shaped form of an event envelope as received
// over the wire (the `event` method's params).
type Raw struct {
	EventID          string `json:"event_id"`
	RecordedAt       string `json:"recorded_at"`
	EventType        string `json:"event_type"`
	SessionID        string `json:"session_id,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	FilePath         string `json:"file_path,omitempty"`
	PID              int    `json:"pid,omitempty"`
	NotificationType string `json:"notification_type,omitempty"`
	StopHookActive   *bool  `json:"stop_hook_active,omitempty"`
	TTY              string `json:"tty,omitempty"`
	ParentApp        string `json:"parent_app,omitempty"`
	TmuxSession      string `json:"tmux_session,omitempty"`
	TmuxClientTTY    string `json:"tmux_client_tty,omitempty"`
}

// Validate checks a Raw envelope against the per-kind requirements and returns the
// normalized Event. recorded_at is rewritten to UTC, second precision, with
// a trailing "Z".
func Validate(r Raw) (Event, error) {
	if r.EventID == "" {
		return Event{}, ErrMissingEventID
	}
	if len(r.EventID) > maxEventIDLen {
		return Event{}, ErrEventIDTooLong
	}

	ts, err := time.Parse(time.RFC3339, r.RecordedAt)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	ts = ts.UTC().Truncate(time.Second)

	kind := Kind(r.EventType)
	if !kind.Valid() {
		return Event{}, ErrUnknownKind
	}

	ev := Event{
		EventID:       r.EventID,
		RecordedAt:    ts,
		Kind:          kind,
		SessionID:     r.SessionID,
		Cwd:           r.Cwd,
		FilePath:      r.FilePath,
		PID:           r.PID,
		TTY:           r.TTY,
		ParentApp:     r.ParentApp,
		TmuxSession:   r.TmuxSession,
		TmuxClientTTY: r.TmuxClientTTY,
	}

	switch kind {
	case KindShellCwd:
		if r.PID == 0 {
			return Event{}, ErrMissingPID
		}
		if r.Cwd == "" {
			return Event{}, ErrMissingCwd
		}
		if r.TTY == "" {
			return Event{}, ErrMissingTTY
		}
	case KindSessionEnd:
		if r.SessionID == "" {
			return Event{}, ErrMissingSessionID
		}
	default:
		if r.SessionID == "" {
			return Event{}, ErrMissingSessionID
		}
		if r.Cwd == "" {
			return Event{}, ErrMissingCwd
		}
		switch kind {
		case KindNotification:
			if r.NotificationType == "" {
				return Event{}, ErrMissingNotifyType
			}
			ev.NotificationType = r.NotificationType
		case KindStop:
			if r.StopHookActive == nil {
				return Event{}, fmt.Errorf("stop event: %w", errors.New("missing stop_hook_active"))
			}
			ev.StopHookActive = *r.StopHookActive
		}
	}

	return ev, nil
}

// RFC3339UTC formats t the way every wire timestamp in this system is
// rendered: UTC, second precision, trailing Z.
func RFC3339UTC(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
}
