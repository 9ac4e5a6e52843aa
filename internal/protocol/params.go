package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/mira-voss/capacitord/internal/events"
)

// ProcessLivenessParams is get_process_liveness's params shape.
type ProcessLivenessParams struct {
	PID uint32 `json:"pid"`
}

// ParseProcessLivenessParams decodes and validates {pid:uint32}.
func ParseProcessLivenessParams(raw json.RawMessage) (ProcessLivenessParams, error) {
	var p struct {
		PID *json.Number `json:"pid"`
	}
	dec := json.NewDecoder(bytes.NewReader(normalizeRaw(raw)))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return ProcessLivenessParams{}, invalidParams("malformed params: " + err.Error())
	}
	if p.PID == nil {
		return ProcessLivenessParams{}, &ValidationError{Code: ErrMissingField, Message: "missing pid"}
	}
	n, err := p.PID.Int64()
	if err != nil || n <= 0 || n > int64(^uint32(0)) {
		return ProcessLivenessParams{}, &ValidationError{Code: ErrInvalidPID, Message: "pid must be a positive uint32"}
	}
	return ProcessLivenessParams{PID: uint32(n)}, nil
}

// RoutingParams is get_routing_snapshot / get_routing_diagnostics's params
// shape.
type RoutingParams struct {
	ProjectPath string
	WorkspaceID string
}

func ParseRoutingParams(raw json.RawMessage) (RoutingParams, error) {
	var p struct {
		ProjectPath *string `json:"project_path"`
		WorkspaceID *string `json:"workspace_id"`
	}
	dec := json.NewDecoder(bytes.NewReader(normalizeRaw(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return RoutingParams{}, invalidParams("malformed params: " + err.Error())
	}
	if p.ProjectPath == nil || *p.ProjectPath == "" {
		return RoutingParams{}, &ValidationError{Code: ErrMissingField, Message: "missing project_path"}
	}
	if (*p.ProjectPath)[0] != '/' {
		return RoutingParams{}, &ValidationError{Code: ErrInvalidProjectPath, Message: "project_path must be absolute"}
	}
	out := RoutingParams{ProjectPath: *p.ProjectPath}
	if p.WorkspaceID != nil {
		out.WorkspaceID = *p.WorkspaceID
	}
	return out, nil
}

// ActivityParams is get_activity's params shape.
type ActivityParams struct {
	Limit uint
}

func ParseActivityParams(raw json.RawMessage) (ActivityParams, error) {
	if len(raw) == 0 {
		return ActivityParams{Limit: 50}, nil
	}
	var p struct {
		Limit *json.Number `json:"limit"`
	}
	dec := json.NewDecoder(bytes.NewReader(normalizeRaw(raw)))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return ActivityParams{}, invalidParams("malformed params: " + err.Error())
	}
	if p.Limit == nil {
		return ActivityParams{Limit: 50}, nil
	}
	n, err := p.Limit.Int64()
	if err != nil || n < 0 {
		return ActivityParams{}, invalidParams("limit must be a non-negative integer")
	}
	return ActivityParams{Limit: uint(n)}, nil
}

// ParseEventParams decodes the `event` method's params into an events.Raw
// envelope, rejecting unknown fields. Semantic validation
// (RFC3339 parsing, required-field-by-kind) is events.Validate's job, run
// by the caller (internal/ingest) so the event-specific error codes
// (invalid_event_id, invalid_timestamp, missing_field, invalid_pid) come
// from one place.
func ParseEventParams(raw json.RawMessage) (events.Raw, error) {
	var r events.Raw
	dec := json.NewDecoder(bytes.NewReader(normalizeRaw(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return events.Raw{}, invalidParams("malformed event envelope: " + err.Error())
	}
	return r, nil
}

func normalizeRaw(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

// MapEventError maps an events.Validate error to its stable wire code.
func MapEventError(err error) (code, message string) {
	if err == nil {
		return "", ""
	}
	switch {
	case errors.Is(err, events.ErrMissingEventID):
		return ErrMissingField, err.Error()
	case errors.Is(err, events.ErrEventIDTooLong):
		return ErrInvalidEventID, err.Error()
	case errors.Is(err, events.ErrInvalidTimestamp):
		return ErrInvalidTimestamp, err.Error()
	case errors.Is(err, events.ErrUnknownKind):
		return ErrInvalidParams, err.Error()
	case errors.Is(err, events.ErrMissingPID):
		return ErrInvalidPID, err.Error()
	case errors.Is(err, events.ErrMissingSessionID), errors.Is(err, events.ErrMissingCwd),
		errors.Is(err, events.ErrMissingTTY), errors.Is(err, events.ErrMissingNotifyType),
		strings.Contains(err.Error(), "missing stop_hook_active"):
		return ErrMissingField, err.Error()
	default:
		return ErrInvalidParams, err.Error()
	}
}
