// Package protocol implements the request/response codec:
// envelope shape, strict field validation, and size-bounded framing. The
// wire format is newline-delimited JSON.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the only accepted protocol_version.
const ProtocolVersion = 1

// MaxRequestBytes bounds a single request line.
const MaxRequestBytes = 1_048_576

// Method enumerates the snake_case RPC methods.
type Method string

const (
	MethodGetHealth             Method = "get_health"
	MethodGetShellState         Method = "get_shell_state"
	MethodGetProcessLiveness    Method = "get_process_liveness"
	MethodGetRoutingSnapshot    Method = "get_routing_snapshot"
	MethodGetRoutingDiagnostics Method = "get_routing_diagnostics"
	MethodGetConfig             Method = "get_config"
	MethodGetSessions           Method = "get_sessions"
	MethodGetProjectStates      Method = "get_project_states"
	MethodGetActivity           Method = "get_activity"
	MethodGetTombstones         Method = "get_tombstones"
	MethodEvent                 Method = "event"
)

var knownMethods = map[Method]bool{
	MethodGetHealth: true, MethodGetShellState: true, MethodGetProcessLiveness: true,
	MethodGetRoutingSnapshot: true, MethodGetRoutingDiagnostics: true, MethodGetConfig: true,
	MethodGetSessions: true, MethodGetProjectStates: true, MethodGetActivity: true,
	MethodGetTombstones: true, MethodEvent: true,
}

// IsMutating reports whether method requires the single-writer path.
func (m Method) IsMutating() bool { return m == MethodEvent }

// Error codes are stable wire strings.
const (
	ErrUnauthorizedPeer     = "unauthorized_peer"
	ErrTooManyConnections   = "too_many_connections"
	ErrInvalidProjectPath   = "invalid_project_path"
	ErrInvalidParams        = "invalid_params"
	ErrInvalidEventID       = "invalid_event_id"
	ErrInvalidTimestamp     = "invalid_timestamp"
	ErrMissingField         = "missing_field"
	ErrInvalidPID           = "invalid_pid"
)

// Request is the validated, decoded form of an incoming request line.
type Request struct {
	ProtocolVersion int
	Method          Method
	ID              json.RawMessage // opaque client tag, echoed verbatim; nil if absent
	Params          json.RawMessage // method-specific, nil if absent
}

// ErrorInfo is the `error` field of a Response.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is the outgoing envelope: `{ok, id?, data?|error?}`.
type Response struct {
	OK    bool            `json:"ok"`
	ID    json.RawMessage `json:"id,omitempty"`
	Data  any             `json:"data,omitempty"`
	Error *ErrorInfo      `json:"error,omitempty"`
}

// ValidationError pairs a stable wire code with a human message, returned
// by ParseRequest and by method-specific params decoding.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func invalidParams(msg string) error {
	return &ValidationError{Code: ErrInvalidParams, Message: msg}
}

// requestShape mirrors Request's JSON shape for strict decoding; every
// top-level field must be named here or decoding fails closed.
type requestShape struct {
	ProtocolVersion *int            `json:"protocol_version"`
	Method          *string         `json:"method"`
	ID              json.RawMessage `json:"id"`
	Params          json.RawMessage `json:"params"`
}

// ParseRequest decodes and validates one request line against the
// envelope rules. line must already be size-bounded by the caller.
func ParseRequest(line []byte) (Request, error) {
	if len(line) > MaxRequestBytes {
		return Request{}, invalidParams("request exceeds MAX_REQUEST_BYTES")
	}

	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	var shape requestShape
	if err := dec.Decode(&shape); err != nil {
		return Request{}, invalidParams("malformed request envelope: " + err.Error())
	}

	if shape.ProtocolVersion == nil {
		return Request{}, &ValidationError{Code: ErrMissingField, Message: "missing protocol_version"}
	}
	if *shape.ProtocolVersion != ProtocolVersion {
		return Request{}, invalidParams(fmt.Sprintf("unsupported protocol_version %d", *shape.ProtocolVersion))
	}
	if shape.Method == nil || *shape.Method == "" {
		return Request{}, &ValidationError{Code: ErrMissingField, Message: "missing method"}
	}
	method := Method(*shape.Method)
	if !knownMethods[method] {
		return Request{}, invalidParams("unknown method " + *shape.Method)
	}

	return Request{
		ProtocolVersion: *shape.ProtocolVersion,
		Method:          method,
		ID:              shape.ID,
		Params:          shape.Params,
	}, nil
}

// OKResponse builds a successful response, echoing id if present.
func OKResponse(id json.RawMessage, data any) Response {
	return Response{OK: true, ID: id, Data: data}
}

// ErrResponse builds a failure response, echoing id if present.
func ErrResponse(id json.RawMessage, code, message string) Response {
	return Response{OK: false, ID: id, Error: &ErrorInfo{Code: code, Message: message}}
}

// AsValidationError turns err into a (code, message) pair if it is a
// *ValidationError; any other error, including one that wraps a
// *ValidationError, falls back to invalid_params.
func AsValidationError(err error) (code, message string) {
	if ve, ok := err.(*ValidationError); ok {
		return ve.Code, ve.Message
	}
	return ErrInvalidParams, err.Error()
}
