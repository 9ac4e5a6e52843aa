package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mira-voss/capacitord/internal/events"
)

func mustErrCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	got, _ := AsValidationError(err)
	if got != code {
		t.Fatalf("error code = %s, want %s (err: %v)", got, code, err)
	}
}

func TestParseRequestHappyPath(t *testing.T) {
	req, err := ParseRequest([]byte(`{"protocol_version":1,"method":"get_health","id":"abc"}`))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Method != MethodGetHealth {
		t.Errorf("method = %v", req.Method)
	}
	if string(req.ID) != `"abc"` {
		t.Errorf("id = %s", req.ID)
	}
}

func TestParseRequestRejectsUnknownTopLevelField(t *testing.T) {
	_, err := ParseRequest([]byte(`{"protocol_version":1,"method":"get_health","extra":true}`))
	mustErrCode(t, err, ErrInvalidParams)
}

func TestParseRequestRequiresVersionAndMethod(t *testing.T) {
	_, err := ParseRequest([]byte(`{"method":"get_health"}`))
	mustErrCode(t, err, ErrMissingField)

	_, err = ParseRequest([]byte(`{"protocol_version":1}`))
	mustErrCode(t, err, ErrMissingField)

	_, err = ParseRequest([]byte(`{"protocol_version":2,"method":"get_health"}`))
	mustErrCode(t, err, ErrInvalidParams)
}

func TestParseRequestRejectsUnknownMethod(t *testing.T) {
	_, err := ParseRequest([]byte(`{"protocol_version":1,"method":"get_everything"}`))
	mustErrCode(t, err, ErrInvalidParams)
}

func TestParseRequestRejectsOversize(t *testing.T) {
	big := `{"protocol_version":1,"method":"event","params":{"event_id":"` +
		strings.Repeat("x", MaxRequestBytes) + `"}}`
	_, err := ParseRequest([]byte(big))
	mustErrCode(t, err, ErrInvalidParams)
}

func TestOnlyEventIsMutating(t *testing.T) {
	for m := range knownMethods {
		if m.IsMutating() != (m == MethodEvent) {
			t.Errorf("IsMutating(%s) wrong", m)
		}
	}
}

func TestParseProcessLivenessParams(t *testing.T) {
	p, err := ParseProcessLivenessParams(json.RawMessage(`{"pid":4242}`))
	if err != nil {
		t.Fatal(err)
	}
	if p.PID != 4242 {
		t.Errorf("pid = %d", p.PID)
	}

	_, err = ParseProcessLivenessParams(json.RawMessage(`{}`))
	mustErrCode(t, err, ErrMissingField)

	_, err = ParseProcessLivenessParams(json.RawMessage(`{"pid":0}`))
	mustErrCode(t, err, ErrInvalidPID)

	_, err = ParseProcessLivenessParams(json.RawMessage(`{"pid":-1}`))
	mustErrCode(t, err, ErrInvalidPID)

	_, err = ParseProcessLivenessParams(json.RawMessage(`{"pid":4294967296}`))
	mustErrCode(t, err, ErrInvalidPID)

	_, err = ParseProcessLivenessParams(json.RawMessage(`{"pid":1,"extra":1}`))
	mustErrCode(t, err, ErrInvalidParams)
}

func TestParseRoutingParams(t *testing.T) {
	p, err := ParseRoutingParams(json.RawMessage(`{"project_path":"/u/p","workspace_id":"ws1"}`))
	if err != nil {
		t.Fatal(err)
	}
	if p.ProjectPath != "/u/p" || p.WorkspaceID != "ws1" {
		t.Errorf("params = %+v", p)
	}

	_, err = ParseRoutingParams(json.RawMessage(`{}`))
	mustErrCode(t, err, ErrMissingField)

	_, err = ParseRoutingParams(json.RawMessage(`{"project_path":"relative/path"}`))
	mustErrCode(t, err, ErrInvalidProjectPath)
}

func TestParseActivityParamsDefaultsLimit(t *testing.T) {
	p, err := ParseActivityParams(nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.Limit != 50 {
		t.Errorf("default limit = %d", p.Limit)
	}

	p, err = ParseActivityParams(json.RawMessage(`{"limit":10}`))
	if err != nil {
		t.Fatal(err)
	}
	if p.Limit != 10 {
		t.Errorf("limit = %d", p.Limit)
	}

	_, err = ParseActivityParams(json.RawMessage(`{"limit":-1}`))
	mustErrCode(t, err, ErrInvalidParams)
}

func TestParseEventParamsRejectsUnknownFields(t *testing.T) {
	_, err := ParseEventParams(json.RawMessage(`{"event_id":"e","surprise":1}`))
	mustErrCode(t, err, ErrInvalidParams)
}

func TestMapEventErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{events.ErrMissingEventID, ErrMissingField},
		{events.ErrEventIDTooLong, ErrInvalidEventID},
		{events.ErrInvalidTimestamp, ErrInvalidTimestamp},
		{events.ErrUnknownKind, ErrInvalidParams},
		{events.ErrMissingPID, ErrInvalidPID},
		{events.ErrMissingSessionID, ErrMissingField},
		{events.ErrMissingCwd, ErrMissingField},
		{events.ErrMissingTTY, ErrMissingField},
		{events.ErrMissingNotifyType, ErrMissingField},
		{errors.New("anything else"), ErrInvalidParams},
	}
	for _, tt := range tests {
		if code, _ := MapEventError(tt.err); code != tt.code {
			t.Errorf("MapEventError(%v) = %s, want %s", tt.err, code, tt.code)
		}
	}
}

func TestResponseEnvelopeShape(t *testing.T) {
	data, err := json.Marshal(OKResponse(json.RawMessage(`7`), map[string]int{"x": 1}))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"ok":true,"id":7,"data":{"x":1}}` {
		t.Errorf("ok envelope = %s", data)
	}

	data, err = json.Marshal(ErrResponse(nil, ErrInvalidPID, "bad pid"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"ok":false,"error":{"code":"invalid_pid","message":"bad pid"}}` {
		t.Errorf("err envelope = %s", data)
	}
}
