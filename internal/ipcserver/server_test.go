package ipcserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mira-voss/capacitord/internal/config"
	"github.com/mira-voss/capacitord/internal/eventstore"
	"github.com/mira-voss/capacitord/internal/ingest"
	"github.com/mira-voss/capacitord/internal/protocol"
	"github.com/mira-voss/capacitord/internal/registry"
	"github.com/mira-voss/capacitord/internal/sessiontable"
	"github.com/mira-voss/capacitord/internal/tombstone"
)

func startServer(t *testing.T, maxConns int) (string, *Handler) {
	t.Helper()
	dir := t.TempDir()

	store, err := eventstore.Open(filepath.Join(dir, "state.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	tombs, err := tombstone.New(filepath.Join(dir, "ended-sessions"))
	if err != nil {
		t.Fatal(err)
	}

	sessions := sessiontable.New()
	shellReg := registry.NewShellRegistry()
	tmuxReg := registry.NewTmuxRegistry()
	dispatcher := &ingest.Dispatcher{
		Store: store, Sessions: sessions, Tombstones: tombs,
		ShellReg: shellReg, Logger: slog.Default(),
	}

	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	handler := &Handler{
		Cfg: cfg, Dispatcher: dispatcher, Store: store, Sessions: sessions,
		Tombstones: tombs, ShellReg: shellReg, TmuxReg: tmuxReg,
		Version: "test", StartedAt: time.Now(),
	}

	srv := New(handler, maxConns, slog.Default())
	sock := filepath.Join(dir, "daemon.sock")
	if err := srv.Listen(sock); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return sock, handler
}

func call(t *testing.T, sock, reqLine string) map[string]any {
	t.Helper()
	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(reqLine + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	return resp
}

func TestHealthOverSocket(t *testing.T) {
	sock, _ := startServer(t, 4)
	resp := call(t, sock, `{"protocol_version":1,"method":"get_health","id":"h1"}`)
	if resp["ok"] != true {
		t.Fatalf("resp = %v", resp)
	}
	if resp["id"] != "h1" {
		t.Errorf("id not echoed: %v", resp["id"])
	}
	data := resp["data"].(map[string]any)
	if data["status"] != "ok" || data["db_ok"] != true {
		t.Errorf("health = %v", data)
	}
}

func TestEventThenSessionsOverSocket(t *testing.T) {
	sock, _ := startServer(t, 4)

	resp := call(t, sock, `{"protocol_version":1,"method":"event","params":{"event_id":"e1","recorded_at":"2026-08-02T10:00:00Z","event_type":"session_start","session_id":"s1","cwd":"/u/p/proj"}}`)
	if resp["ok"] != true {
		t.Fatalf("event resp = %v", resp)
	}

	resp = call(t, sock, `{"protocol_version":1,"method":"get_sessions"}`)
	sessions := resp["data"].(map[string]any)["sessions"].([]any)
	if len(sessions) != 1 {
		t.Fatalf("sessions = %v", sessions)
	}
	s := sessions[0].(map[string]any)
	if s["session_id"] != "s1" || s["state"] != "ready" {
		t.Errorf("session = %v", s)
	}
}

func TestValidationErrorsOverSocket(t *testing.T) {
	sock, _ := startServer(t, 4)

	tests := []struct {
		req  string
		code string
	}{
		{`{"protocol_version":1,"method":"nope"}`, "invalid_params"},
		{`{"method":"get_health"}`, "missing_field"},
		{`{"protocol_version":1,"method":"event","params":{"event_id":"","recorded_at":"2026-08-02T10:00:00Z","event_type":"stop"}}`, "missing_field"},
		{`{"protocol_version":1,"method":"event","params":{"event_id":"e9","recorded_at":"not-a-time","event_type":"stop","session_id":"s","cwd":"/p"}}`, "invalid_timestamp"},
		{`{"protocol_version":1,"method":"get_process_liveness","params":{"pid":0}}`, "invalid_pid"},
		{`{"protocol_version":1,"method":"get_routing_snapshot","params":{"project_path":"rel"}}`, "invalid_project_path"},
		{`not json at all`, "invalid_params"},
	}
	for _, tt := range tests {
		resp := call(t, sock, tt.req)
		if resp["ok"] != false {
			t.Errorf("%s: expected failure, got %v", tt.req, resp)
			continue
		}
		errObj := resp["error"].(map[string]any)
		if errObj["code"] != tt.code {
			t.Errorf("%s: code = %v, want %s", tt.req, errObj["code"], tt.code)
		}
	}
}

func TestOversizeRequestRejected(t *testing.T) {
	sock, _ := startServer(t, 4)
	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	big := append(bytes.Repeat([]byte("x"), protocol.MaxRequestBytes+10), '\n')
	if _, err := conn.Write(big); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(line), "maximum size") {
		t.Errorf("response = %s", line)
	}
}

func TestTooManyConnections(t *testing.T) {
	sock, _ := startServer(t, 1)

	// Occupy the single slot with a connection that never sends a request.
	hold, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	defer hold.Close()
	time.Sleep(50 * time.Millisecond) // let the server claim the slot

	resp := call(t, sock, `{"protocol_version":1,"method":"get_health"}`)
	if resp["ok"] != false {
		t.Fatalf("expected rejection, got %v", resp)
	}
	errObj := resp["error"].(map[string]any)
	if errObj["code"] != "too_many_connections" {
		t.Errorf("code = %v", errObj["code"])
	}
}

func TestRoutingSnapshotOverSocket(t *testing.T) {
	sock, handler := startServer(t, 4)
	handler.TmuxReg.ReplaceClients([]registry.TmuxClientObservation{
		{ClientTTY: "/dev/ttys001", SessionName: "proj", PaneCurrentPath: "/u/p/proj", CapturedAt: time.Now()},
	})

	resp := call(t, sock, `{"protocol_version":1,"method":"get_routing_snapshot","params":{"project_path":"/u/p/proj"}}`)
	if resp["ok"] != true {
		t.Fatalf("resp = %v", resp)
	}
	data := resp["data"].(map[string]any)
	if data["status"] != "Attached" || data["reason_code"] != "TMUX_CLIENT_ATTACHED" {
		t.Errorf("snapshot = %v", data)
	}
}

func TestReadLineBoundaries(t *testing.T) {
	line, err := readLine(strings.NewReader("hello\nrest"), 100)
	if err != nil || string(line) != "hello" {
		t.Errorf("line = %q err = %v", line, err)
	}

	// EOF without newline still yields the partial line.
	line, err = readLine(strings.NewReader("partial"), 100)
	if err != nil || string(line) != "partial" {
		t.Errorf("line = %q err = %v", line, err)
	}

	// Over the limit without a newline is a hard error.
	_, err = readLine(strings.NewReader(strings.Repeat("x", 101)), 100)
	if err != errLineTooLong {
		t.Errorf("err = %v, want errLineTooLong", err)
	}

	// Empty input is an error, not an empty request.
	if _, err := readLine(strings.NewReader(""), 100); err == nil {
		t.Error("expected error on empty input")
	}
}
