// Package ipcclient is the client side of the daemon's IPC protocol, used
// by the CLI and the doctor checks. One request per connection, matching
// the server's close-after-response framing.
package ipcclient

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mira-voss/capacitord/internal/protocol"
)

// ErrDaemonUnavailable is returned when the daemon socket cannot be
// reached at all, as opposed to the daemon answering with an error.
var ErrDaemonUnavailable = errors.New("daemon is not reachable")

// RemoteError is an error response from the daemon, carrying the stable
// wire code.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Client issues requests against a daemon socket path.
type Client struct {
	SocketPath string
	Timeout    time.Duration
}

func New(socketPath string) *Client {
	return &Client{SocketPath: socketPath, Timeout: 5 * time.Second}
}

// Call sends one request and decodes the response's data into out (which
// may be nil to discard it). A response with ok=false becomes a
// *RemoteError.
func (c *Client) Call(method protocol.Method, params any, out any) error {
	conn, err := net.DialTimeout("unix", c.SocketPath, c.Timeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.Timeout))

	req := map[string]any{
		"protocol_version": protocol.ProtocolVersion,
		"method":           string(method),
	}
	if params != nil {
		req["params"] = params
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("writing request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return fmt.Errorf("reading response: %w", err)
	}

	var resp struct {
		OK    bool                `json:"ok"`
		Data  json.RawMessage     `json:"data"`
		Error *protocol.ErrorInfo `json:"error"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if !resp.OK {
		if resp.Error != nil {
			return &RemoteError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return errors.New("daemon returned failure without error detail")
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("decoding response data: %w", err)
		}
	}
	return nil
}

// SessionPIDs returns the PIDs referenced by current session records, for
// lock reconciliation outside the daemon process.
func (c *Client) SessionPIDs() (map[int]bool, error) {
	var data struct {
		Sessions []struct {
			PID int `json:"pid"`
		} `json:"sessions"`
	}
	if err := c.Call(protocol.MethodGetSessions, nil, &data); err != nil {
		return nil, err
	}
	pids := make(map[int]bool)
	for _, s := range data.Sessions {
		if s.PID != 0 {
			pids[s.PID] = true
		}
	}
	return pids, nil
}
