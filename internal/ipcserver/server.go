// Package ipcserver implements the daemon's IPC surface: a
// Unix-domain stream socket, a peer-credential gate, a connection
// concurrency cap, newline-delimited JSON framing, and single-writer
// dispatch for mutating methods.
package ipcserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/mira-voss/capacitord/internal/protocol"
)

// Server owns the listening socket and dispatches requests to a Handler.
type Server struct {
	handler  *Handler
	logger   *slog.Logger
	maxConns int

	listener net.Listener
	sem      chan struct{}
	writerMu sync.Mutex
	wg       sync.WaitGroup
}

func New(handler *Handler, maxConns int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConns <= 0 {
		maxConns = 16
	}
	return &Server{
		handler:  handler,
		logger:   logger,
		maxConns: maxConns,
		sem:      make(chan struct{}, maxConns),
	}
}

// Listen binds the Unix socket at path. A leftover socket file from a
// previous run is removed first; if another daemon holds it, the bind
// fails and startup aborts — the one fatal startup condition.
func (s *Server) Listen(path string) error {
	if conn, err := net.Dial("unix", path); err == nil {
		conn.Close()
		return fmt.Errorf("socket %s is already in use by a running daemon", path)
	}
	_ = os.Remove(path)

	l, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("binding socket %s: %w", path, err)
	}
	// Peer-credential checks are the real gate; the mode keeps other users
	// from even queueing connects.
	if err := os.Chmod(path, 0600); err != nil {
		l.Close()
		return fmt.Errorf("restricting socket mode: %w", err)
	}
	s.listener = l
	return nil
}

// Serve accepts connections until ctx is canceled. Each accepted
// connection is handled on its own goroutine with exactly one in-flight
// request; no pipelining.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.logger.Warn("accept failed", "err", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn runs the full connection lifecycle: credential gate, slot
// acquisition, size-bounded read, dispatch, response, close.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	connID := uuid.NewString()

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return
	}
	peerUID, err := peerEUID(uc)
	if err != nil {
		s.logger.Warn("reading peer credentials", "conn", connID, "err", err)
		s.writeResponse(conn, protocol.ErrResponse(nil, protocol.ErrUnauthorizedPeer, "cannot verify peer credentials"))
		return
	}
	if peerUID != os.Geteuid() {
		s.logger.Warn("rejecting peer with foreign uid", "conn", connID, "peer_uid", peerUID)
		s.writeResponse(conn, protocol.ErrResponse(nil, protocol.ErrUnauthorizedPeer, "peer uid does not match daemon uid"))
		return
	}

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	default:
		s.writeResponse(conn, protocol.ErrResponse(nil, protocol.ErrTooManyConnections,
			fmt.Sprintf("more than %d concurrent connections", s.maxConns)))
		return
	}

	line, err := readLine(conn, protocol.MaxRequestBytes)
	if err != nil {
		if errors.Is(err, errLineTooLong) {
			s.writeResponse(conn, protocol.ErrResponse(nil, protocol.ErrInvalidParams, "request exceeds maximum size"))
		}
		return
	}

	req, err := protocol.ParseRequest(line)
	if err != nil {
		code, msg := protocol.AsValidationError(err)
		s.writeResponse(conn, protocol.ErrResponse(nil, code, msg))
		return
	}

	var resp protocol.Response
	if req.Method.IsMutating() {
		// Mutating requests serialize on one
		// mutex so the reducer's record lookup and update never interleave.
		s.writerMu.Lock()
		resp = s.handler.Handle(ctx, req)
		s.writerMu.Unlock()
	} else {
		resp = s.handler.Handle(ctx, req)
	}
	s.writeResponse(conn, resp)
}

func (s *Server) writeResponse(conn net.Conn, resp protocol.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshaling response", "err", err)
		data = []byte(`{"ok":false,"error":{"code":"invalid_params","message":"internal encoding failure"}}`)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		s.logger.Warn("writing response", "err", err)
	}
}

var errLineTooLong = errors.New("request line exceeds limit")

// readLine reads until newline or limit bytes, whichever comes first.
// Hitting the limit without a newline is a hard protocol error.
func readLine(r io.Reader, limit int) ([]byte, error) {
	br := bufio.NewReader(io.LimitReader(r, int64(limit)+1))
	line, err := br.ReadBytes('\n')
	if err == nil {
		return line[:len(line)-1], nil
	}
	if errors.Is(err, io.EOF) {
		if len(line) > limit {
			return nil, errLineTooLong
		}
		if len(line) > 0 {
			return line, nil
		}
	}
	return nil, err
}
