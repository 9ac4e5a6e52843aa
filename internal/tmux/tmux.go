// Package tmux observes tmux state via subprocess and feeds the
// TmuxClient/TmuxSession signal registries. It never mutates tmux; the
// daemon only watches.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/mira-voss/capacitord/internal/registry"
)

// ErrNoServer is returned when no tmux server is running. Callers treat it
// as "zero observations", not a failure.
var ErrNoServer = errors.New("no tmux server running")

// fieldSep separates format fields in list-* output. Tab is safe: tmux
// forbids it in session names and tty paths never contain one.
const fieldSep = "\t"

// Tmux wraps tmux subprocess invocations. The exec hook is injectable so
// tests can feed canned output without a tmux server.
type Tmux struct {
	execRun func(args ...string) (string, error)
}

func New() *Tmux {
	t := &Tmux{}
	t.execRun = t.run
	return t
}

// Available reports whether a tmux binary exists on PATH. When it doesn't,
// the poller leaves the registries permanently empty and Tier 1/2 of the
// routing engine simply never yield a candidate.
func Available() bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}

// run executes a tmux command and returns stdout.
func (t *Tmux) run(args ...string) (string, error) {
	cmd := exec.Command("tmux", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		errMsg := stderr.String()
		if strings.Contains(errMsg, "no server running") ||
			strings.Contains(errMsg, "error connecting to") {
			return "", ErrNoServer
		}
		return "", fmt.Errorf("tmux %s: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(errMsg))
	}
	return stdout.String(), nil
}

// ListClients returns one observation per attached client, stamped at now.
func (t *Tmux) ListClients(now time.Time) ([]registry.TmuxClientObservation, error) {
	out, err := t.execRun("list-clients", "-F",
		"#{client_tty}"+fieldSep+"#{client_session}"+fieldSep+"#{pane_current_path}")
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}
	return parseClients(out, now), nil
}

func parseClients(out string, now time.Time) []registry.TmuxClientObservation {
	var obs []registry.TmuxClientObservation
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, fieldSep, 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		o := registry.TmuxClientObservation{
			ClientTTY:   parts[0],
			SessionName: parts[1],
			CapturedAt:  now,
		}
		if len(parts) == 3 {
			o.PaneCurrentPath = parts[2]
		}
		obs = append(obs, o)
	}
	return obs
}

// ListSessions returns one observation per session (attached or not) with
// every pane's current path, stamped at now. A single list-panes -a call
// covers all sessions; per-session fan-out would race against sessions
// appearing and disappearing mid-poll.
func (t *Tmux) ListSessions(now time.Time) ([]registry.TmuxSessionObservation, error) {
	out, err := t.execRun("list-panes", "-a", "-F",
		"#{session_name}"+fieldSep+"#{pane_current_path}")
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}
	return parseSessionPanes(out, now), nil
}

func parseSessionPanes(out string, now time.Time) []registry.TmuxSessionObservation {
	paths := make(map[string][]string)
	var order []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, fieldSep, 2)
		if parts[0] == "" {
			continue
		}
		name := parts[0]
		if _, seen := paths[name]; !seen {
			order = append(order, name)
		}
		pane := ""
		if len(parts) == 2 {
			pane = parts[1]
		}
		paths[name] = append(paths[name], pane)
	}

	obs := make([]registry.TmuxSessionObservation, 0, len(order))
	for _, name := range order {
		obs = append(obs, registry.TmuxSessionObservation{
			SessionName: name,
			PanePaths:   paths[name],
			CapturedAt:  now,
		})
	}
	return obs
}

// Poller refreshes the tmux registry on a fixed interval. One failed poll
// logs and keeps the previous snapshot; the next tick retries.
type Poller struct {
	tmux     *Tmux
	reg      *registry.TmuxRegistry
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewPoller(t *Tmux, reg *registry.TmuxRegistry, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{tmux: t, reg: reg, interval: interval, logger: logger, now: time.Now}
}

// Run polls until ctx is canceled. It polls once immediately so the first
// routing query after startup doesn't race a full interval of emptiness.
func (p *Poller) Run(ctx context.Context) {
	if !Available() {
		p.logger.Info("tmux not found on PATH; tmux signal registries stay empty")
		return
	}

	p.pollOnce()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce()
		}
	}
}

func (p *Poller) pollOnce() {
	now := p.now()

	clients, err := p.tmux.ListClients(now)
	if err != nil {
		p.logger.Warn("polling tmux clients", "err", err)
	} else {
		p.reg.ReplaceClients(clients)
	}

	sessions, err := p.tmux.ListSessions(now)
	if err != nil {
		p.logger.Warn("polling tmux sessions", "err", err)
	} else {
		p.reg.ReplaceSessions(sessions)
	}
}
