// Package daemon assembles and runs the capacitord process: the event
// store, the session table, the tmux poller, and the IPC server, with a
// PID file for start/stop/status management from the CLI.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mira-voss/capacitord/internal/config"
	"github.com/mira-voss/capacitord/internal/eventstore"
	"github.com/mira-voss/capacitord/internal/ingest"
	"github.com/mira-voss/capacitord/internal/ipcserver"
	"github.com/mira-voss/capacitord/internal/registry"
	"github.com/mira-voss/capacitord/internal/sessiontable"
	"github.com/mira-voss/capacitord/internal/tmux"
	"github.com/mira-voss/capacitord/internal/tombstone"
)

// Daemon is one assembled capacitord instance.
type Daemon struct {
	cfg     config.Config
	version string
	logger  *slog.Logger
}

func New(cfg config.Config, version string, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{cfg: cfg, version: version, logger: logger}
}

// Run starts everything and blocks until ctx is canceled. The caller wires
// ctx to SIGINT/SIGTERM; there are no other exit paths in a healthy
// daemon.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.cfg.EnsureLayout(); err != nil {
		return err
	}
	if err := writePIDFile(d.cfg.PIDFilePath()); err != nil {
		return err
	}
	defer os.Remove(d.cfg.PIDFilePath())

	store, err := eventstore.Open(d.cfg.DBPath(), d.logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.RebuildProcessLiveness(ctx); err != nil {
		d.logger.Warn("cold-start process_liveness rebuild", "err", err)
	}

	tombstones, err := tombstone.New(d.cfg.TombstoneDir())
	if err != nil {
		return fmt.Errorf("opening tombstone set: %w", err)
	}

	sessions := sessiontable.New()
	shellReg := registry.NewShellRegistry()
	tmuxReg := registry.NewTmuxRegistry()

	dispatcher := &ingest.Dispatcher{
		Store:      store,
		Sessions:   sessions,
		Tombstones: tombstones,
		ShellReg:   shellReg,
		LockBase:   d.cfg.LockDir(),
		Logger:     d.logger,
	}
	if err := dispatcher.Rebuild(ctx); err != nil {
		d.logger.Warn("cold-start event replay", "err", err)
	}
	d.logger.Info("cold start complete", "sessions", len(sessions.All()))

	poller := tmux.NewPoller(tmux.New(), tmuxReg,
		time.Duration(d.cfg.Routing.TmuxPollIntervalMS)*time.Millisecond, d.logger)
	go poller.Run(ctx)

	handler := &ipcserver.Handler{
		Cfg:        d.cfg,
		Dispatcher: dispatcher,
		Store:      store,
		Sessions:   sessions,
		Tombstones: tombstones,
		ShellReg:   shellReg,
		TmuxReg:    tmuxReg,
		Version:    d.version,
		StartedAt:  time.Now(),
	}
	server := ipcserver.New(handler, d.cfg.MaxConnections, d.logger)
	if err := server.Listen(d.cfg.SocketPath()); err != nil {
		return err
	}
	defer os.Remove(d.cfg.SocketPath())

	d.logger.Info("daemon listening", "socket", d.cfg.SocketPath(), "pid", os.Getpid(), "version", d.version)
	return server.Serve(ctx)
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// IsRunning reports whether a daemon for this config root is alive,
// according to its PID file. A stale PID file (dead process) is removed.
func IsRunning(pidPath string) (bool, int, error) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false, 0, nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, 0, nil
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		_ = os.Remove(pidPath)
		return false, 0, nil
	}
	return true, pid, nil
}

// Stop sends SIGTERM to the running daemon, escalating to SIGKILL if it
// ignores the signal, and cleans up the PID file.
func Stop(pidPath string) error {
	running, pid, err := IsRunning(pidPath)
	if err != nil {
		return err
	}
	if !running {
		return fmt.Errorf("daemon is not running")
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process: %w", err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			_ = os.Remove(pidPath)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = proc.Signal(syscall.SIGKILL)
	_ = os.Remove(pidPath)
	return nil
}
