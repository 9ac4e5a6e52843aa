package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mira-voss/capacitord/internal/daemon"
	"github.com/mira-voss/capacitord/internal/ipcclient"
	"github.com/mira-voss/capacitord/internal/protocol"
	"github.com/mira-voss/capacitord/internal/style"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the capacitord daemon",
	Long: `Manage the background daemon that owns the event store, the session
locks, and the routing socket.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground (internal)",
	Long: `Run the daemon in the foreground.

This is what 'daemon start' launches in the background; call it directly
only under a supervisor (launchd/systemd) or while debugging.`,
	Hidden: true,
	RunE:   runDaemonRun,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE:  runDaemonStatus,
}

var daemonLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View the daemon log",
	RunE:  runDaemonLogs,
}

var (
	daemonLogLines  int
	daemonLogFollow bool
)

func init() {
	daemonCmd.AddCommand(daemonRunCmd)
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonLogsCmd)

	daemonLogsCmd.Flags().IntVarP(&daemonLogLines, "lines", "n", 50, "Number of lines to show")
	daemonLogsCmd.Flags().BoolVarP(&daemonLogFollow, "follow", "f", false, "Follow log output")

	rootCmd.AddCommand(daemonCmd)
}

func runDaemonRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureLayout(); err != nil {
		return err
	}

	logFile, err := os.OpenFile(cfg.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()
	logger := slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return daemon.New(cfg, Version, logger).Run(ctx)
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	running, pid, err := daemon.IsRunning(cfg.PIDFilePath())
	if err != nil {
		return fmt.Errorf("checking daemon status: %w", err)
	}
	if running {
		return fmt.Errorf("daemon already running (PID %d)", pid)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding executable: %w", err)
	}

	child := exec.Command(exePath, "daemon", "run", "--config-root", cfg.ConfigRoot)
	child.Stdin = nil
	child.Stdout = nil
	child.Stderr = nil
	if err := child.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	// Give it a moment to bind the socket and write the PID file.
	time.Sleep(200 * time.Millisecond)

	running, pid, err = daemon.IsRunning(cfg.PIDFilePath())
	if err != nil {
		return fmt.Errorf("checking daemon status: %w", err)
	}
	if !running {
		return fmt.Errorf("daemon failed to start (check 'capacitord daemon logs')")
	}
	if pid != child.Process.Pid {
		fmt.Printf("%s Daemon already running (PID %d)\n", style.RunningDot(), pid)
		return nil
	}

	fmt.Printf("%s Daemon started (PID %d)\n", style.PassIcon(), pid)
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	_, pid, err := daemon.IsRunning(cfg.PIDFilePath())
	if err != nil {
		return fmt.Errorf("checking daemon status: %w", err)
	}
	if err := daemon.Stop(cfg.PIDFilePath()); err != nil {
		return err
	}
	fmt.Printf("%s Daemon stopped (was PID %d)\n", style.PassIcon(), pid)
	return nil
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	running, pid, err := daemon.IsRunning(cfg.PIDFilePath())
	if err != nil {
		return fmt.Errorf("checking daemon status: %w", err)
	}
	if !running {
		if stdoutIsTTY() {
			fmt.Printf("%s Daemon is not running\n", style.StoppedDot())
			fmt.Printf("\nStart with: %s\n", style.Dim.Render("capacitord daemon start"))
		} else {
			fmt.Println("stopped")
		}
		return nil
	}

	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		UptimeS int64  `json:"uptime_s"`
		DBOk    bool   `json:"db_ok"`
	}
	client := ipcclient.New(cfg.SocketPath())
	if err := client.Call(protocol.MethodGetHealth, nil, &health); err != nil {
		fmt.Printf("%s Daemon running (PID %d) but socket unresponsive: %v\n", style.WarnIcon(), pid, err)
		return nil
	}

	if !stdoutIsTTY() {
		fmt.Printf("%s pid=%d uptime_s=%d db_ok=%v\n", health.Status, pid, health.UptimeS, health.DBOk)
		return nil
	}
	fmt.Printf("%s Daemon is %s (PID %d)\n", style.RunningDot(), style.Bold.Render(health.Status), pid)
	fmt.Printf("  Version: %s\n", health.Version)
	fmt.Printf("  Uptime:  %s\n", (time.Duration(health.UptimeS) * time.Second).String())
	fmt.Printf("  DB:      ok=%v\n", health.DBOk)
	fmt.Printf("  Socket:  %s\n", cfg.SocketPath())
	return nil
}

func runDaemonLogs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.LogPath()); os.IsNotExist(err) {
		return fmt.Errorf("no log file at %s", cfg.LogPath())
	}

	tailArgs := []string{"-n", fmt.Sprintf("%d", daemonLogLines)}
	if daemonLogFollow {
		tailArgs = []string{"-f"}
	}
	tail := exec.Command("tail", append(tailArgs, cfg.LogPath())...)
	tail.Stdout = os.Stdout
	tail.Stderr = os.Stderr
	return tail.Run()
}
