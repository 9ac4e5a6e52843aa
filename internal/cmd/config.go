package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mira-voss/capacitord/internal/ipcclient"
	"github.com/mira-voss/capacitord/internal/protocol"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect daemon configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration",
	Long: `Show the configuration as the daemon resolved it (file, env, and
defaults merged). Asks the running daemon first so the output reflects what
is actually in effect; falls back to resolving locally when the daemon is
down.`,
	RunE: runConfigShow,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var view json.RawMessage
	client := ipcclient.New(cfg.SocketPath())
	if err := client.Call(protocol.MethodGetConfig, nil, &view); err == nil {
		return printJSON(view)
	}

	// Daemon down: render the locally resolved equivalent.
	local := map[string]any{
		"config_root":     cfg.ConfigRoot,
		"max_connections": cfg.MaxConnections,
		"routing": map[string]any{
			"tmux_signal_fresh_ms":  cfg.Routing.TmuxSignalFreshMS,
			"shell_signal_fresh_ms": cfg.Routing.ShellSignalFreshMS,
			"shell_retention_hours": cfg.Routing.ShellRetentionHours,
			"tmux_poll_interval_ms": cfg.Routing.TmuxPollIntervalMS,
			"workspace_bindings":    cfg.Routing.WorkspaceBindings,
		},
		"hem": map[string]any{
			"mode": cfg.Hem.Mode,
		},
	}
	return printJSON(local)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return nil
}
