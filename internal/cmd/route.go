package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mira-voss/capacitord/internal/activation"
	"github.com/mira-voss/capacitord/internal/ipcclient"
	"github.com/mira-voss/capacitord/internal/protocol"
)

var (
	routeWorkspace   string
	routeDiagnostics bool
)

var routeCmd = &cobra.Command{
	Use:   "route <project-path>",
	Short: "Ask the daemon which terminal target owns a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runRoute,
}

var activateCmd = &cobra.Command{
	Use:   "activate <project-path>",
	Short: "Print the activation plan for a project",
	Long: `Print the ordered primary/fallback activation plan for a project,
computed from the daemon's shell state and routing snapshot. The plan is
printed as JSON; executing it (window activation, tmux switching) is the
caller's job.`,
	Args: cobra.ExactArgs(1),
	RunE: runActivate,
}

func init() {
	routeCmd.Flags().StringVar(&routeWorkspace, "workspace", "", "Workspace id for binding-aware routing")
	routeCmd.Flags().BoolVar(&routeDiagnostics, "diagnostics", false, "Show the full candidate list and conflicts")
	activateCmd.Flags().StringVar(&routeWorkspace, "workspace", "", "Workspace id for binding-aware routing")
	rootCmd.AddCommand(routeCmd)
	rootCmd.AddCommand(activateCmd)
}

func routingParams(projectPath string) map[string]any {
	params := map[string]any{"project_path": projectPath}
	if routeWorkspace != "" {
		params["workspace_id"] = routeWorkspace
	}
	return params
}

func runRoute(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client := ipcclient.New(cfg.SocketPath())

	method := protocol.MethodGetRoutingSnapshot
	if routeDiagnostics {
		method = protocol.MethodGetRoutingDiagnostics
	}
	var data json.RawMessage
	if err := client.Call(method, routingParams(args[0]), &data); err != nil {
		return err
	}
	return printJSON(data)
}

func runActivate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	projectPath := args[0]
	client := ipcclient.New(cfg.SocketPath())

	var shellData struct {
		Shells map[string]activation.ShellEntry `json:"shells"`
	}
	if err := client.Call(protocol.MethodGetShellState, nil, &shellData); err != nil {
		return err
	}

	var snap struct {
		Status string `json:"status"`
		Target struct {
			Kind  string `json:"kind"`
			Value string `json:"value"`
		} `json:"target"`
	}
	if err := client.Call(protocol.MethodGetRoutingSnapshot, routingParams(projectPath), &snap); err != nil {
		return err
	}

	tmuxCtx := activation.TmuxContext{}
	if snap.Target.Kind == "TmuxSession" {
		tmuxCtx.SessionAtPath = snap.Target.Value
		tmuxCtx.HasAttachedClient = snap.Status == "Attached"
	}

	decision := activation.Decide(projectPath, shellData.Shells, tmuxCtx)
	out := map[string]any{
		"project_path": projectPath,
		"project_name": filepath.Base(projectPath),
		"primary":      decision.Primary,
		"reason":       decision.Reason,
	}
	if decision.Fallback != nil {
		out["fallback"] = decision.Fallback
	}
	if err := printJSON(out); err != nil {
		return fmt.Errorf("rendering activation plan: %w", err)
	}
	return nil
}
