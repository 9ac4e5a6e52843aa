// Package cmd implements the capacitord CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mira-voss/capacitord/internal/config"
)

// Version is stamped by the build; "dev" otherwise.
var Version = "dev"

var configRootFlag string

var rootCmd = &cobra.Command{
	Use:   "capacitord",
	Short: "Session-routing daemon for AI-assisted coding sessions",
	Long: `capacitord observes concurrent AI-assisted coding sessions across
projects and terminals, tracks each session's lifecycle state, and answers
which terminal window or tmux pane owns a given project.

It ingests hook events over a local socket, keeps a durable event log, and
serves routing snapshots to GUI and CLI clients.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configRootFlag, "config-root", "",
		"config root directory (default ~/.capacitor, or $CAPACITORD_CONFIG_ROOT)")
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// loadConfig resolves configuration for the invocation, honoring the
// --config-root flag over env and defaults.
func loadConfig() (config.Config, error) {
	root := configRootFlag
	if root == "" {
		root = config.DefaultRoot()
	}
	return config.Load(root)
}

// stdoutIsTTY reports whether stdout is an interactive terminal, used to
// pick between styled and pipe-friendly output.
func stdoutIsTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
