package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mira-voss/capacitord/internal/doctor"
	"github.com/mira-voss/capacitord/internal/ipcclient"
	"github.com/mira-voss/capacitord/internal/style"
)

var (
	doctorFix     bool
	doctorVerbose bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the health of the daemon and its on-disk state",
	Long: `Run health checks against the config root: daemon liveness, stale
session locks, and legacy locks without process-start verification.

With --fix, stale locks are removed.`,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false, "Automatically fix problems where possible")
	doctorCmd.Flags().BoolVarP(&doctorVerbose, "verbose", "v", false, "Show detail for passing checks too")
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client := ipcclient.New(cfg.SocketPath())

	d := doctor.NewDoctor()
	d.Register(doctor.NewDaemonCheck())
	d.Register(doctor.NewStaleLocksCheck(client.SessionPIDs))
	d.Register(doctor.NewLegacyLocksCheck())

	fmt.Printf("Checking %s\n\n", style.Bold.Render(cfg.ConfigRoot))
	ctx := &doctor.CheckContext{Cfg: cfg, Verbose: doctorVerbose}
	report := d.Run(ctx, os.Stdout, doctorFix)

	fmt.Printf("\n%d ok, %d warning(s), %d error(s)\n", report.OK, report.Warnings, report.Errors)
	if report.HasErrors() {
		os.Exit(1)
	}
	return nil
}
