package doctor

import (
	"fmt"

	"github.com/mira-voss/capacitord/internal/daemon"
	"github.com/mira-voss/capacitord/internal/ipcclient"
	"github.com/mira-voss/capacitord/internal/protocol"
)

// DaemonCheck verifies the daemon process is alive and its socket answers
// get_health.
type DaemonCheck struct {
	BaseCheck
}

func NewDaemonCheck() *DaemonCheck {
	return &DaemonCheck{
		BaseCheck: BaseCheck{
			CheckName:        "daemon",
			CheckDescription: "Check that the daemon is running and healthy",
		},
	}
}

func (c *DaemonCheck) Run(ctx *CheckContext) *CheckResult {
	running, pid, err := daemon.IsRunning(ctx.Cfg.PIDFilePath())
	if err != nil {
		return &CheckResult{Name: c.Name(), Status: StatusError, Message: "reading pid file: " + err.Error()}
	}
	if !running {
		return &CheckResult{
			Name: c.Name(), Status: StatusWarning,
			Message: "daemon is not running",
			FixHint: "start it with: capacitord daemon start",
		}
	}

	var health struct {
		Status string `json:"status"`
		DBOk   bool   `json:"db_ok"`
	}
	client := ipcclient.New(ctx.Cfg.SocketPath())
	if err := client.Call(protocol.MethodGetHealth, nil, &health); err != nil {
		return &CheckResult{
			Name: c.Name(), Status: StatusError,
			Message: fmt.Sprintf("daemon running (pid %d) but socket unresponsive", pid),
			Details: []string{err.Error()},
		}
	}
	if health.Status != "ok" {
		return &CheckResult{
			Name: c.Name(), Status: StatusWarning,
			Message: fmt.Sprintf("daemon reports %q (db_ok=%v)", health.Status, health.DBOk),
		}
	}
	return &CheckResult{Name: c.Name(), Status: StatusOK, Message: fmt.Sprintf("running (pid %d)", pid)}
}
