package doctor

import (
	"fmt"
	"time"

	"github.com/mira-voss/capacitord/internal/lock"
)

// LegacyLocksCheck flags locks written without a proc_started record. They
// are still honored inside their 24-hour window, so this check only warns
// — the age cap is a verification rule, not a cleanup trigger.
type LegacyLocksCheck struct {
	BaseCheck
}

func NewLegacyLocksCheck() *LegacyLocksCheck {
	return &LegacyLocksCheck{
		BaseCheck: BaseCheck{
			CheckName:        "legacy-locks",
			CheckDescription: "Flag session locks predating process-start-time verification",
		},
	}
}

func (c *LegacyLocksCheck) Run(ctx *CheckContext) *CheckResult {
	var legacy, expired []string
	for _, l := range lock.List(ctx.Cfg.LockDir()) {
		if l.Meta.ProcStarted != "" {
			continue
		}
		if time.Since(l.ModTime) > 24*time.Hour {
			expired = append(expired, fmt.Sprintf("%s (pid %d, age %s)", l.Path, l.PID, time.Since(l.ModTime).Round(time.Hour)))
		} else {
			legacy = append(legacy, fmt.Sprintf("%s (pid %d)", l.Path, l.PID))
		}
	}

	if len(legacy) == 0 && len(expired) == 0 {
		return &CheckResult{Name: c.Name(), Status: StatusOK, Message: "no legacy locks"}
	}

	result := &CheckResult{
		Name:    c.Name(),
		Status:  StatusWarning,
		Message: fmt.Sprintf("%d legacy lock(s), %d past the 24h verification window", len(legacy), len(expired)),
		Details: append(legacy, expired...),
	}
	if len(expired) > 0 {
		result.FixHint = "expired legacy locks fail verification and will be reaped by the stale-locks fix"
	}
	return result
}
