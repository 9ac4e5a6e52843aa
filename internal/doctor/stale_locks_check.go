package doctor

import (
	"fmt"
	"os"
	"strings"

	"github.com/mira-voss/capacitord/internal/lock"
)

// SessionPIDLister reports the PIDs referenced by live session records.
// The default implementation asks the running daemon over IPC; tests
// inject a literal map.
type SessionPIDLister func() (map[int]bool, error)

// StaleLocksCheck finds lock directories that no longer correspond to a
// live, verified session: dead PIDs, failed start-time verification, and
// (when the daemon is reachable) verified-alive locks whose PID no session
// record references — the raced-launch orphan case.
type StaleLocksCheck struct {
	BaseCheck
	ListSessionPIDs SessionPIDLister

	stale []lock.Lock
}

func NewStaleLocksCheck(lister SessionPIDLister) *StaleLocksCheck {
	return &StaleLocksCheck{
		BaseCheck: BaseCheck{
			CheckName:        "stale-locks",
			CheckDescription: "Find session locks held by dead or unrecorded processes",
		},
		ListSessionPIDs: lister,
	}
}

func (c *StaleLocksCheck) CanFix() bool { return true }

func (c *StaleLocksCheck) Run(ctx *CheckContext) *CheckResult {
	c.stale = nil
	locks := lock.List(ctx.Cfg.LockDir())
	if len(locks) == 0 {
		return &CheckResult{Name: c.Name(), Status: StatusOK, Message: "no session locks"}
	}

	var knownPIDs map[int]bool
	var details []string
	if c.ListSessionPIDs != nil {
		pids, err := c.ListSessionPIDs()
		if err == nil {
			knownPIDs = pids
		} else {
			details = append(details, "daemon unreachable; skipping orphan detection: "+err.Error())
		}
	}

	alive := 0
	for _, l := range locks {
		if !lock.Verify(l) {
			c.stale = append(c.stale, l)
			details = append(details, fmt.Sprintf("%s (pid %d) failed verification", l.Path, l.PID))
			continue
		}
		if knownPIDs != nil && !knownPIDs[l.PID] {
			c.stale = append(c.stale, l)
			details = append(details, fmt.Sprintf("%s (pid %d) alive but unreferenced by any session", l.Path, l.PID))
			continue
		}
		alive++
	}

	if len(c.stale) == 0 {
		return &CheckResult{
			Name: c.Name(), Status: StatusOK,
			Message: fmt.Sprintf("%d lock(s), all verified", alive),
			Details: details,
		}
	}
	return &CheckResult{
		Name: c.Name(), Status: StatusWarning,
		Message: fmt.Sprintf("%d stale lock(s)", len(c.stale)),
		Details: details,
		FixHint: "run with --fix to remove them",
	}
}

// Fix removes the lock directories the last Run flagged, serialized per
// path against concurrent lock creators.
func (c *StaleLocksCheck) Fix(ctx *CheckContext) error {
	for _, l := range c.stale {
		release, err := lock.FlockAcquire(strings.TrimSuffix(l.Dir, ".lock") + ".flock")
		if err != nil {
			return err
		}
		err = os.RemoveAll(l.Dir)
		release()
		if err != nil {
			return fmt.Errorf("removing %s: %w", l.Dir, err)
		}
	}
	return nil
}
