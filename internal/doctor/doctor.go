// Package doctor provides a framework for running health checks against a
// capacitord config root: the lock directory and the daemon process.
package doctor

import (
	"fmt"
	"io"

	"github.com/mira-voss/capacitord/internal/config"
	"github.com/mira-voss/capacitord/internal/style"
)

// CheckStatus is the outcome grade of one check.
type CheckStatus int

const (
	StatusOK CheckStatus = iota
	StatusWarning
	StatusError
)

func (s CheckStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "Warning"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// CheckContext carries the resolved configuration into every check.
type CheckContext struct {
	Cfg     config.Config
	Verbose bool
}

// CheckResult is one check's outcome.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Details []string
	FixHint string
}

// Check is one registered health check. Fix is only called when CanFix
// reports true and the check did not pass.
type Check interface {
	Name() string
	Description() string
	Run(ctx *CheckContext) *CheckResult
	Fix(ctx *CheckContext) error
	CanFix() bool
}

// BaseCheck supplies the boilerplate for checks without an auto-fix.
type BaseCheck struct {
	CheckName        string
	CheckDescription string
}

func (c *BaseCheck) Name() string               { return c.CheckName }
func (c *BaseCheck) Description() string        { return c.CheckDescription }
func (c *BaseCheck) Fix(ctx *CheckContext) error { return nil }
func (c *BaseCheck) CanFix() bool               { return false }

// Report aggregates results across one doctor run.
type Report struct {
	Checks   []*CheckResult
	OK       int
	Warnings int
	Errors   int
}

func (r *Report) add(result *CheckResult) {
	r.Checks = append(r.Checks, result)
	switch result.Status {
	case StatusOK:
		r.OK++
	case StatusWarning:
		r.Warnings++
	case StatusError:
		r.Errors++
	}
}

// HasErrors reports whether any check failed outright.
func (r *Report) HasErrors() bool { return r.Errors > 0 }

// Doctor runs registered checks in registration order.
type Doctor struct {
	checks []Check
}

func NewDoctor() *Doctor {
	return &Doctor{}
}

func (d *Doctor) Register(check Check) {
	d.checks = append(d.checks, check)
}

// Run executes every check, optionally streaming per-check lines to w.
// When fix is true, failing fixable checks are fixed and re-run.
func (d *Doctor) Run(ctx *CheckContext, w io.Writer, fix bool) *Report {
	report := &Report{}

	for _, check := range d.checks {
		result := check.Run(ctx)
		if result.Name == "" {
			result.Name = check.Name()
		}

		if fix && result.Status != StatusOK && check.CanFix() {
			if err := check.Fix(ctx); err != nil {
				result.Details = append(result.Details, "fix failed: "+err.Error())
			} else {
				result = check.Run(ctx)
				if result.Name == "" {
					result.Name = check.Name()
				}
				if result.Status == StatusOK {
					result.Message += " (fixed)"
				}
			}
		}

		if w != nil {
			printResult(w, result, ctx.Verbose)
		}
		report.add(result)
	}
	return report
}

func printResult(w io.Writer, result *CheckResult, verbose bool) {
	var icon string
	switch result.Status {
	case StatusOK:
		icon = style.PassIcon()
	case StatusWarning:
		icon = style.WarnIcon()
	default:
		icon = style.FailIcon()
	}
	fmt.Fprintf(w, "  %s %s", icon, result.Name)
	if result.Message != "" {
		fmt.Fprintf(w, " %s", style.Dim.Render(result.Message))
	}
	fmt.Fprintln(w)
	if verbose || result.Status != StatusOK {
		for _, detail := range result.Details {
			fmt.Fprintf(w, "      %s\n", style.Dim.Render(detail))
		}
		if result.FixHint != "" {
			fmt.Fprintf(w, "      %s\n", style.Dim.Render("hint: "+result.FixHint))
		}
	}
}
