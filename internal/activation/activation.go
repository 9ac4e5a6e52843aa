// Package activation implements the pure activation decision function:
// given a project path, the shell registry's state, and tmux
// context, produce an ordered primary/fallback plan. It has no side
// effects — the client executes the returned plan.
package activation

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mira-voss/capacitord/internal/identity"
)

// ActionKind tags the variant of Action: a tagged sum, not subclassing.
type ActionKind string

const (
	ActivateIdeWindow         ActionKind = "activate_ide_window"
	SwitchTmuxSession         ActionKind = "switch_tmux_session"
	LaunchTerminalWithTmux    ActionKind = "launch_terminal_with_tmux"
	ActivateHostThenSwitchTmux ActionKind = "activate_host_then_switch_tmux"
	ActivatePriorityFallback  ActionKind = "activate_priority_fallback"
	ActivateKittyWindow       ActionKind = "activate_kitty_window"
	ActivateApp               ActionKind = "activate_app"
	ActivateByTty             ActionKind = "activate_by_tty"
	LaunchNewTerminal         ActionKind = "launch_new_terminal"
)

// TTYKind distinguishes which known terminal app a tty belongs to, for
// ActivateByTty.
type TTYKind string

const (
	TTYKindITerm   TTYKind = "iterm"
	TTYKindTerminal TTYKind = "terminal_app"
	TTYKindUnknown TTYKind = "unknown"
)

// Action is one step of an ActivationDecision.
type Action struct {
	Kind        ActionKind `json:"kind"`
	IDE         string     `json:"ide,omitempty"`
	ProjectPath string     `json:"project_path,omitempty"`
	ProjectName string     `json:"project_name,omitempty"`
	Session     string     `json:"session,omitempty"`
	HostTTY     string     `json:"host_tty,omitempty"`
	PID         int        `json:"pid,omitempty"`
	App         string     `json:"app,omitempty"`
	TTY         string     `json:"tty,omitempty"`
	TTYKind     TTYKind    `json:"tty_kind,omitempty"`
}

// Decision is the full plan returned by Decide.
type Decision struct {
	Primary  Action  `json:"primary"`
	Fallback *Action `json:"fallback,omitempty"`
	Reason   string  `json:"reason"`
}

// ShellEntry is one live shell observation as seen by the activation
// decision, keyed by PID string on the wire. The JSON shape
// matches get_shell_state's per-pid entries so clients can feed that
// response straight in.
type ShellEntry struct {
	Cwd           string `json:"cwd"`
	TTY           string `json:"tty"`
	ParentApp     string `json:"parent_app,omitempty"`
	TmuxSession   string `json:"tmux_session,omitempty"`
	TmuxClientTTY string `json:"tmux_client_tty,omitempty"`
	Alive         bool   `json:"alive"`
	UpdatedAt     string `json:"updated_at"` // RFC3339
}

// ShellCwdState is the snapshot of live shells passed to Decide, keyed by
// PID string.
type ShellCwdState map[string]ShellEntry

// TmuxContext is the tmux-side context passed to Decide.
type TmuxContext struct {
	SessionAtPath     string // session name, "" if none
	HasAttachedClient bool
}

var ideApps = map[string]bool{
	"cursor": true, "vscode": true, "code": true, "insiders": true, "zed": true,
}

func lower(s string) string { return strings.ToLower(s) }

func isIDE(parentApp string) bool { return ideApps[lower(parentApp)] }

func isKitty(parentApp string) bool { return lower(parentApp) == "kitty" }

func isITermOrTerminal(parentApp string) bool {
	switch lower(parentApp) {
	case "iterm", "iterm2", "terminal", "terminal.app":
		return true
	default:
		return false
	}
}

func terminalKindOf(parentApp string) TTYKind {
	switch lower(parentApp) {
	case "iterm", "iterm2":
		return TTYKindITerm
	default:
		return TTYKindTerminal
	}
}

func isGhosttyAlacrittyWarp(parentApp string) bool {
	switch lower(parentApp) {
	case "ghostty", "alacritty", "warp":
		return true
	default:
		return false
	}
}

// matches reports whether a shell's cwd ties it to projectPath: equal
// after normalization, or a `/`-delimited proper prefix in either
// direction.
func matches(projectPath, cwd string) bool {
	p := identity.Normalize(projectPath)
	c := identity.Normalize(cwd)
	if p == c {
		return true
	}
	return isProperPrefix(p, c) || isProperPrefix(c, p)
}

func isProperPrefix(prefix, path string) bool {
	if prefix == path {
		return false
	}
	if prefix == "/" {
		return path != ""
	}
	withSlash := prefix + "/"
	return len(path) > len(withSlash) && path[:len(withSlash)] == withSlash
}

// pickShell selects the best matching shell among candidates: alive over
// dead, then most recent updated_at. Returns the winning shell's PID key
// alongside it since ShellEntry itself carries no PID field.
func pickShell(projectPath string, shells ShellCwdState) (string, ShellEntry, bool) {
	var bestPID string
	var best ShellEntry
	found := false
	for pid, s := range shells {
		if !matches(projectPath, s.Cwd) {
			continue
		}
		if !found {
			bestPID, best, found = pid, s, true
			continue
		}
		if s.Alive && !best.Alive {
			bestPID, best = pid, s
			continue
		}
		if s.Alive != best.Alive {
			continue
		}
		if newer(s.UpdatedAt, best.UpdatedAt) {
			bestPID, best = pid, s
		}
	}
	return bestPID, best, found
}

// newer reports whether a is a later RFC3339 timestamp than b, preferring a
// real time comparison and falling back to the lexicographic compare,
// which is valid for same-precision UTC timestamps.
func newer(a, b string) bool {
	ta, errA := time.Parse(time.RFC3339, a)
	tb, errB := time.Parse(time.RFC3339, b)
	if errA == nil && errB == nil {
		return ta.After(tb)
	}
	return a > b
}

// Decide produces the activation plan for projectPath.
func Decide(projectPath string, shells ShellCwdState, tmuxCtx TmuxContext) Decision {
	if pid, shell, ok := pickShell(projectPath, shells); ok {
		return decideForShell(projectPath, pid, shell, tmuxCtx)
	}

	if tmuxCtx.SessionAtPath != "" {
		if tmuxCtx.HasAttachedClient {
			fb := Action{Kind: ActivatePriorityFallback}
			return Decision{
				Primary:  Action{Kind: SwitchTmuxSession, Session: tmuxCtx.SessionAtPath},
				Fallback: &fb,
				Reason:   "tmux session exists at path with an attached client",
			}
		}
		return Decision{
			Primary: Action{Kind: LaunchTerminalWithTmux, Session: tmuxCtx.SessionAtPath, ProjectPath: projectPath},
			Reason:  "tmux session exists at path with no attached client",
		}
	}

	return Decision{
		Primary: Action{Kind: LaunchNewTerminal, ProjectPath: projectPath, ProjectName: filepath.Base(identity.Normalize(projectPath))},
		Reason:  "no matching shell and no tmux session at path",
	}
}

// decideForShell dispatches on parent_app for a
// matched shell. A shell carrying a tmux_session is treated as
// tmux-bearing ahead of specific terminal-app identification — it takes
// precedence even over a recognized terminal emulator name, since the
// tmux session is what actually owns the work.
func decideForShell(projectPath, pid string, shell ShellEntry, tmuxCtx TmuxContext) Decision {
	switch {
	case isIDE(shell.ParentApp):
		d := Decision{
			Primary: Action{Kind: ActivateIdeWindow, IDE: shell.ParentApp, ProjectPath: projectPath},
			Reason:  "matching shell under IDE " + shell.ParentApp,
		}
		if shell.TmuxSession != "" {
			fb := Action{Kind: SwitchTmuxSession, Session: shell.TmuxSession}
			d.Fallback = &fb
		}
		return d

	case shell.TmuxSession != "":
		if !tmuxCtx.HasAttachedClient {
			return Decision{
				Primary: Action{Kind: LaunchTerminalWithTmux, Session: shell.TmuxSession, ProjectPath: projectPath},
				Reason:  "matching shell's tmux session has no attached client",
			}
		}
		hostTTY := shell.TmuxClientTTY
		if hostTTY == "" {
			hostTTY = shell.TTY
		}
		fb := Action{Kind: ActivatePriorityFallback}
		return Decision{
			Primary:  Action{Kind: ActivateHostThenSwitchTmux, HostTTY: hostTTY, Session: shell.TmuxSession},
			Fallback: &fb,
			Reason:   "matching shell's tmux session has an attached client",
		}

	case isKitty(shell.ParentApp):
		fb := Action{Kind: ActivateApp, App: "kitty"}
		pidNum, _ := strconv.Atoi(pid)
		return Decision{
			Primary:  Action{Kind: ActivateKittyWindow, PID: pidNum},
			Fallback: &fb,
			Reason:   "matching shell under kitty",
		}

	case isITermOrTerminal(shell.ParentApp):
		return Decision{
			Primary: Action{Kind: ActivateByTty, TTY: shell.TTY, TTYKind: terminalKindOf(shell.ParentApp)},
			Reason:  "matching shell under " + shell.ParentApp,
		}

	case isGhosttyAlacrittyWarp(shell.ParentApp):
		return Decision{
			Primary: Action{Kind: ActivateApp, App: lower(shell.ParentApp)},
			Reason:  "matching shell under " + shell.ParentApp,
		}

	default:
		fb := Action{Kind: ActivatePriorityFallback}
		return Decision{
			Primary:  Action{Kind: ActivateByTty, TTY: shell.TTY, TTYKind: TTYKindUnknown},
			Fallback: &fb,
			Reason:   "matching shell under unrecognized parent_app",
		}
	}
}
