// Package config resolves the daemon's configuration: the config root and
// the persistent state layout under it , the routing thresholds
// and workspace bindings (file, then env overrides), and the synthesizer
// settings from daemon/hem-v2.toml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/mira-voss/capacitord/internal/hem"
	"github.com/mira-voss/capacitord/internal/routing"
	"github.com/mira-voss/capacitord/internal/util"
)

// EnvConfigRoot overrides the default config root (~/.capacitor).
const EnvConfigRoot = "CAPACITORD_CONFIG_ROOT"

// DefaultMaxConnections is the accept-time concurrency cap.
const DefaultMaxConnections = 16

// Config is the daemon's fully resolved configuration.
type Config struct {
	ConfigRoot     string
	MaxConnections int
	Routing        routing.Config
	Hem            HemSettings
}

// HemSettings wraps the synthesizer config with the operational fields from
// hem-v2.toml that the core does not act on: engine mode is carried so
// get_config reports it, but shadow-mode gating lives outside the daemon.
type HemSettings struct {
	Mode                 string
	DeclaredCapabilities DeclaredCapabilities
	Config               hem.Config
}

// DeclaredCapabilities are the hook-producer capability flags read from
// hem-v2.toml. The capability-detection layer compares them against
// observed behavior.
type DeclaredCapabilities struct {
	NotificationMatcherSupport bool `toml:"notification_matcher_support"`
	ToolUseIDConsistency       bool `toml:"tool_use_id_consistency"`
}

// Paths of the persistent state layout, all under ConfigRoot.

func (c Config) SocketPath() string    { return filepath.Join(c.ConfigRoot, "daemon.sock") }
func (c Config) DaemonDir() string     { return filepath.Join(c.ConfigRoot, "daemon") }
func (c Config) DBPath() string        { return filepath.Join(c.ConfigRoot, "daemon", "state.db") }
func (c Config) LockDir() string       { return filepath.Join(c.ConfigRoot, "sessions") }
func (c Config) TombstoneDir() string  { return filepath.Join(c.ConfigRoot, "ended-sessions") }
func (c Config) HemConfigPath() string { return filepath.Join(c.ConfigRoot, "daemon", "hem-v2.toml") }
func (c Config) RoutingConfigPath() string {
	return filepath.Join(c.ConfigRoot, "daemon", "routing.toml")
}
func (c Config) PIDFilePath() string { return filepath.Join(c.ConfigRoot, "daemon", "daemon.pid") }
func (c Config) LogPath() string     { return filepath.Join(c.ConfigRoot, "daemon", "daemon.log") }

// DefaultRoot returns the default config root, ~/.capacitor, or the
// CAPACITORD_CONFIG_ROOT override.
func DefaultRoot() string {
	if v := os.Getenv(EnvConfigRoot); v != "" {
		return util.ExpandHome(v)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".capacitor"
	}
	return filepath.Join(home, ".capacitor")
}

// Load resolves the full configuration for root. Missing config files mean
// defaults; a file that exists but does not parse is an error (silent
// fallback would mask an operator typo).
func Load(root string) (Config, error) {
	if root == "" {
		root = DefaultRoot()
	}
	root = util.ExpandHome(root)

	cfg := Config{
		ConfigRoot:     root,
		MaxConnections: DefaultMaxConnections,
		Routing:        routing.DefaultConfig(),
		Hem: HemSettings{
			Mode:   "shadow",
			Config: hem.DefaultConfig(),
		},
	}

	if err := loadRoutingFile(cfg.RoutingConfigPath(), &cfg.Routing); err != nil {
		return Config{}, err
	}
	applyRoutingEnv(&cfg.Routing)

	if err := loadHemFile(cfg.HemConfigPath(), &cfg.Hem); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("CAPACITORD_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConnections = n
		}
	}

	return cfg, nil
}

// EnsureLayout creates the state directories Load's paths point into.
func (c Config) EnsureLayout() error {
	for _, dir := range []string{c.ConfigRoot, c.DaemonDir(), c.LockDir(), c.TombstoneDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// routingFile mirrors routing.Config with toml tags and pointer fields so
// an omitted key keeps its default.
type routingFile struct {
	TmuxSignalFreshMS   *int64                        `toml:"tmux_signal_fresh_ms"`
	ShellSignalFreshMS  *int64                        `toml:"shell_signal_fresh_ms"`
	ShellRetentionHours *int64                        `toml:"shell_retention_hours"`
	TmuxPollIntervalMS  *int64                        `toml:"tmux_poll_interval_ms"`
	WorkspaceBindings   map[string]workspaceBindingFile `toml:"workspace_bindings"`
}

type workspaceBindingFile struct {
	PreferredSessions []string `toml:"preferred_sessions"`
	PathPatterns      []string `toml:"path_patterns"`
}

func loadRoutingFile(path string, out *routing.Config) error {
	var f routingFile
	meta, err := toml.DecodeFile(path, &f)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("parsing %s: unknown key %q", path, undecoded[0].String())
	}

	if f.TmuxSignalFreshMS != nil {
		out.TmuxSignalFreshMS = *f.TmuxSignalFreshMS
	}
	if f.ShellSignalFreshMS != nil {
		out.ShellSignalFreshMS = *f.ShellSignalFreshMS
	}
	if f.ShellRetentionHours != nil {
		out.ShellRetentionHours = *f.ShellRetentionHours
	}
	if f.TmuxPollIntervalMS != nil {
		out.TmuxPollIntervalMS = *f.TmuxPollIntervalMS
	}
	for id, b := range f.WorkspaceBindings {
		out.WorkspaceBindings[id] = routing.WorkspaceBinding{
			PreferredSessions: b.PreferredSessions,
			PathPatterns:      b.PathPatterns,
		}
	}
	return nil
}

func applyRoutingEnv(out *routing.Config) {
	envInt64 := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envInt64("CAPACITORD_TMUX_SIGNAL_FRESH_MS", &out.TmuxSignalFreshMS)
	envInt64("CAPACITORD_SHELL_SIGNAL_FRESH_MS", &out.ShellSignalFreshMS)
	envInt64("CAPACITORD_SHELL_RETENTION_HOURS", &out.ShellRetentionHours)
	envInt64("CAPACITORD_TMUX_POLL_INTERVAL_MS", &out.TmuxPollIntervalMS)
}

// hemFile mirrors hem-v2.toml. Every scalar is a pointer so partial files
// override only what they name.
type hemFile struct {
	Engine struct {
		Mode *string `toml:"mode"`
	} `toml:"engine"`
	Capabilities DeclaredCapabilities `toml:"capabilities"`
	Thresholds   struct {
		Working    *float64 `toml:"working"`
		Waiting    *float64 `toml:"waiting"`
		Compacting *float64 `toml:"compacting"`
		Ready      *float64 `toml:"ready"`
		Idle       *float64 `toml:"idle"`
	} `toml:"thresholds"`
	SourceReliability struct {
		HookEvent       *float64 `toml:"hook_event"`
		ShellCwd        *float64 `toml:"shell_cwd"`
		ProcessLiveness *float64 `toml:"process_liveness"`
		SyntheticGuard  *float64 `toml:"synthetic_guard"`
	} `toml:"source_reliability"`
	Weights struct {
		SessionToProject struct {
			ProjectBoundaryFromFilePath *float64 `toml:"project_boundary_from_file_path"`
			ProjectBoundaryFromCwd      *float64 `toml:"project_boundary_from_cwd"`
			RecentToolActivity          *float64 `toml:"recent_tool_activity"`
			NotificationSignal          *float64 `toml:"notification_signal"`
		} `toml:"session_to_project"`
		ShellToProject struct {
			ExactPathMatch      *float64 `toml:"exact_path_match"`
			ParentPathMatch     *float64 `toml:"parent_path_match"`
			TerminalFocusSignal *float64 `toml:"terminal_focus_signal"`
			TmuxClientSignal    *float64 `toml:"tmux_client_signal"`
		} `toml:"shell_to_project"`
		StateSynthesis struct {
			Working    *float64 `toml:"working"`
			Waiting    *float64 `toml:"waiting"`
			Compacting *float64 `toml:"compacting"`
			Ready      *float64 `toml:"ready"`
			Idle       *float64 `toml:"idle"`
		} `toml:"state_synthesis"`
	} `toml:"weights"`
	CapabilityDetection struct {
		Strategy           *string  `toml:"strategy"`
		UnknownPenalty     *float64 `toml:"unknown_penalty"`
		MisdeclaredPenalty *float64 `toml:"misdeclared_penalty"`
		MinPenaltyFactor   *float64 `toml:"min_penalty_factor"`
	} `toml:"capability_detection"`
	Constraints struct {
		MaxProjectsPerSession *int `toml:"max_projects_per_session"`
		MaxSessionsPerProject *int `toml:"max_sessions_per_project"`
	} `toml:"constraints"`
}

func loadHemFile(path string, out *HemSettings) error {
	var f hemFile
	meta, err := toml.DecodeFile(path, &f)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("parsing %s: unknown key %q", path, undecoded[0].String())
	}

	if f.Engine.Mode != nil {
		switch *f.Engine.Mode {
		case "shadow", "primary":
			out.Mode = *f.Engine.Mode
		default:
			return fmt.Errorf("parsing %s: engine.mode must be \"shadow\" or \"primary\", got %q", path, *f.Engine.Mode)
		}
	}
	out.DeclaredCapabilities = f.Capabilities

	setF := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}

	c := &out.Config
	setF(&c.Thresholds.Working, f.Thresholds.Working)
	setF(&c.Thresholds.Waiting, f.Thresholds.Waiting)
	setF(&c.Thresholds.Compacting, f.Thresholds.Compacting)
	setF(&c.Thresholds.Ready, f.Thresholds.Ready)
	setF(&c.Thresholds.Idle, f.Thresholds.Idle)

	setF(&c.SourceReliability.HookEvent, f.SourceReliability.HookEvent)
	setF(&c.SourceReliability.ShellCwd, f.SourceReliability.ShellCwd)
	setF(&c.SourceReliability.ProcessLiveness, f.SourceReliability.ProcessLiveness)
	setF(&c.SourceReliability.SyntheticGuard, f.SourceReliability.SyntheticGuard)

	stp := &c.Weights.SessionToProject
	setF(&stp.ProjectBoundaryFromFilePath, f.Weights.SessionToProject.ProjectBoundaryFromFilePath)
	setF(&stp.ProjectBoundaryFromCwd, f.Weights.SessionToProject.ProjectBoundaryFromCwd)
	setF(&stp.RecentToolActivity, f.Weights.SessionToProject.RecentToolActivity)
	setF(&stp.NotificationSignal, f.Weights.SessionToProject.NotificationSignal)

	shp := &c.Weights.ShellToProject
	setF(&shp.ExactPathMatch, f.Weights.ShellToProject.ExactPathMatch)
	setF(&shp.ParentPathMatch, f.Weights.ShellToProject.ParentPathMatch)
	setF(&shp.TerminalFocusSignal, f.Weights.ShellToProject.TerminalFocusSignal)
	setF(&shp.TmuxClientSignal, f.Weights.ShellToProject.TmuxClientSignal)

	ssw := &c.Weights.StateSynthesis
	setF(&ssw.Working, f.Weights.StateSynthesis.Working)
	setF(&ssw.Waiting, f.Weights.StateSynthesis.Waiting)
	setF(&ssw.Compacting, f.Weights.StateSynthesis.Compacting)
	setF(&ssw.Ready, f.Weights.StateSynthesis.Ready)
	setF(&ssw.Idle, f.Weights.StateSynthesis.Idle)

	if f.CapabilityDetection.Strategy != nil {
		switch hem.CapabilityStrategy(*f.CapabilityDetection.Strategy) {
		case hem.StrategyRuntimeHandshake, hem.StrategyConfigOnly:
			c.CapabilityDetection.Strategy = hem.CapabilityStrategy(*f.CapabilityDetection.Strategy)
		default:
			return fmt.Errorf("parsing %s: unknown capability_detection.strategy %q", path, *f.CapabilityDetection.Strategy)
		}
	}
	setF(&c.CapabilityDetection.UnknownPenalty, f.CapabilityDetection.UnknownPenalty)
	setF(&c.CapabilityDetection.MisdeclaredPenalty, f.CapabilityDetection.MisdeclaredPenalty)
	setF(&c.CapabilityDetection.MinPenaltyFactor, f.CapabilityDetection.MinPenaltyFactor)

	if f.Constraints.MaxProjectsPerSession != nil {
		c.Constraints.MaxProjectsPerSession = *f.Constraints.MaxProjectsPerSession
	}
	if f.Constraints.MaxSessionsPerProject != nil {
		c.Constraints.MaxSessionsPerProject = *f.Constraints.MaxSessionsPerProject
	}
	return nil
}
