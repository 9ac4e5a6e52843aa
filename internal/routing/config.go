// Package routing implements the Activity Routing Engine (ARE):
// multi-source evidence fusion deciding which terminal target owns a
// project at a given instant.
package routing

// WorkspaceBinding is an operator-provided preference for a workspace id.
type WorkspaceBinding struct {
	PreferredSessions []string
	PathPatterns      []string
}

// Config holds the tunable thresholds and workspace bindings.
type Config struct {
	TmuxSignalFreshMS  int64
	ShellSignalFreshMS int64
	ShellRetentionHours int64
	TmuxPollIntervalMS int64
	WorkspaceBindings  map[string]WorkspaceBinding
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		TmuxSignalFreshMS:   1500,
		ShellSignalFreshMS:  60_000,
		ShellRetentionHours: 12,
		TmuxPollIntervalMS:  1000,
		WorkspaceBindings:   map[string]WorkspaceBinding{},
	}
}
