package routing

// Reason codes are stable wire strings, exported as constants so call
// sites never hand-roll a string literal.
const (
	ReasonTmuxClientAttached = "TMUX_CLIENT_ATTACHED"
	ReasonTmuxSessionDetached = "TMUX_SESSION_DETACHED"
	ReasonShellFallbackActive = "SHELL_FALLBACK_ACTIVE"
	ReasonShellFallbackStale  = "SHELL_FALLBACK_STALE"
	ReasonNoTrustedEvidence   = "NO_TRUSTED_EVIDENCE"

	ConflictRoutingConflictDetected = "ROUTING_CONFLICT_DETECTED"
	ConflictRoutingScopeAmbiguous   = "ROUTING_SCOPE_AMBIGUOUS"
)

// ScopeResolutionNone is the default scope_resolution label when no
// ambiguity was detected.
const ScopeResolutionNone = "none"

// ScopeResolutionAmbiguous is set when a conflict was detected.
const ScopeResolutionAmbiguous = "workspace_ambiguous"
