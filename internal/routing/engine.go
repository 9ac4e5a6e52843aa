package routing

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mira-voss/capacitord/internal/registry"
)

// trustRankFor assigns the GLOSSARY's "lower = more trusted" rank by
// evidence source. Tiers never compete against each other directly (the
// first qualifying tier wins outright), so this only breaks ties between
// candidates drawn from the same tier.
func trustRankFor(sourceType string) int {
	switch sourceType {
	case "tmux_client":
		return 1
	case "tmux_session":
		return 2
	case "shell":
		return 3
	default:
		return 9
	}
}

// Resolve runs the Activity Routing Engine over the current
// registry snapshots and produces the full Diagnostics (of which Snapshot
// is the client-facing subset).
func Resolve(projectPath, workspaceID string, now time.Time, cfg Config, shells *registry.ShellRegistry, tmuxReg *registry.TmuxRegistry) Diagnostics {
	freshness := signalFreshness(now, shells, tmuxReg)

	tier1 := discardFallbackIfAnyReal(tier1Candidates(projectPath, workspaceID, now, cfg, tmuxReg.Clients()))
	if len(tier1) > 0 {
		return finish(1, tier1, freshness, now)
	}

	tier2 := discardFallbackIfAnyReal(tier2Candidates(projectPath, workspaceID, now, cfg, tmuxReg.Sessions()))
	if len(tier2) > 0 {
		return finish(2, tier2, freshness, now)
	}

	tier3 := tier3Candidates(projectPath, workspaceID, now, cfg, shells.Snapshot())
	if len(tier3) > 0 {
		return finish(3, tier3, freshness, now)
	}

	return Diagnostics{
		Snapshot: Snapshot{
			Status:     StatusUnavailable,
			Target:     Target{Kind: TargetNone},
			Confidence: ConfidenceLow,
			ReasonCode: ReasonNoTrustedEvidence,
			Reason:     "no trusted evidence for this project from any source",
			UpdatedAt:  now,
		},
		SignalFreshness: freshness,
		ScopeResolution: ScopeResolutionNone,
	}
}

func tier1Candidates(projectPath, workspaceID string, now time.Time, cfg Config, clients []registry.TmuxClientObservation) []candidate {
	var out []candidate
	for _, c := range clients {
		age := c.AgeMS(now)
		if age > cfg.TmuxSignalFreshMS {
			continue
		}
		quality, name := scoreScope(cfg, workspaceID, projectPath, c.SessionName, c.PaneCurrentPath)
		wsScoped := workspaceScoped(name)
		pScoped := pathScoped(projectPath, c.PaneCurrentPath)
		sScoped := sessionScoped(projectPath, c.SessionName)
		if quality == 0 || (!wsScoped && !pScoped && !sScoped) {
			continue
		}
		if sScoped && quality < 3 {
			quality = 3
			name = "session_name_exact"
		}
		fallback := sScoped && !wsScoped && !pScoped

		out = append(out, candidate{
			Tier:   1,
			Target: Target{Kind: TargetTmuxSession, Value: c.SessionName},
			Status: StatusAttached, Confidence: ConfidenceHigh,
			ReasonCode: ReasonTmuxClientAttached,
			Evidence: []Evidence{
				{Type: "tmux_client_tty", Value: c.ClientTTY, AgeMS: age, TrustRank: trustRankFor("tmux_client")},
				{Type: "tmux_pane_path", Value: c.PaneCurrentPath, AgeMS: age, TrustRank: trustRankFor("tmux_client")},
			},
			ScopeQuality: quality, ScopeName: name,
			TrustRank: trustRankFor("tmux_client"), AgeMS: age, Fallback: fallback,
		})
	}
	return out
}

func tier2Candidates(projectPath, workspaceID string, now time.Time, cfg Config, sessions []registry.TmuxSessionObservation) []candidate {
	var out []candidate
	for _, s := range sessions {
		age := s.AgeMS(now)
		path := s.FirstPanePath()
		quality, name := scoreScope(cfg, workspaceID, projectPath, s.SessionName, path)
		wsScoped := workspaceScoped(name)
		pScoped := pathScoped(projectPath, path)
		sScoped := sessionScoped(projectPath, s.SessionName)
		if quality == 0 || (!wsScoped && !pScoped && !sScoped) {
			continue
		}
		if sScoped && quality < 3 {
			quality = 3
			name = "session_name_exact"
		}
		fallback := sScoped && !wsScoped && !pScoped
		// Tier 2: stale session-name-only matches are inadmissible.
		if fallback && age > cfg.TmuxSignalFreshMS {
			continue
		}

		out = append(out, candidate{
			Tier:   2,
			Target: Target{Kind: TargetTmuxSession, Value: s.SessionName},
			Status: StatusDetached, Confidence: ConfidenceMedium,
			ReasonCode: ReasonTmuxSessionDetached,
			Evidence: []Evidence{
				{Type: "tmux_session_name", Value: s.SessionName, AgeMS: age, TrustRank: trustRankFor("tmux_session")},
				{Type: "tmux_pane_path", Value: path, AgeMS: age, TrustRank: trustRankFor("tmux_session")},
			},
			ScopeQuality: quality, ScopeName: name,
			TrustRank: trustRankFor("tmux_session"), AgeMS: age, Fallback: fallback,
		})
	}
	return out
}

func tier3Candidates(projectPath, workspaceID string, now time.Time, cfg Config, shells []registry.ShellObservation) []candidate {
	var active, stale []candidate
	for _, s := range shells {
		quality, name := scoreScope(cfg, workspaceID, projectPath, s.TmuxSession, s.Cwd)
		if quality <= 1 {
			continue
		}
		wsScoped := workspaceScoped(name)
		pScoped := pathScoped(projectPath, s.Cwd)
		if !wsScoped && !pScoped {
			continue
		}

		var target Target
		var confidence Confidence
		if s.TmuxSession != "" {
			target = Target{Kind: TargetTmuxSession, Value: s.TmuxSession}
			confidence = ConfidenceMedium
		} else if s.ParentApp != "" && !strings.EqualFold(s.ParentApp, "unknown") {
			target = Target{Kind: TargetTerminalApp, Value: s.ParentApp}
			confidence = ConfidenceLow
		} else {
			continue
		}

		age := s.AgeMS(now)
		retentionMS := cfg.ShellRetentionHours * 3_600_000
		var reasonCode string
		switch {
		case age <= cfg.ShellSignalFreshMS:
			reasonCode = ReasonShellFallbackActive
		case age <= retentionMS:
			reasonCode = ReasonShellFallbackStale
		default:
			continue
		}

		cand := candidate{
			Tier: 3, Target: target, Status: StatusDetached, Confidence: confidence,
			ReasonCode: reasonCode,
			Evidence: []Evidence{
				{Type: "shell_cwd", Value: s.Cwd, AgeMS: age, TrustRank: trustRankFor("shell")},
			},
			ScopeQuality: quality, ScopeName: name,
			TrustRank: trustRankFor("shell"), AgeMS: age,
		}
		if reasonCode == ReasonShellFallbackActive {
			active = append(active, cand)
		} else {
			stale = append(stale, cand)
		}
	}
	if len(active) > 0 {
		return active
	}
	return stale
}

// discardFallbackIfAnyReal implements the Tier 1/2 rule: once any
// non-fallback candidate exists, session-name-only fallback candidates are
// dropped entirely (GLOSSARY "session-name fallback" is a last resort).
func discardFallbackIfAnyReal(cands []candidate) []candidate {
	hasReal := false
	for _, c := range cands {
		if !c.Fallback {
			hasReal = true
			break
		}
	}
	if !hasReal {
		return cands
	}
	out := cands[:0:0]
	for _, c := range cands {
		if !c.Fallback {
			out = append(out, c)
		}
	}
	return out
}

// best picks the winning candidate: sort by (scope_quality desc, trust_rank
// asc, age_ms desc, target.value asc) and take the first.
func best(cands []candidate) candidate {
	sorted := make([]candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.ScopeQuality != b.ScopeQuality {
			return a.ScopeQuality > b.ScopeQuality
		}
		if a.TrustRank != b.TrustRank {
			return a.TrustRank < b.TrustRank
		}
		if a.AgeMS != b.AgeMS {
			return a.AgeMS > b.AgeMS
		}
		return a.Target.Value < b.Target.Value
	})
	return sorted[0]
}

// detectConflicts counts same-rank rivals: after best is
// chosen, any other candidate whose (scope_quality, trust_rank, age_ms)
// tuple matches best's but whose target differs is a conflict.
func detectConflicts(b candidate, cands []candidate) (conflicts []string, scopeResolution string) {
	count := 0
	for _, c := range cands {
		if c.Target == b.Target {
			continue
		}
		if c.ScopeQuality == b.ScopeQuality && c.TrustRank == b.TrustRank && c.AgeMS == b.AgeMS {
			count++
		}
	}
	if count == 0 {
		return nil, ScopeResolutionNone
	}
	return []string{ConflictRoutingConflictDetected, ConflictRoutingScopeAmbiguous}, ScopeResolutionAmbiguous
}

func finish(tier int, cands []candidate, freshness []SignalFreshness, now time.Time) Diagnostics {
	b := best(cands)
	conflicts, scopeResolution := detectConflicts(b, cands)

	snap := Snapshot{
		Status:     b.Status,
		Target:     b.Target,
		Confidence: b.Confidence,
		ReasonCode: b.ReasonCode,
		Reason:     humanReason(tier, b),
		Evidence:   b.Evidence,
		UpdatedAt:  now,
	}
	return Diagnostics{
		Snapshot:        snap,
		SignalFreshness: freshness,
		Candidates:      cands,
		Conflicts:       conflicts,
		ScopeResolution: scopeResolution,
	}
}

func humanReason(tier int, b candidate) string {
	switch tier {
	case 1:
		return fmt.Sprintf("attached tmux client on session %q (scope=%s)", b.Target.Value, b.ScopeName)
	case 2:
		return fmt.Sprintf("detached tmux session %q (scope=%s)", b.Target.Value, b.ScopeName)
	default:
		if b.Target.Kind == TargetTmuxSession {
			return fmt.Sprintf("shell with tmux session %q (scope=%s)", b.Target.Value, b.ScopeName)
		}
		return fmt.Sprintf("shell under terminal %q (scope=%s)", b.Target.Value, b.ScopeName)
	}
}

func signalFreshness(now time.Time, shells *registry.ShellRegistry, tmuxReg *registry.TmuxRegistry) []SignalFreshness {
	out := []SignalFreshness{
		{Source: "shell", AgeMS: newestAge(now, shellAges(shells))},
		{Source: "tmux_client", AgeMS: newestAge(now, clientAges(tmuxReg))},
		{Source: "tmux_session", AgeMS: newestAge(now, sessionAges(tmuxReg))},
	}
	return out
}

func shellAges(r *registry.ShellRegistry) []int64 {
	obs := r.Snapshot()
	ages := make([]int64, len(obs))
	for i, o := range obs {
		ages[i] = o.RecordedAt.UnixMilli()
	}
	return ages
}

func clientAges(r *registry.TmuxRegistry) []int64 {
	obs := r.Clients()
	ages := make([]int64, len(obs))
	for i, o := range obs {
		ages[i] = o.CapturedAt.UnixMilli()
	}
	return ages
}

func sessionAges(r *registry.TmuxRegistry) []int64 {
	obs := r.Sessions()
	ages := make([]int64, len(obs))
	for i, o := range obs {
		ages[i] = o.CapturedAt.UnixMilli()
	}
	return ages
}

// newestAge returns the age in ms, relative to now, of the most recent
// timestamp (given as unix-ms) in times, or -1 if times is empty.
func newestAge(now time.Time, times []int64) int64 {
	if len(times) == 0 {
		return -1
	}
	var newest int64
	for i, t := range times {
		if i == 0 || t > newest {
			newest = t
		}
	}
	return now.UnixMilli() - newest
}
