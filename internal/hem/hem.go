// Package hem implements the hybrid evidence synthesizer: it
// turns a flat list of session records into one aggregated state per
// project, blending a per-state confidence base with a signal score and a
// source-reliability factor, constrained by capacity limits and a
// capability-detection penalty.
package hem

import (
	"math"
	"path/filepath"
	"sort"
	"time"

	"github.com/mira-voss/capacitord/internal/events"
)

// CapabilityStrategy selects how declared capabilities are reconciled
// against observed behavior.
type CapabilityStrategy string

const (
	StrategyRuntimeHandshake CapabilityStrategy = "runtime_handshake"
	StrategyConfigOnly       CapabilityStrategy = "config_only"
)

// ThresholdsConfig is the per-state minimum confidence an edge must clear
// to survive.
type ThresholdsConfig struct {
	Working    float64
	Waiting    float64
	Compacting float64
	Ready      float64
	Idle       float64
}

func (t ThresholdsConfig) forState(s events.State) float64 {
	switch s {
	case events.StateWorking:
		return t.Working
	case events.StateWaiting:
		return t.Waiting
	case events.StateCompacting:
		return t.Compacting
	case events.StateReady:
		return t.Ready
	case events.StateIdle:
		return t.Idle
	default:
		return 1
	}
}

// DefaultThresholds returns the stock thresholds.
func DefaultThresholds() ThresholdsConfig {
	return ThresholdsConfig{Working: 0.70, Waiting: 0.70, Compacting: 0.70, Ready: 0.55, Idle: 0.50}
}

// SourceReliabilityConfig is the base trust multiplier per evidence
// channel, before the capability penalty factor is applied.
type SourceReliabilityConfig struct {
	HookEvent        float64
	ShellCwd         float64
	ProcessLiveness  float64
	SyntheticGuard   float64
}

func DefaultSourceReliability() SourceReliabilityConfig {
	return SourceReliabilityConfig{HookEvent: 1.0, ShellCwd: 0.90, ProcessLiveness: 0.95, SyntheticGuard: 0.80}
}

// SessionToProjectWeights weighs the signal_component for project_path-
// anchored (hook_event) edges.
type SessionToProjectWeights struct {
	ProjectBoundaryFromFilePath float64
	ProjectBoundaryFromCwd      float64
	RecentToolActivity          float64
	NotificationSignal          float64
}

func defaultSessionToProjectWeights() SessionToProjectWeights {
	return SessionToProjectWeights{
		ProjectBoundaryFromFilePath: 0.45,
		ProjectBoundaryFromCwd:      0.25,
		RecentToolActivity:          0.20,
		NotificationSignal:          0.10,
	}
}

// ShellToProjectWeights weighs the signal_component for cwd-anchored
// (shell_cwd) edges.
type ShellToProjectWeights struct {
	ExactPathMatch      float64
	ParentPathMatch     float64
	TerminalFocusSignal float64
	TmuxClientSignal    float64
}

func defaultShellToProjectWeights() ShellToProjectWeights {
	return ShellToProjectWeights{ExactPathMatch: 0.50, ParentPathMatch: 0.20, TerminalFocusSignal: 0.20, TmuxClientSignal: 0.10}
}

// StateSynthesisWeights multiplies the per-state confidence base before it
// enters the blended score (distinct from ThresholdsConfig, which gates
// whether an edge survives at all).
type StateSynthesisWeights struct {
	Working    float64
	Waiting    float64
	Compacting float64
	Ready      float64
	Idle       float64
}

func (w StateSynthesisWeights) forState(s events.State) float64 {
	switch s {
	case events.StateWorking:
		return w.Working
	case events.StateWaiting:
		return w.Waiting
	case events.StateCompacting:
		return w.Compacting
	case events.StateReady:
		return w.Ready
	case events.StateIdle:
		return w.Idle
	default:
		return 0
	}
}

func defaultStateSynthesisWeights() StateSynthesisWeights {
	return StateSynthesisWeights{Working: 1.00, Waiting: 0.95, Compacting: 0.90, Ready: 0.70, Idle: 0.40}
}

// WeightsConfig groups every weight table used by scoring.
type WeightsConfig struct {
	SessionToProject SessionToProjectWeights
	ShellToProject   ShellToProjectWeights
	StateSynthesis   StateSynthesisWeights
}

func DefaultWeights() WeightsConfig {
	return WeightsConfig{
		SessionToProject: defaultSessionToProjectWeights(),
		ShellToProject:   defaultShellToProjectWeights(),
		StateSynthesis:   defaultStateSynthesisWeights(),
	}
}

// CapabilityDetectionConfig controls the penalty factor applied to source
// reliability when declared capabilities go unobserved or contradicted.
type CapabilityDetectionConfig struct {
	Strategy          CapabilityStrategy
	UnknownPenalty    float64
	MisdeclaredPenalty float64
	MinPenaltyFactor  float64
}

func DefaultCapabilityDetection() CapabilityDetectionConfig {
	return CapabilityDetectionConfig{
		Strategy:           StrategyRuntimeHandshake,
		UnknownPenalty:     0.95,
		MisdeclaredPenalty: 0.80,
		MinPenaltyFactor:   0.50,
	}
}

// ConstraintsConfig bounds the greedy assignment.
type ConstraintsConfig struct {
	MaxProjectsPerSession int
	MaxSessionsPerProject int
}

func DefaultConstraints() ConstraintsConfig {
	return ConstraintsConfig{MaxProjectsPerSession: 1, MaxSessionsPerProject: 64}
}

// Config is the full runtime configuration for Synthesize, loaded from
// daemon/hem-v2.toml.
type Config struct {
	Thresholds         ThresholdsConfig
	SourceReliability  SourceReliabilityConfig
	Weights            WeightsConfig
	CapabilityDetection CapabilityDetectionConfig
	Constraints        ConstraintsConfig
}

func DefaultConfig() Config {
	return Config{
		Thresholds:          DefaultThresholds(),
		SourceReliability:   DefaultSourceReliability(),
		Weights:             DefaultWeights(),
		CapabilityDetection: DefaultCapabilityDetection(),
		Constraints:         DefaultConstraints(),
	}
}

// ProjectState is one project's aggregated view.
type ProjectState struct {
	ProjectID      string
	ProjectPath    string
	State          events.State
	Confidence     float64
	EvidenceCount  int
}

// candidate is one session->project edge before assignment.
type candidate struct {
	sessionID         string
	projectID         string
	projectPath       string
	score             float64
	sourceReliability float64
	observedAt        time.Time
}

type sessionEvidence struct {
	state      events.State
	priority   int
	observedAt time.Time
	confidence float64
}

const (
	scoreStateComponentWeight  = 0.40
	scoreSignalComponentWeight = 0.60
	recentActivityWindow       = 180 * time.Second
	sessionBoundaryAnchor      = 0.20
	stalenessDecayAge          = 10 * time.Minute
	stalenessDecayAmount       = 0.10
	minBaseConfidence          = 0.10
)

func clampUnit(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampShadowScore(v float64) float64 {
	v = clampUnit(v)
	if v > 0.99 {
		return 0.99
	}
	return v
}

func baseConfidence(state events.State, now, updatedAt time.Time) float64 {
	var base float64
	switch state {
	case events.StateWorking:
		base = 0.90
	case events.StateWaiting:
		base = 0.85
	case events.StateCompacting:
		base = 0.80
	case events.StateReady:
		base = 0.65
	case events.StateIdle:
		base = 0.55
	default:
		return 0
	}
	age := now.Sub(updatedAt)
	if age > stalenessDecayAge {
		base -= stalenessDecayAmount
		if base < minBaseConfidence {
			base = minBaseConfidence
		}
	}
	return base
}

type pathRelation int

const (
	relationNone pathRelation = iota
	relationExact
	relationParent
)

// pathRelationOf reports whether candidatePath is identical to referencePath
// or one is a filesystem-prefix of the other, after clean-ing both.
func pathRelationOf(referencePath, candidatePath string) pathRelation {
	referencePath = filepath.Clean(referencePath)
	candidatePath = filepath.Clean(candidatePath)
	if referencePath == "" || candidatePath == "" || referencePath == "." || candidatePath == "." {
		return relationNone
	}
	if referencePath == candidatePath {
		return relationExact
	}
	if hasPathPrefix(candidatePath, referencePath) || hasPathPrefix(referencePath, candidatePath) {
		return relationParent
	}
	return relationNone
}

func hasPathPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return len(path) > len(prefix) && path[:len(prefix)] == prefix && path[len(prefix)] == '/'
}

func boolF(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func isRecentToolActivity(rec events.SessionRecord, now time.Time) bool {
	if rec.UpdatedAt.IsZero() {
		return false
	}
	return now.Sub(rec.UpdatedAt) <= recentActivityWindow
}

func hasNotificationSignal(rec events.SessionRecord, notificationMatcherSupport bool) bool {
	if !notificationMatcherSupport {
		return false
	}
	return rec.LastEventKind == events.KindNotification
}

func blendScoreComponents(base float64, state events.State, signalComponent, sourceReliability float64, w WeightsConfig) float64 {
	weightedState := clampUnit(base * w.StateSynthesis.forState(state))
	blended := weightedState*scoreStateComponentWeight + signalComponent*scoreSignalComponentWeight
	return clampShadowScore(clampUnit(sourceReliability) * blended)
}

func scoreSessionProjectCandidate(rec events.SessionRecord, state events.State, base, sourceReliability float64, now time.Time, cfg Config, notificationMatcherSupport bool) float64 {
	relation := pathRelationOf(rec.ProjectPath, rec.Cwd)
	relationSignal := boolF(relation == relationExact || relation == relationParent)
	recentActivity := boolF(isRecentToolActivity(rec, now))
	notificationSignal := boolF(hasNotificationSignal(rec, notificationMatcherSupport))

	w := cfg.Weights.SessionToProject
	signalComponent := clampUnit(
		sessionBoundaryAnchor +
			w.ProjectBoundaryFromFilePath +
			w.ProjectBoundaryFromCwd*relationSignal +
			w.RecentToolActivity*recentActivity +
			w.NotificationSignal*notificationSignal,
	)
	return blendScoreComponents(base, state, signalComponent, sourceReliability, cfg.Weights)
}

func scoreShellProjectCandidate(rec events.SessionRecord, state events.State, base, sourceReliability float64, cfg Config) float64 {
	relation := pathRelationOf(rec.ProjectPath, rec.Cwd)
	exactPathMatch := boolF(relation == relationExact || rec.ProjectPath == "")
	parentPathMatch := boolF(relation == relationParent)
	terminalFocusSignal := boolF(rec.Cwd != "")
	tmuxClientSignal := boolF(rec.PID > 0)

	w := cfg.Weights.ShellToProject
	signalComponent := clampUnit(
		w.ExactPathMatch*exactPathMatch +
			w.ParentPathMatch*parentPathMatch +
			w.TerminalFocusSignal*terminalFocusSignal +
			w.TmuxClientSignal*tmuxClientSignal,
	)
	return blendScoreComponents(base, state, signalComponent, sourceReliability, cfg.Weights)
}

// CapabilityPenaltyFactor computes the global multiplier applied to source
// reliability from counts of declared-but-unobserved (unknownCount) and
// declared-but-contradicted (misdeclaredCount) capabilities.
func CapabilityPenaltyFactor(unknownCount, misdeclaredCount int, cfg CapabilityDetectionConfig) float64 {
	unknownPenalty := clampUnit(cfg.UnknownPenalty)
	misdeclaredPenalty := clampUnit(cfg.MisdeclaredPenalty)
	minFactor := clampUnit(cfg.MinPenaltyFactor)
	factor := math.Pow(unknownPenalty, float64(unknownCount)) * math.Pow(misdeclaredPenalty, float64(misdeclaredCount))
	if factor < minFactor {
		return minFactor
	}
	if factor > 1 {
		return 1
	}
	return factor
}

// Synthesize emits up to two candidate edges per
// session, drops edges below their state's minimum confidence, assigns
// survivors to projects under capacity constraints, and aggregates by
// highest state priority. capabilityPenaltyFactor should come from
// CapabilityPenaltyFactor against observed capability handshakes;
// notificationMatcherSupport gates the notification signal component.
func Synthesize(records []events.SessionRecord, now time.Time, cfg Config, capabilityPenaltyFactor float64, notificationMatcherSupport bool) []ProjectState {
	var candidates []candidate
	evidence := make(map[string]sessionEvidence)

	for _, rec := range records {
		if rec.SessionID == "" {
			continue
		}
		observedAt := rec.UpdatedAt
		if observedAt.IsZero() {
			observedAt = now
		}
		state := rec.State
		priority := events.StatePriority(state)
		base := baseConfidence(state, now, observedAt)
		minConfidence := clampUnit(cfg.Thresholds.forState(state))

		if rec.ProjectPath != "" {
			reliability := clampUnit(cfg.SourceReliability.HookEvent * capabilityPenaltyFactor)
			score := scoreSessionProjectCandidate(rec, state, base, reliability, now, cfg, notificationMatcherSupport)
			if score >= minConfidence {
				projectID := rec.ProjectID
				if projectID == "" {
					projectID = rec.ProjectPath
				}
				candidates = append(candidates, candidate{
					sessionID: rec.SessionID, projectID: projectID, projectPath: rec.ProjectPath,
					score: score, sourceReliability: reliability, observedAt: observedAt,
				})
			}
		}

		if rec.Cwd != "" && rec.Cwd != rec.ProjectPath {
			reliability := clampUnit(cfg.SourceReliability.ShellCwd * capabilityPenaltyFactor)
			score := scoreShellProjectCandidate(rec, state, base, reliability, cfg)
			if score >= minConfidence {
				candidates = append(candidates, candidate{
					sessionID: rec.SessionID, projectID: rec.Cwd, projectPath: rec.Cwd,
					score: score, sourceReliability: reliability, observedAt: observedAt,
				})
			}
		}

		if existing, ok := evidence[rec.SessionID]; !ok || priority > existing.priority ||
			(priority == existing.priority && observedAt.After(existing.observedAt)) {
			evidence[rec.SessionID] = sessionEvidence{state: state, priority: priority, observedAt: observedAt, confidence: base}
		}
	}

	assignments := assignDeterministic(candidates, cfg.Constraints)

	type aggregate struct {
		projectID     string
		projectPath   string
		state         events.State
		priority      int
		updatedAt     time.Time
		confidence    float64
		evidenceCount int
	}
	byProject := make(map[string]*aggregate)
	for _, a := range assignments {
		ev, ok := evidence[a.sessionID]
		if !ok {
			continue
		}
		agg, ok := byProject[a.projectPath]
		if !ok {
			agg = &aggregate{
				projectID: a.projectID, projectPath: a.projectPath,
				state: ev.state, priority: ev.priority,
				updatedAt: maxTime(a.observedAt, ev.observedAt),
				confidence: math.Min(a.score, ev.confidence),
			}
			byProject[a.projectPath] = agg
		}
		agg.evidenceCount++
		observedAt := maxTime(a.observedAt, ev.observedAt)
		if ev.priority > agg.priority || (ev.priority == agg.priority && observedAt.After(agg.updatedAt)) {
			agg.state = ev.state
			agg.priority = ev.priority
			agg.updatedAt = observedAt
			agg.confidence = math.Min(a.score, ev.confidence)
		}
	}

	states := make([]ProjectState, 0, len(byProject))
	for _, agg := range byProject {
		states = append(states, ProjectState{
			ProjectID: agg.projectID, ProjectPath: agg.projectPath,
			State: agg.state, Confidence: agg.confidence, EvidenceCount: agg.evidenceCount,
		})
	}
	sort.Slice(states, func(i, j int) bool {
		if states[i].ProjectPath != states[j].ProjectPath {
			return states[i].ProjectPath < states[j].ProjectPath
		}
		return states[i].ProjectID < states[j].ProjectID
	})
	return states
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

type assignment struct {
	sessionID   string
	projectID   string
	projectPath string
	score       float64
	observedAt  time.Time
}

// assignDeterministic implements the greedy capacity-constrained
// assignment: sort all surviving edges best-first, accept while under both
// per-session and per-project caps.
func assignDeterministic(candidates []candidate, constraints ConstraintsConfig) []assignment {
	if constraints.MaxProjectsPerSession <= 0 || constraints.MaxSessionsPerProject <= 0 {
		return nil
	}

	ordered := make([]candidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.observedAt.Equal(b.observedAt) {
			return a.observedAt.After(b.observedAt)
		}
		if a.sourceReliability != b.sourceReliability {
			return a.sourceReliability > b.sourceReliability
		}
		if a.projectID != b.projectID {
			return a.projectID < b.projectID
		}
		if a.projectPath != b.projectPath {
			return a.projectPath < b.projectPath
		}
		return a.sessionID < b.sessionID
	})

	sessionCounts := make(map[string]int)
	projectCounts := make(map[string]int)
	var accepted []candidate
	for _, c := range ordered {
		if sessionCounts[c.sessionID] >= constraints.MaxProjectsPerSession {
			continue
		}
		if projectCounts[c.projectPath] >= constraints.MaxSessionsPerProject {
			continue
		}
		accepted = append(accepted, c)
		sessionCounts[c.sessionID]++
		projectCounts[c.projectPath]++
	}

	out := make([]assignment, len(accepted))
	for i, c := range accepted {
		out[i] = assignment{sessionID: c.sessionID, projectID: c.projectID, projectPath: c.projectPath, score: c.score, observedAt: c.observedAt}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].sessionID != out[j].sessionID {
			return out[i].sessionID < out[j].sessionID
		}
		return out[i].projectPath < out[j].projectPath
	})
	return out
}
