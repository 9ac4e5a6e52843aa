package hem

import (
	"testing"
	"time"

	"github.com/mira-voss/capacitord/internal/events"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestSynthesize_SingleWorkingSessionWinsProject(t *testing.T) {
	now := ts("2026-01-01T00:05:00Z")
	records := []events.SessionRecord{
		{SessionID: "s1", State: events.StateWorking, ProjectPath: "/p/a", Cwd: "/p/a", UpdatedAt: now},
	}
	states := Synthesize(records, now, DefaultConfig(), 1.0, false)
	if len(states) != 1 {
		t.Fatalf("expected 1 project state, got %d: %+v", len(states), states)
	}
	if states[0].ProjectPath != "/p/a" || states[0].State != events.StateWorking {
		t.Fatalf("got %+v", states[0])
	}
	if states[0].Confidence <= 0 || states[0].Confidence > 0.99 {
		t.Fatalf("confidence out of range: %v", states[0].Confidence)
	}
}

func TestSynthesize_HigherPriorityStateWinsAggregation(t *testing.T) {
	now := ts("2026-01-01T00:05:00Z")
	records := []events.SessionRecord{
		{SessionID: "s1", State: events.StateIdle, ProjectPath: "/p/a", Cwd: "/p/a", UpdatedAt: now},
		{SessionID: "s2", State: events.StateWorking, ProjectPath: "/p/a", Cwd: "/p/a", UpdatedAt: now},
	}
	states := Synthesize(records, now, DefaultConfig(), 1.0, false)
	if len(states) != 1 {
		t.Fatalf("expected a single aggregated project, got %d: %+v", len(states), states)
	}
	if states[0].State != events.StateWorking {
		t.Fatalf("expected Working (higher priority) to win, got %v", states[0].State)
	}
	if states[0].EvidenceCount != 2 {
		t.Fatalf("expected evidence_count 2, got %d", states[0].EvidenceCount)
	}
}

func TestSynthesize_CwdEdgeProducesSeparateProjectWhenDistinctFromProjectPath(t *testing.T) {
	now := ts("2026-01-01T00:05:00Z")
	records := []events.SessionRecord{
		{SessionID: "s1", State: events.StateWorking, ProjectPath: "/p/a", Cwd: "/p/b", UpdatedAt: now},
	}
	states := Synthesize(records, now, DefaultConfig(), 1.0, false)
	paths := map[string]bool{}
	for _, s := range states {
		paths[s.ProjectPath] = true
	}
	if !paths["/p/a"] {
		t.Fatalf("expected project_path edge /p/a to survive, got %+v", states)
	}
}

func TestSynthesize_StaleObservationDecaysConfidence(t *testing.T) {
	fresh := ts("2026-01-01T00:00:00Z")
	stale := fresh.Add(-20 * time.Minute)
	cfg := DefaultConfig()

	freshConf := baseConfidence(events.StateWorking, fresh, fresh)
	staleConf := baseConfidence(events.StateWorking, fresh, stale)
	if staleConf >= freshConf {
		t.Fatalf("expected stale observation to decay confidence: fresh=%v stale=%v", freshConf, staleConf)
	}
	_ = cfg
}

func TestSynthesize_IdleBelowThresholdIsDropped(t *testing.T) {
	now := ts("2026-01-01T00:05:00Z")
	cfg := DefaultConfig()
	cfg.Thresholds.Idle = 0.99 // impossible to clear
	records := []events.SessionRecord{
		{SessionID: "s1", State: events.StateIdle, ProjectPath: "/p/a", Cwd: "/p/a", UpdatedAt: now},
	}
	states := Synthesize(records, now, cfg, 1.0, false)
	if len(states) != 0 {
		t.Fatalf("expected idle edge below threshold to be dropped, got %+v", states)
	}
}

func TestSynthesize_SortedByProjectPathThenID(t *testing.T) {
	now := ts("2026-01-01T00:05:00Z")
	records := []events.SessionRecord{
		{SessionID: "s1", State: events.StateWorking, ProjectPath: "/p/b", Cwd: "/p/b", UpdatedAt: now},
		{SessionID: "s2", State: events.StateWorking, ProjectPath: "/p/a", Cwd: "/p/a", UpdatedAt: now},
	}
	states := Synthesize(records, now, DefaultConfig(), 1.0, false)
	if len(states) != 2 || states[0].ProjectPath != "/p/a" || states[1].ProjectPath != "/p/b" {
		t.Fatalf("expected sorted output, got %+v", states)
	}
}

func TestSynthesize_SessionsPerProjectCapEnforced(t *testing.T) {
	now := ts("2026-01-01T00:05:00Z")
	cfg := DefaultConfig()
	cfg.Constraints.MaxSessionsPerProject = 1
	records := []events.SessionRecord{
		{SessionID: "s1", State: events.StateWorking, ProjectPath: "/p/a", Cwd: "/p/a", UpdatedAt: now},
		{SessionID: "s2", State: events.StateWaiting, ProjectPath: "/p/a", Cwd: "/p/a", UpdatedAt: now},
	}
	states := Synthesize(records, now, cfg, 1.0, false)
	if len(states) != 1 || states[0].EvidenceCount != 1 {
		t.Fatalf("expected the session cap to admit exactly one edge, got %+v", states)
	}
}

func TestCapabilityPenaltyFactor_UnknownAndMisdeclaredCompoundAndClampToMin(t *testing.T) {
	cfg := DefaultCapabilityDetection()
	factor := CapabilityPenaltyFactor(0, 0, cfg)
	if factor != 1.0 {
		t.Fatalf("expected no penalty with zero violations, got %v", factor)
	}
	factor = CapabilityPenaltyFactor(20, 20, cfg)
	if factor != cfg.MinPenaltyFactor {
		t.Fatalf("expected factor clamped to min_penalty_factor, got %v", factor)
	}
	single := CapabilityPenaltyFactor(1, 0, cfg)
	if single != cfg.UnknownPenalty {
		t.Fatalf("expected one unknown violation to equal the configured unknown_penalty, got %v", single)
	}
}

func TestPathRelationOf(t *testing.T) {
	cases := []struct {
		reference, candidate string
		want                 pathRelation
	}{
		{"/a/b", "/a/b", relationExact},
		{"/a/b", "/a/b/c", relationParent},
		{"/a/b/c", "/a/b", relationParent},
		{"/a/b", "/a/x", relationNone},
		{"", "/a/b", relationNone},
	}
	for _, c := range cases {
		if got := pathRelationOf(c.reference, c.candidate); got != c.want {
			t.Errorf("pathRelationOf(%q, %q) = %v, want %v", c.reference, c.candidate, got, c.want)
		}
	}
}
