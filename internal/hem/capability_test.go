package hem

import (
	"testing"

	"github.com/mira-voss/capacitord/internal/events"
)

func TestEvaluateCapabilitiesDeclaredAndObserved(t *testing.T) {
	declared := map[CapabilityName]bool{CapNotificationMatcher: true, CapToolUseIDConsistency: true}
	seen := map[events.Kind]bool{
		events.KindNotification: true,
		events.KindPreToolUse:   true,
		events.KindPostToolUse:  true,
	}
	statuses, unknown, misdeclared := EvaluateCapabilities(declared, seen)
	if unknown != 0 || misdeclared != 0 {
		t.Errorf("unknown=%d misdeclared=%d, want 0/0", unknown, misdeclared)
	}
	for _, st := range statuses {
		if !st.Observed || st.Warning != "" {
			t.Errorf("status = %+v", st)
		}
	}
}

func TestEvaluateCapabilitiesUnobservedCountsUnknown(t *testing.T) {
	declared := map[CapabilityName]bool{CapNotificationMatcher: true}
	_, unknown, misdeclared := EvaluateCapabilities(declared, map[events.Kind]bool{})
	if unknown != 1 || misdeclared != 0 {
		t.Errorf("unknown=%d misdeclared=%d, want 1/0", unknown, misdeclared)
	}
}

func TestEvaluateCapabilitiesContradictionCountsMisdeclared(t *testing.T) {
	declared := map[CapabilityName]bool{CapToolUseIDConsistency: true}
	seen := map[events.Kind]bool{events.KindPostToolUse: true} // completions without pre_tool_use
	statuses, unknown, misdeclared := EvaluateCapabilities(declared, seen)
	if misdeclared != 1 || unknown != 0 {
		t.Errorf("unknown=%d misdeclared=%d, want 0/1", unknown, misdeclared)
	}
	var found bool
	for _, st := range statuses {
		if st.Name == CapToolUseIDConsistency && st.Contradicted && st.Warning != "" {
			found = true
		}
	}
	if !found {
		t.Errorf("contradiction not surfaced: %+v", statuses)
	}
}

func TestEvaluateCapabilitiesUndeclaredNeverPenalized(t *testing.T) {
	_, unknown, misdeclared := EvaluateCapabilities(nil, map[events.Kind]bool{events.KindPostToolUse: true})
	if unknown != 0 || misdeclared != 0 {
		t.Errorf("undeclared capabilities must not raise penalties: %d/%d", unknown, misdeclared)
	}
}

func TestCapabilityPenaltyFactorFloor(t *testing.T) {
	cfg := DefaultCapabilityDetection()
	if got := CapabilityPenaltyFactor(0, 0, cfg); got != 1 {
		t.Errorf("no penalties should give factor 1, got %v", got)
	}
	if got := CapabilityPenaltyFactor(1, 0, cfg); got != cfg.UnknownPenalty {
		t.Errorf("one unknown = %v, want %v", got, cfg.UnknownPenalty)
	}
	// Enough contradictions push the factor to the floor, never below.
	if got := CapabilityPenaltyFactor(10, 10, cfg); got != cfg.MinPenaltyFactor {
		t.Errorf("floored factor = %v, want %v", got, cfg.MinPenaltyFactor)
	}
}
