package hem

import "github.com/mira-voss/capacitord/internal/events"

// CapabilityName identifies a hook-producer capability flag declared in
// hem-v2.toml.
type CapabilityName string

const (
	CapNotificationMatcher  CapabilityName = "notification_matcher_support"
	CapToolUseIDConsistency CapabilityName = "tool_use_id_consistency"
)

// CapabilityStatus is the per-capability reconciliation of declaration
// against observed event traffic. Policy failures surface here as warnings,
// never as IPC errors.
type CapabilityStatus struct {
	Name         CapabilityName `json:"name"`
	Declared     bool           `json:"declared"`
	Observed     bool           `json:"observed"`
	Contradicted bool           `json:"contradicted"`
	Warning      string         `json:"warning,omitempty"`
}

// EvaluateCapabilities reconciles the declared capability flags against the
// set of event kinds the daemon has actually ingested this run, and returns
// the per-capability statuses plus the unknown/misdeclared counts that
// drive CapabilityPenaltyFactor.
//
// Observation rules: notification_matcher_support is observed once any
// notification event arrives; tool_use_id_consistency is observed once a
// pre_tool_use/post_tool_use pair has been seen, and contradicted when
// tool-use completions arrive without any pre_tool_use ever having been
// observed.
func EvaluateCapabilities(declared map[CapabilityName]bool, seenKinds map[events.Kind]bool) (statuses []CapabilityStatus, unknownCount, misdeclaredCount int) {
	notif := CapabilityStatus{
		Name:     CapNotificationMatcher,
		Declared: declared[CapNotificationMatcher],
		Observed: seenKinds[events.KindNotification],
	}
	if notif.Declared && !notif.Observed {
		notif.Warning = "notification_matcher_support declared but no notification event observed"
	}

	sawPre := seenKinds[events.KindPreToolUse]
	sawPost := seenKinds[events.KindPostToolUse] || seenKinds[events.KindPostToolUseFailure]
	toolUse := CapabilityStatus{
		Name:         CapToolUseIDConsistency,
		Declared:     declared[CapToolUseIDConsistency],
		Observed:     sawPre && sawPost,
		Contradicted: sawPost && !sawPre,
	}
	if toolUse.Declared && toolUse.Contradicted {
		toolUse.Warning = "tool_use_id_consistency declared but tool-use completions arrive without pre_tool_use"
	} else if toolUse.Declared && !toolUse.Observed {
		toolUse.Warning = "tool_use_id_consistency declared but no tool-use pair observed"
	}

	for _, st := range []CapabilityStatus{notif, toolUse} {
		statuses = append(statuses, st)
		if !st.Declared {
			continue
		}
		if st.Contradicted {
			misdeclaredCount++
		} else if !st.Observed {
			unknownCount++
		}
	}
	return statuses, unknownCount, misdeclaredCount
}
