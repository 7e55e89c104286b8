package policy

import "github.com/rasikakulasinghe/video-converter-android-sub001/pkg/device"

// Comparator selects how a threshold compares the observed value against
// its limit.
type Comparator int

const (
	CompareLT Comparator = iota
	CompareGTE
)

// String returns the string representation of the Comparator value.
func (c Comparator) String() string {
	if c == CompareLT {
		return "<"
	}
	return ">="
}

// Threshold is a named rule: when the observed value for Resource satisfies
// Comparator against Limit, Decide is emitted. At most one threshold per
// resource kind is active; setting a new one replaces the old.
type Threshold struct {
	Kind       ResourceKind
	Comparator Comparator
	Limit      float64
	Decide     DecisionKind
	Severity   Severity
}

// NewThreshold builds a threshold rule.
func NewThreshold(kind ResourceKind, cmp Comparator, limit float64, decide DecisionKind, sev Severity) Threshold {
	return Threshold{Kind: kind, Comparator: cmp, Limit: limit, Decide: decide, Severity: sev}
}

// observed extracts the value the threshold compares for its resource kind.
func (t Threshold) observed(snap device.Snapshot) float64 {
	switch t.Kind {
	case ResourceThermal:
		return float64(snap.Thermal)
	case ResourceBattery:
		return snap.BatteryLevel
	case ResourceStorage:
		return float64(snap.AvailableStorage)
	case ResourceMemory:
		return float64(snap.AvailableMemory)
	default:
		return 0
	}
}

// Triggered reports whether the snapshot satisfies the rule.
func (t Threshold) Triggered(snap device.Snapshot) bool {
	v := t.observed(snap)
	switch t.Comparator {
	case CompareLT:
		return v < t.Limit
	case CompareGTE:
		return v >= t.Limit
	default:
		return false
	}
}
