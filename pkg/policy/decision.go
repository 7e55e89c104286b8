// Package policy turns resource snapshots into decisions about the active
// conversion job. Evaluation is a pure function of (snapshot, thresholds,
// job state); the only engine state is the threshold set and the alert
// de-duplication window.
package policy

import (
	"time"

	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/device"
)

// DecisionKind orders the possible outcomes. Lower value wins when several
// conditions trigger at once.
type DecisionKind int

const (
	DecisionAbort DecisionKind = iota
	DecisionPause
	DecisionResume
	DecisionThrottle
	DecisionAlert
	DecisionContinue
)

// String returns the string representation of the DecisionKind value.
func (k DecisionKind) String() string {
	switch k {
	case DecisionAbort:
		return "abort"
	case DecisionPause:
		return "pause"
	case DecisionResume:
		return "resume"
	case DecisionThrottle:
		return "throttle"
	case DecisionAlert:
		return "alert"
	case DecisionContinue:
		return "continue"
	default:
		return "unknown"
	}
}

// Decision is one outcome of an evaluation tick. SnapshotAt carries the
// timestamp of the snapshot it was computed from so the coordinator can
// discard decisions superseded by a newer tick.
type Decision struct {
	Kind       DecisionKind
	Resource   ResourceKind
	Severity   Severity
	Reason     string
	SnapshotAt time.Time
	Snapshot   device.Snapshot
}

// ResourceKind names the monitored resource a threshold or decision refers to.
type ResourceKind int

const (
	ResourceThermal ResourceKind = iota
	ResourceBattery
	ResourceStorage
	ResourceMemory
)

// String returns the string representation of the ResourceKind value.
func (r ResourceKind) String() string {
	switch r {
	case ResourceThermal:
		return "thermal"
	case ResourceBattery:
		return "battery"
	case ResourceStorage:
		return "storage"
	case ResourceMemory:
		return "memory"
	default:
		return "unknown"
	}
}

// evaluationOrder is the fixed priority, highest first. Ties between
// simultaneous conditions are broken by this order; lower-priority
// conditions are demoted to alerts.
var evaluationOrder = []ResourceKind{ResourceThermal, ResourceBattery, ResourceStorage, ResourceMemory}

// Severity grades alerts.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

// String returns the string representation of the Severity value.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}
