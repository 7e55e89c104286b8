package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/device"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/job"
)

// Engine evaluates snapshots against the active threshold set.
//
// Evaluation is stateless apart from the thresholds themselves and a small
// de-duplication window that keeps a persisting condition from re-emitting
// the same alert every poll tick. An alert re-fires only on severity
// escalation or after the cooldown elapses.
type Engine struct {
	mu         sync.Mutex
	thresholds map[ResourceKind]Threshold
	cooldown   time.Duration
	lastRaised map[AlertKind]raisedMark
	alerts     *Log
	logger     zerolog.Logger
}

type raisedMark struct {
	severity Severity
	at       time.Time
}

// NewEngine creates an engine with the given alert cooldown and log. A nil
// log gets a default-capacity one.
func NewEngine(cooldown time.Duration, alerts *Log) *Engine {
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	if alerts == nil {
		alerts = NewLog(0)
	}
	return &Engine{
		thresholds: make(map[ResourceKind]Threshold),
		cooldown:   cooldown,
		lastRaised: make(map[AlertKind]raisedMark),
		alerts:     alerts,
		logger:     log.With().Str("component", "PolicyEngine").Logger(),
	}
}

// SetThreshold installs or replaces the rule for a resource kind. Takes
// effect on the next evaluation, never retroactively.
func (e *Engine) SetThreshold(t Threshold) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.thresholds[t.Kind] = t
	e.logger.Debug().Str("resource", t.Kind.String()).Str("comparator", t.Comparator.String()).Float64("limit", t.Limit).Msg("threshold set")
}

// ClearThreshold removes the rule for a resource kind, if any.
func (e *Engine) ClearThreshold(kind ResourceKind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.thresholds, kind)
}

// Thresholds returns a copy of the active rule set.
func (e *Engine) Thresholds() map[ResourceKind]Threshold {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[ResourceKind]Threshold, len(e.thresholds))
	for k, v := range e.thresholds {
		out[k] = v
	}
	return out
}

// Alerts exposes the engine's alert log.
func (e *Engine) Alerts() *Log { return e.alerts }

// condition is one triggered rule before priority resolution.
type condition struct {
	kind     ResourceKind
	decide   DecisionKind
	severity Severity
	reason   string
}

// Evaluate computes the ordered decision list for a snapshot and the alerts
// newly raised by it. The first decision is the one to apply to the job;
// lower-priority triggered conditions follow as DecisionAlert entries for
// visibility. With nothing triggered the result is a single
// DecisionContinue (or DecisionResume when a paused job may come back).
func (e *Engine) Evaluate(snap device.Snapshot, jobState job.State) ([]Decision, []Alert) {
	e.mu.Lock()
	defer e.mu.Unlock()

	conditions := e.collect(snap, jobState)

	decisions := make([]Decision, 0, len(conditions)+1)
	for i, c := range conditions {
		kind := c.decide
		if i > 0 && kind != DecisionAlert {
			// Only the highest-priority condition acts on the job.
			kind = DecisionAlert
		}
		decisions = append(decisions, Decision{
			Kind:       kind,
			Resource:   c.kind,
			Severity:   c.severity,
			Reason:     c.reason,
			SnapshotAt: snap.Timestamp,
			Snapshot:   snap,
		})
	}
	if len(decisions) == 0 {
		decisions = append(decisions, Decision{
			Kind:       DecisionContinue,
			Severity:   SeverityInfo,
			SnapshotAt: snap.Timestamp,
			Snapshot:   snap,
		})
	}

	alerts := e.raise(conditions, snap)
	return decisions, alerts
}

// collect gathers triggered conditions in fixed priority order.
func (e *Engine) collect(snap device.Snapshot, jobState job.State) []condition {
	var out []condition
	for _, kind := range evaluationOrder {
		th, ok := e.thresholds[kind]
		if !ok {
			continue
		}
		switch kind {
		case ResourceThermal:
			if th.Triggered(snap) {
				out = append(out, condition{
					kind:     kind,
					decide:   th.Decide,
					severity: SeverityCritical,
					reason:   fmt.Sprintf("thermal state %s at or above ceiling %s", snap.Thermal, device.ThermalState(int(th.Limit))),
				})
			} else if ceil := device.ThermalState(int(th.Limit)); snap.Thermal == ceil-1 && snap.Thermal >= device.ThermalSerious {
				// One level below the abort ceiling throttles instead.
				out = append(out, condition{
					kind:     kind,
					decide:   DecisionThrottle,
					severity: SeverityWarning,
					reason:   fmt.Sprintf("thermal state %s approaching ceiling %s", snap.Thermal, ceil),
				})
			}
		case ResourceBattery:
			low := th.Triggered(snap) && !snap.IsCharging
			if low {
				out = append(out, condition{
					kind:     kind,
					decide:   th.Decide,
					severity: SeverityWarning,
					reason:   fmt.Sprintf("battery at %.0f%% below minimum %.0f%% and not charging", snap.BatteryLevel*100, th.Limit*100),
				})
			} else if jobState == job.StatePaused {
				out = append(out, condition{
					kind:     kind,
					decide:   DecisionResume,
					severity: SeverityInfo,
					reason:   "battery recovered, job may resume",
				})
			}
		case ResourceStorage:
			if th.Triggered(snap) {
				out = append(out, condition{
					kind:     kind,
					decide:   th.Decide,
					severity: SeverityCritical,
					reason:   fmt.Sprintf("available storage %d bytes below minimum %.0f", snap.AvailableStorage, th.Limit),
				})
			}
		case ResourceMemory:
			if th.Triggered(snap) {
				out = append(out, condition{
					kind:     kind,
					decide:   DecisionAlert,
					severity: SeverityInfo,
					reason:   fmt.Sprintf("available memory %d bytes below minimum %.0f", snap.AvailableMemory, th.Limit),
				})
			}
		}
	}
	return out
}

// raise applies the de-duplication window and appends the surviving alerts
// to the log. Conditions that cleared this tick drop their marks so the
// next occurrence alerts immediately.
func (e *Engine) raise(conditions []condition, snap device.Snapshot) []Alert {
	seen := make(map[AlertKind]bool, len(conditions))
	var raised []Alert
	now := time.Now()

	for _, c := range conditions {
		if c.decide == DecisionResume || c.decide == DecisionContinue {
			continue
		}
		kind := alertKindFor(c.kind)
		seen[kind] = true

		mark, have := e.lastRaised[kind]
		escalated := have && c.severity > mark.severity
		cooled := have && now.Sub(mark.at) >= e.cooldown
		if have && !escalated && !cooled {
			continue
		}
		e.lastRaised[kind] = raisedMark{severity: c.severity, at: now}

		a := NewAlert(kind, c.severity, c.reason, snap)
		e.alerts.Append(a)
		raised = append(raised, a)
		e.logger.Info().Str("kind", string(kind)).Str("severity", c.severity.String()).Str("reason", c.reason).Msg("alert raised")
	}

	for kind := range e.lastRaised {
		if kind == AlertMonitoringDegraded || kind == AlertEngineAnomaly {
			continue // raised out of band, not owned by evaluation
		}
		if !seen[kind] {
			delete(e.lastRaised, kind)
		}
	}
	return raised
}

func alertKindFor(r ResourceKind) AlertKind {
	switch r {
	case ResourceThermal:
		return AlertThermal
	case ResourceBattery:
		return AlertBatteryLow
	case ResourceStorage:
		return AlertStorageLow
	case ResourceMemory:
		return AlertMemoryLow
	default:
		return AlertKind("unknown")
	}
}
