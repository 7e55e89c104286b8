package policy

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/device"
)

// AlertKind classifies an alert for consumers that filter or count them.
type AlertKind string

const (
	AlertThermal            AlertKind = "thermal"
	AlertBatteryLow         AlertKind = "battery_low"
	AlertStorageLow         AlertKind = "storage_low"
	AlertMemoryLow          AlertKind = "memory_low"
	AlertMonitoringDegraded AlertKind = "monitoring_degraded"
	AlertEngineAnomaly      AlertKind = "engine_anomaly"
)

// Alert is an immutable record of a raised condition. AcknowledgedAt is the
// single field mutated afterwards, exactly once, by Log.Acknowledge.
type Alert struct {
	ID             string
	Kind           AlertKind
	Severity       Severity
	Message        string
	Snapshot       device.Snapshot
	CreatedAt      time.Time
	AcknowledgedAt time.Time
}

// NewAlert builds an alert tied to the snapshot that triggered it.
func NewAlert(kind AlertKind, sev Severity, msg string, snap device.Snapshot) Alert {
	return Alert{
		ID:        uuid.New().String(),
		Kind:      kind,
		Severity:  sev,
		Message:   msg,
		Snapshot:  snap,
		CreatedAt: time.Now().UTC(),
	}
}

// Log is an append-only alert log capped at a retention size; the oldest
// entries are evicted on overflow. It has its own lock and never
// participates in state-machine decisions.
type Log struct {
	mu      sync.Mutex
	max     int
	entries []Alert
}

// NewLog creates a log retaining at most max alerts. max <= 0 falls back
// to 256.
func NewLog(max int) *Log {
	if max <= 0 {
		max = 256
	}
	return &Log{max: max}
}

// Append records an alert, evicting the oldest entry when full.
func (l *Log) Append(a Alert) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, a)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
}

// Acknowledge stamps AcknowledgedAt on the alert with the given ID. Only
// the first acknowledgement sticks. Returns false if the alert is unknown.
func (l *Log) Acknowledge(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if l.entries[i].ID == id {
			if l.entries[i].AcknowledgedAt.IsZero() {
				l.entries[i].AcknowledgedAt = time.Now().UTC()
			}
			return true
		}
	}
	return false
}

// Recent returns up to limit alerts, newest first.
func (l *Log) Recent(limit int) []Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Alert, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

// Len returns the number of retained alerts.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
