// Package device defines the telemetry contract the resource monitor polls.
// The rest of the system only ever sees Snapshot values; where the readings
// come from (Android HAL bridge, host fallback, test script) is hidden behind
// the Telemetry interface.
package device

import (
	"context"
	"time"
)

// ThermalState is an ordered severity scale. Comparisons rely on the
// declaration order, so new states must keep the ordering intact.
type ThermalState int

const (
	ThermalNominal ThermalState = iota
	ThermalFair
	ThermalSerious
	ThermalCritical
	ThermalEmergency
)

// String returns the string representation of the ThermalState value.
func (t ThermalState) String() string {
	switch t {
	case ThermalNominal:
		return "nominal"
	case ThermalFair:
		return "fair"
	case ThermalSerious:
		return "serious"
	case ThermalCritical:
		return "critical"
	case ThermalEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// ParseThermalState maps a string label back to its ThermalState. Unknown
// labels map to ThermalNominal with ok=false.
func ParseThermalState(s string) (ThermalState, bool) {
	for st := ThermalNominal; st <= ThermalEmergency; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return ThermalNominal, false
}

// RawReading is one point-in-time result from the telemetry backend.
type RawReading struct {
	Thermal          ThermalState
	BatteryLevel     float64 // 0.0 - 1.0
	IsCharging       bool
	AvailableMemory  uint64 // bytes
	AvailableStorage uint64 // bytes
}

// Snapshot is a RawReading stamped by the monitor. Immutable once built.
type Snapshot struct {
	Timestamp        time.Time
	Thermal          ThermalState
	BatteryLevel     float64
	IsCharging       bool
	AvailableMemory  uint64
	AvailableStorage uint64

	// Stale marks a snapshot returned from cache because the live poll
	// timed out or failed.
	Stale bool
}

// FromReading builds a Snapshot from a raw reading at the given time.
func FromReading(r RawReading, at time.Time) Snapshot {
	return Snapshot{
		Timestamp:        at,
		Thermal:          r.Thermal,
		BatteryLevel:     r.BatteryLevel,
		IsCharging:       r.IsCharging,
		AvailableMemory:  r.AvailableMemory,
		AvailableStorage: r.AvailableStorage,
	}
}

// Telemetry is the device telemetry source. Poll is a single synchronous
// call; callers bound it with the context deadline because faulty drivers
// may hang.
type Telemetry interface {
	Poll(ctx context.Context) (RawReading, error)
}

// TelemetryFunc adapts a plain function to the Telemetry interface.
type TelemetryFunc func(ctx context.Context) (RawReading, error)

func (f TelemetryFunc) Poll(ctx context.Context) (RawReading, error) { return f(ctx) }
