// Package metrics collects Prometheus counters and gauges for the
// conversion core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/device"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/job"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/policy"
)

// Metrics owns a private registry; nothing registers globally.
type Metrics struct {
	registry *prometheus.Registry

	jobTransitionsTotal *prometheus.CounterVec
	jobDurationSeconds  *prometheus.HistogramVec
	decisionsTotal      *prometheus.CounterVec
	alertsTotal         *prometheus.CounterVec
	telemetryFailures   prometheus.Counter

	batteryLevel     prometheus.Gauge
	thermalState     prometheus.Gauge
	availableMemory  prometheus.Gauge
	availableStorage prometheus.Gauge
}

// New constructs a metrics registry and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		jobTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vidconv",
				Subsystem: "job",
				Name:      "transitions_total",
				Help:      "Total number of job state transitions.",
			},
			[]string{"from", "to"},
		),
		jobDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "vidconv",
				Subsystem: "job",
				Name:      "duration_seconds",
				Help:      "Job runtime from creation to terminal state.",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
			},
			[]string{"status"},
		),
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vidconv",
				Subsystem: "policy",
				Name:      "decisions_total",
				Help:      "Policy decisions applied to the active job.",
			},
			[]string{"kind"},
		),
		alertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vidconv",
				Subsystem: "policy",
				Name:      "alerts_total",
				Help:      "Alerts raised, by severity.",
			},
			[]string{"severity"},
		),
		telemetryFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "vidconv",
				Subsystem: "monitor",
				Name:      "telemetry_failures_total",
				Help:      "Telemetry polls that returned an error.",
			},
		),
		batteryLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vidconv", Subsystem: "device", Name: "battery_level",
			Help: "Last observed battery level (0-1).",
		}),
		thermalState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vidconv", Subsystem: "device", Name: "thermal_state",
			Help: "Last observed thermal state (0=nominal .. 4=emergency).",
		}),
		availableMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vidconv", Subsystem: "device", Name: "available_memory_bytes",
			Help: "Last observed available memory.",
		}),
		availableStorage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vidconv", Subsystem: "device", Name: "available_storage_bytes",
			Help: "Last observed available storage.",
		}),
	}

	registry.MustRegister(
		m.jobTransitionsTotal,
		m.jobDurationSeconds,
		m.decisionsTotal,
		m.alertsTotal,
		m.telemetryFailures,
		m.batteryLevel,
		m.thermalState,
		m.availableMemory,
		m.availableStorage,
	)
	return m
}

// Handler exposes the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTransition records a job state transition, and the terminal
// duration when the transition ends the job.
func (m *Metrics) ObserveTransition(j job.Job, from job.State) {
	m.jobTransitionsTotal.WithLabelValues(from.String(), j.State.String()).Inc()
	if j.State.Terminal() && !j.EndedAt.IsZero() {
		m.jobDurationSeconds.WithLabelValues(j.State.String()).Observe(j.EndedAt.Sub(j.CreatedAt).Seconds())
	}
}

// ObserveDecision counts an applied policy decision.
func (m *Metrics) ObserveDecision(kind policy.DecisionKind) {
	m.decisionsTotal.WithLabelValues(kind.String()).Inc()
}

// ObserveAlert counts a raised alert.
func (m *Metrics) ObserveAlert(a policy.Alert) {
	m.alertsTotal.WithLabelValues(a.Severity.String()).Inc()
}

// ObserveTelemetryFailure counts one failed poll.
func (m *Metrics) ObserveTelemetryFailure() {
	m.telemetryFailures.Inc()
}

// ObserveSnapshot updates the device gauges.
func (m *Metrics) ObserveSnapshot(s device.Snapshot) {
	m.batteryLevel.Set(s.BatteryLevel)
	m.thermalState.Set(float64(s.Thermal))
	m.availableMemory.Set(float64(s.AvailableMemory))
	m.availableStorage.Set(float64(s.AvailableStorage))
}
