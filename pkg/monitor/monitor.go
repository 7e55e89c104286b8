// Package monitor owns the device polling loop. One background task per
// monitor, governed by explicit Start/Stop; re-render-style duplicate
// timers cannot happen because Start is idempotent.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/device"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/event"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/policy"
)

// Session tracks one polling lifetime.
type Session struct {
	ID           string
	StartedAt    time.Time
	EndedAt      time.Time // zero while running
	PollInterval time.Duration
	SamplesTaken int
}

// Options tunes the monitor.
type Options struct {
	// PollInterval is the default sleep between polls; Start may override.
	PollInterval time.Duration

	// TelemetryTimeout bounds each Poll call.
	TelemetryTimeout time.Duration

	// HistorySize caps the snapshot ring.
	HistorySize int

	// FailureThreshold is the consecutive telemetry failure count that
	// raises a MonitoringDegraded alert.
	FailureThreshold int

	// Sink receives each fresh snapshot from the polling loop. Called on
	// the monitor's goroutine; the sink must only enqueue work.
	Sink func(device.Snapshot)

	// OnFailure is invoked for every failed poll, before the degraded
	// threshold is consulted.
	OnFailure func(error)
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.PollInterval <= 0 {
		out.PollInterval = 5 * time.Second
	}
	if out.TelemetryTimeout <= 0 {
		out.TelemetryTimeout = 2 * time.Second
	}
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 3
	}
	return out
}

// Monitor periodically polls the telemetry source and publishes snapshots.
type Monitor struct {
	telemetry device.Telemetry
	bus       *event.Bus
	alerts    *policy.Log
	opts      Options
	logger    zerolog.Logger

	mu       sync.Mutex
	session  *Session
	cancel   context.CancelFunc
	done     chan struct{}
	failures int
	last     device.Snapshot

	ring *snapshotRing
}

// New creates a stopped monitor. bus and alerts may be nil when degraded
// alerts are not wanted (tests).
func New(telemetry device.Telemetry, bus *event.Bus, alerts *policy.Log, opts Options) *Monitor {
	opts = opts.withDefaults()
	return &Monitor{
		telemetry: telemetry,
		bus:       bus,
		alerts:    alerts,
		opts:      opts,
		ring:      newSnapshotRing(opts.HistorySize),
		logger:    log.With().Str("component", "ResourceMonitor").Logger(),
	}
}

// Start spawns the polling loop. Idempotent: if a loop is already running
// the existing session is returned and no second timer is created.
// interval <= 0 uses the configured default.
func (m *Monitor) Start(interval time.Duration) Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil && m.session.EndedAt.IsZero() {
		return *m.session
	}

	if interval <= 0 {
		interval = m.opts.PollInterval
	}
	m.session = &Session{
		ID:           uuid.New().String(),
		StartedAt:    time.Now().UTC(),
		PollInterval: interval,
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.loop(ctx, interval, m.done)
	m.logger.Info().Str("session_id", m.session.ID).Dur("interval", interval).Msg("monitoring started")
	return *m.session
}

// Stop signals the polling loop to terminate after its current poll and
// waits for it. Calling Stop on a stopped monitor is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.session == nil || !m.session.EndedAt.IsZero() {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	<-done

	// a concurrent Stop may have won the race while we waited on done
	m.mu.Lock()
	if m.session.EndedAt.IsZero() {
		m.session.EndedAt = time.Now().UTC()
		m.logger.Info().Str("session_id", m.session.ID).Int("samples", m.session.SamplesTaken).Msg("monitoring stopped")
	}
	m.mu.Unlock()
}

// Running reports whether the polling loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil && m.session.EndedAt.IsZero()
}

// CurrentSession returns a copy of the most recent session, which may
// already have ended.
func (m *Monitor) CurrentSession() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// SnapshotNow forces an out-of-band poll and returns the fresh snapshot.
// On timeout or telemetry failure it returns the last cached snapshot
// tagged stale; with no cache at all it returns a zero stale snapshot.
func (m *Monitor) SnapshotNow(ctx context.Context) device.Snapshot {
	pollCtx, cancel := context.WithTimeout(ctx, m.opts.TelemetryTimeout)
	defer cancel()

	type result struct {
		reading device.RawReading
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		r, err := m.telemetry.Poll(pollCtx)
		ch <- result{reading: r, err: err}
	}()

	select {
	case res := <-ch:
		if res.err == nil {
			snap := device.FromReading(res.reading, time.Now().UTC())
			m.record(snap)
			return snap
		}
		m.logger.Warn().Err(res.err).Msg("forced poll failed, returning cached snapshot")
	case <-pollCtx.Done():
		m.logger.Warn().Dur("timeout", m.opts.TelemetryTimeout).Msg("forced poll timed out, returning cached snapshot")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.last
	snap.Stale = true
	return snap
}

// History returns the most recent limit snapshots, newest first.
func (m *Monitor) History(limit int) []device.Snapshot {
	return m.ring.recent(limit)
}

// loop is the background polling task. It sleeps interval between polls
// and never blocks its caller.
func (m *Monitor) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Take one sample immediately so consumers do not wait a full
	// interval for the first reading.
	m.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

// pollOnce performs a single telemetry read. Failures are absorbed: logged,
// counted, and after FailureThreshold consecutive misses surfaced as a
// MonitoringDegraded alert. The loop itself never dies on a bad read.
func (m *Monitor) pollOnce(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, m.opts.TelemetryTimeout)
	reading, err := m.telemetry.Poll(pollCtx)
	cancel()

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.mu.Lock()
		m.failures++
		failures := m.failures
		m.mu.Unlock()
		if m.opts.OnFailure != nil {
			m.opts.OnFailure(err)
		}
		m.logger.Warn().Err(err).Int("consecutive_failures", failures).Msg("telemetry read failed, no new data this tick")
		if failures == m.opts.FailureThreshold {
			m.raiseDegraded(ctx, failures)
		}
		return
	}

	snap := device.FromReading(reading, time.Now().UTC())
	m.record(snap)

	if m.opts.Sink != nil {
		m.opts.Sink(snap)
	}
}

func (m *Monitor) record(snap device.Snapshot) {
	m.ring.push(snap)
	m.mu.Lock()
	m.failures = 0
	m.last = snap
	if m.session != nil && m.session.EndedAt.IsZero() {
		m.session.SamplesTaken++
	}
	m.mu.Unlock()
}

func (m *Monitor) raiseDegraded(ctx context.Context, failures int) {
	m.mu.Lock()
	snap := m.last
	snap.Stale = true
	m.mu.Unlock()

	a := policy.NewAlert(policy.AlertMonitoringDegraded, policy.SeverityWarning,
		"device telemetry degraded: consecutive poll failures", snap)
	if m.alerts != nil {
		m.alerts.Append(a)
	}
	if m.bus != nil {
		m.bus.Publish(ctx, event.TypeAlertRaised, event.AlertRaised{Alert: a})
	}
	m.logger.Error().Int("failures", failures).Msg("monitoring degraded")
}
