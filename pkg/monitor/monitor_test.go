package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/device"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/policy"
)

func healthyTelemetry() device.Telemetry {
	return device.TelemetryFunc(func(ctx context.Context) (device.RawReading, error) {
		return device.RawReading{
			Thermal:          device.ThermalNominal,
			BatteryLevel:     0.8,
			AvailableMemory:  1 << 30,
			AvailableStorage: 8 << 30,
		}, nil
	})
}

func TestStartIsIdempotent(t *testing.T) {
	m := New(healthyTelemetry(), nil, nil, Options{PollInterval: time.Hour})
	defer m.Stop()

	first := m.Start(0)
	second := m.Start(time.Minute)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.PollInterval, second.PollInterval)
	assert.True(t, m.Running())
}

func TestStopEndsSessionAndIsIdempotent(t *testing.T) {
	m := New(healthyTelemetry(), nil, nil, Options{PollInterval: time.Hour})

	started := m.Start(0)
	m.Stop()
	m.Stop() // second stop must be a no-op

	assert.False(t, m.Running())
	session, ok := m.CurrentSession()
	require.True(t, ok)
	assert.Equal(t, started.ID, session.ID)
	assert.False(t, session.EndedAt.IsZero())
}

func TestConcurrentStopStampsSessionOnce(t *testing.T) {
	m := New(healthyTelemetry(), nil, nil, Options{PollInterval: time.Hour})
	started := m.Start(0)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Stop()
		}()
	}
	wg.Wait()

	assert.False(t, m.Running())
	session, ok := m.CurrentSession()
	require.True(t, ok)
	assert.Equal(t, started.ID, session.ID)
	require.False(t, session.EndedAt.IsZero())

	// the end timestamp written by the winning Stop must survive the rest
	ended := session.EndedAt
	m.Stop()
	again, _ := m.CurrentSession()
	assert.Equal(t, ended, again.EndedAt)
}

func TestRestartCreatesNewSession(t *testing.T) {
	m := New(healthyTelemetry(), nil, nil, Options{PollInterval: time.Hour})

	first := m.Start(0)
	m.Stop()
	second := m.Start(0)
	defer m.Stop()

	assert.NotEqual(t, first.ID, second.ID)
	assert.True(t, m.Running())
}

func TestSinkReceivesSnapshots(t *testing.T) {
	got := make(chan device.Snapshot, 1)
	m := New(healthyTelemetry(), nil, nil, Options{
		PollInterval: time.Hour, // only the immediate first poll matters
		Sink: func(s device.Snapshot) {
			select {
			case got <- s:
			default:
			}
		},
	})
	m.Start(0)
	defer m.Stop()

	select {
	case snap := <-got:
		assert.Equal(t, 0.8, snap.BatteryLevel)
		assert.False(t, snap.Stale)
		assert.False(t, snap.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("sink never received the first snapshot")
	}
}

func TestDegradedAlertAfterConsecutiveFailures(t *testing.T) {
	var polls atomic.Int32
	failing := device.TelemetryFunc(func(ctx context.Context) (device.RawReading, error) {
		polls.Add(1)
		return device.RawReading{}, errors.New("sensor offline")
	})

	alerts := policy.NewLog(0)
	var failures atomic.Int32
	m := New(failing, nil, alerts, Options{
		PollInterval:     5 * time.Millisecond,
		FailureThreshold: 3,
		OnFailure:        func(error) { failures.Add(1) },
	})
	m.Start(0)
	defer m.Stop()

	require.Eventually(t, func() bool {
		return alerts.Len() == 1
	}, 2*time.Second, 5*time.Millisecond)

	recent := alerts.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, policy.AlertMonitoringDegraded, recent[0].Kind)
	assert.True(t, recent[0].Snapshot.Stale)
	assert.GreaterOrEqual(t, failures.Load(), int32(3))

	// The alert fires exactly once at the threshold, not on every
	// subsequent miss.
	require.Eventually(t, func() bool {
		return polls.Load() >= 6
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, alerts.Len())
}

func TestFailureCounterResetsOnSuccess(t *testing.T) {
	var calls atomic.Int32
	flaky := device.TelemetryFunc(func(ctx context.Context) (device.RawReading, error) {
		// Every other poll fails; the streak never reaches the threshold.
		if calls.Add(1)%2 == 0 {
			return device.RawReading{}, errors.New("transient")
		}
		return device.RawReading{BatteryLevel: 0.5}, nil
	})

	alerts := policy.NewLog(0)
	m := New(flaky, nil, alerts, Options{
		PollInterval:     2 * time.Millisecond,
		FailureThreshold: 2,
	})
	m.Start(0)
	defer m.Stop()

	require.Eventually(t, func() bool {
		return calls.Load() >= 10
	}, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, 0, alerts.Len())
}

func TestSnapshotNowFallsBackToStaleCache(t *testing.T) {
	var fail atomic.Bool
	scripted := device.TelemetryFunc(func(ctx context.Context) (device.RawReading, error) {
		if fail.Load() {
			return device.RawReading{}, errors.New("sensor offline")
		}
		return device.RawReading{BatteryLevel: 0.7}, nil
	})

	m := New(scripted, nil, nil, Options{TelemetryTimeout: 100 * time.Millisecond})

	fresh := m.SnapshotNow(context.Background())
	assert.False(t, fresh.Stale)
	assert.Equal(t, 0.7, fresh.BatteryLevel)

	fail.Store(true)
	cached := m.SnapshotNow(context.Background())
	assert.True(t, cached.Stale)
	assert.Equal(t, 0.7, cached.BatteryLevel)
}

func TestSnapshotNowTimeoutReturnsStale(t *testing.T) {
	hung := device.TelemetryFunc(func(ctx context.Context) (device.RawReading, error) {
		<-ctx.Done()
		return device.RawReading{}, ctx.Err()
	})

	m := New(hung, nil, nil, Options{TelemetryTimeout: 20 * time.Millisecond})

	start := time.Now()
	snap := m.SnapshotNow(context.Background())
	assert.True(t, snap.Stale)
	assert.Less(t, time.Since(start), time.Second)
}

func TestHistoryNewestFirstAndCapped(t *testing.T) {
	var level atomic.Int64
	counting := device.TelemetryFunc(func(ctx context.Context) (device.RawReading, error) {
		return device.RawReading{AvailableMemory: uint64(level.Add(1))}, nil
	})

	m := New(counting, nil, nil, Options{HistorySize: 3})
	for i := 0; i < 5; i++ {
		m.SnapshotNow(context.Background())
	}

	recent := m.History(0)
	require.Len(t, recent, 3)
	assert.Equal(t, uint64(5), recent[0].AvailableMemory)
	assert.Equal(t, uint64(4), recent[1].AvailableMemory)
	assert.Equal(t, uint64(3), recent[2].AvailableMemory)

	limited := m.History(1)
	require.Len(t, limited, 1)
	assert.Equal(t, uint64(5), limited[0].AvailableMemory)
}
