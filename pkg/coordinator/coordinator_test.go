package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/codec"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/config"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/device"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/event"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/job"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/policy"
)

// fakeHandle is a scriptable codec.Handle.
type fakeHandle struct {
	progress chan codec.ProgressEvent
	done     chan codec.Result

	// ackStop makes Stop terminate the fake encode with a "stopped"
	// result, mimicking a cooperative engine. When false the handle
	// ignores Stop entirely.
	ackStop bool

	finishOnce sync.Once

	mu        sync.Mutex
	stops     int
	pauses    int
	resumes   int
	throttles []bool
}

func newFakeHandle(ackStop bool) *fakeHandle {
	return &fakeHandle{
		progress: make(chan codec.ProgressEvent, 16),
		done:     make(chan codec.Result, 1),
		ackStop:  ackStop,
	}
}

func (h *fakeHandle) Progress() <-chan codec.ProgressEvent { return h.progress }
func (h *fakeHandle) Done() <-chan codec.Result            { return h.done }

func (h *fakeHandle) Stop() error {
	h.mu.Lock()
	h.stops++
	h.mu.Unlock()
	if h.ackStop {
		h.finish(codec.Result{Success: false, Code: "stopped", Message: "terminated by signal"})
	}
	return nil
}

func (h *fakeHandle) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pauses++
	return nil
}

func (h *fakeHandle) Resume() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resumes++
	return nil
}

func (h *fakeHandle) Throttle(on bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.throttles = append(h.throttles, on)
	return nil
}

func (h *fakeHandle) emit(ev codec.ProgressEvent) { h.progress <- ev }

func (h *fakeHandle) finish(res codec.Result) {
	h.finishOnce.Do(func() {
		close(h.progress)
		h.done <- res
		close(h.done)
	})
}

func (h *fakeHandle) stopCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stops
}

type fakeEngine struct {
	mu       sync.Mutex
	handle   *fakeHandle
	begins   int
	beginErr error
}

func (e *fakeEngine) Begin(ctx context.Context, input job.InputDescriptor, output job.OutputTarget) (codec.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.begins++
	if e.beginErr != nil {
		return nil, e.beginErr
	}
	return e.handle, nil
}

func (e *fakeEngine) beginCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.begins
}

// fakeStore satisfies filestore.Store entirely in memory.
type fakeStore struct {
	mu        sync.Mutex
	existing  map[string]bool
	free      uint64
	probeErr  error
	probeHang chan struct{} // ProbeWritable blocks until closed when set
	claims    int
	releases  int
	deleted   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		existing: map[string]bool{"/in.mp4": true},
		free:     100 << 30,
	}
}

func (s *fakeStore) Exists(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existing[path]
}

func (s *fakeStore) FreeSpace(path string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.free, nil
}

func (s *fakeStore) Move(ctx context.Context, src, dst string) error { return nil }
func (s *fakeStore) Copy(ctx context.Context, src, dst string) error { return nil }

func (s *fakeStore) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, path)
	return nil
}

func (s *fakeStore) ProbeWritable(path string) error {
	s.mu.Lock()
	hang := s.probeHang
	err := s.probeErr
	s.mu.Unlock()
	if hang != nil {
		<-hang
	}
	return err
}

func (s *fakeStore) Claim(path string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims++
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.releases++
	}, nil
}

func (s *fakeStore) releaseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Monitor.PollInterval = time.Hour // only the immediate first poll runs
	cfg.Monitor.TelemetryTimeout = 200 * time.Millisecond
	cfg.Engine.StopTimeout = 150 * time.Millisecond
	return cfg
}

func testTelemetry() device.Telemetry {
	return device.TelemetryFunc(func(ctx context.Context) (device.RawReading, error) {
		return device.RawReading{
			Thermal:          device.ThermalNominal,
			BatteryLevel:     0.9,
			AvailableMemory:  4 << 30,
			AvailableStorage: 50 << 30,
		}, nil
	})
}

type fixture struct {
	coord  *Coordinator
	engine *fakeEngine
	handle *fakeHandle
	store  *fakeStore
}

func newFixture(t *testing.T, cfg config.Config, ackStop bool) *fixture {
	t.Helper()
	handle := newFakeHandle(ackStop)
	engine := &fakeEngine{handle: handle}
	store := newFakeStore()

	coord, err := New(cfg, Deps{
		Engine:    engine,
		Telemetry: testTelemetry(),
		Store:     store,
		Bus:       event.NewBus(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { coord.Monitor().Stop() })

	return &fixture{coord: coord, engine: engine, handle: handle, store: store}
}

func submitJob(t *testing.T, f *fixture) string {
	t.Helper()
	id, err := f.coord.Submit(context.Background(),
		job.InputDescriptor{Path: "/in.mp4", SizeBytes: 1 << 20, Duration: time.Minute},
		job.OutputTarget{Path: "/out.mp4"})
	require.NoError(t, err)
	return id
}

func waitForActiveState(t *testing.T, c *Coordinator, want job.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		j, ok := c.ActiveJob()
		return ok && j.State == want
	}, 2*time.Second, 5*time.Millisecond, "active job never reached %s", want)
}

func waitForArchivedState(t *testing.T, c *Coordinator, id string, want job.State) job.Job {
	t.Helper()
	var got job.Job
	require.Eventually(t, func() bool {
		for _, rec := range c.History(0) {
			if rec.ID == id && rec.State == want {
				got = rec
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return got
}

func futureDecision(kind policy.DecisionKind, offset time.Duration) []policy.Decision {
	at := time.Now().Add(time.Minute + offset)
	return []policy.Decision{{
		Kind:       kind,
		Resource:   policy.ResourceThermal,
		Severity:   policy.SeverityWarning,
		Reason:     "scripted",
		SnapshotAt: at,
		Snapshot:   device.Snapshot{Timestamp: at},
	}}
}

func TestSubmitRunsJobToCompletion(t *testing.T) {
	f := newFixture(t, testConfig(), true)
	id := submitJob(t, f)

	waitForActiveState(t, f.coord, job.StateRunning)

	f.handle.emit(codec.ProgressEvent{Percent: 40, Phase: "encoding"})
	f.handle.finish(codec.Result{Success: true})

	rec := waitForArchivedState(t, f.coord, id, job.StateCompleted)
	assert.Equal(t, float64(100), rec.Progress.Percent)
	assert.False(t, rec.EndedAt.IsZero())

	_, active := f.coord.ActiveJob()
	assert.False(t, active)
	assert.Equal(t, 1, f.store.releaseCount())
}

func TestSubmitRejectsSecondJob(t *testing.T) {
	f := newFixture(t, testConfig(), true)
	submitJob(t, f)
	waitForActiveState(t, f.coord, job.StateRunning)

	_, err := f.coord.Submit(context.Background(),
		job.InputDescriptor{Path: "/in.mp4", SizeBytes: 1},
		job.OutputTarget{Path: "/other.mp4"})
	assert.ErrorIs(t, err, job.ErrAlreadyRunning)
	assert.Equal(t, 1, f.engine.beginCount())
}

func TestSubmitSlotFreesAfterCompletion(t *testing.T) {
	f := newFixture(t, testConfig(), true)
	first := submitJob(t, f)
	waitForActiveState(t, f.coord, job.StateRunning)
	f.handle.finish(codec.Result{Success: true})
	waitForArchivedState(t, f.coord, first, job.StateCompleted)

	f.engine.mu.Lock()
	f.engine.handle = newFakeHandle(true)
	f.engine.mu.Unlock()

	second := submitJob(t, f)
	assert.NotEqual(t, first, second)
	waitForActiveState(t, f.coord, job.StateRunning)
}

func TestSubmitFailsOnMissingInput(t *testing.T) {
	f := newFixture(t, testConfig(), true)
	f.store.existing = map[string]bool{}

	id, err := f.coord.Submit(context.Background(),
		job.InputDescriptor{Path: "/in.mp4", SizeBytes: 1},
		job.OutputTarget{Path: "/out.mp4"})
	require.Error(t, err)

	var verr *job.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "input", verr.Field)
	assert.Equal(t, 0, f.engine.beginCount())

	rec := waitForArchivedState(t, f.coord, id, job.StateFailed)
	assert.NotEmpty(t, rec.FailureReason)
}

func TestSubmitFailsOnInsufficientStorage(t *testing.T) {
	f := newFixture(t, testConfig(), true)
	f.store.free = 1 << 20 // far below input size * safety factor

	id, err := f.coord.Submit(context.Background(),
		job.InputDescriptor{Path: "/in.mp4", SizeBytes: 10 << 20},
		job.OutputTarget{Path: "/out.mp4"})
	require.Error(t, err)

	var verr *job.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "storage", verr.Field)
	assert.Contains(t, verr.Reason, "insufficient storage")

	// The codec engine must never have been contacted.
	assert.Equal(t, 0, f.engine.beginCount())
	waitForArchivedState(t, f.coord, id, job.StateFailed)
}

func TestSubmitFailsWhenEngineRefuses(t *testing.T) {
	f := newFixture(t, testConfig(), true)
	f.engine.beginErr = errors.New("no such codec")

	id, err := f.coord.Submit(context.Background(),
		job.InputDescriptor{Path: "/in.mp4", SizeBytes: 1},
		job.OutputTarget{Path: "/out.mp4"})
	require.Error(t, err)

	var eerr *job.EngineError
	require.ErrorAs(t, err, &eerr)

	rec := waitForArchivedState(t, f.coord, id, job.StateFailed)
	assert.Contains(t, rec.FailureReason, "no such codec")
	// The claim taken during prechecks must be released again.
	assert.Equal(t, 1, f.store.releaseCount())
}

func TestEngineFailureFailsJob(t *testing.T) {
	f := newFixture(t, testConfig(), true)
	id := submitJob(t, f)
	waitForActiveState(t, f.coord, job.StateRunning)

	f.handle.finish(codec.Result{Success: false, Code: "exit_error", Message: "encoder crashed"})

	rec := waitForArchivedState(t, f.coord, id, job.StateFailed)
	assert.Contains(t, rec.FailureReason, "encoder crashed")

	// Partial output of a failed job is cleaned up.
	require.Eventually(t, func() bool {
		f.store.mu.Lock()
		defer f.store.mu.Unlock()
		return len(f.store.deleted) == 1 && f.store.deleted[0] == "/out.mp4"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCancelStopsEngineAndCancels(t *testing.T) {
	f := newFixture(t, testConfig(), true)
	id := submitJob(t, f)
	waitForActiveState(t, f.coord, job.StateRunning)

	require.NoError(t, f.coord.Cancel(context.Background(), id))
	rec := waitForArchivedState(t, f.coord, id, job.StateCancelled)
	assert.Equal(t, 1, f.handle.stopCount())
	assert.Empty(t, rec.FailureReason)
}

func TestCancelUnknownJob(t *testing.T) {
	f := newFixture(t, testConfig(), true)
	err := f.coord.Cancel(context.Background(), "nope")
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestCancelTimeoutForcesCancelled(t *testing.T) {
	f := newFixture(t, testConfig(), false) // engine ignores Stop
	id := submitJob(t, f)
	waitForActiveState(t, f.coord, job.StateRunning)

	require.NoError(t, f.coord.Cancel(context.Background(), id))

	rec := waitForArchivedState(t, f.coord, id, job.StateCancelled)
	assert.Contains(t, rec.FailureReason, "engine stop")

	require.Eventually(t, func() bool {
		for _, a := range f.coord.Alerts().Recent(0) {
			if a.Kind == policy.AlertEngineAnomaly {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "anomaly alert never raised")
}

func TestCancelTimeoutSurvivesLateResultFromPriorJob(t *testing.T) {
	f := newFixture(t, testConfig(), true)
	first := submitJob(t, f)
	waitForActiveState(t, f.coord, job.StateRunning)

	// Complete the first job from a progress report; its engine result is
	// still outstanding at this point.
	f.handle.emit(codec.ProgressEvent{Percent: 100})
	waitForArchivedState(t, f.coord, first, job.StateCompleted)

	stubborn := newFakeHandle(false) // ignores Stop
	f.engine.mu.Lock()
	f.engine.handle = stubborn
	f.engine.mu.Unlock()

	second := submitJob(t, f)
	waitForActiveState(t, f.coord, job.StateRunning)

	// The first engine's terminal result lands late. It must not count as
	// a stop acknowledgement for the second job.
	f.handle.finish(codec.Result{Success: true})
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, f.coord.Cancel(context.Background(), second))
	rec := waitForArchivedState(t, f.coord, second, job.StateCancelled)
	assert.Contains(t, rec.FailureReason, "engine stop")
}

func TestPrecheckTimesOutOnHungStore(t *testing.T) {
	cfg := testConfig()
	cfg.Precheck.Timeout = 50 * time.Millisecond
	f := newFixture(t, cfg, true)

	hang := make(chan struct{})
	f.store.probeHang = hang
	t.Cleanup(func() { close(hang) })

	start := time.Now()
	id, err := f.coord.Submit(context.Background(),
		job.InputDescriptor{Path: "/in.mp4", SizeBytes: 1},
		job.OutputTarget{Path: "/out.mp4"})
	require.Error(t, err)

	var terr *job.TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "precheck", terr.Op)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, f.engine.beginCount())

	rec := waitForArchivedState(t, f.coord, id, job.StateFailed)
	assert.NotEmpty(t, rec.FailureReason)
}

func TestProgressIsMonotonic(t *testing.T) {
	f := newFixture(t, testConfig(), true)
	submitJob(t, f)
	waitForActiveState(t, f.coord, job.StateRunning)

	f.handle.emit(codec.ProgressEvent{Percent: 50})
	require.Eventually(t, func() bool {
		j, ok := f.coord.ActiveJob()
		return ok && j.Progress.Percent == 50
	}, 2*time.Second, 5*time.Millisecond)

	// A regressed report must not move the observed percent backwards.
	f.handle.emit(codec.ProgressEvent{Percent: 30})
	time.Sleep(50 * time.Millisecond)
	j, ok := f.coord.ActiveJob()
	require.True(t, ok)
	assert.Equal(t, float64(50), j.Progress.Percent)
}

func TestThrottleDecisionAppliesOnceAndLifts(t *testing.T) {
	f := newFixture(t, testConfig(), true)
	submitJob(t, f)
	waitForActiveState(t, f.coord, job.StateRunning)

	f.coord.OnPolicyTick(futureDecision(policy.DecisionThrottle, 0))
	f.coord.OnPolicyTick(futureDecision(policy.DecisionThrottle, time.Second))

	f.handle.mu.Lock()
	throttles := append([]bool(nil), f.handle.throttles...)
	f.handle.mu.Unlock()
	assert.Equal(t, []bool{true}, throttles, "repeat throttle decisions must not re-signal")

	f.coord.OnPolicyTick(futureDecision(policy.DecisionContinue, 2*time.Second))
	f.handle.mu.Lock()
	throttles = append([]bool(nil), f.handle.throttles...)
	f.handle.mu.Unlock()
	assert.Equal(t, []bool{true, false}, throttles)
}

func TestPauseAndResumeDecisions(t *testing.T) {
	f := newFixture(t, testConfig(), true)
	submitJob(t, f)
	waitForActiveState(t, f.coord, job.StateRunning)

	f.coord.OnPolicyTick(futureDecision(policy.DecisionPause, 0))
	waitForActiveState(t, f.coord, job.StatePaused)
	f.handle.mu.Lock()
	assert.Equal(t, 1, f.handle.pauses)
	f.handle.mu.Unlock()

	// Resume revalidates against fresh telemetry (healthy here) first.
	f.coord.OnPolicyTick(futureDecision(policy.DecisionResume, time.Second))
	waitForActiveState(t, f.coord, job.StateRunning)
	f.handle.mu.Lock()
	assert.Equal(t, 1, f.handle.resumes)
	f.handle.mu.Unlock()
}

func TestResumeRevalidationPublishesAlerts(t *testing.T) {
	f := newFixture(t, testConfig(), true)
	submitJob(t, f)
	waitForActiveState(t, f.coord, job.StateRunning)

	f.coord.OnPolicyTick(futureDecision(policy.DecisionPause, 0))
	waitForActiveState(t, f.coord, job.StatePaused)

	// The test telemetry reports 4 GiB free memory, so this rule trips on
	// the revalidation snapshot taken during resume.
	f.coord.SetThreshold(policy.NewThreshold(
		policy.ResourceMemory, policy.CompareLT, float64(8<<30), policy.DecisionAlert, policy.SeverityInfo))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := f.coord.Bus().Stream(ctx, func(ev event.Event) bool {
		return ev.Type == event.TypeAlertRaised
	})

	f.coord.OnPolicyTick(futureDecision(policy.DecisionResume, time.Second))
	waitForActiveState(t, f.coord, job.StateRunning)

	select {
	case ev := <-events:
		data, ok := ev.Data.(event.AlertRaised)
		require.True(t, ok)
		assert.Equal(t, policy.AlertMemoryLow, data.Alert.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("revalidation alert never reached the bus")
	}
}

func TestStaleDecisionIsDiscarded(t *testing.T) {
	f := newFixture(t, testConfig(), true)
	submitJob(t, f)
	waitForActiveState(t, f.coord, job.StateRunning)

	f.coord.OnPolicyTick(futureDecision(policy.DecisionContinue, time.Minute))

	// This pause was computed from an older snapshot than the decision
	// already applied; it must not take effect.
	f.coord.OnPolicyTick(futureDecision(policy.DecisionPause, 0))

	time.Sleep(50 * time.Millisecond)
	j, ok := f.coord.ActiveJob()
	require.True(t, ok)
	assert.Equal(t, job.StateRunning, j.State)
	f.handle.mu.Lock()
	assert.Equal(t, 0, f.handle.pauses)
	f.handle.mu.Unlock()
}

func TestAbortDecisionCancelsJob(t *testing.T) {
	f := newFixture(t, testConfig(), true)
	id := submitJob(t, f)
	waitForActiveState(t, f.coord, job.StateRunning)

	f.coord.OnPolicyTick(futureDecision(policy.DecisionAbort, 0))

	rec := waitForArchivedState(t, f.coord, id, job.StateCancelled)
	assert.Equal(t, "scripted", rec.FailureReason)
	assert.GreaterOrEqual(t, f.handle.stopCount(), 1)
}

func TestHistoryNewestFirstAndCapped(t *testing.T) {
	cfg := testConfig()
	cfg.History.JobRing = 2
	f := newFixture(t, cfg, true)

	var ids []string
	for i := 0; i < 3; i++ {
		handle := newFakeHandle(true)
		f.engine.mu.Lock()
		f.engine.handle = handle
		f.engine.mu.Unlock()

		id := submitJob(t, f)
		ids = append(ids, id)
		waitForActiveState(t, f.coord, job.StateRunning)
		handle.finish(codec.Result{Success: true})
		waitForArchivedState(t, f.coord, id, job.StateCompleted)
	}

	recs := f.coord.History(0)
	require.Len(t, recs, 2)
	assert.Equal(t, ids[2], recs[0].ID)
	assert.Equal(t, ids[1], recs[1].ID)
}

func TestSetThresholdAffectsNextEvaluation(t *testing.T) {
	f := newFixture(t, testConfig(), true)

	// With the default thresholds the healthy test telemetry continues;
	// an absurd battery minimum turns the same snapshot into a pause.
	f.coord.SetThreshold(policy.NewThreshold(
		policy.ResourceBattery, policy.CompareLT, 0.95, policy.DecisionPause, policy.SeverityWarning))

	submitJob(t, f)
	waitForActiveState(t, f.coord, job.StatePaused)
}
