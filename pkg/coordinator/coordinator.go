// Package coordinator glues the monitor, policy engine, job state machine,
// and codec engine together. It is the only component that mutates Job
// state and the single serialization point for the active-job slot: a poll
// tick decision and a progress event can never race into an inconsistent
// state because both pass through the same mutex.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/codec"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/config"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/device"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/event"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/filestore"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/history"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/job"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/metrics"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/monitor"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/policy"
)

// Deps are the injected collaborators. Metrics and Archive are optional.
type Deps struct {
	Engine    codec.Engine
	Telemetry device.Telemetry
	Store     filestore.Store
	Bus       *event.Bus
	Metrics   *metrics.Metrics
	Archive   *history.Store
}

// Coordinator owns the single-active-job slot.
type Coordinator struct {
	cfg    config.Config
	deps   Deps
	policy *policy.Engine
	mon    *monitor.Monitor
	logger zerolog.Logger

	mu             sync.Mutex
	active         *job.Job
	handle         codec.Handle
	releaseClaim   func()
	stopAck        chan struct{} // closed when the engine delivers its terminal result
	stopAckID      string        // job the ack channel belongs to
	throttled      bool
	lastSnapshotAt time.Time // newest snapshot whose decision was applied

	done    []job.Job // completed-job ring, newest last
	doneMax int
}

// New wires a coordinator from config and collaborators. The monitor is
// created here but not started; the first submit starts it.
func New(cfg config.Config, deps Deps) (*Coordinator, error) {
	if deps.Engine == nil || deps.Telemetry == nil || deps.Store == nil {
		return nil, fmt.Errorf("coordinator requires engine, telemetry, and store")
	}
	if deps.Bus == nil {
		deps.Bus = event.NewBus()
	}

	alerts := policy.NewLog(cfg.Policy.AlertRetention)
	eng := policy.NewEngine(cfg.Policy.AlertCooldown, alerts)
	for _, th := range cfg.Thresholds() {
		eng.SetThreshold(th)
	}

	c := &Coordinator{
		cfg:     cfg,
		deps:    deps,
		policy:  eng,
		doneMax: cfg.History.JobRing,
		logger:  log.With().Str("component", "Coordinator").Logger(),
	}
	if c.doneMax <= 0 {
		c.doneMax = 32
	}

	c.mon = monitor.New(deps.Telemetry, deps.Bus, alerts, monitor.Options{
		PollInterval:     cfg.Monitor.PollInterval,
		TelemetryTimeout: cfg.Monitor.TelemetryTimeout,
		HistorySize:      cfg.Monitor.HistorySize,
		FailureThreshold: cfg.Monitor.FailureThreshold,
		Sink:             c.handleSnapshot,
		OnFailure: func(error) {
			if deps.Metrics != nil {
				deps.Metrics.ObserveTelemetryFailure()
			}
		},
	})
	return c, nil
}

// Bus exposes the outbound event bus.
func (c *Coordinator) Bus() *event.Bus { return c.deps.Bus }

// Monitor exposes the resource monitor for diagnostics.
func (c *Coordinator) Monitor() *monitor.Monitor { return c.mon }

// Alerts exposes the alert log.
func (c *Coordinator) Alerts() *policy.Log { return c.policy.Alerts() }

// Metrics exposes the metrics registry; nil when none was injected.
func (c *Coordinator) Metrics() *metrics.Metrics { return c.deps.Metrics }

// SetThreshold replaces the policy rule for a resource kind. Takes effect
// on the next poll tick.
func (c *Coordinator) SetThreshold(t policy.Threshold) { c.policy.SetThreshold(t) }

// ClearThreshold removes the policy rule for a resource kind.
func (c *Coordinator) ClearThreshold(kind policy.ResourceKind) { c.policy.ClearThreshold(kind) }

// Submit accepts a conversion request. It fails with job.ErrAlreadyRunning
// while a non-terminal job holds the slot. Precheck failures end the job
// in Failed and are returned alongside the job ID so callers can inspect
// the record.
func (c *Coordinator) Submit(ctx context.Context, input job.InputDescriptor, output job.OutputTarget) (string, error) {
	c.mu.Lock()
	if c.active != nil && !c.active.State.Terminal() {
		c.mu.Unlock()
		return "", job.ErrAlreadyRunning
	}
	j := job.New(input, output)
	c.active = j
	c.transitionLocked(j, job.StatePreparing, "")
	c.mu.Unlock()

	c.logger.Info().Str("job_id", j.ID).Str("input", input.Path).Str("output", output.Path).Msg("job submitted")

	release, err := c.precheck(ctx, input, output)
	if err != nil {
		c.failActive(j.ID, err)
		return j.ID, err
	}

	handle, err := c.deps.Engine.Begin(ctx, input, output)
	if err != nil {
		release()
		engErr := err
		if _, ok := err.(*job.EngineError); !ok {
			engErr = &job.EngineError{Code: "begin_failed", Message: err.Error()}
		}
		c.failActive(j.ID, engErr)
		return j.ID, engErr
	}

	c.mu.Lock()
	if c.active == nil || c.active.ID != j.ID || c.active.State.Terminal() {
		// cancelled out from under us during the precheck window
		c.mu.Unlock()
		release()
		_ = handle.Stop()
		return j.ID, nil
	}
	c.handle = handle
	c.releaseClaim = release
	c.stopAck = make(chan struct{})
	c.stopAckID = j.ID
	c.throttled = false
	cancelling := j.State == job.StateCancelling
	if !cancelling {
		c.transitionLocked(j, job.StateRunning, "")
	}
	c.mu.Unlock()

	go c.pump(j.ID, handle)
	if cancelling {
		// a cancel arrived while preparing; stop the engine we just started
		if err := handle.Stop(); err != nil {
			c.logger.Warn().Err(err).Str("job_id", j.ID).Msg("engine stop request failed")
		}
		go c.awaitStop(j.ID)
		return j.ID, nil
	}
	c.mon.Start(0)
	return j.ID, nil
}

// precheck validates input accessibility, output writability, and the
// estimated free space, bounded by the configured timeout. The codec
// engine is never contacted when a check fails.
func (c *Coordinator) precheck(ctx context.Context, input job.InputDescriptor, output job.OutputTarget) (func(), error) {
	timeout := c.cfg.Precheck.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		release func()
		err     error
	}
	res := make(chan outcome, 1)
	go func() {
		release, err := c.runChecks(input, output)
		res <- outcome{release: release, err: err}
	}()

	select {
	case out := <-res:
		return out.release, out.err
	case <-checkCtx.Done():
		// the store call is still in flight; drop its claim when it lands
		go func() {
			if out := <-res; out.release != nil {
				out.release()
			}
		}()
		return nil, &job.TimeoutError{Op: "precheck", Timeout: timeout}
	}
}

func (c *Coordinator) runChecks(input job.InputDescriptor, output job.OutputTarget) (func(), error) {
	if !c.deps.Store.Exists(input.Path) {
		return nil, &job.ValidationError{Field: "input", Reason: fmt.Sprintf("input file %s does not exist", input.Path)}
	}
	if err := c.deps.Store.ProbeWritable(output.Path); err != nil {
		return nil, &job.ValidationError{Field: "output", Reason: err.Error()}
	}

	factor := c.cfg.Precheck.SafetyFactor
	if factor <= 0 {
		factor = 1.2
	}
	needed := uint64(float64(input.SizeBytes) * factor)
	free, err := c.deps.Store.FreeSpace(output.Path)
	if err != nil {
		return nil, &job.ValidationError{Field: "storage", Reason: fmt.Sprintf("cannot determine free space: %v", err)}
	}
	if free < needed {
		return nil, &job.ValidationError{
			Field:  "storage",
			Reason: fmt.Sprintf("insufficient storage: need %d bytes (input %d x %.1f), have %d", needed, input.SizeBytes, factor, free),
		}
	}

	release, err := c.deps.Store.Claim(output.Path)
	if err != nil {
		return nil, &job.ValidationError{Field: "output", Reason: err.Error()}
	}
	return release, nil
}

// Cancel requests a stop of the currently active job. Cancelling anything
// else reports job.ErrNotFound. The engine is asked to stop cooperatively;
// if it does not acknowledge within the configured timeout the job is
// force-transitioned to Cancelled and the anomaly is flagged.
func (c *Coordinator) Cancel(ctx context.Context, jobID string) error {
	c.mu.Lock()
	j := c.active
	if j == nil || j.ID != jobID || j.State.Terminal() {
		c.mu.Unlock()
		return job.ErrNotFound
	}
	if j.State == job.StateCancelling {
		c.mu.Unlock()
		return nil // already on its way down
	}
	if err := c.transitionLocked(j, job.StateCancelling, "cancel requested"); err != nil {
		c.mu.Unlock()
		return err
	}
	handle := c.handle
	c.mu.Unlock()

	if handle != nil {
		if err := handle.Stop(); err != nil {
			c.logger.Warn().Err(err).Str("job_id", jobID).Msg("engine stop request failed")
		}
		go c.awaitStop(jobID)
	} else {
		// no engine was ever started (still preparing); finish directly
		c.mu.Lock()
		if c.active != nil && c.active.ID == jobID && c.active.State == job.StateCancelling {
			c.transitionLocked(c.active, job.StateCancelled, "cancelled before engine start")
			c.finishLocked()
		}
		c.mu.Unlock()
	}
	return nil
}

// awaitStop waits for the engine to acknowledge a stop. On timeout the job
// is force-transitioned to Cancelled; engine resources are then considered
// leaked and flagged rather than blocked on forever.
func (c *Coordinator) awaitStop(jobID string) {
	timeout := c.cfg.Engine.StopTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c.mu.Lock()
	ack := c.stopAck
	if c.stopAckID != jobID {
		ack = nil
	}
	c.mu.Unlock()
	if ack == nil {
		return
	}

	select {
	case <-ack:
		return // applyResult finished the job
	case <-time.After(timeout):
	}

	c.mu.Lock()
	j := c.active
	if j == nil || j.ID != jobID || j.State != job.StateCancelling {
		c.mu.Unlock()
		return
	}
	c.logger.Error().Str("job_id", jobID).Dur("timeout", timeout).Msg("engine did not acknowledge stop, forcing cancellation")
	c.transitionLocked(j, job.StateCancelled, "engine stop timeout, resources may be leaked")
	j.FailureReason = (&job.TimeoutError{Op: "engine stop", Timeout: timeout}).Error()
	c.finishLocked()
	snap := c.latestSnapshotLocked()
	c.mu.Unlock()

	a := policy.NewAlert(policy.AlertEngineAnomaly, policy.SeverityWarning,
		fmt.Sprintf("job %s: codec engine ignored stop for %s, forced cancel", jobID, timeout), snap)
	c.policy.Alerts().Append(a)
	c.raiseAlert(context.Background(), a)
}

// pump drains engine progress events in order and applies the terminal
// result. It is the only goroutine reading the handle's channels.
func (c *Coordinator) pump(jobID string, h codec.Handle) {
	for ev := range h.Progress() {
		c.applyProgress(jobID, ev)
	}
	res, ok := <-h.Done()
	if !ok {
		res = codec.Result{Success: false, Code: "engine_closed", Message: "engine closed without a result"}
	}
	c.applyResult(jobID, res)
}

// applyProgress updates the active job's progress. Events arrive in order
// from the pump; regressions are clamped so observed percent never
// decreases.
func (c *Coordinator) applyProgress(jobID string, ev codec.ProgressEvent) {
	c.mu.Lock()
	j := c.active
	if j == nil || j.ID != jobID || j.State.Terminal() {
		c.mu.Unlock()
		return
	}
	if ev.Percent < j.Progress.Percent {
		ev.Percent = j.Progress.Percent
	}
	j.Progress.Percent = ev.Percent
	if ev.Phase != "" {
		j.Progress.Phase = ev.Phase
	}
	if ev.ProcessedUnits > 0 {
		j.Progress.ProcessedUnits = ev.ProcessedUnits
	}
	if ev.TotalUnits > 0 {
		j.Progress.TotalUnits = ev.TotalUnits
	}
	j.Progress.ETA = ev.ETA

	payload := event.ProgressUpdated{JobID: j.ID, Progress: j.Progress}
	completed := ev.Percent >= 100 && j.State == job.StateRunning
	if completed {
		c.transitionLocked(j, job.StateCompleted, "")
		c.finishLocked()
	}
	c.mu.Unlock()

	c.deps.Bus.Publish(context.Background(), event.TypeProgressUpdated, payload)
}

// applyResult applies the engine's single terminal result.
func (c *Coordinator) applyResult(jobID string, res codec.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// only the job the ack channel was armed for may acknowledge; a late
	// result from an earlier engine must not release a newer job's stop wait
	if c.stopAck != nil && c.stopAckID == jobID {
		close(c.stopAck)
		c.stopAck = nil
		c.stopAckID = ""
	}

	j := c.active
	if j == nil || j.ID != jobID || j.State.Terminal() {
		return
	}

	switch {
	case j.State == job.StateCancelling:
		// engine acknowledged the stop by terminating
		c.transitionLocked(j, job.StateCancelled, "")
	case res.Success:
		j.Progress.Percent = 100
		c.transitionLocked(j, job.StateCompleted, "")
	default:
		err := res.Err()
		c.failLocked(j, err.Error())
	}
	c.finishLocked()
}

// handleSnapshot runs on the monitor's goroutine once per poll tick.
func (c *Coordinator) handleSnapshot(snap device.Snapshot) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.ObserveSnapshot(snap)
	}

	c.mu.Lock()
	state := job.StateCompleted // treated as "no active job" by Evaluate
	if c.active != nil {
		state = c.active.State
	}
	c.mu.Unlock()

	decisions, alerts := c.policy.Evaluate(snap, state)
	ctx := context.Background()
	for _, a := range alerts {
		c.raiseAlert(ctx, a)
	}
	c.OnPolicyTick(decisions)
}

// OnPolicyTick applies the highest-priority decision to the active job.
// Decisions computed from a snapshot older than one already applied are
// discarded: a stale decision never overrides a newer one.
func (c *Coordinator) OnPolicyTick(decisions []policy.Decision) {
	if len(decisions) == 0 {
		return
	}
	primary := decisions[0]

	c.mu.Lock()
	defer c.mu.Unlock()

	j := c.active
	if j == nil || j.State.Terminal() {
		return
	}
	if primary.SnapshotAt.Before(c.lastSnapshotAt) {
		c.logger.Debug().Time("snapshot_at", primary.SnapshotAt).Msg("discarding stale policy decision")
		return
	}
	c.lastSnapshotAt = primary.SnapshotAt

	if c.deps.Metrics != nil && primary.Kind != policy.DecisionContinue {
		c.deps.Metrics.ObserveDecision(primary.Kind)
	}

	switch primary.Kind {
	case policy.DecisionContinue, policy.DecisionAlert:
		// nothing to apply

	case policy.DecisionThrottle:
		if j.State == job.StateRunning && c.handle != nil && !c.throttled {
			if err := c.handle.Throttle(true); err != nil {
				c.logger.Warn().Err(err).Msg("throttle signal failed")
			} else {
				c.throttled = true
				c.logger.Info().Str("job_id", j.ID).Str("reason", primary.Reason).Msg("job throttled")
			}
		}

	case policy.DecisionPause:
		if j.State == job.StateRunning && c.handle != nil {
			if err := c.handle.Pause(); err != nil {
				c.logger.Warn().Err(err).Msg("pause signal failed")
				return
			}
			c.transitionLocked(j, job.StatePaused, primary.Reason)
		}

	case policy.DecisionResume:
		if j.State == job.StatePaused {
			c.resumeLocked(j)
		}

	case policy.DecisionAbort:
		if j.State == job.StateRunning || j.State == job.StatePaused {
			c.logger.Warn().Str("job_id", j.ID).Str("reason", primary.Reason).Msg("aborting job on policy decision")
			if err := c.transitionLocked(j, job.StateCancelling, primary.Reason); err != nil {
				return
			}
			j.FailureReason = primary.Reason
			if c.handle != nil {
				if err := c.handle.Stop(); err != nil {
					c.logger.Warn().Err(err).Msg("engine stop request failed")
				}
				go c.awaitStop(j.ID)
			}
		}
	}

	if c.throttled && primary.Kind == policy.DecisionContinue && j.State == job.StateRunning && c.handle != nil {
		// conditions cleared; lift the throttle
		if err := c.handle.Throttle(false); err == nil {
			c.throttled = false
			c.logger.Info().Str("job_id", j.ID).Msg("throttle lifted")
		}
	}
}

// resumeLocked revalidates resource state once before re-entering Running:
// a condition may have worsened while paused.
func (c *Coordinator) resumeLocked(j *job.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Monitor.TelemetryTimeout+time.Second)
	snap := c.mon.SnapshotNow(ctx)
	cancel()

	recheck, alerts := c.policy.Evaluate(snap, job.StateRunning)
	for _, a := range alerts {
		c.raiseAlert(context.Background(), a)
	}
	if len(recheck) > 0 {
		switch recheck[0].Kind {
		case policy.DecisionPause, policy.DecisionAbort:
			c.logger.Info().Str("job_id", j.ID).Str("reason", recheck[0].Reason).Msg("resume revalidation failed, staying paused")
			return
		}
	}

	if c.handle != nil {
		if err := c.handle.Resume(); err != nil {
			c.logger.Warn().Err(err).Msg("resume signal failed")
			return
		}
	}
	c.transitionLocked(j, job.StateRunning, "resumed after pause")
}

// ActiveJob returns a copy of the active job, if any.
func (c *Coordinator) ActiveJob() (job.Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return job.Job{}, false
	}
	return c.active.Clone(), true
}

// History returns up to limit finished jobs, newest first.
func (c *Coordinator) History(limit int) []job.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.done)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]job.Job, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, c.done[i])
	}
	return out
}

// Shutdown stops the monitor, cancels any active job, and closes the bus.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	var activeID string
	if c.active != nil && !c.active.State.Terminal() {
		activeID = c.active.ID
	}
	c.mu.Unlock()

	if activeID != "" {
		_ = c.Cancel(ctx, activeID)
		deadline := time.Now().Add(c.cfg.Engine.StopTimeout + time.Second)
		for time.Now().Before(deadline) {
			c.mu.Lock()
			terminal := c.active == nil || c.active.State.Terminal()
			c.mu.Unlock()
			if terminal {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
	}

	c.mon.Stop()
	c.deps.Bus.Close()
}

// --- helpers below run with c.mu held ---

// transitionLocked applies a state transition, publishes it, and records
// metrics. Illegal transitions are logged and returned, never applied.
func (c *Coordinator) transitionLocked(j *job.Job, to job.State, reason string) error {
	from := j.State
	if err := j.Transition(to); err != nil {
		c.logger.Error().Err(err).Msg("rejected state transition")
		return err
	}
	c.logger.Info().Str("job_id", j.ID).Str("from", from.String()).Str("to", to.String()).Msg("job state changed")
	if c.deps.Metrics != nil {
		c.deps.Metrics.ObserveTransition(*j, from)
	}
	c.deps.Bus.Publish(context.Background(), event.TypeJobStateChanged, event.JobStateChanged{
		JobID:  j.ID,
		From:   from,
		To:     to,
		At:     time.Now().UTC(),
		Reason: reason,
	})
	return nil
}

func (c *Coordinator) failLocked(j *job.Job, reason string) {
	from := j.State
	if err := j.Fail(reason); err != nil {
		c.logger.Error().Err(err).Msg("rejected fail transition")
		return
	}
	c.logger.Warn().Str("job_id", j.ID).Str("reason", reason).Msg("job failed")
	if c.deps.Metrics != nil {
		c.deps.Metrics.ObserveTransition(*j, from)
	}
	c.deps.Bus.Publish(context.Background(), event.TypeJobStateChanged, event.JobStateChanged{
		JobID:  j.ID,
		From:   from,
		To:     job.StateFailed,
		At:     time.Now().UTC(),
		Reason: reason,
	})
}

// failActive fails the job with the given ID if it is still active.
func (c *Coordinator) failActive(jobID string, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j := c.active
	if j == nil || j.ID != jobID || j.State.Terminal() {
		return
	}
	c.failLocked(j, cause.Error())
	c.finishLocked()
}

// finishLocked evicts a terminal job from the active slot into the
// completed ring, releases the output claim, archives the record, and
// cleans up partial outputs of unsuccessful jobs.
func (c *Coordinator) finishLocked() {
	j := c.active
	if j == nil || !j.State.Terminal() {
		return
	}

	if c.releaseClaim != nil {
		c.releaseClaim()
		c.releaseClaim = nil
	}
	c.handle = nil
	c.stopAck = nil
	c.stopAckID = ""
	c.throttled = false

	rec := j.Clone()
	c.done = append(c.done, rec)
	if len(c.done) > c.doneMax {
		c.done = c.done[len(c.done)-c.doneMax:]
	}
	c.active = nil
	c.lastSnapshotAt = time.Time{}

	if j.State != job.StateCompleted {
		// best-effort partial output cleanup
		path := rec.Output.Path
		go func() {
			if err := c.deps.Store.Delete(path); err != nil {
				c.logger.Debug().Err(err).Str("path", path).Msg("partial output cleanup failed")
			}
		}()
	}

	if c.deps.Archive != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.deps.Archive.InsertJob(ctx, rec); err != nil {
				c.logger.Warn().Err(err).Str("job_id", rec.ID).Msg("job archive failed")
			}
		}()
	}
}

func (c *Coordinator) latestSnapshotLocked() device.Snapshot {
	recent := c.mon.History(1)
	if len(recent) > 0 {
		return recent[0]
	}
	return device.Snapshot{Timestamp: time.Now().UTC(), Stale: true}
}

// raiseAlert publishes an alert on the bus and mirrors it to metrics and
// the persistent archive.
func (c *Coordinator) raiseAlert(ctx context.Context, a policy.Alert) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.ObserveAlert(a)
	}
	c.deps.Bus.Publish(ctx, event.TypeAlertRaised, event.AlertRaised{Alert: a})
	if c.deps.Archive != nil {
		go func() {
			insCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.deps.Archive.InsertAlert(insCtx, a); err != nil {
				c.logger.Warn().Err(err).Msg("alert archive failed")
			}
		}()
	}
}
