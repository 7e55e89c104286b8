package job

import (
	"time"

	"github.com/google/uuid"
)

// InputDescriptor describes the conversion source. Immutable once the job
// is created.
type InputDescriptor struct {
	Path      string
	SizeBytes int64
	Duration  time.Duration
	Width     int
	Height    int
	Codec     string
}

// OutputTarget is the destination path plus the requested encode parameters.
type OutputTarget struct {
	Path   string
	Params map[string]any
}

// Progress is the mutable progress block, written only by the coordinator
// in response to codec engine events.
type Progress struct {
	Percent        float64
	Phase          string
	ProcessedUnits int64
	TotalUnits     int64
	ETA            time.Duration
}

// Job is one conversion unit.
type Job struct {
	ID     string
	State  State
	Input  InputDescriptor
	Output OutputTarget

	Progress Progress

	CreatedAt time.Time
	StartedAt time.Time // zero until the engine is contacted
	EndedAt   time.Time // zero until a terminal state

	// FailureReason is populated only on transition into StateFailed,
	// except for forced cancellations which note the anomaly here too.
	FailureReason string
}

// New creates a Pending job with a fresh ID.
func New(input InputDescriptor, output OutputTarget) *Job {
	return &Job{
		ID:        uuid.New().String(),
		State:     StatePending,
		Input:     input,
		Output:    output,
		CreatedAt: time.Now().UTC(),
	}
}

// Transition moves the job to a new state, stamping StartedAt/EndedAt on
// the edges that own them. Illegal transitions, including any attempt to
// leave a terminal state, return a *TransitionError and leave the job
// untouched.
func (j *Job) Transition(to State) error {
	if !CanTransition(j.State, to) {
		return &TransitionError{JobID: j.ID, From: j.State, To: to}
	}
	now := time.Now().UTC()
	if to == StateRunning && j.StartedAt.IsZero() {
		j.StartedAt = now
	}
	if to.Terminal() && j.EndedAt.IsZero() {
		j.EndedAt = now
	}
	j.State = to
	return nil
}

// Fail transitions to StateFailed and records the reason. The reason is
// only written on the first failure.
func (j *Job) Fail(reason string) error {
	if err := j.Transition(StateFailed); err != nil {
		return err
	}
	if j.FailureReason == "" {
		j.FailureReason = reason
	}
	return nil
}

// Clone returns a copy safe to hand to readers while the original keeps
// mutating under the coordinator's lock.
func (j *Job) Clone() Job {
	cp := *j
	if j.Output.Params != nil {
		params := make(map[string]any, len(j.Output.Params))
		for k, v := range j.Output.Params {
			params[k] = v
		}
		cp.Output.Params = params
	}
	return cp
}
