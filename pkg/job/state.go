// Package job holds the conversion job record and its state machine. Only
// the coordinator mutates a live Job; everything else receives copies.
package job

import "fmt"

// State is the job lifecycle state.
type State int

const (
	StatePending State = iota
	StatePreparing
	StateRunning
	StatePaused
	StateCancelling
	StateCompleted
	StateFailed
	StateCancelled
)

// String returns the string representation of the State value.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StatePreparing:
		return "preparing"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCancelling:
		return "cancelling"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a terminal state. Terminal jobs are
// immutable historical records.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// transitions is the legal transition table. Anything absent is a
// programming error, surfaced by Transition rather than silently ignored.
var transitions = map[State][]State{
	StatePending:    {StatePreparing, StateFailed},
	StatePreparing:  {StateRunning, StateCancelling, StateFailed},
	StateRunning:    {StatePaused, StateCancelling, StateCompleted, StateFailed},
	StatePaused:     {StateRunning, StateCancelling, StateFailed},
	StateCancelling: {StateCancelled},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError reports an illegal state transition attempt.
type TransitionError struct {
	JobID string
	From  State
	To    State
}

func (e *TransitionError) Error() string {
	if e.From.Terminal() {
		return fmt.Sprintf("job %s: state %s is terminal, cannot transition to %s", e.JobID, e.From, e.To)
	}
	return fmt.Sprintf("job %s: illegal transition %s -> %s", e.JobID, e.From, e.To)
}
