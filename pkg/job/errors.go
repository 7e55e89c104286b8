package job

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by coordinator operations.
var (
	// ErrAlreadyRunning rejects a submit while a non-terminal job holds
	// the active slot. A rejected request, not a crash condition.
	ErrAlreadyRunning = errors.New("a conversion job is already active")

	// ErrNotFound reports a cancel (or lookup) for a job that is not the
	// currently active one.
	ErrNotFound = errors.New("job not found")
)

// ValidationError is a precheck failure. The job never reaches Running;
// it ends Failed with this reason.
type ValidationError struct {
	Field  string // "input", "output", "storage"
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.Field, e.Reason)
}

// EngineError wraps a codec engine failure. Always terminal for the job.
type EngineError struct {
	Code    string
	Message string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %s: %s", e.Code, e.Message)
}

// TimeoutError covers precheck, engine-stop, and forced telemetry
// timeouts. Every use has a defined fallback; it never leaves a caller
// hanging.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}
