// Package codec defines the contract between the coordinator and whatever
// transcoding backend is in use. The core drives and observes the engine;
// it never implements encoding itself.
package codec

import (
	"context"
	"time"

	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/job"
)

// ProgressEvent is one progress report from a running encode.
type ProgressEvent struct {
	Percent        float64
	Phase          string
	ProcessedUnits int64
	TotalUnits     int64
	ETA            time.Duration
	At             time.Time
}

// Result is the single terminal outcome of an encode.
type Result struct {
	Success bool
	Code    string
	Message string
}

// Err maps a failed Result into the job error taxonomy. Nil on success.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return &job.EngineError{Code: r.Code, Message: r.Message}
}

// Handle controls one running encode.
//
// Progress carries zero or more events; Done delivers exactly one Result
// and is closed afterwards. Stop is cooperative and best-effort: callers
// must not assume immediate effect and should bound their wait on Done.
type Handle interface {
	Progress() <-chan ProgressEvent
	Done() <-chan Result

	// Stop asks the encode to terminate.
	Stop() error

	// Pause and Resume suspend and continue the encode in place.
	Pause() error
	Resume() error

	// Throttle reduces (or restores) the encode's resource appetite.
	Throttle(on bool) error
}

// Engine starts encodes.
type Engine interface {
	Begin(ctx context.Context, input job.InputDescriptor, output job.OutputTarget) (Handle, error)
}
