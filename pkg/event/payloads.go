package event

import (
	"time"

	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/job"
	"github.com/rasikakulasinghe/video-converter-android-sub001/pkg/policy"
)

// JobStateChanged is the payload for TypeJobStateChanged.
type JobStateChanged struct {
	JobID string
	From  job.State
	To    job.State
	At    time.Time

	// Reason carries the failure reason on transitions into Failed and
	// the decision reason on policy-driven transitions.
	Reason string
}

// ProgressUpdated is the payload for TypeProgressUpdated.
type ProgressUpdated struct {
	JobID    string
	Progress job.Progress
}

// AlertRaised is the payload for TypeAlertRaised.
type AlertRaised struct {
	Alert policy.Alert
}
