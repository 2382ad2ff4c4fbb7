// Package progress defines the event structures emitted by pipeline workers.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart     Stage = "JOB_START"
	StageDownloadDone Stage = "DOWNLOAD_DONE"
	StageArchiveDone  Stage = "ARCHIVE_DONE"
	StagePublishDone  Stage = "PUBLISH_DONE"
	StageNotifyDone   Stage = "NOTIFY_DONE"
	StageCleanupDone  Stage = "CLEANUP_DONE"
	StageJobDone      Stage = "JOB_DONE"
	StageJobError     Stage = "JOB_ERROR"
)

// Terminal reports whether the stage closes a job's event trail.
func (s Stage) Terminal() bool {
	return s == StageJobDone || s == StageJobError
}

// Event captures a single pipeline milestone.
type Event struct {
	// JobID identifies the job run.
	JobID string `json:"job_id"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Stage denotes which milestone occurred.
	Stage Stage `json:"stage"`
	// URL is the link for DOWNLOAD_DONE or the shareable URL for PUBLISH_DONE.
	URL string `json:"url,omitempty"`
	// Origin is the classified origin type of a downloaded link.
	Origin string `json:"origin,omitempty"`
	// Outcome is "success" or "failed" for stage completions.
	Outcome string `json:"outcome,omitempty"`
	// Bytes carries the download or archive size.
	Bytes int64 `json:"bytes,omitempty"`
	// Dur captures stage or job latency.
	Dur time.Duration `json:"dur_ns,omitempty"`
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string `json:"note,omitempty"`
}

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError:
	case StageArchiveDone, StagePublishDone, StageNotifyDone, StageCleanupDone:
		if e.Outcome == "" {
			return fmt.Errorf("%s requires outcome", e.Stage)
		}
	case StageDownloadDone:
		if e.URL == "" {
			return errors.New("download done requires url")
		}
		if e.Outcome == "" {
			return errors.New("download done requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// OutcomeOf maps an error to an outcome label.
func OutcomeOf(err error) string {
	if err != nil {
		return OutcomeFailed
	}
	return OutcomeSuccess
}
