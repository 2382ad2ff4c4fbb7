package bundle

import "time"

// Result is the observable outcome of one pipeline execution. Failures that
// the pipeline swallows (per-link downloads, notification, cleanup) are kept
// here so callers can assert on them without reading logs.
type Result struct {
	JobID      string
	Tasks      []DownloadTask
	Archive    *ArchiveArtifact
	Link       *PublishedLink
	Notified   bool
	NotifyErr  error
	CleanupErr error
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Succeeded counts download tasks that finished successfully.
func (r Result) Succeeded() int {
	n := 0
	for _, t := range r.Tasks {
		if t.Outcome == OutcomeSuccess {
			n++
		}
	}
	return n
}

// Failed counts download tasks that failed.
func (r Result) Failed() int {
	n := 0
	for _, t := range r.Tasks {
		if t.Outcome == OutcomeFailed {
			n++
		}
	}
	return n
}

// ResultSummary is the serializable projection of a Result stored with the job.
type ResultSummary struct {
	Downloaded   int    `json:"downloaded"`
	Failed       int    `json:"failed"`
	ArchiveBytes int64  `json:"archive_bytes"`
	RemoteID     string `json:"remote_id,omitempty"`
	ShareableURL string `json:"shareable_url,omitempty"`
	Notified     bool   `json:"notified"`
	NotifyError  string `json:"notify_error,omitempty"`
	CleanupError string `json:"cleanup_error,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
}

// Summary projects the result for persistence.
func (r Result) Summary() ResultSummary {
	s := ResultSummary{
		Downloaded: r.Succeeded(),
		Failed:     r.Failed(),
		Notified:   r.Notified,
	}
	if r.Archive != nil {
		s.ArchiveBytes = r.Archive.SizeBytes
	}
	if r.Link != nil {
		s.RemoteID = r.Link.RemoteID
		s.ShareableURL = r.Link.ShareableURL
	}
	if r.NotifyErr != nil {
		s.NotifyError = r.NotifyErr.Error()
	}
	if r.CleanupErr != nil {
		s.CleanupError = r.CleanupErr.Error()
	}
	if !r.FinishedAt.IsZero() && !r.StartedAt.IsZero() {
		s.DurationMs = r.FinishedAt.Sub(r.StartedAt).Milliseconds()
	}
	return s
}
