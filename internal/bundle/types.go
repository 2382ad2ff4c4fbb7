// Package bundle defines the domain types, narrow collaborator interfaces, and
// error taxonomy shared by every stage of the fetch-and-deliver pipeline.
package bundle

import (
	"fmt"
	"strings"
	"time"
)

// Format is the container format requested for each downloaded resource.
type Format string

// Supported formats.
const (
	FormatMP3  Format = "mp3"
	FormatMP4  Format = "mp4"
	FormatNone Format = "none"
)

// ParseFormat normalizes user input into a Format. The empty string maps to
// FormatNone.
func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case "", FormatNone:
		return FormatNone, nil
	case FormatMP3, FormatMP4:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported format %q", raw)
	}
}

// IsAudio reports whether the format asks for an audio-only rendition.
func (f Format) IsAudio() bool {
	return f == FormatMP3
}

// OriginType classifies a link and selects its fetch strategy.
type OriginType string

// Known origin types.
const (
	OriginVideoHosting OriginType = "video_hosting"
	OriginGeneric      OriginType = "generic"
)

// Job is one end-to-end request to fetch, package, and deliver a set of links.
// It is immutable after enqueue.
type Job struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Links          []string  `json:"links"`
	WorkingDir     string    `json:"working_dir"`
	Recipient      string    `json:"recipient"`
	Format         Format    `json:"format"`
	CreatedAt      time.Time `json:"created_at"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// Outcome is the terminal (or pending) state of a DownloadTask.
type Outcome string

// DownloadTask outcomes.
const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// DownloadTask tracks the fetch of a single link within a job.
type DownloadTask struct {
	Link            string
	Origin          OriginType
	DestinationPath string
	Delay           time.Duration
	Outcome         Outcome
	Bytes           int64
	Duration        time.Duration
	Err             error
}

// ArchiveArtifact is the single compressed file built per job execution.
type ArchiveArtifact struct {
	LocalPath string
	SizeBytes int64
	Entries   int
}

// PublishedLink is the publicly readable remote copy of an archive.
type PublishedLink struct {
	RemoteID     string    `json:"remote_id"`
	ShareableURL string    `json:"shareable_url"`
	GrantedAt    time.Time `json:"granted_at"`
}

// JobStatus is the lifecycle state recorded in a JobStore.
type JobStatus string

// Job statuses.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether the status is final.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// JobRecord is the persisted view of a job and its last execution.
type JobRecord struct {
	ID             string        `json:"id"`
	IdempotencyKey string        `json:"idempotency_key"`
	Name           string        `json:"name"`
	Recipient      string        `json:"recipient"`
	Format         Format        `json:"format"`
	LinkCount      int           `json:"link_count"`
	Status         JobStatus     `json:"status"`
	Attempts       int           `json:"attempts"`
	ErrorText      string        `json:"error,omitempty"`
	Summary        ResultSummary `json:"summary"`
	CreatedAt      time.Time     `json:"created_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	FinishedAt     *time.Time    `json:"finished_at,omitempty"`
}

// NewJobRecord derives the initial queued record for a job.
func NewJobRecord(job Job) JobRecord {
	return JobRecord{
		ID:             job.ID,
		IdempotencyKey: job.IdempotencyKey,
		Name:           job.Name,
		Recipient:      job.Recipient,
		Format:         job.Format,
		LinkCount:      len(job.Links),
		Status:         JobStatusQueued,
		CreatedAt:      job.CreatedAt,
	}
}

// RetentionEntry schedules deletion of a published object.
type RetentionEntry struct {
	RemoteID  string
	ArmedAt   time.Time
	DeleteAt  time.Time
	DeletedAt *time.Time
}

// IdempotencyMaterial returns the byte string hashed into a job's
// idempotency key: links, recipient, and submission time joined by NUL.
func (j Job) IdempotencyMaterial() []byte {
	var b strings.Builder
	for _, link := range j.Links {
		b.WriteString(link)
		b.WriteByte(0)
	}
	b.WriteString(j.Recipient)
	b.WriteByte(0)
	b.WriteString(j.CreatedAt.UTC().Format(time.RFC3339Nano))
	return []byte(b.String())
}
