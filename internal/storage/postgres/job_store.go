package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/zipmailer/internal/bundle"
)

// JobStore persists job records in Postgres.
type JobStore struct {
	db *DB
}

// NewJobStore returns a JobStore on db.
func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db}
}

// CreateJob inserts a queued job row.
func (s *JobStore) CreateJob(ctx context.Context, rec bundle.JobRecord) error {
	status := rec.Status
	if status == "" {
		status = bundle.JobStatusQueued
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, idempotency_key, name, recipient, format, link_count, status, attempts, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)`, s.db.jobsTable)
	_, err := s.db.pool.Exec(ctx, query,
		rec.ID,
		rec.IdempotencyKey,
		rec.Name,
		rec.Recipient,
		string(rec.Format),
		rec.LinkCount,
		string(status),
		rec.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", bundle.ErrJobExists, rec.ID)
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// MarkRunning records the start of an execution attempt.
func (s *JobStore) MarkRunning(ctx context.Context, jobID string, at time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s
SET status = $2, attempts = attempts + 1, started_at = COALESCE(started_at, $3), finished_at = NULL
WHERE id = $1`, s.db.jobsTable)
	tag, err := s.db.pool.Exec(ctx, query, jobID, string(bundle.JobStatusRunning), at)
	if err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", bundle.ErrJobNotFound, jobID)
	}
	return nil
}

// Complete records the terminal status and result summary.
func (s *JobStore) Complete(
	ctx context.Context,
	jobID string,
	status bundle.JobStatus,
	errText string,
	summary bundle.ResultSummary,
	at time.Time,
) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $2, error_text = $3, summary = $4, finished_at = $5
WHERE id = $1`, s.db.jobsTable)
	tag, err := s.db.pool.Exec(ctx, query, jobID, string(status), errText, summaryJSON, at)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", bundle.ErrJobNotFound, jobID)
	}
	return nil
}

// GetJob loads a job row by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (bundle.JobRecord, error) {
	query := fmt.Sprintf(`
SELECT id, idempotency_key, name, recipient, format, link_count, status, attempts,
	error_text, summary, created_at, started_at, finished_at
FROM %s
WHERE id = $1`, s.db.jobsTable)

	var (
		rec         bundle.JobRecord
		format      string
		status      string
		summaryJSON []byte
		startedAt   *time.Time
		finishedAt  *time.Time
	)
	err := s.db.pool.QueryRow(ctx, query, jobID).Scan(
		&rec.ID,
		&rec.IdempotencyKey,
		&rec.Name,
		&rec.Recipient,
		&format,
		&rec.LinkCount,
		&status,
		&rec.Attempts,
		&rec.ErrorText,
		&summaryJSON,
		&rec.CreatedAt,
		&startedAt,
		&finishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return bundle.JobRecord{}, fmt.Errorf("%w: %s", bundle.ErrJobNotFound, jobID)
	}
	if err != nil {
		return bundle.JobRecord{}, fmt.Errorf("select job: %w", err)
	}
	rec.Format = bundle.Format(format)
	rec.Status = bundle.JobStatus(status)
	rec.StartedAt = startedAt
	rec.FinishedAt = finishedAt
	if len(summaryJSON) > 0 {
		if err := json.Unmarshal(summaryJSON, &rec.Summary); err != nil {
			return bundle.JobRecord{}, fmt.Errorf("decode summary: %w", err)
		}
	}
	return rec, nil
}
