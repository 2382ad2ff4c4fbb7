// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/zipmailer/internal/bundle"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]bundle.JobRecord
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]bundle.JobRecord),
	}
}

// CreateJob stores a new job record.
func (s *JobStore) CreateJob(_ context.Context, rec bundle.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[rec.ID]; exists {
		return fmt.Errorf("%w: %s", bundle.ErrJobExists, rec.ID)
	}
	if rec.Status == "" {
		rec.Status = bundle.JobStatusQueued
	}
	s.jobs[rec.ID] = rec
	return nil
}

// MarkRunning records the start of an execution attempt. Redelivered jobs
// go back to running and bump the attempt counter.
func (s *JobStore) MarkRunning(_ context.Context, jobID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", bundle.ErrJobNotFound, jobID)
	}
	rec.Status = bundle.JobStatusRunning
	rec.Attempts++
	if rec.StartedAt == nil {
		rec.StartedAt = pointerTime(at)
	}
	rec.FinishedAt = nil
	s.jobs[jobID] = rec
	return nil
}

// Complete records the terminal status of an execution.
func (s *JobStore) Complete(
	_ context.Context,
	jobID string,
	status bundle.JobStatus,
	errText string,
	summary bundle.ResultSummary,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", bundle.ErrJobNotFound, jobID)
	}
	rec.Status = status
	rec.ErrorText = errText
	rec.Summary = summary
	if status.IsTerminal() {
		rec.FinishedAt = pointerTime(at)
	}
	s.jobs[jobID] = rec
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (bundle.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return bundle.JobRecord{}, fmt.Errorf("%w: %s", bundle.ErrJobNotFound, jobID)
	}
	return rec, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t.UTC()
	return &ts
}
