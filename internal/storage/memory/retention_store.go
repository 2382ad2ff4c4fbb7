package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/zipmailer/internal/bundle"
)

// RetentionStore keeps the retention schedule in memory. Schedules are lost on
// restart.
type RetentionStore struct {
	mu      sync.Mutex
	entries map[string]bundle.RetentionEntry
}

// NewRetentionStore constructs an empty schedule.
func NewRetentionStore() *RetentionStore {
	return &RetentionStore{entries: make(map[string]bundle.RetentionEntry)}
}

// Arm schedules remoteID for deletion; the first call wins.
func (s *RetentionStore) Arm(_ context.Context, remoteID string, armedAt, deleteAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[remoteID]; ok {
		return false, nil
	}
	s.entries[remoteID] = bundle.RetentionEntry{RemoteID: remoteID, ArmedAt: armedAt.UTC(), DeleteAt: deleteAt.UTC()}
	return true, nil
}

// Due returns undeleted entries whose deadline is at or before now, oldest
// deadline first.
func (s *RetentionStore) Due(_ context.Context, now time.Time, limit int) ([]bundle.RetentionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bundle.RetentionEntry
	for _, e := range s.entries {
		if e.DeletedAt == nil && !e.DeleteAt.After(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeleteAt.Before(out[j].DeleteAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkDeleted records that remoteID has been removed.
func (s *RetentionStore) MarkDeleted(_ context.Context, remoteID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[remoteID]
	if !ok {
		return fmt.Errorf("retention entry %q not found", remoteID)
	}
	e.DeletedAt = pointerTime(at)
	s.entries[remoteID] = e
	return nil
}

// Get returns the entry for remoteID.
func (s *RetentionStore) Get(remoteID string) (bundle.RetentionEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[remoteID]
	return e, ok
}
