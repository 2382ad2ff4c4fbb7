// Package retention schedules and performs deletion of published archives a
// fixed window after their first access.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/zipmailer/internal/bundle"
	"github.com/JakeFAU/zipmailer/internal/metrics"
)

// DefaultWindow is how long a published archive lives after first access.
const DefaultWindow = 90 * time.Minute

// ErrForeignLink is returned when a URL was not issued by the publisher.
var ErrForeignLink = errors.New("link not issued by this publisher")

// Remover is the slice of the publisher the retention flow needs.
type Remover interface {
	Delete(ctx context.Context, remoteID string) error
	RemoteID(shareableURL string) (string, bool)
}

// Config controls retention timing.
type Config struct {
	Window        time.Duration
	SweepInterval time.Duration
	// BatchSize caps how many due entries one sweep handles.
	BatchSize int
}

// Manager arms retention deadlines and sweeps expired objects.
type Manager struct {
	remover Remover
	store   bundle.RetentionStore
	clock   bundle.Clock
	cfg     Config
	logger  *zap.Logger
}

// New builds a Manager.
func New(remover Remover, store bundle.RetentionStore, clock bundle.Clock, cfg Config, logger *zap.Logger) *Manager {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{remover: remover, store: store, clock: clock, cfg: cfg, logger: logger}
}

// Arm records the deletion deadline for the object behind shareableURL. Only
// the first access sets the deadline. It returns the remote ID.
func (m *Manager) Arm(ctx context.Context, shareableURL string) (string, error) {
	remoteID, ok := m.remover.RemoteID(shareableURL)
	if !ok {
		return "", ErrForeignLink
	}
	now := m.clock.Now().UTC()
	armed, err := m.store.Arm(ctx, remoteID, now, now.Add(m.cfg.Window))
	if err != nil {
		return "", fmt.Errorf("arm retention: %w", err)
	}
	if armed {
		m.logger.Info("retention armed",
			zap.String("remote_id", remoteID),
			zap.Time("delete_at", now.Add(m.cfg.Window)),
		)
	}
	return remoteID, nil
}

// Sweep deletes every due object and returns how many were removed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	due, err := m.store.Due(ctx, m.clock.Now().UTC(), m.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("load due entries: %w", err)
	}
	var (
		deleted int
		errs    []error
	)
	for _, entry := range due {
		if err := m.remover.Delete(ctx, entry.RemoteID); err != nil {
			metrics.ObserveRetentionDelete("error")
			m.logger.Warn("retention delete failed", zap.String("remote_id", entry.RemoteID), zap.Error(err))
			errs = append(errs, fmt.Errorf("delete %s: %w", entry.RemoteID, err))
			continue
		}
		if err := m.store.MarkDeleted(ctx, entry.RemoteID, m.clock.Now().UTC()); err != nil {
			errs = append(errs, fmt.Errorf("mark %s deleted: %w", entry.RemoteID, err))
			continue
		}
		metrics.ObserveRetentionDelete("deleted")
		m.logger.Info("retention expired object deleted", zap.String("remote_id", entry.RemoteID))
		deleted++
	}
	return deleted, errors.Join(errs...)
}

// Run sweeps on every tick until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("retention sweep failed", zap.Error(err))
			}
		}
	}
}
