package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/zipmailer/internal/bundle"
)

// RetentionStore keeps the retention schedule in Postgres so armed deletions
// survive restarts.
type RetentionStore struct {
	db *DB
}

// NewRetentionStore returns a RetentionStore on db.
func NewRetentionStore(db *DB) *RetentionStore {
	return &RetentionStore{db: db}
}

// Arm inserts the schedule row unless one already exists.
func (s *RetentionStore) Arm(ctx context.Context, remoteID string, armedAt, deleteAt time.Time) (bool, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (remote_id, armed_at, delete_at)
VALUES ($1, $2, $3)
ON CONFLICT (remote_id) DO NOTHING`, s.db.retentionTable)
	tag, err := s.db.pool.Exec(ctx, query, remoteID, armedAt, deleteAt)
	if err != nil {
		return false, fmt.Errorf("arm retention: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Due lists undeleted rows whose deadline has passed.
func (s *RetentionStore) Due(ctx context.Context, now time.Time, limit int) ([]bundle.RetentionEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
SELECT remote_id, armed_at, delete_at
FROM %s
WHERE deleted_at IS NULL AND delete_at <= $1
ORDER BY delete_at
LIMIT $2`, s.db.retentionTable)
	rows, err := s.db.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due retention: %w", err)
	}
	defer rows.Close()

	var out []bundle.RetentionEntry
	for rows.Next() {
		var e bundle.RetentionEntry
		if err := rows.Scan(&e.RemoteID, &e.ArmedAt, &e.DeleteAt); err != nil {
			return nil, fmt.Errorf("scan retention: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate retention: %w", err)
	}
	return out, nil
}

// MarkDeleted stamps the row as done.
func (s *RetentionStore) MarkDeleted(ctx context.Context, remoteID string, at time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET deleted_at = $2 WHERE remote_id = $1`, s.db.retentionTable)
	tag, err := s.db.pool.Exec(ctx, query, remoteID, at)
	if err != nil {
		return fmt.Errorf("mark retention deleted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("retention entry %q not found", remoteID)
	}
	return nil
}
