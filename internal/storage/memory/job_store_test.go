package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/zipmailer/internal/bundle"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	rec := bundle.NewJobRecord(bundle.Job{ID: "job-1", Links: []string{"a", "b"}, Format: bundle.FormatMP4})

	require.NoError(t, store.CreateJob(ctx, rec))
	require.ErrorIs(t, store.CreateJob(ctx, rec), bundle.ErrJobExists)

	started := time.Unix(100, 0)
	require.NoError(t, store.MarkRunning(ctx, rec.ID, started))
	got, err := store.GetJob(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, bundle.JobStatusRunning, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.Equal(t, 2, got.LinkCount)

	summary := bundle.ResultSummary{Downloaded: 2, Notified: true}
	require.NoError(t, store.Complete(ctx, rec.ID, bundle.JobStatusSucceeded, "", summary, started.Add(time.Minute)))
	got, err = store.GetJob(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, bundle.JobStatusSucceeded, got.Status)
	require.Equal(t, summary, got.Summary)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)

	// Redelivery goes back to running and counts the attempt.
	require.NoError(t, store.MarkRunning(ctx, rec.ID, started.Add(2*time.Minute)))
	got, err = store.GetJob(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.Attempts)
	require.Nil(t, got.FinishedAt)
	require.Equal(t, started.UTC(), *got.StartedAt)
}

func TestJobStoreNotFound(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	_, err := store.GetJob(ctx, "missing")
	require.ErrorIs(t, err, bundle.ErrJobNotFound)
	require.ErrorIs(t, store.MarkRunning(ctx, "missing", time.Now()), bundle.ErrJobNotFound)
	require.ErrorIs(t, store.Complete(ctx, "missing", bundle.JobStatusFailed, "x", bundle.ResultSummary{}, time.Now()), bundle.ErrJobNotFound)
}
