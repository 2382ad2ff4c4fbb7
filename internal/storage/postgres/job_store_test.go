package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/zipmailer/internal/bundle"
)

func newMockDB(t *testing.T) (pgxmock.PgxPoolIface, *DB) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	db, err := NewWithPool(mock, "", "")
	require.NoError(t, err)
	return mock, db
}

func TestCreateJobInsertsRow(t *testing.T) {
	t.Parallel()

	mock, db := newMockDB(t)
	store := NewJobStore(db)
	created := time.Unix(1700000000, 0).UTC()
	rec := bundle.NewJobRecord(bundle.Job{
		ID:             "job-1",
		Name:           "bundle",
		Links:          []string{"https://a", "https://b"},
		Recipient:      "x@y.com",
		Format:         bundle.FormatMP4,
		CreatedAt:      created,
		IdempotencyKey: "abc",
	})

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs("job-1", "abc", "bundle", "x@y.com", "mp4", 2, "queued", created).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateJob(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobDuplicate(t *testing.T) {
	t.Parallel()

	mock, db := newMockDB(t)
	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := NewJobStore(db).CreateJob(context.Background(), bundle.JobRecord{ID: "dup"})
	require.ErrorIs(t, err, bundle.ErrJobExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRunningNotFound(t *testing.T) {
	t.Parallel()

	mock, db := newMockDB(t)
	at := time.Unix(1700000100, 0).UTC()
	mock.ExpectExec("UPDATE jobs").
		WithArgs("missing", "running", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := NewJobStore(db).MarkRunning(context.Background(), "missing", at)
	require.ErrorIs(t, err, bundle.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteWritesSummary(t *testing.T) {
	t.Parallel()

	mock, db := newMockDB(t)
	at := time.Unix(1700000200, 0).UTC()
	summary := bundle.ResultSummary{Downloaded: 1, Failed: 1, Notified: true}
	summaryJSON, err := json.Marshal(summary)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE jobs").
		WithArgs("job-1", "succeeded", "", summaryJSON, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, NewJobStore(db).Complete(context.Background(), "job-1", bundle.JobStatusSucceeded, "", summary, at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobScansRow(t *testing.T) {
	t.Parallel()

	mock, db := newMockDB(t)
	created := time.Unix(1700000000, 0).UTC()
	started := created.Add(time.Second)
	rows := pgxmock.NewRows([]string{
		"id", "idempotency_key", "name", "recipient", "format", "link_count", "status", "attempts",
		"error_text", "summary", "created_at", "started_at", "finished_at",
	}).AddRow(
		"job-1", "abc", "bundle", "x@y.com", "mp4", 2, "running", 1,
		"", []byte(`{"downloaded":2,"failed":0,"archive_bytes":10,"notified":false,"duration_ms":0}`),
		created, &started, nil,
	)
	mock.ExpectQuery("SELECT id, idempotency_key").WithArgs("job-1").WillReturnRows(rows)

	rec, err := NewJobStore(db).GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, bundle.FormatMP4, rec.Format)
	require.Equal(t, bundle.JobStatusRunning, rec.Status)
	require.Equal(t, 2, rec.LinkCount)
	require.Equal(t, 2, rec.Summary.Downloaded)
	require.Equal(t, int64(10), rec.Summary.ArchiveBytes)
	require.NotNil(t, rec.StartedAt)
	require.Equal(t, started, *rec.StartedAt)
	require.Nil(t, rec.FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	mock, db := newMockDB(t)
	mock.ExpectQuery("SELECT id, idempotency_key").WithArgs("nope").WillReturnError(pgx.ErrNoRows)

	_, err := NewJobStore(db).GetJob(context.Background(), "nope")
	require.ErrorIs(t, err, bundle.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewWithPool(mock, "jobs; DROP TABLE x", "")
	require.Error(t, err)
	_, err = NewWithPool(nil, "", "")
	require.Error(t, err)
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, db := newMockDB(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS jobs").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS jobs_idempotency_key_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS retention_schedule").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS retention_schedule_due_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, db.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	db, err := NewWithPool(mock, "", "")
	require.NoError(t, err)

	mock.ExpectPing()
	require.NoError(t, db.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("conn refused"))
	require.ErrorContains(t, db.Ping(context.Background()), "ping postgres")
	require.NoError(t, mock.ExpectationsWereMet())
}
