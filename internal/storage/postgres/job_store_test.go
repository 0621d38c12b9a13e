package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

var jobCols = []string{
	"id", "name", "status", "args", "logs", "created_at",
	"started_at", "finished_at", "error", "result",
}

func TestCreateJobInsertsRow(t *testing.T) {
	t.Parallel()

	mock := newMockPool(t)
	store, err := NewJobStore(mock)
	require.NoError(t, err)

	created := time.Unix(1700000000, 0).UTC()
	job := crawler.Job{
		ID:        "job-1",
		Name:      "docs",
		Status:    crawler.JobStatusWorking,
		Args:      crawler.JobArgs{SeedURLs: []string{"https://example.com/"}},
		CreatedAt: created,
	}
	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(
			"job-1", "docs", "working",
			[]byte(`{"seed_urls":["https://example.com/"],"restrict_to_seeds":false}`),
			[]byte(`[]`),
			created,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimJobReturnsRunningJob(t *testing.T) {
	t.Parallel()

	mock := newMockPool(t)
	store, err := NewJobStore(mock)
	require.NoError(t, err)

	created := time.Unix(1700000000, 0).UTC()
	at := created.Add(time.Minute)
	mock.ExpectQuery("UPDATE jobs").
		WithArgs("running", at, "working").
		WillReturnRows(pgxmock.NewRows(jobCols).AddRow(
			"job-1", "docs", "running",
			[]byte(`{"seed_urls":["https://example.com/"],"restrict_to_seeds":true}`),
			[]byte(`["queued"]`),
			created,
			pgtype.Timestamptz{Time: at, Valid: true},
			pgtype.Timestamptz{},
			"",
			[]byte("null"),
		))

	job, err := store.ClaimJob(context.Background(), at)
	require.NoError(t, err)
	require.Equal(t, "job-1", job.ID)
	require.Equal(t, crawler.JobStatusRunning, job.Status)
	require.True(t, job.Args.RestrictToSeeds)
	require.Equal(t, []string{"queued"}, job.Logs)
	require.NotNil(t, job.StartedAt)
	require.True(t, job.StartedAt.Equal(at))
	require.Nil(t, job.FinishedAt)
	require.Nil(t, job.Result)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimJobNothingClaimable(t *testing.T) {
	t.Parallel()

	mock := newMockPool(t)
	store, err := NewJobStore(mock)
	require.NoError(t, err)

	at := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("UPDATE jobs").
		WithArgs("running", at, "working").
		WillReturnError(pgx.ErrNoRows)

	_, err = store.ClaimJob(context.Background(), at)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusReportsNoChangeForTerminalJob(t *testing.T) {
	t.Parallel()

	mock := newMockPool(t)
	store, err := NewJobStore(mock)
	require.NoError(t, err)

	at := time.Unix(1700000000, 0).UTC()
	result := []byte(`{"pages":{}}`)
	mock.ExpectExec("UPDATE jobs").
		WithArgs("job-1", "completed", false, at, true, "", result, []string{"running", "working"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	changed, err := store.UpdateStatus(context.Background(), "job-1",
		[]crawler.JobStatus{crawler.JobStatusRunning, crawler.JobStatusWorking},
		crawler.Transition{To: crawler.JobStatusCompleted, At: at, Result: result})
	require.NoError(t, err)
	require.False(t, changed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusMissingJob(t *testing.T) {
	t.Parallel()

	mock := newMockPool(t)
	store, err := NewJobStore(mock)
	require.NoError(t, err)

	at := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE jobs").
		WithArgs("missing", "cancelled", false, at, true, "", []byte(nil), []string{"working", "running"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	_, err = store.UpdateStatus(context.Background(), "missing",
		[]crawler.JobStatus{crawler.JobStatusWorking, crawler.JobStatusRunning},
		crawler.Transition{To: crawler.JobStatusCancelled, At: at})
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetLogsMissingJob(t *testing.T) {
	t.Parallel()

	mock := newMockPool(t)
	store, err := NewJobStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE jobs SET logs").
		WithArgs("job-1", []byte(`["a","b"]`)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.SetLogs(context.Background(), "job-1", []string{"a", "b"})
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListJobsScansRows(t *testing.T) {
	t.Parallel()

	mock := newMockPool(t)
	store, err := NewJobStore(mock)
	require.NoError(t, err)

	created := time.Unix(1700000000, 0).UTC()
	finished := created.Add(time.Hour)
	mock.ExpectQuery("FROM jobs").
		WithArgs(10, 0).
		WillReturnRows(pgxmock.NewRows(jobCols).
			AddRow("job-2", "b", "failed", []byte(`{}`), []byte(`[]`), created.Add(time.Second),
				pgtype.Timestamptz{Time: created, Valid: true},
				pgtype.Timestamptz{Time: finished, Valid: true},
				"navigation failed", []byte("null")).
			AddRow("job-1", "a", "completed", []byte(`{}`), []byte(`[]`), created,
				pgtype.Timestamptz{Time: created, Valid: true},
				pgtype.Timestamptz{Time: finished, Valid: true},
				"", []byte(`{"pages":{"inserted":1}}`)))

	jobs, err := store.ListJobs(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "navigation failed", jobs[0].Error)
	require.JSONEq(t, `{"pages":{"inserted":1}}`, string(jobs[1].Result))
	require.NotNil(t, jobs[1].FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}
