package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	job := crawler.Job{ID: "job-1", Status: crawler.JobStatusWorking, CreatedAt: base}

	require.NoError(t, store.CreateJob(ctx, job))
	require.ErrorIs(t, store.CreateJob(ctx, job), crawler.ErrConflict)

	claimed, err := store.ClaimJob(ctx, base.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusRunning, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	_, err = store.ClaimJob(ctx, base.Add(2*time.Second))
	require.ErrorIs(t, err, crawler.ErrNotFound)

	require.NoError(t, store.SetLogs(ctx, job.ID, []string{"a", "b"}))

	changed, err := store.UpdateStatus(ctx, job.ID,
		[]crawler.JobStatus{crawler.JobStatusRunning},
		crawler.Transition{To: crawler.JobStatusCompleted, At: base.Add(time.Minute), Result: []byte(`{"ok":true}`)})
	require.NoError(t, err)
	require.True(t, changed)

	final, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, final.Status)
	require.Equal(t, []string{"a", "b"}, final.Logs)
	require.NotNil(t, final.FinishedAt)
	require.JSONEq(t, `{"ok":true}`, string(final.Result))
}

func TestJobStoreUpdateStatusIsConditional(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, crawler.Job{ID: "job-1", Status: crawler.JobStatusCancelled}))

	changed, err := store.UpdateStatus(ctx, "job-1",
		[]crawler.JobStatus{crawler.JobStatusRunning, crawler.JobStatusWorking},
		crawler.Transition{To: crawler.JobStatusCompleted, At: time.Now()})
	require.NoError(t, err)
	require.False(t, changed)

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCancelled, job.Status)

	_, err = store.UpdateStatus(ctx, "missing", nil, crawler.Transition{})
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestJobStoreClaimsOldestFirstAndListsNewestFirst(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"b", "a", "c"} {
		require.NoError(t, store.CreateJob(ctx, crawler.Job{
			ID:        id,
			Status:    crawler.JobStatusWorking,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	claimed, err := store.ClaimJob(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, "b", claimed.ID)

	jobs, err := store.ListJobs(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "c", jobs[0].ID)
	require.Equal(t, "a", jobs[1].ID)

	jobs, err = store.ListJobs(ctx, 10, 5)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestJobStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, crawler.Job{ID: "job-1", Logs: []string{"first"}}))

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	job.Logs[0] = "mutated"

	again, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "first", again.Logs[0])
}
