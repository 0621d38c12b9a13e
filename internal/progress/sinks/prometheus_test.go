package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and gauges follow job events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{JobID: "job-1", TS: now, Kind: progress.KindJobStart},
		{JobID: "job-1", TS: now, Kind: progress.KindProgress, Snapshot: progress.Snapshot{Current: 1, Total: 4, PagesProcessed: 1}},
		{JobID: "job-1", TS: now, Kind: progress.KindProgress, Snapshot: progress.Snapshot{
			Current: 3, Total: 4, PagesProcessed: 1, ImagesProcessed: 1, PagesRedirected: 1,
		}},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.pages))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.images))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.redirects))
	require.Equal(t, 3.0, testutil.ToFloat64(sink.progressCurrent.WithLabelValues("job-1")))
	require.Equal(t, 4.0, testutil.ToFloat64(sink.progressTotal.WithLabelValues("job-1")))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: "job-1", TS: now, Kind: progress.KindJobDone, Status: "completed"},
	}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("completed")))
	require.Equal(t, 0, testutil.CollectAndCount(sink.progressCurrent))
}

func TestPrometheusSinkDuplicateRegistrationFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
