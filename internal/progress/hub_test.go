package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
	err     error
}

func (s *recordingSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return s.err
}

func (s *recordingSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) snapshot() ([][]Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Event(nil), s.batches...), s.closed
}

func logEvent(job, line string) Event {
	return Event{JobID: job, TS: time.Now(), Kind: KindLog, Line: line}
}

func TestHubFlushesFullBatchImmediately(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{FlushEvery: 2, FlushInterval: time.Hour}, sink)
	t.Cleanup(func() { _ = hub.Close(context.Background()) })

	hub.Emit(logEvent("job-1", "a"))
	hub.Emit(logEvent("job-1", "b"))

	require.Eventually(t, func() bool {
		batches, _ := sink.snapshot()
		return len(batches) == 1 && len(batches[0]) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestHubFlushesPartialBatchAfterInterval(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{FlushEvery: 50, FlushInterval: 20 * time.Millisecond}, sink)
	t.Cleanup(func() { _ = hub.Close(context.Background()) })

	hub.Emit(logEvent("job-1", "only"))

	require.Eventually(t, func() bool {
		batches, _ := sink.snapshot()
		return len(batches) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubKeepsLatestSnapshotPerJob(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{FlushEvery: 100, FlushInterval: time.Hour}, sink)

	a := hub.ForJob("job-a")
	b := hub.ForJob("job-b")
	a.OnProgress(Snapshot{Current: 1, Total: 5})
	a.OnLog("visited https://example.com/")
	b.OnProgress(Snapshot{Current: 1, Total: 2})
	a.OnProgress(Snapshot{Current: 3, Total: 5})

	require.NoError(t, hub.Close(context.Background()))
	batches, closed := sink.snapshot()
	require.True(t, closed)
	require.Len(t, batches, 1)

	got := batches[0]
	require.Len(t, got, 3)
	require.Equal(t, KindProgress, got[0].Kind)
	require.Equal(t, "job-a", got[0].JobID)
	require.Equal(t, int64(3), got[0].Snapshot.Current)
	require.Equal(t, KindLog, got[1].Kind)
	require.Equal(t, "job-b", got[2].JobID)
}

func TestHubDiscardsInvalidAndLateEvents(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{}, sink)

	hub.ForJob("job-1").OnLog("")
	hub.Emit(Event{Kind: KindLog, Line: "no job", TS: time.Now()})
	require.NoError(t, hub.Close(context.Background()))
	hub.Emit(logEvent("job-1", "after close"))

	batches, _ := sink.snapshot()
	require.Empty(t, batches)
}

func TestHubEmitDoesNotBlockWhenBufferIsFull(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	slow := sinkFunc(func(context.Context, []Event) error {
		<-block
		return nil
	})
	hub := NewHub(Config{BufferSize: 1, FlushEvery: 1}, slow)

	start := time.Now()
	for i := 0; i < 100; i++ {
		hub.Emit(logEvent("job-1", "line"))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)

	close(block)
	require.NoError(t, hub.Close(context.Background()))
}

func TestHubSinkErrorDoesNotStopOtherSinks(t *testing.T) {
	t.Parallel()

	failing := &recordingSink{err: errors.New("write failed")}
	ok := &recordingSink{}
	hub := NewHub(Config{}, failing, ok)
	hub.JobStarted("job-1")
	hub.JobFinished("job-1", "completed", Snapshot{Current: 2, Total: 2})
	require.NoError(t, hub.Close(context.Background()))

	batches, _ := ok.snapshot()
	require.Len(t, batches, 1)
	require.Equal(t, KindJobDone, batches[0][1].Kind)
	require.Equal(t, "completed", batches[0][1].Status)
}

func TestHubCloseHonorsContext(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)
	stuck := sinkFunc(func(context.Context, []Event) error {
		<-block
		return nil
	})
	hub := NewHub(Config{FlushEvery: 1}, stuck)
	hub.Emit(logEvent("job-1", "x"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, hub.Close(ctx), context.DeadlineExceeded)
}
