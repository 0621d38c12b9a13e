package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

type queueClaimer struct {
	mu    sync.Mutex
	jobs  []crawler.Job
	err   error
	calls int
}

func (q *queueClaimer) Claim(context.Context) (*crawler.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.err != nil {
		return nil, q.err
	}
	if len(q.jobs) == 0 {
		return nil, nil
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return &job, nil
}

func (q *queueClaimer) push(job crawler.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
}

func (q *queueClaimer) callCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

type recordingRunner struct {
	mu      sync.Mutex
	ran     []string
	active  atomic.Int32
	peak    atomic.Int32
	hold    time.Duration
	release chan struct{}
}

func (r *recordingRunner) Run(ctx context.Context, job crawler.Job) (crawler.Summary, error) {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
		}
	}
	time.Sleep(r.hold)
	r.mu.Lock()
	r.ran = append(r.ran, job.ID)
	r.mu.Unlock()
	return crawler.Summary{}, nil
}

func (r *recordingRunner) ranIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

func TestDispatcherRunsClaimedJobs(t *testing.T) {
	t.Parallel()

	claimer := &queueClaimer{jobs: []crawler.Job{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	runner := &recordingRunner{hold: 5 * time.Millisecond}
	d := New(claimer, runner, Config{PollInterval: 5 * time.Millisecond, MaxConcurrent: 2}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(runner.ranIDs()) == 3
	}, time.Second, 5*time.Millisecond)
	require.ElementsMatch(t, []string{"a", "b", "c"}, runner.ranIDs())
	require.LessOrEqual(t, runner.peak.Load(), int32(2))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestDispatcherWakeSkipsPollDelay(t *testing.T) {
	t.Parallel()

	claimer := &queueClaimer{}
	runner := &recordingRunner{}
	d := New(claimer, runner, Config{PollInterval: time.Hour}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.Eventually(t, func() bool { return claimer.callCount() == 1 }, time.Second, 5*time.Millisecond)
	claimer.push(crawler.Job{ID: "late"})
	d.Wake()
	require.Eventually(t, func() bool {
		return len(runner.ranIDs()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcherSurvivesClaimErrors(t *testing.T) {
	t.Parallel()

	claimer := &queueClaimer{err: errors.New("db down")}
	d := New(claimer, &recordingRunner{}, Config{PollInterval: time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return claimer.callCount() >= 3 }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestDispatcherWaitsForRunningJobs(t *testing.T) {
	t.Parallel()

	claimer := &queueClaimer{jobs: []crawler.Job{{ID: "slow"}}}
	runner := &recordingRunner{release: make(chan struct{})}
	d := New(claimer, runner, Config{PollInterval: time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return runner.active.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	<-done
	require.Equal(t, []string{"slow"}, runner.ranIDs())
}
