package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config tunes Hub batching. Zero values select the defaults in parentheses.
//   - BufferSize: pending events accepted before Emit starts dropping (4096).
//   - FlushEvery: batch length that triggers an immediate flush (1000).
//   - FlushInterval: longest an event waits in a partial batch (500ms).
//   - SinkTimeout: deadline for one sink call (10s).
type Config struct {
	BufferSize    int
	FlushEvery    int
	FlushInterval time.Duration
	SinkTimeout   time.Duration
	Logger        *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 4096
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = 1000
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub fans observer notifications from running jobs out to sinks in
// batches. Emit never blocks. Within one batch, a progress snapshot replaces
// the previous snapshot of the same job, since snapshots are cumulative.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stop   chan struct{}
	done   chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	dropped   atomic.Int64
	dropLog   rate.Sometimes
}

// NewHub starts the batching goroutine. Close must be called to flush.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		events:  make(chan Event, cfg.BufferSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		dropLog: rate.Sometimes{Interval: 5 * time.Second},
	}
	go h.loop()
	return h
}

// Emit queues evt. Invalid events and events arriving after Close are
// discarded; a full buffer drops the event and logs a periodic warning.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.cfg.Logger.Debug("discarding invalid progress event", zap.String("job_id", evt.JobID), zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		h.dropLog.Do(func() {
			h.cfg.Logger.Warn("progress events dropped", zap.Int64("dropped", h.dropped.Swap(0)))
		})
	}
}

// Close stops intake, flushes what is queued, closes every sink and waits
// for the batching goroutine, bounded by ctx.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close progress hub: %w", ctx.Err())
	}
}

// ForJob returns an Observer whose notifications are stamped with jobID.
func (h *Hub) ForJob(jobID string) Observer {
	return jobObserver{hub: h, jobID: jobID}
}

// JobStarted records the start of a run.
func (h *Hub) JobStarted(jobID string) {
	h.Emit(Event{JobID: jobID, TS: time.Now().UTC(), Kind: KindJobStart})
}

// JobFinished records the terminal status and final counters of a run.
func (h *Hub) JobFinished(jobID, status string, snap Snapshot) {
	h.Emit(Event{JobID: jobID, TS: time.Now().UTC(), Kind: KindJobDone, Status: status, Snapshot: snap})
}

type jobObserver struct {
	hub   *Hub
	jobID string
}

func (o jobObserver) OnProgress(s Snapshot) {
	o.hub.Emit(Event{JobID: o.jobID, TS: time.Now().UTC(), Kind: KindProgress, Snapshot: s})
}

func (o jobObserver) OnLog(line string) {
	o.hub.Emit(Event{JobID: o.jobID, TS: time.Now().UTC(), Kind: KindLog, Line: line})
}

func (h *Hub) loop() {
	defer close(h.done)
	b := newBatch(h.cfg.FlushEvery)
	var deadline <-chan time.Time
	for {
		select {
		case evt := <-h.events:
			if b.add(evt) == 1 {
				deadline = time.After(h.cfg.FlushInterval)
			}
			if b.len() >= h.cfg.FlushEvery {
				h.flush(b.take())
				deadline = nil
			}
		case <-deadline:
			h.flush(b.take())
			deadline = nil
		case <-h.stop:
			h.drain(b)
			return
		}
	}
}

func (h *Hub) drain(b *batch) {
	for {
		select {
		case evt := <-h.events:
			b.add(evt)
			if b.len() >= h.cfg.FlushEvery {
				h.flush(b.take())
			}
		default:
			h.flush(b.take())
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
			for _, s := range h.sinks {
				if err := s.Close(ctx); err != nil {
					h.cfg.Logger.Warn("progress sink close failed", zap.Error(err))
				}
			}
			cancel()
			return
		}
	}
}

func (h *Hub) flush(events []Event) {
	if len(events) == 0 {
		return
	}
	for _, s := range h.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := s.Consume(ctx, events); err != nil {
			h.cfg.Logger.Warn("progress sink consume failed", zap.Int("events", len(events)), zap.Error(err))
		}
		cancel()
	}
}

// batch accumulates events, keeping one progress slot per job.
type batch struct {
	events   []Event
	progress map[string]int
}

func newBatch(capacity int) *batch {
	return &batch{events: make([]Event, 0, capacity), progress: make(map[string]int)}
}

// add appends evt, or overwrites the job's pending snapshot, and returns the
// resulting length.
func (b *batch) add(evt Event) int {
	if evt.Kind == KindProgress {
		if i, ok := b.progress[evt.JobID]; ok {
			b.events[i] = evt
			return len(b.events)
		}
		b.progress[evt.JobID] = len(b.events)
	}
	b.events = append(b.events, evt)
	return len(b.events)
}

func (b *batch) len() int { return len(b.events) }

// take returns the pending events and resets the batch. The returned slice
// is owned by the caller.
func (b *batch) take() []Event {
	out := b.events
	b.events = make([]Event, 0, cap(out))
	clear(b.progress)
	return out
}
