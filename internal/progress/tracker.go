package progress

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Tracker is the single point of truth for a run's counters. Every mutation
// checks current <= total; a violation is logged, never fatal.
//
// Observers are notified while the tracker lock is held so snapshots arrive
// in mutation order; they must not block or call back into the Tracker.
type Tracker struct {
	mu         sync.Mutex
	snap       Snapshot
	observers  []Observer
	logger     *zap.Logger
	violations int64
}

// NewTracker builds a Tracker that notifies the given observers.
func NewTracker(logger *zap.Logger, observers ...Observer) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	obs := make([]Observer, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			obs = append(obs, o)
		}
	}
	return &Tracker{observers: obs, logger: logger}
}

// AddTotal grows the amount of known work.
func (t *Tracker) AddTotal(n int) {
	if n <= 0 {
		return
	}
	t.mutate(func(s *Snapshot) { s.Total += int64(n) })
}

// Advance marks n units of work done without attributing them.
func (t *Tracker) Advance(n int) {
	if n <= 0 {
		return
	}
	t.mutate(func(s *Snapshot) { s.Current += int64(n) })
}

// PageProcessed marks one page as fully handled.
func (t *Tracker) PageProcessed() {
	t.mutate(func(s *Snapshot) {
		s.Current++
		s.PagesProcessed++
	})
}

// PageRedirected marks one page as collapsed into an already-claimed URL.
func (t *Tracker) PageRedirected() {
	t.mutate(func(s *Snapshot) {
		s.Current++
		s.PagesRedirected++
	})
}

// ImageProcessed marks one image reference as resolved.
func (t *Tracker) ImageProcessed() {
	t.mutate(func(s *Snapshot) {
		s.Current++
		s.ImagesProcessed++
	})
}

// Snapshot returns a copy of the counters.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// Violations returns how many mutations observed current > total.
func (t *Tracker) Violations() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.violations
}

// Logf formats a user-facing line and forwards it to observers.
func (t *Tracker) Logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range t.observers {
		o.OnLog(line)
	}
}

func (t *Tracker) mutate(fn func(*Snapshot)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.snap)
	if t.snap.Current > t.snap.Total {
		t.violations++
		t.logger.Warn("progress invariant violated",
			zap.Int64("current", t.snap.Current),
			zap.Int64("total", t.snap.Total),
		)
	}
	snap := t.snap
	for _, o := range t.observers {
		o.OnProgress(snap)
	}
}
