// Package frontier implements the crawl frontier: a FIFO of normalized page
// URLs with redirect-aware identity and idle-window completion.
package frontier

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/progress"
)

const maxRedirectHops = 10

// Config controls frontier admission and completion.
type Config struct {
	// AllowedHost restricts admission to a single host.
	AllowedHost string
	// RestrictToSeeds drops every link discovered on a page.
	RestrictToSeeds bool
	// IdleTimeout is how long the frontier must stay empty with no work in
	// flight before the run ends.
	IdleTimeout time.Duration
	// MaxPages caps admitted URLs; zero means unlimited.
	MaxPages int
}

// Stats summarizes frontier activity for finalize accounting.
type Stats struct {
	Discovered int
	Analyzed   int
	Redirected int
}

type entryState int

const (
	stateQueued entryState = iota + 1
	stateInFlight
	stateProcessed
)

// Frontier is safe for concurrent use by multiple workers.
type Frontier struct {
	cfg     Config
	tracker *progress.Tracker
	logger  *zap.Logger
	now     func() time.Time

	mu        sync.Mutex
	queue     []string
	states    map[string]entryState
	redirects map[string]string
	waiters   []chan struct{}
	inFlight  int
	closed    bool
	idleSince time.Time
	stats     Stats
}

// New builds a Frontier. The tracker receives total and redirect updates.
func New(cfg Config, tracker *progress.Tracker, logger *zap.Logger) (*Frontier, error) {
	if cfg.IdleTimeout <= 0 {
		return nil, crawler.Configuration("frontier idle timeout must be > 0")
	}
	if cfg.AllowedHost == "" {
		return nil, crawler.Configuration("frontier allowed host is required")
	}
	if tracker == nil {
		tracker = progress.NewTracker(logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Frontier{
		cfg:       cfg,
		tracker:   tracker,
		logger:    logger,
		now:       time.Now,
		states:    make(map[string]entryState),
		redirects: make(map[string]string),
	}, nil
}

// Seed admits the literal seed URLs. Seeds bypass RestrictToSeeds.
func (f *Frontier) Seed(urls []string) int {
	return f.admit(urls)
}

// Enqueue admits links discovered on a page. It is a no-op when the run is
// restricted to seeds.
func (f *Frontier) Enqueue(links []string) int {
	if f.cfg.RestrictToSeeds {
		return 0
	}
	return f.admit(links)
}

func (f *Frontier) admit(raw []string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0
	}
	added := 0
	for _, link := range raw {
		u, err := crawler.NormalizeURL(link)
		if err != nil {
			continue
		}
		if !crawler.SameHost(u, f.cfg.AllowedHost) {
			continue
		}
		u = f.resolveLocked(u)
		if _, seen := f.states[u]; seen {
			continue
		}
		if f.cfg.MaxPages > 0 && f.stats.Discovered >= f.cfg.MaxPages {
			f.logger.Debug("frontier page cap reached", zap.Int("max_pages", f.cfg.MaxPages))
			break
		}
		f.states[u] = stateQueued
		f.queue = append(f.queue, u)
		f.stats.Discovered++
		added++
	}
	if added > 0 {
		f.idleSince = time.Time{}
		f.tracker.AddTotal(added)
		f.wakeLocked(added)
	}
	return added
}

// Next pops the oldest queued URL, blocking until one is available. It
// returns false once the run has ended or ctx is done.
func (f *Frontier) Next(ctx context.Context) (string, bool) {
	for {
		f.mu.Lock()
		if u, ok := f.popLocked(); ok {
			f.mu.Unlock()
			return u, true
		}
		if f.closed {
			f.mu.Unlock()
			return "", false
		}
		wait := time.Duration(-1)
		if f.inFlight == 0 {
			if f.idleSince.IsZero() {
				f.idleSince = f.now()
			}
			wait = f.cfg.IdleTimeout - f.now().Sub(f.idleSince)
			if wait <= 0 {
				f.closeLocked()
				f.mu.Unlock()
				return "", false
			}
		}
		ch := make(chan struct{}, 1)
		f.waiters = append(f.waiters, ch)
		f.mu.Unlock()

		if !f.await(ctx, ch, wait) {
			f.removeWaiter(ch)
			return "", false
		}
		f.removeWaiter(ch)
	}
}

func (f *Frontier) await(ctx context.Context, ch chan struct{}, wait time.Duration) bool {
	var timeout <-chan time.Time
	if wait >= 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ch:
	case <-timeout:
	case <-ctx.Done():
		return false
	}
	return true
}

// Resolve records a redirect from requested to final and claims final. It
// returns false when final is already in flight or processed; the entry is
// then counted as a redirect collapse and must not be processed again.
func (f *Frontier) Resolve(requested, final string) (string, bool) {
	target, err := crawler.NormalizeURL(final)
	if err != nil || target == requested {
		return requested, true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redirects[requested] = target
	switch f.states[target] {
	case stateInFlight, stateProcessed:
		f.stats.Redirected++
		f.tracker.PageRedirected()
		return "", false
	default:
		f.states[target] = stateInFlight
		return target, true
	}
}

// Complete marks a dequeued URL, and the final URL it resolved to, as
// processed.
func (f *Frontier) Complete(requested, final string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[requested] = stateProcessed
	if final != "" {
		f.states[final] = stateProcessed
	}
	if f.inFlight > 0 {
		f.inFlight--
	}
	switch {
	case len(f.queue) > 0:
		f.wakeLocked(1)
	case f.inFlight == 0:
		f.idleSince = f.now()
		f.wakeLocked(len(f.waiters))
	}
}

// Close ends the run; blocked and future Next calls return false.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeLocked()
}

// Stats returns a copy of the frontier counters.
func (f *Frontier) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// Len reports queued entries, including ones later skipped as claimed.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

func (f *Frontier) popLocked() (string, bool) {
	for len(f.queue) > 0 {
		u := f.queue[0]
		f.queue[0] = ""
		f.queue = f.queue[1:]
		f.stats.Analyzed++
		if f.states[u] != stateQueued {
			// Claimed through a redirect before it reached the head.
			f.stats.Redirected++
			f.tracker.PageRedirected()
			continue
		}
		f.states[u] = stateInFlight
		f.inFlight++
		f.idleSince = time.Time{}
		return u, true
	}
	return "", false
}

func (f *Frontier) resolveLocked(u string) string {
	for i := 0; i < maxRedirectHops; i++ {
		next, ok := f.redirects[u]
		if !ok || next == u {
			break
		}
		u = next
	}
	return u
}

func (f *Frontier) wakeLocked(n int) {
	for n > 0 && len(f.waiters) > 0 {
		ch := f.waiters[0]
		f.waiters = f.waiters[1:]
		ch <- struct{}{}
		n--
	}
}

func (f *Frontier) removeWaiter(ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, w := range f.waiters {
		if w == ch {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			return
		}
	}
}

func (f *Frontier) closeLocked() {
	if f.closed {
		return
	}
	f.closed = true
	f.wakeLocked(len(f.waiters))
}
