// Package worker implements the crawl pipeline execution loop: a bounded
// pool of workers, each owning one fetcher session, draining the frontier.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/frontier"
	"github.com/JakeFAU/sitecrawler/internal/progress"
)

// Config controls Pool behavior.
type Config struct {
	Workers     int
	AllowedHost string
	// Password unlocks password-gated hosts; empty skips login.
	Password string
}

// ImageProcessor handles the images referenced by one page.
type ImageProcessor interface {
	ProcessPage(
		ctx context.Context,
		pageURL string,
		refs []string,
		check crawler.CancelCheck,
	) ([]crawler.PendingImageRecord, error)
}

// Waiter paces requests per host.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Deps are the collaborators of a Pool. Limiter and Cancel are optional.
type Deps struct {
	Frontier *frontier.Frontier
	Fetcher  crawler.PageFetcher
	Images   ImageProcessor
	Tracker  *progress.Tracker
	Limiter  Waiter
	Cancel   crawler.CancelCheck
}

// Result is what the pool collected for finalize.
type Result struct {
	Pages    []crawler.PageRecord
	Pending  []crawler.PendingImageRecord
	Failures int
}

// Pool runs the page workers of one crawl.
type Pool struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu     sync.Mutex
	result Result
}

// New constructs a Pool.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Pool, error) {
	switch {
	case cfg.Workers <= 0:
		return nil, crawler.Configuration("crawler.workers must be > 0")
	case cfg.AllowedHost == "":
		return nil, crawler.Configuration("worker pool requires an allowed host")
	case deps.Frontier == nil:
		return nil, crawler.Configuration("worker pool requires a frontier")
	case deps.Fetcher == nil:
		return nil, crawler.Configuration("worker pool requires a page fetcher")
	case deps.Images == nil:
		return nil, crawler.Configuration("worker pool requires an image processor")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Tracker == nil {
		deps.Tracker = progress.NewTracker(logger)
	}
	return &Pool{cfg: cfg, deps: deps, logger: logger}, nil
}

// Run blocks until the frontier drains or the run is cancelled. The
// collected result is returned in both cases; the error is non-nil only for
// cancellation or a session that could not be opened.
func (p *Pool) Run(ctx context.Context) (Result, error) {
	g, gctx := errgroup.WithContext(ctx)
	for i := range p.cfg.Workers {
		g.Go(func() error {
			return p.work(gctx, i)
		})
	}
	err := g.Wait()
	p.deps.Frontier.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, err
}

func (p *Pool) work(ctx context.Context, id int) error {
	log := p.logger.With(zap.Int("worker", id))
	session, err := p.deps.Fetcher.NewSession(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return crawler.Checkpoint(ctx, nil)
		}
		return fmt.Errorf("worker %d open session: %w", id, err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Debug("close session", zap.Error(err))
		}
	}()
	loggedIn := make(map[string]bool)

	for {
		if err := crawler.Checkpoint(ctx, p.deps.Cancel); err != nil {
			return err
		}
		url, ok := p.deps.Frontier.Next(ctx)
		if !ok {
			return crawler.Checkpoint(ctx, nil)
		}
		if err := crawler.Checkpoint(ctx, p.deps.Cancel); err != nil {
			p.deps.Frontier.Complete(url, "")
			return err
		}
		if err := p.visit(ctx, log, session, loggedIn, url); err != nil {
			return err
		}
	}
}

// visit processes one dequeued URL. Only cancellation is returned; every
// other failure is counted against the page.
func (p *Pool) visit(
	ctx context.Context,
	log *zap.Logger,
	session crawler.Session,
	loggedIn map[string]bool,
	url string,
) error {
	log = log.With(zap.String("url", url))
	claimed := ""
	defer func() {
		p.deps.Frontier.Complete(url, claimed)
	}()

	if p.deps.Limiter != nil {
		if err := p.deps.Limiter.Wait(ctx, url); err != nil {
			return crawler.Classify(crawler.ErrCancelled, err)
		}
	}
	host := crawler.Hostname(url)
	if p.cfg.Password != "" && !loggedIn[host] {
		if err := p.deps.Fetcher.Login(ctx, session, host, p.cfg.Password); err != nil {
			return p.fail(ctx, log, url, "login failed", err)
		}
		loggedIn[host] = true
	}

	page, err := p.deps.Fetcher.FetchPage(ctx, session, url)
	if err != nil {
		return p.fail(ctx, log, url, "page fetch failed", err)
	}
	final := page.FinalURL
	if final == "" {
		final = url
	}
	if !crawler.SameHost(final, p.cfg.AllowedHost) {
		return p.fail(ctx, log, url, "page left the allowed host",
			fmt.Errorf("redirected to %s", final))
	}
	target, ok := p.deps.Frontier.Resolve(url, final)
	if !ok {
		log.Debug("redirect collapsed into claimed page", zap.String("final_url", final))
		return nil
	}
	if target != url {
		claimed = target
		p.deps.Tracker.Logf("%s redirected to %s", url, target)
	}

	pending, err := p.deps.Images.ProcessPage(ctx, target, page.Images, p.deps.Cancel)
	if err != nil {
		if crawler.IsCancelled(err) {
			return err
		}
		return p.fail(ctx, log, url, "image processing failed", err)
	}
	p.collect(crawler.PageRecord{URL: target, Title: page.Title, Content: page.Content}, pending)
	added := p.deps.Frontier.Enqueue(page.Links)
	p.deps.Tracker.PageProcessed()
	log.Debug("page processed", zap.Int("images", len(page.Images)), zap.Int("links_added", added))
	return nil
}

// fail counts a page failure unless the run itself was cancelled.
func (p *Pool) fail(ctx context.Context, log *zap.Logger, url, msg string, err error) error {
	if ctx.Err() != nil || errors.Is(err, crawler.ErrCancelled) {
		return crawler.Classify(crawler.ErrCancelled, err)
	}
	log.Warn(msg, zap.Error(err))
	p.mu.Lock()
	p.result.Failures++
	p.mu.Unlock()
	p.deps.Tracker.Advance(1)
	p.deps.Tracker.Logf("%s: %s: %v", url, msg, err)
	return nil
}

func (p *Pool) collect(page crawler.PageRecord, pending []crawler.PendingImageRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result.Pages = append(p.result.Pages, page)
	p.result.Pending = append(p.result.Pending, pending...)
}
