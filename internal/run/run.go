// Package run executes one claimed crawl job end to end: image snapshot,
// frontier and worker pool, finalize, terminal status and notification.
package run

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/dedup"
	"github.com/JakeFAU/sitecrawler/internal/finalize"
	"github.com/JakeFAU/sitecrawler/internal/frontier"
	"github.com/JakeFAU/sitecrawler/internal/images"
	"github.com/JakeFAU/sitecrawler/internal/jobs"
	"github.com/JakeFAU/sitecrawler/internal/logging"
	"github.com/JakeFAU/sitecrawler/internal/progress"
	"github.com/JakeFAU/sitecrawler/internal/worker"
)

const concludeTimeout = 30 * time.Second

// Config is the per-run configuration shared by every job.
type Config struct {
	Workers            int
	IdleTimeout        time.Duration
	Password           string
	SnapshotPrefix     string
	Topic              string
	CancelPollInterval time.Duration
	Images             images.Config
	Finalize           finalize.Config
}

// Waiter paces requests per host.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Deps are the long-lived collaborators of a Runner. Elevated, Limiter,
// Publisher and Hub are optional.
type Deps struct {
	Jobs        *jobs.Service
	Fetcher     crawler.PageFetcher
	Persistence crawler.Persistence
	Primary     crawler.ObjectStore
	Elevated    crawler.ObjectStore
	Downloader  images.Downloader
	Transformer images.Transformer
	Hasher      crawler.Hasher
	Limiter     Waiter
	Publisher   crawler.Publisher
	Hub         *progress.Hub
	Clock       crawler.Clock
}

// Notification is published when a job reaches a terminal state.
type Notification struct {
	JobID      string            `json:"job_id"`
	Status     crawler.JobStatus `json:"status"`
	Summary    *crawler.Summary  `json:"summary,omitempty"`
	Error      string            `json:"error,omitempty"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Runner executes claimed jobs.
type Runner struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New validates the configuration and wiring.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Runner, error) {
	switch {
	case deps.Jobs == nil:
		return nil, crawler.Configuration("runner requires a jobs service")
	case deps.Fetcher == nil:
		return nil, crawler.Configuration("runner requires a page fetcher")
	case deps.Persistence == nil:
		return nil, crawler.Configuration("runner requires persistence")
	case deps.Primary == nil:
		return nil, crawler.Configuration("runner requires an object store")
	case deps.Downloader == nil || deps.Transformer == nil || deps.Hasher == nil:
		return nil, crawler.Configuration("runner requires an image downloader, transformer and hasher")
	case deps.Clock == nil:
		return nil, crawler.Configuration("runner requires a clock")
	case cfg.Workers <= 0:
		return nil, crawler.Configuration("crawler.workers must be > 0")
	case cfg.IdleTimeout <= 0:
		return nil, crawler.Configuration("crawler.idle_timeout must be > 0")
	}
	if err := cfg.Images.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Finalize.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, deps: deps, logger: logger}, nil
}

// Run crawls job, which must already be claimed, and records its terminal
// state. The returned error is the run failure, if any; it has already been
// persisted on the job.
func (r *Runner) Run(ctx context.Context, job crawler.Job) (crawler.Summary, error) {
	log := logging.ForJob(r.logger, job.ID)
	check := r.deps.Jobs.CancelCheck(job.ID)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopWatch := r.watchCancel(runCtx, cancel, check)

	var observers []progress.Observer
	if r.deps.Hub != nil {
		observers = append(observers, r.deps.Hub.ForJob(job.ID))
		r.deps.Hub.JobStarted(job.ID)
	}
	tracker := progress.NewTracker(log, observers...)
	tracker.Logf("crawl started: %d seed(s) on %s", len(job.Args.SeedURLs), job.Args.AllowedHost)
	log.Info("crawl started", zap.Strings("seeds", job.Args.SeedURLs))

	start := time.Now()
	summary, err := r.crawl(runCtx, log, job, tracker, check)
	stopWatch()
	if crawler.IsCancelled(err) && ctx.Err() != nil && !check(context.WithoutCancel(ctx)) {
		// The process is shutting down; the job itself was not cancelled.
		err = fmt.Errorf("run interrupted: %v", err)
	}

	status := r.conclude(ctx, log, job.ID, tracker, summary, err)
	if v := tracker.Violations(); v > 0 {
		log.Warn("progress exceeded total", zap.Int64("violations", v))
	}
	log.Info("crawl finished",
		zap.String("status", string(status)),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("pages_inserted", summary.Pages.Inserted),
		zap.Int("images_uploaded", summary.Images.Uploaded),
		zap.Int("orphans_removed", summary.Images.OrphansRemoved),
		zap.Int64("progress_violations", tracker.Violations()),
		zap.Error(err),
	)
	if r.deps.Hub != nil {
		r.deps.Hub.JobFinished(job.ID, string(status), tracker.Snapshot())
	}
	return summary, err
}

func (r *Runner) crawl(
	ctx context.Context,
	log *zap.Logger,
	job crawler.Job,
	tracker *progress.Tracker,
	check crawler.CancelCheck,
) (crawler.Summary, error) {
	snapshot := crawler.ImageQuery{URLPrefix: r.cfg.SnapshotPrefix}
	existing, pre := r.snapshot(ctx, log, snapshot)
	tracker.Logf("%d image(s) already stored", len(existing))

	front, err := frontier.New(frontier.Config{
		AllowedHost:     job.Args.AllowedHost,
		RestrictToSeeds: job.Args.RestrictToSeeds,
		IdleTimeout:     r.cfg.IdleTimeout,
		MaxPages:        job.Args.MaxPages,
	}, tracker, log.Named("frontier"))
	if err != nil {
		return crawler.Summary{}, err
	}
	if front.Seed(job.Args.SeedURLs) == 0 {
		return crawler.Summary{}, fmt.Errorf("no seed url is on %s", job.Args.AllowedHost)
	}

	uploads := dedup.New(existing)
	pipeline, err := images.New(r.cfg.Images, images.Deps{
		Dedup:       uploads,
		Downloader:  r.deps.Downloader,
		Transformer: r.deps.Transformer,
		Primary:     r.deps.Primary,
		Elevated:    r.deps.Elevated,
		Hasher:      r.deps.Hasher,
		Tracker:     tracker,
		Limiter:     r.deps.Limiter,
	}, log.Named("images"))
	if err != nil {
		return crawler.Summary{}, err
	}
	pool, err := worker.New(worker.Config{
		Workers:     r.cfg.Workers,
		AllowedHost: job.Args.AllowedHost,
		Password:    r.cfg.Password,
	}, worker.Deps{
		Frontier: front,
		Fetcher:  r.deps.Fetcher,
		Images:   pipeline,
		Tracker:  tracker,
		Limiter:  r.deps.Limiter,
		Cancel:   check,
	}, log.Named("worker"))
	if err != nil {
		return crawler.Summary{}, err
	}
	fin, err := finalize.New(r.cfg.Finalize, r.deps.Persistence, tracker, log.Named("finalize"),
		finalize.WithOrphanCleanup(r.deps.Primary, r.deps.Elevated))
	if err != nil {
		return crawler.Summary{}, err
	}

	result, err := pool.Run(ctx)
	if err != nil {
		return crawler.Summary{}, err
	}
	stats := front.Stats()
	tracker.Logf("crawl phase done: %d analyzed, %d redirected, %d failed",
		stats.Analyzed, stats.Redirected, result.Failures)
	log.Info("crawl phase finished",
		zap.Int("pages_analyzed", stats.Analyzed),
		zap.Int("queued_unvisited", front.Len()),
		zap.Int("images_uploaded", uploads.UploadedCount()),
	)
	if n := uploads.InFlight(); n > 0 {
		log.Warn("image reservations left open", zap.Int("in_flight", n))
	}
	return fin.Run(ctx, finalize.Input{
		Pages:         result.Pages,
		Pending:       result.Pending,
		Analyzed:      stats.Analyzed,
		Redirected:    stats.Redirected,
		PageFailures:  result.Failures,
		Images:        pipeline.Stats(),
		PreAssociated: pre,
		Snapshot:      snapshot,
	})
}

// snapshot reads the images stored before the run. A failed read degrades to
// an empty snapshot with an unknown pre-run count.
func (r *Runner) snapshot(ctx context.Context, log *zap.Logger, q crawler.ImageQuery) ([]string, *int) {
	rows, err := r.deps.Persistence.QueryImages(ctx, q)
	if err != nil {
		log.Warn("existing image snapshot failed", zap.Error(err))
		return nil, nil
	}
	keys := make([]string, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, row.OriginalURL)
	}
	count := len(rows)
	return keys, &count
}

// conclude persists the terminal state and publishes it. A job already
// cancelled by someone else keeps that status.
func (r *Runner) conclude(
	ctx context.Context,
	log *zap.Logger,
	id string,
	tracker *progress.Tracker,
	summary crawler.Summary,
	runErr error,
) crawler.JobStatus {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), concludeTimeout)
	defer cancel()

	note := Notification{JobID: id}
	var err error
	switch {
	case runErr == nil:
		note.Status = crawler.JobStatusCompleted
		note.Summary = &summary
		_, err = r.deps.Jobs.Finish(ctx, id, true, summary, "")
	case crawler.IsCancelled(runErr):
		note.Status = crawler.JobStatusCancelled
		_, err = r.deps.Jobs.MarkCancelled(ctx, id)
	default:
		note.Status = crawler.JobStatusFailed
		note.Error = runErr.Error()
		_, err = r.deps.Jobs.Finish(ctx, id, false, nil, note.Error)
	}
	if err != nil {
		log.Error("record terminal status failed", zap.String("status", string(note.Status)), zap.Error(err))
	}
	if job, getErr := r.deps.Jobs.Get(ctx, id); getErr == nil && job.Status.Terminal() {
		note.Status = job.Status
		if job.Status != crawler.JobStatusCompleted {
			note.Summary = nil
		}
	}
	note.FinishedAt = r.deps.Clock.Now()
	tracker.Logf("crawl %s", note.Status)
	r.publish(ctx, log, note)
	return note.Status
}

func (r *Runner) publish(ctx context.Context, log *zap.Logger, note Notification) {
	if r.deps.Publisher == nil || r.cfg.Topic == "" {
		return
	}
	if _, err := r.deps.Publisher.Publish(ctx, r.cfg.Topic, note); err != nil {
		log.Warn("publish job notification failed", zap.Error(err))
	}
}

// watchCancel polls check while the run is active and cancels the run
// context, so blocking network calls unwind without waiting for a
// checkpoint. The returned func stops the watcher.
func (r *Runner) watchCancel(ctx context.Context, cancel context.CancelCauseFunc, check crawler.CancelCheck) func() {
	interval := r.cfg.CancelPollInterval
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if check(ctx) {
					cancel(crawler.ErrCancelled)
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}
