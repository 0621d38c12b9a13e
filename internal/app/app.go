// Package app builds the long-lived services of the crawler from
// configuration and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/sitecrawler/internal/api"
	"github.com/JakeFAU/sitecrawler/internal/clock/system"
	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/sitecrawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/sitecrawler/internal/fetcher/headless"
	"github.com/JakeFAU/sitecrawler/internal/finalize"
	"github.com/JakeFAU/sitecrawler/internal/hash/sha256"
	"github.com/JakeFAU/sitecrawler/internal/id/uuid"
	"github.com/JakeFAU/sitecrawler/internal/images"
	"github.com/JakeFAU/sitecrawler/internal/jobs"
	"github.com/JakeFAU/sitecrawler/internal/policy/ratelimit"
	"github.com/JakeFAU/sitecrawler/internal/progress"
	"github.com/JakeFAU/sitecrawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/sitecrawler/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/sitecrawler/internal/publisher/pubsub"
	"github.com/JakeFAU/sitecrawler/internal/run"
	"github.com/JakeFAU/sitecrawler/internal/storage/gcs"
	memorystorage "github.com/JakeFAU/sitecrawler/internal/storage/memory"
	"github.com/JakeFAU/sitecrawler/internal/storage/postgres"
)

// Storage paths are 40 hex characters of the normalized image URL digest.
const storageDigestLength = 40

const shutdownTimeout = 10 * time.Second

// App holds the shared services for one process.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry

	jobs       *jobs.Service
	runner     *run.Runner
	dispatcher *dispatcher.Dispatcher
	server     *api.Server
	hub        *progress.Hub

	closeOnce sync.Once
	closers   []func()
}

// Option overrides a collaborator that New would otherwise build from config.
type Option func(*overrides)

type overrides struct {
	fetcher    crawler.PageFetcher
	downloader images.Downloader
	gcsOptions []option.ClientOption
}

// WithFetcher replaces the configured page fetcher.
func WithFetcher(f crawler.PageFetcher) Option {
	return func(o *overrides) { o.fetcher = f }
}

// WithDownloader replaces the HTTP image downloader.
func WithDownloader(d images.Downloader) Option {
	return func(o *overrides) { o.downloader = d }
}

// WithGCSOptions passes extra client options to every storage client.
func WithGCSOptions(opts ...option.ClientOption) Option {
	return func(o *overrides) { o.gcsOptions = append(o.gcsOptions, opts...) }
}

// New wires every service described by cfg. On error, anything already opened
// is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o overrides
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	if err := a.build(ctx, o); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, o overrides) error {
	cfg := a.cfg
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	jobStore, persistence, err := a.openDatabase(ctx)
	if err != nil {
		return err
	}
	primary, elevated, err := a.openObjectStores(ctx, o.gcsOptions)
	if err != nil {
		return err
	}

	fetcher := o.fetcher
	if fetcher == nil {
		if fetcher, err = a.openFetcher(); err != nil {
			return err
		}
	}
	downloader := o.downloader
	if downloader == nil {
		downloader = images.NewHTTPDownloader(nil, cfg.Crawler.UserAgent, cfg.Images.MaxBytes)
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Crawler.RequestsPerSecond,
		DefaultBurst: cfg.Crawler.Burst,
	})
	if err := limiter.RegisterMetrics(a.registry); err != nil {
		return fmt.Errorf("register rate limit metrics: %w", err)
	}

	a.jobs, err = jobs.New(jobStore, uuid.New(), system.New(),
		jobs.Config{CancelPollInterval: cfg.Jobs.CancelPollInterval}, a.logger.Named("jobs"))
	if err != nil {
		return err
	}

	promSink, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("register progress metrics: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{Logger: a.logger.Named("progress")},
		sinks.NewLogSink(a.logger.Named("progress")),
		promSink,
		sinks.NewJobLogSink(a.jobs, a.logger.Named("joblog")),
	)

	publisher, err := a.openPublisher(ctx)
	if err != nil {
		return err
	}

	a.runner, err = run.New(run.Config{
		Workers:            cfg.Crawler.Workers,
		IdleTimeout:        cfg.Crawler.IdleTimeout,
		Password:           cfg.Fetcher.Password,
		SnapshotPrefix:     cfg.Finalize.SnapshotPrefix,
		Topic:              cfg.PubSub.Topic,
		CancelPollInterval: cfg.Jobs.CancelPollInterval,
		Images:             images.Config(cfg.Images),
		Finalize: finalize.Config{
			PageChunkSize:  cfg.Finalize.PageChunkSize,
			ImageChunkSize: cfg.Finalize.ImageChunkSize,
			Retry:          cfg.Finalize.Retry,
		},
	}, run.Deps{
		Jobs:        a.jobs,
		Fetcher:     fetcher,
		Persistence: persistence,
		Primary:     primary,
		Elevated:    elevated,
		Downloader:  downloader,
		Transformer: images.JPEGTransformer{MaxDimension: cfg.Images.MaxDimension, Quality: cfg.Images.Quality},
		Hasher:      sha256.New(storageDigestLength),
		Limiter:     limiter,
		Publisher:   publisher,
		Hub:         a.hub,
		Clock:       system.New(),
	}, a.logger.Named("run"))
	if err != nil {
		return err
	}

	a.dispatcher = dispatcher.New(a.jobs, a.runner, dispatcher.Config{
		PollInterval:  cfg.Jobs.ClaimPollInterval,
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
	}, a.logger.Named("dispatcher"))

	a.server, err = api.NewServer(a.jobs, a.dispatcher, api.Config{
		APIKey:         cfg.Server.APIKey,
		DefaultTTL:     cfg.Jobs.DefaultTTL,
		MaxTTL:         cfg.Jobs.MaxTTL,
		PollInterval:   cfg.Jobs.PollIntervalHint,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, a.registry, a.registry, a.logger.Named("api"))
	return err
}

func (a *App) openDatabase(ctx context.Context) (crawler.JobStore, crawler.Persistence, error) {
	if a.cfg.DB.Backend != config.BackendPostgres {
		a.logger.Info("using in-memory job store and persistence")
		return memorystorage.NewJobStore(), memorystorage.NewPersistence(), nil
	}
	pool, err := postgres.Connect(ctx, postgresConfig(a.cfg.DB))
	if err != nil {
		return nil, nil, err
	}
	a.onClose(pool.Close)
	jobStore, err := postgres.NewJobStore(pool)
	if err != nil {
		return nil, nil, err
	}
	persistence, err := postgres.NewPersistence(pool)
	if err != nil {
		return nil, nil, err
	}
	a.logger.Info("connected to postgres")
	return jobStore, persistence, nil
}

// openObjectStores returns the primary store and, when elevated credentials
// are configured, a second store writing to the same bucket.
func (a *App) openObjectStores(
	ctx context.Context,
	gcsOptions []option.ClientOption,
) (crawler.ObjectStore, crawler.ObjectStore, error) {
	sc := a.cfg.Storage
	if sc.Backend != config.BackendGCS {
		bucket := sc.Bucket
		if bucket == "" {
			bucket = "local"
		}
		a.logger.Info("using in-memory object store", zap.String("bucket", bucket))
		return memorystorage.NewObjectStore(bucket), nil, nil
	}
	gcsCfg := gcs.Config{Bucket: sc.Bucket, ProjectID: sc.ProjectID, PublicBaseURL: sc.PublicBaseURL}
	primary, err := a.openGCS(ctx, sc.CredentialsFile, gcsCfg, gcsOptions)
	if err != nil {
		return nil, nil, err
	}
	if sc.ProjectID != "" {
		if err := EnsureBucket(ctx, primary, sc.Bucket); err != nil {
			return nil, nil, err
		}
	}
	if sc.ElevatedCredentialsFile == "" {
		return primary, nil, nil
	}
	elevated, err := a.openGCS(ctx, sc.ElevatedCredentialsFile, gcsCfg, gcsOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("elevated storage client: %w", err)
	}
	a.logger.Info("elevated upload credentials configured")
	return primary, elevated, nil
}

func (a *App) openGCS(
	ctx context.Context,
	credentialsFile string,
	cfg gcs.Config,
	opts []option.ClientOption,
) (*gcs.ObjectStore, error) {
	client, err := gcs.NewClient(ctx, credentialsFile, slices.Clone(opts)...)
	if err != nil {
		return nil, err
	}
	a.onClose(func() { closeClient(a.logger, "storage", client) })
	return gcs.New(client, cfg)
}

func (a *App) openFetcher() (crawler.PageFetcher, error) {
	fc := a.cfg.Fetcher
	if fc.Mode == config.FetcherStatic {
		return collyfetcher.New(collyfetcher.Config{
			UserAgent:     a.cfg.Crawler.UserAgent,
			Timeout:       fc.NavigationTimeout,
			LoginScheme:   fc.LoginScheme,
			LoginPath:     fc.LoginPath,
			PasswordField: fc.PasswordField,
		}, a.logger.Named("fetcher")), nil
	}
	f, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       fc.MaxParallel,
		UserAgent:         a.cfg.Crawler.UserAgent,
		NavigationTimeout: fc.NavigationTimeout,
		SettleDelay:       fc.SettleDelay,
		LoginScheme:       fc.LoginScheme,
		LoginPath:         fc.LoginPath,
		PasswordSelector:  fc.PasswordSelector,
		SubmitSelector:    fc.SubmitSelector,
	}, a.logger.Named("fetcher"))
	if err != nil {
		return nil, fmt.Errorf("init headless fetcher: %w", err)
	}
	a.onClose(f.Close)
	return f, nil
}

func (a *App) openPublisher(ctx context.Context) (crawler.Publisher, error) {
	pc := a.cfg.PubSub
	if pc.Topic == "" {
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, pc.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	a.onClose(func() { closeClient(a.logger, "pubsub", client) })
	pub := pubsubpublisher.New(client)
	a.onClose(pub.Stop)
	a.logger.Info("publishing job notifications", zap.String("topic", pc.Topic))
	return pub, nil
}

// Serve listens on the configured port and runs until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.ServeListener(ctx, ln)
}

// ServeListener runs the dispatcher and the HTTP server on ln until ctx is
// done, then shuts both down. Running jobs see ctx cancellation and are
// recorded as failed.
func (a *App) ServeListener(ctx context.Context, ln net.Listener) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	srv := &http.Server{
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started")
		a.dispatcher.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
			stop()
			return
		}
		serveErr <- nil
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-dispatchDone
	a.logger.Info("shutdown complete")
	return <-serveErr
}

// Crawl creates a job and runs it in the calling goroutine.
func (a *App) Crawl(ctx context.Context, name string, args crawler.JobArgs) (crawler.Job, error) {
	job, err := a.jobs.Create(ctx, name, args)
	if err != nil {
		return crawler.Job{}, err
	}
	started, err := a.jobs.Start(ctx, job.ID)
	if err != nil {
		return crawler.Job{}, err
	}
	if !started {
		return crawler.Job{}, fmt.Errorf("job %s was claimed elsewhere", job.ID)
	}
	if job, err = a.jobs.Get(ctx, job.ID); err != nil {
		return crawler.Job{}, err
	}
	_, runErr := a.runner.Run(ctx, job)
	final, err := a.jobs.Get(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		return crawler.Job{}, errors.Join(runErr, err)
	}
	return final, runErr
}

// Jobs exposes the job control surface.
func (a *App) Jobs() *jobs.Service {
	return a.jobs
}

// Close flushes progress sinks and releases every client. It is safe to call
// more than once.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.hub != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := a.hub.Close(ctx); err != nil {
				a.logger.Warn("progress hub close failed", zap.Error(err))
			}
			cancel()
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			a.closers[i]()
		}
	})
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Migrate applies the Postgres schema. It is a no-op for the memory backend.
func Migrate(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DB.Backend != config.BackendPostgres {
		logger.Info("memory backend selected; nothing to migrate")
		return nil
	}
	pool, err := postgres.Connect(ctx, postgresConfig(cfg.DB))
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		return err
	}
	logger.Info("schema applied")
	return nil
}

// EnsureBucket creates bucket unless it is already listed.
func EnsureBucket(ctx context.Context, store crawler.ObjectStore, bucket string) error {
	names, err := store.ListBuckets(ctx)
	if err != nil {
		return fmt.Errorf("ensure bucket %s: %w", bucket, err)
	}
	if slices.Contains(names, bucket) {
		return nil
	}
	if err := store.CreateBucket(ctx, bucket); err != nil && !errors.Is(err, crawler.ErrConflict) {
		return fmt.Errorf("ensure bucket %s: %w", bucket, err)
	}
	return nil
}

func postgresConfig(db config.DBConfig) postgres.Config {
	return postgres.Config{
		DSN:             db.DSN,
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: db.MaxConnLifetime,
	}
}

type closer interface {
	Close() error
}

func closeClient(logger *zap.Logger, name string, c closer) {
	if err := c.Close(); err != nil {
		logger.Warn("client close failed", zap.String("client", name), zap.Error(err))
	}
}
