// Package jobs owns the crawl job lifecycle: creation, atomic claim, log
// appends, terminal transitions and cooperative cancellation.
//
// States move working -> running -> {completed, failed, cancelled}. Every
// transition is a conditional update in the JobStore, so a cancelled job is
// never overwritten by a later Finish.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// ErrInvalidArgs marks job arguments that can never produce a crawl.
var ErrInvalidArgs = errors.New("invalid job arguments")

// Config controls job polling.
type Config struct {
	CancelPollInterval time.Duration
}

// Service is the job control surface used by the API, the dispatcher and the
// runner.
type Service struct {
	store  crawler.JobStore
	ids    crawler.IDGenerator
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger

	// logMu serializes the read-modify-write of the logs column.
	logMu sync.Mutex
}

// New wires a Service.
func New(
	store crawler.JobStore,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Service, error) {
	switch {
	case store == nil:
		return nil, crawler.Configuration("jobs service requires a job store")
	case ids == nil:
		return nil, crawler.Configuration("jobs service requires an id generator")
	case clock == nil:
		return nil, crawler.Configuration("jobs service requires a clock")
	case cfg.CancelPollInterval < 0:
		return nil, crawler.Configuration("jobs.cancel_poll_interval must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, ids: ids, clock: clock, cfg: cfg, logger: logger}, nil
}

// Create validates args and stores a new job in the working state.
func (s *Service) Create(ctx context.Context, name string, args crawler.JobArgs) (crawler.Job, error) {
	args, err := normalizeArgs(args)
	if err != nil {
		return crawler.Job{}, err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	if strings.TrimSpace(name) == "" {
		name = "crawl " + args.AllowedHost
	}
	job := crawler.Job{
		ID:        id,
		Name:      name,
		Status:    crawler.JobStatusWorking,
		Args:      args,
		Logs:      []string{},
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return crawler.Job{}, fmt.Errorf("create job: %w", err)
	}
	s.logger.Info("job created", zap.String("job_id", id), zap.String("allowed_host", args.AllowedHost))
	return job, nil
}

// Claim atomically moves the oldest working job to running. It returns nil
// when nothing is claimable.
func (s *Service) Claim(ctx context.Context) (*crawler.Job, error) {
	job, err := s.store.ClaimJob(ctx, s.clock.Now())
	if errors.Is(err, crawler.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

// Start moves job id from working to running. It reports false when the job
// was already claimed or finished.
func (s *Service) Start(ctx context.Context, id string) (bool, error) {
	changed, err := s.store.UpdateStatus(ctx, id,
		[]crawler.JobStatus{crawler.JobStatusWorking},
		crawler.Transition{To: crawler.JobStatusRunning, At: s.clock.Now(), SetStarted: true})
	if err != nil {
		return false, fmt.Errorf("start job: %w", err)
	}
	return changed, nil
}

// AppendLog appends one line to the job's log.
func (s *Service) AppendLog(ctx context.Context, id, line string) error {
	return s.AppendLogs(ctx, id, []string{line})
}

// AppendLogs appends lines in order. Concurrent appends from this process
// are serialized; a single active worker per job is assumed across processes.
func (s *Service) AppendLogs(ctx context.Context, id string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	s.logMu.Lock()
	defer s.logMu.Unlock()
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("load job logs: %w", err)
	}
	logs := append(job.Logs, lines...)
	if err := s.store.SetLogs(ctx, id, logs); err != nil {
		return fmt.Errorf("store job logs: %w", err)
	}
	return nil
}

// Finish records the terminal outcome of a run. It reports false, with no
// error, when the job was already terminal; a cancelled job stays cancelled.
func (s *Service) Finish(ctx context.Context, id string, success bool, result any, errMsg string) (bool, error) {
	t := crawler.Transition{To: crawler.JobStatusFailed, At: s.clock.Now(), Error: errMsg, SetStarted: true}
	if success {
		t.To = crawler.JobStatusCompleted
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return false, fmt.Errorf("marshal job result: %w", err)
		}
		t.Result = raw
	}
	changed, err := s.store.UpdateStatus(ctx, id,
		[]crawler.JobStatus{crawler.JobStatusRunning, crawler.JobStatusWorking}, t)
	if err != nil {
		return false, fmt.Errorf("finish job: %w", err)
	}
	if !changed {
		s.logger.Info("finish ignored for terminal job", zap.String("job_id", id), zap.String("status", string(t.To)))
	}
	return changed, nil
}

// MarkCancelled flips a non-terminal job to cancelled.
func (s *Service) MarkCancelled(ctx context.Context, id string) (bool, error) {
	changed, err := s.store.UpdateStatus(ctx, id,
		[]crawler.JobStatus{crawler.JobStatusWorking, crawler.JobStatusRunning},
		crawler.Transition{To: crawler.JobStatusCancelled, At: s.clock.Now()})
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	if changed {
		s.logger.Info("job cancelled", zap.String("job_id", id))
	}
	return changed, nil
}

// Get loads a job.
func (s *Service) Get(ctx context.Context, id string) (crawler.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns jobs newest first.
func (s *Service) List(ctx context.Context, limit, offset int) ([]crawler.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	jobs, err := s.store.ListJobs(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// CancelCheck returns a predicate that reports whether job id has been
// cancelled. The store is read at most once per CancelPollInterval and the
// answer latches once true. Read failures count as "not cancelled".
func (s *Service) CancelCheck(id string) crawler.CancelCheck {
	var (
		mu        sync.Mutex
		last      time.Time
		cancelled bool
	)
	return func(ctx context.Context) bool {
		mu.Lock()
		defer mu.Unlock()
		if cancelled {
			return true
		}
		now := s.clock.Now()
		if !last.IsZero() && now.Sub(last) < s.cfg.CancelPollInterval {
			return false
		}
		last = now
		job, err := s.store.GetJob(ctx, id)
		if err != nil {
			s.logger.Debug("cancel poll failed", zap.String("job_id", id), zap.Error(err))
			return false
		}
		cancelled = job.Status == crawler.JobStatusCancelled
		return cancelled
	}
}

func normalizeArgs(args crawler.JobArgs) (crawler.JobArgs, error) {
	if len(args.SeedURLs) == 0 {
		return args, fmt.Errorf("%w: seed_urls must not be empty", ErrInvalidArgs)
	}
	if args.MaxPages < 0 {
		return args, fmt.Errorf("%w: max_pages must be >= 0", ErrInvalidArgs)
	}
	seeds := make([]string, 0, len(args.SeedURLs))
	for _, raw := range args.SeedURLs {
		seed, err := crawler.NormalizeURL(raw)
		if err != nil {
			return args, fmt.Errorf("%w: seed %q: %v", ErrInvalidArgs, raw, err)
		}
		seeds = append(seeds, seed)
	}
	if args.AllowedHost == "" {
		args.AllowedHost = crawler.Hostname(seeds[0])
	}
	args.AllowedHost = strings.ToLower(strings.TrimSpace(args.AllowedHost))
	for _, seed := range seeds {
		if !crawler.SameHost(seed, args.AllowedHost) {
			return args, fmt.Errorf("%w: seed %s is outside %s", ErrInvalidArgs, seed, args.AllowedHost)
		}
	}
	args.SeedURLs = seeds
	return args, nil
}
