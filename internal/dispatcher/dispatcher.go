// Package dispatcher claims working jobs and hands them to the runner.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Claimer atomically claims the next working job, or returns nil.
type Claimer interface {
	Claim(ctx context.Context) (*crawler.Job, error)
}

// JobRunner executes a claimed job to a terminal state.
type JobRunner interface {
	Run(ctx context.Context, job crawler.Job) (crawler.Summary, error)
}

// Config controls polling and parallelism.
type Config struct {
	PollInterval  time.Duration
	MaxConcurrent int
}

// Dispatcher polls for claimable jobs and runs up to MaxConcurrent at once.
type Dispatcher struct {
	claimer Claimer
	runner  JobRunner
	cfg     Config
	logger  *zap.Logger
	wake    chan struct{}
}

// New creates a Dispatcher.
func New(claimer Claimer, runner JobRunner, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		claimer: claimer,
		runner:  runner,
		cfg:     cfg,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}
}

// Wake makes the next claim attempt happen immediately.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx finishes and every started job has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()
	slots := make(chan struct{}, d.cfg.MaxConcurrent)

	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		job, err := d.claimer.Claim(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger.Error("claim job failed", zap.Error(err))
		}
		if job == nil {
			<-slots
			if !d.idle(ctx) {
				return
			}
			continue
		}

		wg.Add(1)
		go func(job crawler.Job) {
			defer wg.Done()
			defer func() { <-slots }()
			d.logger.Info("job claimed", zap.String("job_id", job.ID))
			if _, err := d.runner.Run(ctx, job); err != nil {
				d.logger.Warn("job ended with error", zap.String("job_id", job.ID), zap.Error(err))
			}
			d.Wake()
		}(*job)
	}
}

func (d *Dispatcher) idle(ctx context.Context) bool {
	timer := time.NewTimer(d.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-d.wake:
	case <-timer.C:
	}
	return true
}
