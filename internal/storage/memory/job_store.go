package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]crawler.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]crawler.Job)}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return crawler.Classify(crawler.ErrConflict, fmt.Errorf("job %s already exists", job.ID))
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// ClaimJob moves the oldest working job to running.
func (s *JobStore) ClaimJob(_ context.Context, at time.Time) (crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *crawler.Job
	for id := range s.jobs {
		job := s.jobs[id]
		if job.Status != crawler.JobStatusWorking {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) ||
			(job.CreatedAt.Equal(oldest.CreatedAt) && job.ID < oldest.ID) {
			oldest = &job
		}
	}
	if oldest == nil {
		return crawler.Job{}, crawler.ErrNotFound
	}
	oldest.Status = crawler.JobStatusRunning
	oldest.StartedAt = pointerTime(at)
	s.jobs[oldest.ID] = *oldest
	return cloneJob(*oldest), nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, id string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return crawler.Job{}, fmt.Errorf("job %s: %w", id, crawler.ErrNotFound)
	}
	return cloneJob(job), nil
}

// ListJobs returns jobs newest first.
func (s *JobStore) ListJobs(_ context.Context, limit, offset int) ([]crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]crawler.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		all = append(all, job)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if offset >= len(all) {
		return []crawler.Job{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	out := make([]crawler.Job, len(all))
	for i, job := range all {
		out[i] = cloneJob(job)
	}
	return out, nil
}

// SetLogs replaces the log lines of a job.
func (s *JobStore) SetLogs(_ context.Context, id string, logs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, crawler.ErrNotFound)
	}
	job.Logs = slices.Clone(logs)
	s.jobs[id] = job
	return nil
}

// UpdateStatus applies t when the current status is one of from.
func (s *JobStore) UpdateStatus(
	_ context.Context,
	id string,
	from []crawler.JobStatus,
	t crawler.Transition,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false, fmt.Errorf("job %s: %w", id, crawler.ErrNotFound)
	}
	if !slices.Contains(from, job.Status) {
		return false, nil
	}
	job.Status = t.To
	if t.SetStarted && job.StartedAt == nil {
		job.StartedAt = pointerTime(t.At)
	}
	if t.To.Terminal() {
		job.FinishedAt = pointerTime(t.At)
	}
	if t.Error != "" {
		job.Error = t.Error
	}
	if t.Result != nil {
		job.Result = slices.Clone(t.Result)
	}
	s.jobs[id] = job
	return true, nil
}

func cloneJob(job crawler.Job) crawler.Job {
	job.Logs = slices.Clone(job.Logs)
	job.Args.SeedURLs = slices.Clone(job.Args.SeedURLs)
	job.Result = slices.Clone(job.Result)
	return job
}

func pointerTime(t time.Time) *time.Time {
	ts := t.UTC()
	return &ts
}
