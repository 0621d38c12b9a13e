package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

const jobColumns = `id, name, status, args, logs, created_at, started_at, finished_at,
	COALESCE(error, ''), COALESCE(result, 'null'::jsonb)`

// JobStore implements crawler.JobStore on the jobs table.
type JobStore struct {
	pool Pool
}

// NewJobStore wraps an open pool.
func NewJobStore(pool Pool) (*JobStore, error) {
	if pool == nil {
		return nil, crawler.Configuration("postgres job store requires a pool")
	}
	return &JobStore{pool: pool}, nil
}

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.Job) error {
	args, err := json.Marshal(job.Args)
	if err != nil {
		return fmt.Errorf("marshal job args: %w", err)
	}
	logs, err := marshalLogs(job.Logs)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO jobs (id, name, status, args, logs, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.Name, string(job.Status), args, logs, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", classify(err))
	}
	return nil
}

// ClaimJob moves the oldest working job to running. Concurrent claimers skip
// rows locked by each other.
func (s *JobStore) ClaimJob(ctx context.Context, at time.Time) (crawler.Job, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE jobs
SET status = $1, started_at = COALESCE(started_at, $2)
WHERE id = (
	SELECT id FROM jobs
	WHERE status = $3
	ORDER BY created_at, id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING `+jobColumns,
		string(crawler.JobStatusRunning), at, string(crawler.JobStatusWorking))
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			return crawler.Job{}, crawler.ErrNotFound
		}
		return crawler.Job{}, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, id string) (crawler.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs returns jobs newest first.
func (s *JobStore) ListJobs(ctx context.Context, limit, offset int) ([]crawler.Job, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+jobColumns+`
FROM jobs
ORDER BY created_at DESC, id DESC
LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", classify(err))
	}
	defer rows.Close()
	jobs := []crawler.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", classify(err))
	}
	return jobs, nil
}

// SetLogs replaces the log array of a job.
func (s *JobStore) SetLogs(ctx context.Context, id string, logs []string) error {
	payload, err := marshalLogs(logs)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET logs = $2 WHERE id = $1`, id, payload)
	if err != nil {
		return fmt.Errorf("set job logs: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, crawler.ErrNotFound)
	}
	return nil
}

// UpdateStatus applies t only while the status is one of from.
func (s *JobStore) UpdateStatus(
	ctx context.Context,
	id string,
	from []crawler.JobStatus,
	t crawler.Transition,
) (bool, error) {
	allowed := make([]string, len(from))
	for i, st := range from {
		allowed[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs
SET status = $2,
	started_at = CASE WHEN $3 THEN COALESCE(started_at, $4) ELSE started_at END,
	finished_at = CASE WHEN $5 THEN $4 ELSE finished_at END,
	error = COALESCE(NULLIF($6, ''), error),
	result = COALESCE($7::jsonb, result)
WHERE id = $1 AND status = ANY($8)`,
		id, string(t.To), t.SetStarted, t.At, t.To.Terminal(), t.Error, []byte(t.Result), allowed)
	if err != nil {
		return false, fmt.Errorf("update job status: %w", classify(err))
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check job: %w", classify(err))
	}
	if !exists {
		return false, fmt.Errorf("job %s: %w", id, crawler.ErrNotFound)
	}
	return false, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (crawler.Job, error) {
	var (
		job      crawler.Job
		status   string
		args     []byte
		logs     []byte
		started  pgtype.Timestamptz
		finished pgtype.Timestamptz
		result   []byte
	)
	err := row.Scan(
		&job.ID, &job.Name, &status, &args, &logs,
		&job.CreatedAt, &started, &finished, &job.Error, &result,
	)
	if err != nil {
		return crawler.Job{}, classify(err)
	}
	job.Status = crawler.JobStatus(status)
	if err := json.Unmarshal(args, &job.Args); err != nil {
		return crawler.Job{}, fmt.Errorf("decode job args: %w", err)
	}
	if err := json.Unmarshal(logs, &job.Logs); err != nil {
		return crawler.Job{}, fmt.Errorf("decode job logs: %w", err)
	}
	if job.Logs == nil {
		job.Logs = []string{}
	}
	if started.Valid {
		ts := started.Time.UTC()
		job.StartedAt = &ts
	}
	if finished.Valid {
		ts := finished.Time.UTC()
		job.FinishedAt = &ts
	}
	if len(result) > 0 && string(result) != "null" {
		job.Result = json.RawMessage(result)
	}
	return job, nil
}

func marshalLogs(logs []string) ([]byte, error) {
	if logs == nil {
		logs = []string{}
	}
	payload, err := json.Marshal(logs)
	if err != nil {
		return nil, fmt.Errorf("marshal job logs: %w", err)
	}
	return payload, nil
}
