package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/progress"
)

// LogAppender persists user-facing log lines on a job record.
type LogAppender interface {
	AppendLogs(ctx context.Context, jobID string, lines []string) error
}

// JobLogSink collapses log events per job and appends them in one write per
// batch, keeping read-modify-write cycles on the job row infrequent.
type JobLogSink struct {
	appender LogAppender
	logger   *zap.Logger
}

// NewJobLogSink constructs a JobLogSink.
func NewJobLogSink(appender LogAppender, logger *zap.Logger) *JobLogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobLogSink{appender: appender, logger: logger}
}

// Consume appends log lines grouped by job, preserving order within a job.
func (s *JobLogSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.appender == nil {
		return nil
	}
	var order []string
	lines := make(map[string][]string)
	for _, evt := range batch {
		if evt.Kind != progress.KindLog {
			continue
		}
		if _, ok := lines[evt.JobID]; !ok {
			order = append(order, evt.JobID)
		}
		lines[evt.JobID] = append(lines[evt.JobID], evt.Line)
	}
	for _, jobID := range order {
		if err := s.appender.AppendLogs(ctx, jobID, lines[jobID]); err != nil {
			return fmt.Errorf("append job logs: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *JobLogSink) Close(context.Context) error {
	return nil
}
