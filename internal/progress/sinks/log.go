package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/progress"
)

// LogSink emits structured logs for progress streams. Progress snapshots log
// at debug level; job lifecycle and log lines at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case progress.KindLog:
			s.logger.Info(evt.Line, zap.String("job_id", evt.JobID))
		case progress.KindProgress:
			s.logger.Debug("progress",
				zap.String("job_id", evt.JobID),
				zap.Int64("current", evt.Snapshot.Current),
				zap.Int64("total", evt.Snapshot.Total),
				zap.Int64("pages_processed", evt.Snapshot.PagesProcessed),
				zap.Int64("images_processed", evt.Snapshot.ImagesProcessed),
				zap.Int64("pages_redirected", evt.Snapshot.PagesRedirected),
			)
		case progress.KindJobStart:
			s.logger.Info("job started", zap.String("job_id", evt.JobID))
		case progress.KindJobDone:
			s.logger.Info("job finished",
				zap.String("job_id", evt.JobID),
				zap.String("status", evt.Status),
				zap.Int64("pages_processed", evt.Snapshot.PagesProcessed),
				zap.Int64("images_processed", evt.Snapshot.ImagesProcessed),
			)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
