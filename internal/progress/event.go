package progress

import (
	"errors"
	"fmt"
	"time"
)

// Kind denotes what an Event carries.
type Kind string

// Supported event kinds.
const (
	KindProgress Kind = "PROGRESS"
	KindLog      Kind = "LOG"
	KindJobStart Kind = "JOB_START"
	KindJobDone  Kind = "JOB_DONE"
)

// Snapshot is a point-in-time copy of the run counters.
type Snapshot struct {
	Current         int64 `json:"current"`
	Total           int64 `json:"total"`
	PagesProcessed  int64 `json:"pages_processed"`
	ImagesProcessed int64 `json:"images_processed"`
	PagesRedirected int64 `json:"pages_redirected"`
}

// Event is one observer notification routed through the Hub.
type Event struct {
	// JobID scopes the event to a job run.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	Kind Kind
	// Snapshot is set for KindProgress and KindJobDone.
	Snapshot Snapshot
	// Line is the human-readable log line for KindLog.
	Line string
	// Status is the terminal job status for KindJobDone.
	Status string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindProgress, KindJobStart:
	case KindLog:
		if e.Line == "" {
			return errors.New("log event requires line")
		}
	case KindJobDone:
		if e.Status == "" {
			return errors.New("job done requires status")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	return nil
}
