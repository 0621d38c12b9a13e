package crawler

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Supported job statuses.
const (
	JobStatusWorking   JobStatus = "working"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition is permitted from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// JobArgs describes what a crawl job should do.
type JobArgs struct {
	SeedURLs        []string `json:"seed_urls"`
	AllowedHost     string   `json:"allowed_host,omitempty"`
	RestrictToSeeds bool     `json:"restrict_to_seeds"`
	MaxPages        int      `json:"max_pages,omitempty"`
}

// Job is the durable record of a crawl run.
type Job struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Status     JobStatus       `json:"status"`
	Args       JobArgs         `json:"args"`
	Logs       []string        `json:"logs"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Transition carries the fields written alongside a conditional status change.
type Transition struct {
	To         JobStatus
	At         time.Time
	Error      string
	Result     json.RawMessage
	SetStarted bool
}

// PageContent is what a PageFetcher extracts from one navigation.
type PageContent struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Images   []string `json:"images"`
	Links    []string `json:"links"`
	FinalURL string   `json:"final_url"`
}

// PageRecord is a page row written at finalize.
type PageRecord struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// PageRow is the identity of a persisted page.
type PageRow struct {
	ID  int64  `json:"id"`
	URL string `json:"url"`
}

// ImageRecord associates an uploaded image with a persisted page.
type ImageRecord struct {
	PageID      int64  `json:"page_id"`
	OriginalURL string `json:"original_url"`
	StoragePath string `json:"storage_path"`
}

// ImageRow is a persisted image association.
type ImageRow struct {
	ID          int64  `json:"id"`
	PageID      int64  `json:"page_id"`
	OriginalURL string `json:"original_url"`
	StoragePath string `json:"storage_path"`
}

// PendingImageRecord is an upload whose page id is not yet known.
type PendingImageRecord struct {
	PageURL     string `json:"page_url"`
	OriginalURL string `json:"original_url"`
	StoragePath string `json:"storage_path"`
}

// ImageQuery selects image rows whose original URL starts with URLPrefix or
// whose page id is in PageIDs. An empty prefix matches every row.
type ImageQuery struct {
	URLPrefix string
	PageIDs   []int64
}

// ImageStats counts image pipeline outcomes for one run.
type ImageStats struct {
	Found         int `json:"found"`
	Supported     int `json:"supported"`
	Unsupported   int `json:"unsupported"`
	Uploaded      int `json:"uploaded"`
	Skipped       int `json:"skipped"`
	UniqueSkipped int `json:"unique_skipped"`
	Failed        int `json:"failed"`
}

// PageSummary reconciles page outcomes for a run.
type PageSummary struct {
	Provided   int `json:"provided"`
	Analyzed   int `json:"analyzed"`
	Inserted   int `json:"inserted"`
	Updated    int `json:"updated"`
	Skipped    int `json:"skipped"`
	Redirected int `json:"redirected"`
	Failed     int `json:"failed"`
}

// ImageSummary reconciles image outcomes for a run.
type ImageSummary struct {
	ImageStats
	Orphaned          int `json:"orphaned"`
	OrphansRemoved    int `json:"orphans_removed"`
	NewlyAssociated   int `json:"newly_associated"`
	AlreadyAssociated int `json:"already_associated"`
}

// Summary is the result stored on a completed job.
type Summary struct {
	Pages  PageSummary  `json:"pages"`
	Images ImageSummary `json:"images"`
}
