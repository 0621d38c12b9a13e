package crawler

import (
	"context"
	"time"
)

// Session is a long-lived browser or HTTP session owned by a single worker.
type Session interface {
	Close() error
}

// PageFetcher navigates pages within a session.
type PageFetcher interface {
	NewSession(ctx context.Context) (Session, error)
	// Login authenticates the session against host. Repeated calls for the
	// same session and host are no-ops.
	Login(ctx context.Context, session Session, host, password string) error
	FetchPage(ctx context.Context, session Session, url string) (PageContent, error)
}

// Persistence is the relational side of the crawl output.
type Persistence interface {
	QueryPagesByURLs(ctx context.Context, urls []string) ([]PageRow, error)
	UpsertPages(ctx context.Context, pages []PageRecord) ([]PageRow, error)
	InsertImages(ctx context.Context, images []ImageRecord) ([]ImageRow, error)
	QueryImages(ctx context.Context, q ImageQuery) ([]ImageRow, error)
}

// ObjectStore stores transformed image bytes.
type ObjectStore interface {
	Upload(ctx context.Context, key, contentType string, data []byte) error
	PublicURL(key string) string
	List(ctx context.Context, prefix string) ([]string, error)
	Remove(ctx context.Context, keys []string) error
	ListBuckets(ctx context.Context) ([]string, error)
	CreateBucket(ctx context.Context, name string) error
}

// JobStore persists job records.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	// ClaimJob atomically moves the oldest working job to running. It returns
	// ErrNotFound when nothing is claimable.
	ClaimJob(ctx context.Context, at time.Time) (Job, error)
	GetJob(ctx context.Context, id string) (Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]Job, error)
	SetLogs(ctx context.Context, id string, logs []string) error
	// UpdateStatus applies t only when the current status is one of from.
	// It reports whether a row changed.
	UpdateStatus(ctx context.Context, id string, from []JobStatus, t Transition) (bool, error)
}

// Publisher emits out-of-band notifications.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates job identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher produces deterministic digests for storage keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// CancelCheck reports whether the job driving ctx has been cancelled.
type CancelCheck func(ctx context.Context) bool
