// Package gcs provides an ObjectStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket        string
	ProjectID     string
	PublicBaseURL string
}

// NewClient opens a storage client. An empty credentialsFile uses
// application default credentials.
func NewClient(ctx context.Context, credentialsFile string, opts ...option.ClientOption) (*storage.Client, error) {
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return client, nil
}

// ObjectStore writes objects to a configured GCS bucket.
type ObjectStore struct {
	client *storage.Client
	cfg    Config
}

// New creates a GCS-backed object store.
func New(client *storage.Client, cfg Config) (*ObjectStore, error) {
	if client == nil {
		return nil, crawler.Configuration("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, crawler.Configuration("storage.bucket is required")
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &ObjectStore{client: client, cfg: cfg}, nil
}

// Upload writes data to key, replacing any existing object.
func (s *ObjectStore) Upload(ctx context.Context, key, contentType string, data []byte) error {
	if strings.TrimSpace(key) == "" {
		return crawler.Configuration("object key is required")
	}
	writer := s.client.Bucket(s.cfg.Bucket).Object(key).NewWriter(ctx)
	writer.ContentType = contentType
	writer.ChunkSize = 0
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", classify(err), closeErr)
		}
		return fmt.Errorf("write object: %w", classify(err))
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", classify(err))
	}
	return nil
}

// PublicURL returns the HTTP URL for key.
func (s *ObjectStore) PublicURL(key string) string {
	if s.cfg.PublicBaseURL != "" {
		return s.cfg.PublicBaseURL + "/" + key
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.cfg.Bucket, key)
}

// List returns the object names under prefix.
func (s *ObjectStore) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.client.Bucket(s.cfg.Bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return keys, nil
		}
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", classify(err))
		}
		keys = append(keys, attrs.Name)
	}
}

// Remove deletes keys. Objects that do not exist are ignored.
func (s *ObjectStore) Remove(ctx context.Context, keys []string) error {
	bucket := s.client.Bucket(s.cfg.Bucket)
	for _, key := range keys {
		err := bucket.Object(key).Delete(ctx)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("delete object %s: %w", key, classify(err))
		}
	}
	return nil
}

// ListBuckets returns the bucket names of the configured project.
func (s *ObjectStore) ListBuckets(ctx context.Context) ([]string, error) {
	if s.cfg.ProjectID == "" {
		return nil, crawler.Configuration("storage.project_id is required to list buckets")
	}
	it := s.client.Buckets(ctx, s.cfg.ProjectID)
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("list buckets: %w", classify(err))
		}
		names = append(names, attrs.Name)
	}
}

// CreateBucket creates name in the configured project.
func (s *ObjectStore) CreateBucket(ctx context.Context, name string) error {
	if s.cfg.ProjectID == "" {
		return crawler.Configuration("storage.project_id is required to create buckets")
	}
	if err := s.client.Bucket(name).Create(ctx, s.cfg.ProjectID, nil); err != nil {
		return fmt.Errorf("create bucket %s: %w", name, classify(err))
	}
	return nil
}

// classify maps GCS API errors onto the crawler error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return crawler.Classify(crawler.ErrNotFound, err)
	}
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch code := apiErr.Code; {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return crawler.Permission(err)
	case code == http.StatusNotFound:
		return crawler.Classify(crawler.ErrNotFound, err)
	case code == http.StatusConflict:
		return crawler.Classify(crawler.ErrConflict, err)
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return crawler.Transient(err)
	default:
		return err
	}
}
