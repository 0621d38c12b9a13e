// Package memory provides in-process implementations of the crawler storage
// ports for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// ErrUploadDenied is returned by Upload while uploads are denied.
var ErrUploadDenied = errors.New("permission denied: row-level security policy")

// ObjectStore keeps objects in a map keyed by bucket and path.
type ObjectStore struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string]map[string][]byte
	types   map[string]string
	deny    bool
}

// NewObjectStore creates a store with bucket already present.
func NewObjectStore(bucket string) *ObjectStore {
	return &ObjectStore{
		bucket:  bucket,
		objects: map[string]map[string][]byte{bucket: {}},
		types:   make(map[string]string),
	}
}

// DenyUploads makes subsequent uploads fail with a permission error.
func (s *ObjectStore) DenyUploads(deny bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deny = deny
}

// Upload stores a copy of data under key, replacing any previous object.
func (s *ObjectStore) Upload(ctx context.Context, key, contentType string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deny {
		return crawler.Permission(fmt.Errorf("upload %s: %w", key, ErrUploadDenied))
	}
	s.objects[s.bucket][key] = append([]byte(nil), data...)
	s.types[key] = contentType
	return nil
}

// PublicURL returns a pseudo URL for key.
func (s *ObjectStore) PublicURL(key string) string {
	return fmt.Sprintf("memory://%s/%s", s.bucket, key)
}

// List returns the sorted keys that start with prefix.
func (s *ObjectStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for key := range s.objects[s.bucket] {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Remove deletes keys. Missing keys are ignored.
func (s *ObjectStore) Remove(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.objects[s.bucket], key)
		delete(s.types, key)
	}
	return nil
}

// ListBuckets returns the sorted bucket names.
func (s *ObjectStore) ListBuckets(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.objects))
	for name := range s.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// CreateBucket adds an empty bucket. It returns ErrConflict when it exists.
func (s *ObjectStore) CreateBucket(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[name]; ok {
		return crawler.Classify(crawler.ErrConflict, fmt.Errorf("bucket %q already exists", name))
	}
	s.objects[name] = make(map[string][]byte)
	return nil
}

// Object returns a copy of the object stored under key.
func (s *ObjectStore) Object(key string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[s.bucket][key]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), data...), s.types[key], true
}
