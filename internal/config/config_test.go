package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Fetcher.Mode != FetcherHeadless || cfg.Storage.Backend != BackendMemory || cfg.DB.Backend != BackendMemory {
		t.Fatalf("unexpected default backends: %+v %+v %+v", cfg.Fetcher, cfg.Storage, cfg.DB)
	}
	if cfg.Images.DownloadRetry.Retries != 3 || cfg.Images.DownloadRetry.MinDelay != 500*time.Millisecond {
		t.Fatalf("unexpected download retry policy: %+v", cfg.Images.DownloadRetry)
	}
	if len(cfg.Images.AllowedMIMETypes) != 4 {
		t.Fatalf("expected 4 default mime types, got %v", cfg.Images.AllowedMIMETypes)
	}
	if cfg.Jobs.DefaultTTL != 5*time.Minute || cfg.Jobs.MaxTTL != time.Hour {
		t.Fatalf("unexpected ttl defaults: %+v", cfg.Jobs)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  api_key: secret
crawler:
  workers: 6
  idle_timeout: 2s
  user_agent: real-agent
  requests_per_second: 0.5
  max_pages: 100
fetcher:
  mode: static
  navigation_timeout: 12s
  password: hunter2
images:
  concurrency: 8
  max_dimension: 800
  quality: 70
  allowed_formats: [jpg, png]
  allowed_mime_types: [image/jpeg, image/png]
  storage_prefix: shop/images
  upload_retry:
    retries: 5
    min_delay: 100ms
    factor: 1.5
    max_delay: 2s
finalize:
  page_chunk_size: 50
  image_chunk_size: 25
  snapshot_prefix: https://shop.example.com/
storage:
  backend: gcs
  bucket: crawl-assets
  elevated_credentials_file: /secrets/admin.json
db:
  backend: postgres
  dsn: postgres://crawler@localhost/crawler
jobs:
  max_ttl: 30m
  default_ttl: 1m
pubsub:
  project_id: proj
  topic: crawl-finished
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.APIKey != "secret" {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if cfg.Crawler.Workers != 6 || cfg.Crawler.IdleTimeout != 2*time.Second || cfg.Crawler.RequestsPerSecond != 0.5 {
		t.Fatalf("expected crawler overrides, got %+v", cfg.Crawler)
	}
	if cfg.Fetcher.Mode != FetcherStatic || cfg.Fetcher.Password != "hunter2" {
		t.Fatalf("expected fetcher overrides, got %+v", cfg.Fetcher)
	}
	if got := cfg.Images.UploadRetry; got.Retries != 5 || got.Factor != 1.5 || got.MaxDelay != 2*time.Second {
		t.Fatalf("expected upload retry overrides, got %+v", got)
	}
	// Unset nested keys keep their defaults.
	if cfg.Images.DownloadRetry.Retries != 3 {
		t.Fatalf("expected default download retries, got %+v", cfg.Images.DownloadRetry)
	}
	if cfg.Finalize.SnapshotPrefix != "https://shop.example.com/" || cfg.Finalize.ImageChunkSize != 25 {
		t.Fatalf("expected finalize overrides, got %+v", cfg.Finalize)
	}
	if cfg.Storage.Backend != BackendGCS || cfg.Storage.ElevatedCredentialsFile != "/secrets/admin.json" {
		t.Fatalf("expected storage overrides, got %+v", cfg.Storage)
	}
	if cfg.DB.Backend != BackendPostgres || cfg.DB.MaxConns != 8 {
		t.Fatalf("expected db overrides, got %+v", cfg.DB)
	}
	if cfg.Jobs.MaxTTL != 30*time.Minute || cfg.PubSub.Topic != "crawl-finished" {
		t.Fatalf("expected jobs and pubsub overrides, got %+v %+v", cfg.Jobs, cfg.PubSub)
	}
	if cfg.Logging.Development {
		t.Fatal("expected production logging")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("CRAWLER_CRAWLER_WORKERS", "9")
	t.Setenv("CRAWLER_STORAGE_BACKEND", "gcs")
	t.Setenv("CRAWLER_STORAGE_BUCKET", "env-bucket")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.Workers != 9 {
		t.Fatalf("expected workers from env, got %d", cfg.Crawler.Workers)
	}
	if cfg.Storage.Bucket != "env-bucket" {
		t.Fatalf("expected bucket from env, got %q", cfg.Storage.Bucket)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"no workers", func(c *Config) { c.Crawler.Workers = 0 }, "crawler.workers"},
		{"no idle timeout", func(c *Config) { c.Crawler.IdleTimeout = 0 }, "crawler.idle_timeout"},
		{"unknown fetcher", func(c *Config) { c.Fetcher.Mode = "lynx" }, "fetcher.mode"},
		{"headless parallel", func(c *Config) { c.Fetcher.MaxParallel = 0 }, "fetcher.max_parallel"},
		{"quality", func(c *Config) { c.Images.Quality = 101 }, "images.quality"},
		{"no formats", func(c *Config) { c.Images.AllowedFormats = nil }, "images.allowed_formats"},
		{"retry", func(c *Config) { c.Images.UploadRetry.Retries = 0 }, "images.upload_retry"},
		{"chunks", func(c *Config) { c.Finalize.PageChunkSize = 0 }, "finalize chunk sizes"},
		{"gcs bucket", func(c *Config) { c.Storage.Backend = BackendGCS }, "storage.bucket"},
		{"postgres dsn", func(c *Config) { c.DB.Backend = BackendPostgres }, "db.dsn"},
		{"pubsub project", func(c *Config) { c.PubSub.Topic = "t" }, "pubsub.project_id"},
		{"ttl order", func(c *Config) { c.Jobs.DefaultTTL = 2 * time.Hour }, "jobs.default_ttl"},
		{"poll hint", func(c *Config) { c.Jobs.PollIntervalHint = 0 }, "jobs.poll_interval_hint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Images.AllowedFormats = append([]string(nil), base.Images.AllowedFormats...)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
