// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Fetcher  FetcherConfig  `mapstructure:"fetcher"`
	Images   ImagesConfig   `mapstructure:"images"`
	Finalize FinalizeConfig `mapstructure:"finalize"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// CrawlerConfig governs the worker pool and politeness.
type CrawlerConfig struct {
	Workers           int           `mapstructure:"workers"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
	AllowedHost       string        `mapstructure:"allowed_host"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxPages          int           `mapstructure:"max_pages"`
}

// FetcherConfig selects and tunes the page fetcher.
type FetcherConfig struct {
	// Mode is "headless" (chromedp) or "static" (colly).
	Mode              string        `mapstructure:"mode"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	LoginScheme       string        `mapstructure:"login_scheme"`
	LoginPath         string        `mapstructure:"login_path"`
	Password          string        `mapstructure:"password"`
	PasswordField     string        `mapstructure:"password_field"`
	PasswordSelector  string        `mapstructure:"password_selector"`
	SubmitSelector    string        `mapstructure:"submit_selector"`
}

// ImagesConfig tunes the image pipeline.
type ImagesConfig struct {
	Concurrency      int                 `mapstructure:"concurrency"`
	MaxDimension     int                 `mapstructure:"max_dimension"`
	Quality          int                 `mapstructure:"quality"`
	AllowedFormats   []string            `mapstructure:"allowed_formats"`
	AllowedMIMETypes []string            `mapstructure:"allowed_mime_types"`
	DownloadTimeout  time.Duration       `mapstructure:"download_timeout"`
	UploadTimeout    time.Duration       `mapstructure:"upload_timeout"`
	MaxBytes         int64               `mapstructure:"max_bytes"`
	StoragePrefix    string              `mapstructure:"storage_prefix"`
	DownloadRetry    crawler.RetryPolicy `mapstructure:"download_retry"`
	UploadRetry      crawler.RetryPolicy `mapstructure:"upload_retry"`
}

// FinalizeConfig tunes the end-of-run bulk writes.
type FinalizeConfig struct {
	PageChunkSize  int                 `mapstructure:"page_chunk_size"`
	ImageChunkSize int                 `mapstructure:"image_chunk_size"`
	Retry          crawler.RetryPolicy `mapstructure:"retry"`
	// SnapshotPrefix limits the pre-run image snapshot to original URLs with
	// this prefix. Empty snapshots every image row.
	SnapshotPrefix string `mapstructure:"snapshot_prefix"`
}

// StorageConfig selects the object store.
type StorageConfig struct {
	Backend                 string `mapstructure:"backend"`
	Bucket                  string `mapstructure:"bucket"`
	ProjectID               string `mapstructure:"project_id"`
	PublicBaseURL           string `mapstructure:"public_base_url"`
	CredentialsFile         string `mapstructure:"credentials_file"`
	ElevatedCredentialsFile string `mapstructure:"elevated_credentials_file"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// JobsConfig controls claiming, cancellation polling and the API hints.
type JobsConfig struct {
	ClaimPollInterval  time.Duration `mapstructure:"claim_poll_interval"`
	CancelPollInterval time.Duration `mapstructure:"cancel_poll_interval"`
	MaxConcurrent      int           `mapstructure:"max_concurrent"`
	DefaultTTL         time.Duration `mapstructure:"default_ttl"`
	MaxTTL             time.Duration `mapstructure:"max_ttl"`
	PollIntervalHint   time.Duration `mapstructure:"poll_interval_hint"`
}

// PubSubConfig holds metadata for job-finished notifications. An empty topic
// disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Storage and database backends.
const (
	BackendMemory   = "memory"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"

	FetcherHeadless = "headless"
	FetcherStatic   = "static"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")

	v.SetDefault("crawler.workers", 4)
	v.SetDefault("crawler.idle_timeout", "5s")
	v.SetDefault("crawler.user_agent", "sitecrawler/1.0")
	v.SetDefault("crawler.requests_per_second", 2.0)
	v.SetDefault("crawler.burst", 2)
	v.SetDefault("crawler.max_pages", 0)

	v.SetDefault("fetcher.mode", FetcherHeadless)
	v.SetDefault("fetcher.navigation_timeout", "30s")
	v.SetDefault("fetcher.settle_delay", "0s")
	v.SetDefault("fetcher.max_parallel", 4)
	v.SetDefault("fetcher.login_scheme", "https")
	v.SetDefault("fetcher.login_path", "/password")
	v.SetDefault("fetcher.password_field", "password")
	v.SetDefault("fetcher.password_selector", `input[type="password"]`)
	v.SetDefault("fetcher.submit_selector", `button[type="submit"]`)

	v.SetDefault("images.concurrency", 4)
	v.SetDefault("images.max_dimension", 1600)
	v.SetDefault("images.quality", 82)
	v.SetDefault("images.allowed_formats", []string{"jpg", "jpeg", "png", "gif", "webp"})
	v.SetDefault("images.allowed_mime_types", []string{"image/jpeg", "image/png", "image/gif", "image/webp"})
	v.SetDefault("images.download_timeout", "20s")
	v.SetDefault("images.upload_timeout", "30s")
	v.SetDefault("images.max_bytes", 20<<20)
	v.SetDefault("images.storage_prefix", "images")
	v.SetDefault("images.download_retry.retries", 3)
	v.SetDefault("images.download_retry.min_delay", "500ms")
	v.SetDefault("images.download_retry.factor", 2.0)
	v.SetDefault("images.download_retry.max_delay", "5s")
	v.SetDefault("images.upload_retry.retries", 3)
	v.SetDefault("images.upload_retry.min_delay", "500ms")
	v.SetDefault("images.upload_retry.factor", 2.0)
	v.SetDefault("images.upload_retry.max_delay", "5s")

	v.SetDefault("finalize.page_chunk_size", 200)
	v.SetDefault("finalize.image_chunk_size", 500)
	v.SetDefault("finalize.retry.retries", 3)
	v.SetDefault("finalize.retry.min_delay", "1s")
	v.SetDefault("finalize.retry.factor", 2.0)
	v.SetDefault("finalize.retry.max_delay", "10s")

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("db.backend", BackendMemory)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", "30m")

	v.SetDefault("jobs.claim_poll_interval", "2s")
	v.SetDefault("jobs.cancel_poll_interval", "1s")
	v.SetDefault("jobs.max_concurrent", 1)
	v.SetDefault("jobs.default_ttl", "5m")
	v.SetDefault("jobs.max_ttl", "1h")
	v.SetDefault("jobs.poll_interval_hint", "2s")

	v.SetDefault("logging.development", true)

	// Keys without a default are invisible to Unmarshal when they only come
	// from the environment.
	for _, key := range []string{
		"server.api_key",
		"crawler.allowed_host",
		"fetcher.password",
		"finalize.snapshot_prefix",
		"storage.bucket",
		"storage.project_id",
		"storage.public_base_url",
		"storage.credentials_file",
		"storage.elevated_credentials_file",
		"db.dsn",
		"pubsub.project_id",
		"pubsub.topic",
	} {
		v.SetDefault(key, "")
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if err := c.validateCrawler(); err != nil {
		return err
	}
	if err := c.validateImages(); err != nil {
		return err
	}
	if c.Finalize.PageChunkSize <= 0 || c.Finalize.ImageChunkSize <= 0 {
		return fmt.Errorf("finalize chunk sizes must be > 0")
	}
	if err := c.Finalize.Retry.Validate(); err != nil {
		return fmt.Errorf("finalize.retry: %w", err)
	}
	if err := c.validateBackends(); err != nil {
		return err
	}
	return c.validateJobs()
}

func (c Config) validateCrawler() error {
	switch {
	case c.Crawler.Workers <= 0:
		return fmt.Errorf("crawler.workers must be > 0")
	case c.Crawler.IdleTimeout <= 0:
		return fmt.Errorf("crawler.idle_timeout must be > 0")
	case c.Crawler.RequestsPerSecond < 0:
		return fmt.Errorf("crawler.requests_per_second must be >= 0")
	case c.Crawler.MaxPages < 0:
		return fmt.Errorf("crawler.max_pages must be >= 0")
	}
	switch c.Fetcher.Mode {
	case FetcherHeadless:
		if c.Fetcher.MaxParallel <= 0 {
			return fmt.Errorf("fetcher.max_parallel must be > 0 in headless mode")
		}
	case FetcherStatic:
	default:
		return fmt.Errorf("fetcher.mode must be %q or %q", FetcherHeadless, FetcherStatic)
	}
	if c.Fetcher.NavigationTimeout <= 0 {
		return fmt.Errorf("fetcher.navigation_timeout must be > 0")
	}
	return nil
}

func (c Config) validateImages() error {
	im := c.Images
	switch {
	case im.Concurrency <= 0:
		return fmt.Errorf("images.concurrency must be > 0")
	case im.MaxDimension <= 0:
		return fmt.Errorf("images.max_dimension must be > 0")
	case im.Quality <= 0 || im.Quality > 100:
		return fmt.Errorf("images.quality must be within 1..100")
	case len(im.AllowedFormats) == 0 || len(im.AllowedMIMETypes) == 0:
		return fmt.Errorf("images.allowed_formats and images.allowed_mime_types must not be empty")
	case im.DownloadTimeout <= 0 || im.UploadTimeout <= 0:
		return fmt.Errorf("images download and upload timeouts must be > 0")
	}
	if err := im.DownloadRetry.Validate(); err != nil {
		return fmt.Errorf("images.download_retry: %w", err)
	}
	if err := im.UploadRetry.Validate(); err != nil {
		return fmt.Errorf("images.upload_retry: %w", err)
	}
	return nil
}

func (c Config) validateBackends() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be %q or %q", BackendGCS, BackendMemory)
	}
	switch c.DB.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("db.backend must be %q or %q", BackendPostgres, BackendMemory)
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	return nil
}

func (c Config) validateJobs() error {
	j := c.Jobs
	switch {
	case j.ClaimPollInterval <= 0:
		return fmt.Errorf("jobs.claim_poll_interval must be > 0")
	case j.CancelPollInterval < 0:
		return fmt.Errorf("jobs.cancel_poll_interval must be >= 0")
	case j.MaxConcurrent <= 0:
		return fmt.Errorf("jobs.max_concurrent must be > 0")
	case j.DefaultTTL <= 0 || j.MaxTTL <= 0:
		return fmt.Errorf("jobs.default_ttl and jobs.max_ttl must be > 0")
	case j.DefaultTTL > j.MaxTTL:
		return fmt.Errorf("jobs.default_ttl must not exceed jobs.max_ttl")
	case j.PollIntervalHint <= 0:
		return fmt.Errorf("jobs.poll_interval_hint must be > 0")
	}
	return nil
}
