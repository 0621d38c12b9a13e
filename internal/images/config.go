// Package images downloads, normalizes and uploads the images referenced by
// crawled pages, deduplicating by normalized image URL.
package images

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Config controls the image pipeline. Every field is required; the config
// layer supplies defaults.
type Config struct {
	Concurrency      int
	MaxDimension     int
	Quality          int
	AllowedFormats   []string
	AllowedMIMETypes []string
	DownloadTimeout  time.Duration
	UploadTimeout    time.Duration
	MaxBytes         int64
	StoragePrefix    string
	DownloadRetry    crawler.RetryPolicy
	UploadRetry      crawler.RetryPolicy
}

// Validate reports the first unusable setting as an ErrConfiguration.
func (c Config) Validate() error {
	switch {
	case c.Concurrency <= 0:
		return crawler.Configuration("images.concurrency must be > 0")
	case c.MaxDimension <= 0:
		return crawler.Configuration("images.max_dimension must be > 0")
	case c.Quality <= 0 || c.Quality > 100:
		return crawler.Configuration("images.quality must be within 1..100")
	case len(c.AllowedFormats) == 0:
		return crawler.Configuration("images.allowed_formats must not be empty")
	case len(c.AllowedMIMETypes) == 0:
		return crawler.Configuration("images.allowed_mime_types must not be empty")
	case c.DownloadTimeout <= 0 || c.UploadTimeout <= 0:
		return crawler.Configuration("images download and upload timeouts must be > 0")
	}
	if err := c.DownloadRetry.Validate(); err != nil {
		return crawler.Configuration("images.download_retry: %v", err)
	}
	if err := c.UploadRetry.Validate(); err != nil {
		return crawler.Configuration("images.upload_retry: %v", err)
	}
	return nil
}

type formatGate struct {
	formats map[string]struct{}
	mimes   map[string]struct{}
}

func newFormatGate(cfg Config) formatGate {
	g := formatGate{
		formats: make(map[string]struct{}, len(cfg.AllowedFormats)),
		mimes:   make(map[string]struct{}, len(cfg.AllowedMIMETypes)),
	}
	for _, f := range cfg.AllowedFormats {
		g.formats[strings.TrimPrefix(strings.ToLower(f), ".")] = struct{}{}
	}
	for _, m := range cfg.AllowedMIMETypes {
		g.mimes[strings.ToLower(strings.TrimSpace(m))] = struct{}{}
	}
	return g
}

// extensionAllowed is permissive for URLs without an extension; the MIME
// type decides for those after download.
func (g formatGate) extensionAllowed(normalized string) bool {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(normalized)), ".")
	if ext == "" {
		return true
	}
	_, ok := g.formats[ext]
	if !ok && !knownImageExtension(ext) {
		return true
	}
	return ok
}

func (g formatGate) mimeAllowed(contentType string) bool {
	mt := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	_, ok := g.mimes[mt]
	return ok
}

func knownImageExtension(ext string) bool {
	switch ext {
	case "jpg", "jpeg", "png", "gif", "webp", "svg", "bmp", "ico", "tif", "tiff", "avif", "heic":
		return true
	default:
		return false
	}
}

func storagePath(prefix, digest string) string {
	if len(digest) > 40 {
		digest = digest[:40]
	}
	name := fmt.Sprintf("%s.jpg", digest)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
