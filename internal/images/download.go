package images

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Download is a fetched image body.
type Download struct {
	Data        []byte
	ContentType string
}

// Downloader fetches image bytes.
type Downloader interface {
	Download(ctx context.Context, url string) (*Download, error)
}

// Waiter paces requests per host.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// HTTPDownloader fetches images over HTTP and classifies failures.
type HTTPDownloader struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
}

// NewHTTPDownloader builds a downloader. A nil client gets a pooled transport.
func NewHTTPDownloader(client *http.Client, userAgent string, maxBytes int64) *HTTPDownloader {
	if client == nil {
		client = &http.Client{Transport: newHTTPTransport()}
	}
	return &HTTPDownloader{client: client, userAgent: userAgent, maxBytes: maxBytes}
}

// Download performs one GET. Network failures, timeouts, 408, 429 and 5xx are
// transient; other non-2xx responses are not retryable.
func (d *HTTPDownloader) Download(ctx context.Context, url string) (*Download, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, crawler.TransformFailure(fmt.Errorf("build image request: %w", err))
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	req.Header.Set("Accept", "image/*")
	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, fmt.Errorf("download image: %w", err)
		}
		return nil, crawler.Transient(fmt.Errorf("download image: %w", err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err := crawler.StatusError(resp.StatusCode); err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, crawler.Classify(crawler.ErrNotFound, fmt.Errorf("download image: status %d", resp.StatusCode))
	}

	body := io.Reader(resp.Body)
	if d.maxBytes > 0 {
		body = io.LimitReader(resp.Body, d.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, crawler.Transient(fmt.Errorf("read image body: %w", err))
	}
	if d.maxBytes > 0 && int64(len(data)) > d.maxBytes {
		return nil, crawler.TransformFailure(fmt.Errorf("image exceeds %d bytes", d.maxBytes))
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return &Download{Data: data, ContentType: contentType}, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
