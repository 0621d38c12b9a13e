package images

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

func testConfig() Config {
	retry := crawler.RetryPolicy{Retries: 2, MinDelay: time.Millisecond, Factor: 2}
	return Config{
		Concurrency:      4,
		MaxDimension:     64,
		Quality:          80,
		AllowedFormats:   []string{"jpg", "jpeg", "png", "gif", "webp"},
		AllowedMIMETypes: []string{"image/jpeg", "image/png", "image/gif", "image/webp"},
		DownloadTimeout:  time.Second,
		UploadTimeout:    time.Second,
		MaxBytes:         1 << 20,
		StoragePrefix:    "crawl",
		DownloadRetry:    retry,
		UploadRetry:      retry,
	}
}

func encodePNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// fakeDownloader serves fixed responses and counts calls per URL.
type fakeDownloader struct {
	mu        sync.Mutex
	responses map[string]*Download
	errs      map[string]error
	fallback  *Download
	calls     map[string]int
}

func newFakeDownloader(fallback *Download) *fakeDownloader {
	return &fakeDownloader{
		responses: make(map[string]*Download),
		errs:      make(map[string]error),
		fallback:  fallback,
		calls:     make(map[string]int),
	}
}

func (f *fakeDownloader) Download(_ context.Context, url string) (*Download, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	if dl, ok := f.responses[url]; ok {
		return dl, nil
	}
	return f.fallback, nil
}

func (f *fakeDownloader) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}
