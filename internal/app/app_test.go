package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/app"
	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/images"
	"github.com/JakeFAU/sitecrawler/internal/storage/memory"
)

const site = "https://shop.example.com"

type stubSession struct{}

func (stubSession) Close() error { return nil }

type staticSite map[string]crawler.PageContent

func (s staticSite) NewSession(context.Context) (crawler.Session, error) { return stubSession{}, nil }

func (s staticSite) Login(context.Context, crawler.Session, string, string) error { return nil }

func (s staticSite) FetchPage(_ context.Context, _ crawler.Session, url string) (crawler.PageContent, error) {
	p, ok := s[url]
	if !ok {
		return crawler.PageContent{}, crawler.Classify(crawler.ErrNotFound, http.ErrMissingFile)
	}
	p.FinalURL = url
	return p, nil
}

type pngDownloader struct {
	data []byte
}

func (d pngDownloader) Download(context.Context, string) (*images.Download, error) {
	return &images.Download{Data: d.data, ContentType: "image/png"}, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Crawler.IdleTimeout = 30 * time.Millisecond
	cfg.Crawler.RequestsPerSecond = 0
	cfg.Fetcher.Mode = config.FetcherStatic
	cfg.Jobs.ClaimPollInterval = 10 * time.Millisecond
	return cfg
}

func redPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := range 4 {
		for x := range 4 {
			img.Set(x, y, color.NRGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newApp(t *testing.T) *app.App {
	t.Helper()
	pages := staticSite{
		site + "/": {
			Title:  "Home",
			Links:  []string{site + "/about", "https://elsewhere.example.org/"},
			Images: []string{site + "/logo.png?v=1", site + "/logo.png?v=2"},
		},
		site + "/about": {Title: "About", Images: []string{site + "/logo.png"}},
	}
	a, err := app.New(context.Background(), testConfig(t), zap.NewNop(),
		app.WithFetcher(pages),
		app.WithDownloader(pngDownloader{data: redPNG(t)}),
	)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestCrawlRunsJobToCompletion(t *testing.T) {
	t.Parallel()

	a := newApp(t)
	job, err := a.Crawl(context.Background(), "shop", crawler.JobArgs{SeedURLs: []string{site + "/"}})
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.NotNil(t, job.FinishedAt)

	var summary crawler.Summary
	require.NoError(t, json.Unmarshal(job.Result, &summary))
	require.Equal(t, 2, summary.Pages.Inserted)
	require.Equal(t, 1, summary.Images.Found)
	require.Equal(t, 1, summary.Images.Uploaded)
}

func TestCrawlRejectsInvalidArgs(t *testing.T) {
	t.Parallel()

	a := newApp(t)
	_, err := a.Crawl(context.Background(), "", crawler.JobArgs{})
	require.Error(t, err)
}

func TestServeListenerHandlesAPIAndDispatch(t *testing.T) {
	t.Parallel()

	a := newApp(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- a.ServeListener(ctx, ln)
	}()

	resp, err := http.Post(base+"/v1/jobs", "application/json",
		bytes.NewBufferString(`{"seed_urls":["`+site+`/"]}`))
	require.NoError(t, err)
	var created map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		job, err := a.Jobs().Get(context.Background(), created["job_id"])
		return err == nil && job.Status == crawler.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Contains(t, body.String(), "sitecrawler_jobs_started_total")
	require.Contains(t, body.String(), "sitecrawler_http_request_duration_seconds")

	cancel()
	require.NoError(t, <-served)
}

func TestEnsureBucketCreatesMissingBucket(t *testing.T) {
	t.Parallel()

	store := memory.NewObjectStore("images")
	ctx := context.Background()
	require.NoError(t, app.EnsureBucket(ctx, store, "images"))
	require.NoError(t, app.EnsureBucket(ctx, store, "archive"))

	names, err := store.ListBuckets(ctx)
	require.NoError(t, err)
	require.Contains(t, names, "archive")
	require.Contains(t, names, "images")
}

func TestMigrateMemoryIsNoop(t *testing.T) {
	t.Parallel()

	require.NoError(t, app.Migrate(context.Background(), testConfig(t), zap.NewNop()))
}

func TestNewFailsOnBadPostgresDSN(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.DB.Backend = config.BackendPostgres
	cfg.DB.DSN = "::not a dsn::"
	_, err := app.New(context.Background(), cfg, zap.NewNop(), app.WithFetcher(staticSite{}))
	require.ErrorIs(t, err, crawler.ErrConfiguration)
}
