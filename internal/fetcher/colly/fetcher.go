// Package collyfetcher implements crawler.PageFetcher using gocolly for sites
// that render server-side.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/fetcher/extract"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	Timeout       time.Duration
	LoginScheme   string
	LoginPath     string
	PasswordField string
}

// Fetcher implements crawler.PageFetcher. Each session owns a collector with
// its own cookie jar; all sessions share one transport.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
	logger    *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.LoginScheme == "" {
		cfg.LoginScheme = "https"
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/password"
	}
	if cfg.PasswordField == "" {
		cfg.PasswordField = "password"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, transport: newHTTPTransport(), logger: logger}
}

type session struct {
	collector *colly.Collector

	mu       sync.Mutex
	loggedIn map[string]bool
}

func (s *session) Close() error {
	s.collector.Wait()
	return nil
}

// NewSession creates a collector with a fresh cookie jar.
func (f *Fetcher) NewSession(context.Context) (crawler.Session, error) {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(f.transport)
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	c.SetRequestTimeout(f.cfg.Timeout)
	return &session{collector: c, loggedIn: make(map[string]bool)}, nil
}

// Login posts password to the host's login path once per session. The
// session cookie set by the response is reused by later fetches.
func (f *Fetcher) Login(ctx context.Context, sess crawler.Session, host, password string) error {
	s, err := asSession(sess)
	if err != nil {
		return err
	}
	s.mu.Lock()
	done := s.loggedIn[host]
	s.mu.Unlock()
	if password == "" || done {
		return nil
	}

	loginURL := (&url.URL{Scheme: f.cfg.LoginScheme, Host: host, Path: f.cfg.LoginPath}).String()
	var res fetchResult
	c := s.collector.Clone()
	f.configureCollectorHooks(c, &res)
	form := map[string]string{f.cfg.PasswordField: password}
	if err := f.runCollector(ctx, func() error { return c.Post(loginURL, form) }, &res); err != nil {
		return fmt.Errorf("login to %s: %w", host, err)
	}

	s.mu.Lock()
	s.loggedIn[host] = true
	s.mu.Unlock()
	f.logger.Debug("logged in", zap.String("host", host))
	return nil
}

// FetchPage performs a GET, follows redirects, and extracts the body.
func (f *Fetcher) FetchPage(ctx context.Context, sess crawler.Session, pageURL string) (crawler.PageContent, error) {
	s, err := asSession(sess)
	if err != nil {
		return crawler.PageContent{}, err
	}
	var res fetchResult
	c := s.collector.Clone()
	f.configureCollectorHooks(c, &res)
	if err := f.runCollector(ctx, func() error { return c.Visit(pageURL) }, &res); err != nil {
		return crawler.PageContent{}, fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	finalURL := res.finalURL
	if finalURL == "" {
		finalURL = pageURL
	}
	return extract.Page(finalURL, string(res.body))
}

type fetchResult struct {
	mu       sync.Mutex
	status   int
	finalURL string
	body     []byte
	err      error
}

func (r *fetchResult) snapshot() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.err
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, res *fetchResult) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml")
	})

	hooks.OnResponse(func(r *colly.Response) {
		res.mu.Lock()
		defer res.mu.Unlock()
		res.status = r.StatusCode
		res.finalURL = r.Request.URL.String()
		res.body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		res.mu.Lock()
		defer res.mu.Unlock()
		if r != nil {
			res.status = r.StatusCode
		}
		res.err = err
	})
}

// runCollector runs visit in the background so ctx can abandon it.
func (f *Fetcher) runCollector(ctx context.Context, visit func() error, res *fetchResult) error {
	done := make(chan error, 1)
	go func() {
		done <- visit()
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		status, fetchErr := res.snapshot()
		if statusErr := crawler.StatusError(status); statusErr != nil {
			return statusErr
		}
		if err == nil {
			err = fetchErr
		}
		if err != nil {
			return crawler.Transient(fmt.Errorf("colly visit failed: %w", err))
		}
		return nil
	}
}

func asSession(sess crawler.Session) (*session, error) {
	s, ok := sess.(*session)
	if !ok || s == nil {
		return nil, crawler.Configuration("colly fetcher got a foreign session %T", sess)
	}
	return s, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
