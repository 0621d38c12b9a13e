// Package headless contains fetchers that execute JavaScript via browsers.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/fetcher/extract"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	LoginScheme       string
	LoginPath         string
	PasswordSelector  string
	SubmitSelector    string
}

// Fetcher implements crawler.PageFetcher using chromedp and headless Chrome.
// Each session owns one browser process with a single tab, started by the
// session's first run and stopped by Session.Close.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger

	// runActions is chromedp.Run outside tests.
	runActions func(ctx context.Context, actions ...chromedp.Action) error
}

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, crawler.Configuration("fetcher.max_parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.LoginScheme == "" {
		cfg.LoginScheme = "https"
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/password"
	}
	if cfg.PasswordSelector == "" {
		cfg.PasswordSelector = `input[type="password"]`
	}
	if cfg.SubmitSelector == "" {
		cfg.SubmitSelector = `button[type="submit"], input[type="submit"]`
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
		runActions:  chromedp.Run,
	}, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

type session struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	loggedIn map[string]bool
}

func (s *session) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *session) hasLogin(host string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn[host]
}

func (s *session) markLogin(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loggedIn[host] = true
}

// NewSession starts a browser and applies the user agent override.
func (f *Fetcher) NewSession(ctx context.Context) (crawler.Session, error) {
	tabCtx, cancel := chromedp.NewContext(f.allocator)
	s := &session{ctx: tabCtx, cancel: cancel, loggedIn: make(map[string]bool)}
	if err := f.openTab(ctx, s); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// openTab performs the session's first run. chromedp launches the browser
// and attaches the target under the context of that run, so it must be the
// tab context itself; a derived context with a deadline would stop the
// browser when it ends. ctx can only abort the start.
func (f *Fetcher) openTab(ctx context.Context, s *session) error {
	stop := context.AfterFunc(ctx, s.cancel)
	err := f.runActions(s.ctx, f.networkSetupAction())
	if !stop() {
		return fmt.Errorf("open browser tab: %w", ctx.Err())
	}
	if err != nil {
		return fmt.Errorf("open browser tab: %w", err)
	}
	return nil
}

// Login submits password on the host's login form once per session.
func (f *Fetcher) Login(ctx context.Context, sess crawler.Session, host, password string) error {
	s, err := asSession(sess)
	if err != nil {
		return err
	}
	if password == "" || s.hasLogin(host) {
		return nil
	}
	loginURL := (&url.URL{Scheme: f.cfg.LoginScheme, Host: host, Path: f.cfg.LoginPath}).String()
	err = f.run(ctx, s,
		chromedp.Navigate(loginURL),
		chromedp.WaitVisible(f.cfg.PasswordSelector, chromedp.ByQuery),
		chromedp.SendKeys(f.cfg.PasswordSelector, password, chromedp.ByQuery),
		chromedp.Click(f.cfg.SubmitSelector, chromedp.ByQuery),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("login to %s: %w", host, err)
	}
	s.markLogin(host)
	f.logger.Debug("logged in", zap.String("host", host))
	return nil
}

// FetchPage navigates the session's tab and extracts the rendered DOM.
func (f *Fetcher) FetchPage(ctx context.Context, sess crawler.Session, pageURL string) (crawler.PageContent, error) {
	s, err := asSession(sess)
	if err != nil {
		return crawler.PageContent{}, err
	}
	if err := f.acquire(ctx); err != nil {
		return crawler.PageContent{}, err
	}
	defer f.release()

	meta := newResponseMeta()
	listenCtx, stopListening := context.WithCancel(s.ctx)
	defer stopListening()
	chromedp.ListenTarget(listenCtx, meta.captureEvent)

	var html, finalURL string
	err = f.run(ctx, s,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return crawler.PageContent{}, fmt.Errorf("navigate %s: %w", pageURL, err)
	}
	status, docURL := meta.snapshotWithFallbacks(pageURL, finalURL)
	if err := crawler.StatusError(status); err != nil {
		return crawler.PageContent{}, fmt.Errorf("navigate %s: %w", pageURL, err)
	}
	return extract.Page(docURL, html)
}

// run executes actions in an already started session tab, bounded by the
// navigation timeout and by ctx.
func (f *Fetcher) run(ctx context.Context, s *session, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.ctx, f.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := f.runActions(runCtx, actions...)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("chromedp run: %w", ctx.Err())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return crawler.Transient(fmt.Errorf("chromedp run: %w", err))
	default:
		return fmt.Errorf("chromedp run: %w", err)
	}
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

func asSession(sess crawler.Session) (*session, error) {
	s, ok := sess.(*session)
	if !ok || s == nil {
		return nil, crawler.Configuration("headless fetcher got a foreign session %T", sess)
	}
	return s, nil
}

// responseMeta records the main document response of a navigation.
type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// snapshotWithFallbacks prefers the browser location, then the document
// response URL, then the requested URL.
func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, docURL := m.status, m.url
	m.mu.RUnlock()
	switch {
	case finalURL != "":
		docURL = finalURL
	case docURL != "":
	default:
		docURL = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, docURL
}
