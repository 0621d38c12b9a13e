// Package ratelimit paces requests per host with token buckets so page
// navigation and image downloads stay polite toward the crawled site.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Limiter manages per-host rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	delay        *prometheus.HistogramVec
}

// Config holds rate limiter configuration. A non-positive RPS disables
// limiting.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// RegisterMetrics exports the time spent waiting for a token, by host.
func (l *Limiter) RegisterMetrics(reg prometheus.Registerer) error {
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sitecrawler_rate_limit_delay_seconds",
		Help:    "Time spent waiting for a per-host rate limit token.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"host"})
	if err := reg.Register(hist); err != nil {
		return fmt.Errorf("register rate limit histogram: %w", err)
	}
	l.mu.Lock()
	l.delay = hist
	l.mu.Unlock()
	return nil
}

// Wait blocks until a token is available for the host of url.
func (l *Limiter) Wait(ctx context.Context, url string) error {
	host := crawler.Hostname(url)
	if host == "" {
		host = "unknown"
	}
	l.mu.Lock()
	limiter, exists := l.limiters[host]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[host] = limiter
	}
	delay := l.delay
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); delay != nil && waited > time.Millisecond {
		delay.WithLabelValues(host).Observe(waited.Seconds())
	}
	return nil
}
