// Package ratelimit wraps a fetcher with per-host token-bucket pacing.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"golang.org/x/time/rate"

	"github.com/catalogcrawl/catalogcrawl/internal/crawl"
)

// Config holds rate limiter configuration.
type Config struct {
	// RPS is the steady request rate per host. Zero or negative disables
	// pacing.
	RPS   float64
	Burst int
}

// Limiter keeps one token bucket per target host.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// NewLimiter creates a Limiter.
func NewLimiter(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until the host's bucket releases a token or ctx ends.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}

	l.mu.Lock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// Fetcher decorates another fetcher with per-host pacing.
type Fetcher struct {
	inner   crawl.Fetcher
	limiter *Limiter
}

// Wrap returns a paced fetcher.
func Wrap(inner crawl.Fetcher, limiter *Limiter) *Fetcher {
	return &Fetcher{inner: inner, limiter: limiter}
}

// Fetch waits for the host's token, then delegates.
func (f *Fetcher) Fetch(ctx context.Context, request crawl.FetchRequest) (crawl.FetchResponse, error) {
	if err := f.limiter.Wait(ctx, request.URL); err != nil {
		return crawl.FetchResponse{}, err
	}
	return f.inner.Fetch(ctx, request)
}
