// Package collyfetcher implements the plain-HTTP fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/catalogcrawl/catalogcrawl/internal/crawl"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Fetcher fetches catalog pages with a Colly collector. Each Fetch clones
// the base collector so concurrent tasks never share callback state.
type Fetcher struct {
	cfg  Config
	base *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Fetcher{cfg: cfg, base: c}
}

type fetchOutcome struct {
	resp crawl.FetchResponse
	err  error
}

// Fetch executes a single HTTP GET. On context cancellation the visit
// goroutine is abandoned; it owns all response state and reports through a
// buffered channel, so nothing it writes is visible to the caller.
func (f *Fetcher) Fetch(ctx context.Context, request crawl.FetchRequest) (crawl.FetchResponse, error) {
	outcome := make(chan fetchOutcome, 1)
	go func() {
		outcome <- f.visit(request)
	}()

	select {
	case <-ctx.Done():
		return crawl.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case out := <-outcome:
		return out.resp, out.err
	}
}

// visit runs one collector to completion. All callback state lives in this
// goroutine's frame.
func (f *Fetcher) visit(request crawl.FetchRequest) fetchOutcome {
	var (
		result   crawl.FetchResponse
		fetchErr error
	)
	start := time.Now()

	collector := f.base.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range request.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		result = crawl.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			// Keep the status so the executor can classify 429s and 5xx.
			result = crawl.FetchResponse{
				URL:        request.URL,
				StatusCode: r.StatusCode,
				Headers:    r.Headers.Clone(),
				Body:       append([]byte(nil), r.Body...),
				Duration:   time.Since(start),
			}
			return
		}
		fetchErr = err
	})

	if err := collector.Visit(request.URL); err != nil {
		if result.StatusCode > 0 {
			return fetchOutcome{resp: result}
		}
		return fetchOutcome{err: fmt.Errorf("colly visit failed: %w", err)}
	}
	if fetchErr != nil {
		return fetchOutcome{err: fmt.Errorf("colly response failed: %w", fetchErr)}
	}
	return fetchOutcome{resp: result}
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
