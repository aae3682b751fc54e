// Package executor runs one bounded unit of crawl work at a time.
package executor

import (
	"context"
	"errors"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/catalogcrawl/catalogcrawl/internal/crawl"
)

// Config controls per-task execution.
type Config struct {
	SessionID string
	// TaskTimeout bounds one fetch+parse+persist cycle.
	TaskTimeout time.Duration
}

// Executor runs a single page or detail task and reports a typed outcome.
// It never retries; requeue decisions belong to the retry manager.
type Executor struct {
	fetcher   crawl.Fetcher
	headless  crawl.Fetcher
	detector  crawl.HeadlessDetector
	lists     crawl.ListParser
	details   crawl.DetailParser
	persister crawl.Persister
	clock     crawl.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Executor. The headless fetcher and detector are
// optional; all other collaborators are required.
func New(
	fetcher crawl.Fetcher,
	headless crawl.Fetcher,
	detector crawl.HeadlessDetector,
	lists crawl.ListParser,
	details crawl.DetailParser,
	persister crawl.Persister,
	clock crawl.Clock,
	cfg Config,
	logger *zap.Logger,
) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	return &Executor{
		fetcher:   fetcher,
		headless:  headless,
		detector:  detector,
		lists:     lists,
		details:   details,
		persister: persister,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Execute runs the task to a terminal outcome for this attempt. The only
// suspension points are the network fetch and persist calls.
func (e *Executor) Execute(ctx context.Context, task crawl.Task) crawl.Outcome {
	start := e.clock.Now()
	taskCtx, cancel := context.WithTimeout(ctx, e.cfg.TaskTimeout)
	defer cancel()

	out := e.run(taskCtx, task)
	out.Task = task
	out.Duration = e.clock.Now().Sub(start)
	if out.Err != nil {
		out.Kind = crawl.KindOf(out.Err)
		out.TimedOut = out.Kind == crawl.KindNetworkTimeout &&
			(errors.Is(out.Err, context.DeadlineExceeded) || taskCtx.Err() != nil)
		e.logger.Debug("task failed",
			zap.String("task", task.Key()),
			zap.String("kind", string(out.Kind)),
			zap.Error(out.Err),
		)
	}
	return out
}

func (e *Executor) run(ctx context.Context, task crawl.Task) crawl.Outcome {
	if _, err := url.ParseRequestURI(task.URL); err != nil {
		return crawl.Outcome{Err: crawl.WrapError(crawl.KindPermanent, err, "malformed url")}
	}

	resp, err := e.fetch(ctx, task)
	if err != nil {
		return crawl.Outcome{Err: err}
	}
	if kind := crawl.KindFromStatus(resp.StatusCode); kind != "" {
		return crawl.Outcome{Err: crawl.NewError(kind, "fetch %s: status %d", task.URL, resp.StatusCode)}
	}

	switch task.Kind {
	case crawl.TaskPage:
		refs, err := e.lists.ParseList(ctx, task.Page, resp.Body)
		if err != nil {
			return crawl.Outcome{Err: crawl.WrapError(crawl.KindParseError, err, "parse list page")}
		}
		return crawl.Outcome{Details: refs}
	case crawl.TaskDetail:
		product, err := e.details.ParseDetail(ctx, task.DetailID, resp.Body)
		if err != nil {
			return crawl.Outcome{Err: crawl.WrapError(crawl.KindParseError, err, "parse detail page")}
		}
		if err := e.persister.Persist(ctx, product); err != nil {
			return crawl.Outcome{Err: err}
		}
		return crawl.Outcome{}
	default:
		return crawl.Outcome{Err: crawl.NewError(crawl.KindInternal, "unknown task kind %q", task.Kind)}
	}
}

func (e *Executor) fetch(ctx context.Context, task crawl.Task) (crawl.FetchResponse, error) {
	req := crawl.FetchRequest{
		SessionID: e.cfg.SessionID,
		Kind:      task.Kind,
		Page:      task.Page,
		DetailID:  task.DetailID,
		URL:       task.URL,
	}
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return crawl.FetchResponse{}, err
	}
	return e.maybePromote(ctx, req, resp), nil
}

// maybePromote refetches thin, script-rendered detail pages through the
// headless fetcher once. Promotion failures fall back to the probe body.
func (e *Executor) maybePromote(ctx context.Context, req crawl.FetchRequest, resp crawl.FetchResponse) crawl.FetchResponse {
	if req.Kind != crawl.TaskDetail || e.headless == nil || e.detector == nil {
		return resp
	}
	if !e.detector.ShouldPromote(resp) {
		return resp
	}
	promoted, err := e.headless.Fetch(ctx, req)
	if err != nil {
		e.logger.Warn("headless promotion failed",
			zap.String("url", req.URL),
			zap.Error(err),
		)
		return resp
	}
	promoted.UsedHeadless = true
	return promoted
}
