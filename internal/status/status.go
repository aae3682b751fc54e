// Package status assembles point-in-time session views for external
// consumption. Building a snapshot is pure: it reads copies, never live
// state, and mutates nothing.
package status

import (
	"time"

	"github.com/catalogcrawl/catalogcrawl/internal/crawl"
	"github.com/catalogcrawl/catalogcrawl/internal/resume"
	"github.com/catalogcrawl/catalogcrawl/internal/throttle"
)

// minThroughputSample is the processed-page floor below which ETA is
// reported as 0 rather than extrapolated from noise.
const minThroughputSample = 3

// PhaseView summarizes one phase's counters.
type PhaseView struct {
	Processed        int     `json:"processed"`
	Total            int     `json:"total"`
	Percent          float64 `json:"percent"`
	Failed           int     `json:"failed"`
	FailedRate       float64 `json:"failed_rate"`
	Retrying         int     `json:"retrying"`
	FailureThreshold float64 `json:"failure_threshold"`

	Concurrency throttle.State `json:"concurrency"`
}

// ErrorView summarizes error visibility for the session.
type ErrorView struct {
	Last  string  `json:"last"`
	Count int     `json:"count"`
	Rate  float64 `json:"rate"`
}

// MetricsView carries derived timing metrics.
type MetricsView struct {
	ElapsedMs             int64   `json:"elapsed_ms"`
	ThroughputPagesPerMin float64 `json:"throughput_pages_per_min"`
	EtaMs                 int64   `json:"eta_ms"`
}

// Snapshot is the external status shape.
type Snapshot struct {
	SessionID string              `json:"session_id"`
	Status    crawl.SessionStatus `json:"status"`
	Pages     PhaseView           `json:"pages"`
	Details   PhaseView           `json:"details"`
	Errors    ErrorView           `json:"errors"`
	Metrics   MetricsView         `json:"metrics"`

	ResumeToken    *resume.Token `json:"resume_token,omitempty"`
	RemainingPages []uint32      `json:"remaining_pages,omitempty"`
}

// Input is everything Build needs, already copied out of live state.
type Input struct {
	SessionID string
	Status    crawl.SessionStatus
	Pages     PhaseCounters
	Details   PhaseCounters
	LastError string
	ErrCount  int
	StartedAt time.Time
	Now       time.Time

	ResumeToken    *resume.Token
	RemainingPages []uint32
}

// PhaseCounters are the raw per-phase numbers.
type PhaseCounters struct {
	Processed        int
	Total            int
	Failed           int
	Retrying         int
	FailureThreshold float64
	Concurrency      throttle.State
}

// Build derives the external snapshot from raw counters.
func Build(in Input) Snapshot {
	elapsed := in.Now.Sub(in.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	throughput := pagesPerMinute(in.Pages.Processed, elapsed)

	snap := Snapshot{
		SessionID: in.SessionID,
		Status:    in.Status,
		Pages:     buildPhase(in.Pages),
		Details:   buildPhase(in.Details),
		Errors: ErrorView{
			Last:  in.LastError,
			Count: in.ErrCount,
			Rate:  errorRate(in.ErrCount, in.Pages.Processed+in.Details.Processed),
		},
		Metrics: MetricsView{
			ElapsedMs:             elapsed.Milliseconds(),
			ThroughputPagesPerMin: throughput,
			EtaMs:                 eta(in.Pages, in.Details, in.Pages.Processed, elapsed),
		},
		ResumeToken:    in.ResumeToken,
		RemainingPages: in.RemainingPages,
	}
	return snap
}

func buildPhase(c PhaseCounters) PhaseView {
	view := PhaseView{
		Processed:        c.Processed,
		Total:            c.Total,
		Failed:           c.Failed,
		Retrying:         c.Retrying,
		FailureThreshold: c.FailureThreshold,
		Concurrency:      c.Concurrency,
	}
	if c.Total > 0 {
		view.Percent = 100 * float64(c.Processed) / float64(c.Total)
	}
	if c.Processed > 0 {
		view.FailedRate = float64(c.Failed) / float64(c.Processed)
	}
	return view
}

func pagesPerMinute(processed int, elapsed time.Duration) float64 {
	if processed == 0 || elapsed <= 0 {
		return 0
	}
	return float64(processed) / elapsed.Minutes()
}

// eta extrapolates remaining work from observed page throughput once a
// minimum sample is available; otherwise it reports 0.
func eta(pages, details PhaseCounters, processedPages int, elapsed time.Duration) int64 {
	if processedPages < minThroughputSample || elapsed <= 0 {
		return 0
	}
	remaining := (pages.Total - pages.Processed) + (details.Total - details.Processed)
	if remaining <= 0 {
		return 0
	}
	perTask := elapsed / time.Duration(processedPages+details.Processed)
	return (perTask * time.Duration(remaining)).Milliseconds()
}

func errorRate(count, processed int) float64 {
	if processed == 0 {
		return 0
	}
	return float64(count) / float64(processed)
}
