package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/catalogcrawl/catalogcrawl/internal/crawl"
)

func baseInput() Input {
	start := time.Unix(1700000000, 0)
	return Input{
		SessionID: "s1",
		Status:    crawl.SessionRunning,
		StartedAt: start,
		Now:       start.Add(time.Minute),
	}
}

func TestBuildPercentAndFailedRate(t *testing.T) {
	t.Parallel()

	in := baseInput()
	in.Pages = PhaseCounters{Processed: 25, Total: 100, Failed: 5}

	snap := Build(in)
	require.InDelta(t, 25.0, snap.Pages.Percent, 0.001)
	require.InDelta(t, 0.2, snap.Pages.FailedRate, 0.001)
	require.Zero(t, snap.Details.Percent, "empty phase reports 0, not NaN")
	require.Zero(t, snap.Details.FailedRate)
}

func TestBuildEmptyPhaseIsSafe(t *testing.T) {
	t.Parallel()

	snap := Build(baseInput())
	require.Zero(t, snap.Pages.Percent)
	require.Zero(t, snap.Errors.Rate)
	require.Zero(t, snap.Metrics.EtaMs)
	require.Zero(t, snap.Metrics.ThroughputPagesPerMin)
}

func TestBuildEtaNeedsMinimumSample(t *testing.T) {
	t.Parallel()

	in := baseInput()
	in.Pages = PhaseCounters{Processed: 2, Total: 100}
	require.Zero(t, Build(in).Metrics.EtaMs, "below the sample floor the eta is suppressed")

	in.Pages.Processed = 3
	require.Positive(t, Build(in).Metrics.EtaMs)
}

func TestBuildEtaExtrapolatesFromThroughput(t *testing.T) {
	t.Parallel()

	in := baseInput()
	// 10 pages in 60s: 6s per task, 90 pages + 0 details remain.
	in.Pages = PhaseCounters{Processed: 10, Total: 100}

	snap := Build(in)
	require.Equal(t, int64(90*6000), snap.Metrics.EtaMs)
	require.InDelta(t, 10.0, snap.Metrics.ThroughputPagesPerMin, 0.001)
}

func TestBuildEtaCoversBothPhases(t *testing.T) {
	t.Parallel()

	in := baseInput()
	in.Pages = PhaseCounters{Processed: 10, Total: 10}
	in.Details = PhaseCounters{Processed: 20, Total: 50}

	// 30 tasks in 60s: 2s per task, 30 details remain.
	require.Equal(t, int64(30*2000), Build(in).Metrics.EtaMs)
}

func TestBuildErrorRate(t *testing.T) {
	t.Parallel()

	in := baseInput()
	in.Pages = PhaseCounters{Processed: 8, Total: 10}
	in.Details = PhaseCounters{Processed: 2, Total: 20}
	in.ErrCount = 5
	in.LastError = "fetch page 9: status 503"

	snap := Build(in)
	require.Equal(t, "fetch page 9: status 503", snap.Errors.Last)
	require.Equal(t, 5, snap.Errors.Count)
	require.InDelta(t, 0.5, snap.Errors.Rate, 0.001)
}

func TestBuildClampsNegativeElapsed(t *testing.T) {
	t.Parallel()

	in := baseInput()
	in.Now = in.StartedAt.Add(-time.Second)
	snap := Build(in)
	require.Zero(t, snap.Metrics.ElapsedMs)
}
