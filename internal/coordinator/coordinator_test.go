package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/catalogcrawl/catalogcrawl/internal/clock/system"
	"github.com/catalogcrawl/catalogcrawl/internal/crawl"
	"github.com/catalogcrawl/catalogcrawl/internal/progress"
	"github.com/catalogcrawl/catalogcrawl/internal/retry"
	"github.com/catalogcrawl/catalogcrawl/internal/throttle"
)

// scriptedRunner fails each task with the scripted kinds, in order, then
// succeeds. It records dispatch order and peak concurrency.
type scriptedRunner struct {
	mu       sync.Mutex
	failures map[string][]crawl.ErrorKind
	details  map[string][]crawl.DetailRef
	order    []string

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	delay       time.Duration
	gate        chan struct{}
}

func (r *scriptedRunner) Execute(_ context.Context, task crawl.Task) crawl.Outcome {
	cur := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		prev := r.maxInFlight.Load()
		if cur <= prev || r.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}
	if r.gate != nil {
		<-r.gate
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	r.mu.Lock()
	r.order = append(r.order, task.Key())
	kinds := r.failures[task.Key()]
	var kind crawl.ErrorKind
	if len(kinds) > 0 {
		kind = kinds[0]
		r.failures[task.Key()] = kinds[1:]
	}
	details := r.details[task.Key()]
	r.mu.Unlock()

	if kind != "" {
		return crawl.Outcome{Task: task, Err: crawl.NewError(kind, "scripted failure"), Kind: kind}
	}
	return crawl.Outcome{Task: task, Details: details}
}

func pageTasks(n int) []crawl.Task {
	tasks := make([]crawl.Task, 0, n)
	for i := 1; i <= n; i++ {
		tasks = append(tasks, crawl.Task{Kind: crawl.TaskPage, Page: uint32(i), URL: "https://x/p"})
	}
	return tasks
}

func newTestCoordinator(t *testing.T, runner TaskRunner, limit int) (*Coordinator, *progress.Broadcaster) {
	t.Helper()
	clock := system.New()
	events := progress.NewBroadcaster(1024, clock, nil)
	retries := retry.NewManager(retry.Config{Strategy: retry.FixedDelay{D: time.Millisecond}}, nil)
	limiter := throttle.NewController(throttle.Config{InitialLimit: limit, MinSample: 4}, clock, nil)
	c := New(
		Config{SessionID: "s1", Kind: crawl.PhaseListCollection, ShutdownTimeout: 200 * time.Millisecond},
		runner, retries, limiter, events, clock, nil,
	)
	return c, events
}

func TestRunCompletesAllTasks(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{details: map[string][]crawl.DetailRef{
		"page:1": {{ID: "a"}},
		"page:2": {{ID: "b"}, {ID: "c"}},
	}}
	c, _ := newTestCoordinator(t, runner, 2)

	res, err := c.Run(context.Background(), pageTasks(3))
	require.NoError(t, err)
	require.Equal(t, 3, res.Total)
	require.Equal(t, 3, res.Processed)
	require.Zero(t, res.Failed)
	require.Empty(t, res.RemainingPages)
	require.False(t, res.Interrupted)
	require.Len(t, res.Details, 3)

	snap := c.Snapshot()
	require.True(t, snap.Done)
	require.Zero(t, snap.InFlight)
}

func TestRunCountsPermanentFailuresAsProcessed(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{failures: map[string][]crawl.ErrorKind{
		"page:2": {crawl.KindPermanent},
		"page:4": {crawl.KindPermanent},
	}}
	c, _ := newTestCoordinator(t, runner, 2)

	res, err := c.Run(context.Background(), pageTasks(5))
	require.NoError(t, err)
	require.Equal(t, 5, res.Processed, "permanently failed tasks still count as processed")
	require.Equal(t, 2, res.Failed)
	require.ElementsMatch(t, []uint32{2, 4}, res.FailedPages)
	require.ElementsMatch(t, []uint32{2, 4}, res.RemainingPages,
		"failed pages were never completed and stay in the remaining set")
	require.ElementsMatch(t, []string{"page:2", "page:4"}, res.FailedSample)
}

func TestRunRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{failures: map[string][]crawl.ErrorKind{
		"page:1": {crawl.KindServerError, crawl.KindServerError},
	}}
	c, _ := newTestCoordinator(t, runner, 1)

	res, err := c.Run(context.Background(), pageTasks(2))
	require.NoError(t, err)
	require.Equal(t, 2, res.Processed)
	require.Zero(t, res.Failed)
	require.Equal(t, 2, res.Retries)
	require.Equal(t, map[int]int{2: 1}, res.RetryHistogram)
	require.Equal(t, map[uint32]uint32{1: 2}, res.RetriesPerPage)
}

func TestRunExhaustsRetryBudget(t *testing.T) {
	t.Parallel()

	// Default budget is 3 page retries; 4 consecutive failures exhaust it.
	runner := &scriptedRunner{failures: map[string][]crawl.ErrorKind{
		"page:1": {crawl.KindServerError, crawl.KindServerError, crawl.KindServerError, crawl.KindServerError},
	}}
	c, _ := newTestCoordinator(t, runner, 1)

	res, err := c.Run(context.Background(), pageTasks(1))
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 3, res.Retries)
	require.Equal(t, []uint32{1}, res.FailedPages)
}

func TestRunDispatchesFIFO(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{}
	c, _ := newTestCoordinator(t, runner, 1)

	_, err := c.Run(context.Background(), pageTasks(4))
	require.NoError(t, err)
	require.Equal(t, []string{"page:1", "page:2", "page:3", "page:4"}, runner.order)
}

func TestRunHonorsConcurrencyLimit(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{delay: 5 * time.Millisecond}
	c, _ := newTestCoordinator(t, runner, 2)

	_, err := c.Run(context.Background(), pageTasks(8))
	require.NoError(t, err)
	require.LessOrEqual(t, runner.maxInFlight.Load(), int32(2))
}

func TestRunInternalErrorAbortsPhase(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{failures: map[string][]crawl.ErrorKind{
		"page:1": {crawl.KindInternal},
	}}
	c, _ := newTestCoordinator(t, runner, 1)

	res, err := c.Run(context.Background(), pageTasks(3))
	require.Error(t, err)
	require.True(t, res.Interrupted)
	require.NotEmpty(t, res.RemainingPages)
}

func TestRunEmitsSingleDownshift(t *testing.T) {
	t.Parallel()

	failures := make(map[string][]crawl.ErrorKind)
	for _, key := range []string{"page:1", "page:2", "page:3", "page:4", "page:5"} {
		failures[key] = []crawl.ErrorKind{crawl.KindPermanent}
	}
	runner := &scriptedRunner{failures: failures}
	c, events := newTestCoordinator(t, runner, 4)

	stream, cancel := events.Subscribe()
	defer cancel()

	res, err := c.Run(context.Background(), pageTasks(10))
	require.NoError(t, err)
	require.Equal(t, 5, res.Failed)

	snap := c.Snapshot()
	require.True(t, snap.Concurrency.Downshifted)
	require.Equal(t, 2, snap.Concurrency.CurrentLimit)

	downshifts := 0
	for {
		select {
		case evt := <-stream:
			if evt.Variant == progress.VariantDownshift {
				downshifts++
				require.Equal(t, 4, evt.OldLimit)
				require.Equal(t, 2, evt.NewLimit)
			}
			continue
		default:
		}
		break
	}
	require.Equal(t, 1, downshifts)
}

func TestPauseHaltsDispatchUntilResume(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	runner := &scriptedRunner{gate: gate}
	c, _ := newTestCoordinator(t, runner, 1)

	done := make(chan crawl.PhaseResult, 1)
	go func() {
		res, _ := c.Run(context.Background(), pageTasks(3))
		done <- res
	}()

	// First task is in flight; pause, then let it finish.
	require.Eventually(t, func() bool {
		return c.Snapshot().InFlight == 1
	}, time.Second, time.Millisecond)
	c.Pause()
	gate <- struct{}{}

	require.Eventually(t, func() bool {
		snap := c.Snapshot()
		return snap.Processed == 1 && snap.Paused && snap.InFlight == 0
	}, time.Second, time.Millisecond)

	// Paused: nothing new dispatches.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, c.Snapshot().Processed)

	c.Resume()
	close(gate)
	res := <-done
	require.Equal(t, 3, res.Processed)
}

func TestShutdownFinalizesInFlightWork(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	runner := &scriptedRunner{gate: gate}
	c, _ := newTestCoordinator(t, runner, 1)

	done := make(chan crawl.PhaseResult, 1)
	go func() {
		res, _ := c.Run(context.Background(), pageTasks(4))
		done <- res
	}()

	require.Eventually(t, func() bool {
		return c.Snapshot().InFlight == 1
	}, time.Second, time.Millisecond)
	c.Shutdown()

	// The gate never opens, so the drain times out and the in-flight task
	// is finalized as permanently failed.
	res := <-done
	require.True(t, res.Interrupted)
	require.Equal(t, 1, res.Processed)
	require.Equal(t, 1, res.Failed)
	require.Len(t, res.RemainingPages, 4, "nothing completed, everything is restartable")
	close(gate)
}

func TestSnapshotNeverBlocks(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	runner := &scriptedRunner{gate: gate}
	c, _ := newTestCoordinator(t, runner, 1)

	go func() {
		_, _ = c.Run(context.Background(), pageTasks(1))
	}()

	require.Eventually(t, func() bool {
		return c.Snapshot().InFlight == 1
	}, time.Second, time.Millisecond)

	start := time.Now()
	for i := 0; i < 100; i++ {
		_ = c.Snapshot()
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
	close(gate)
}
