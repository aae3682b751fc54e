// Package coordinator drives one crawl phase to completion under a worker
// budget. Many tasks execute concurrently but every outcome is applied by
// the coordinator's single run loop, so phase counters have exactly one
// writer and readers only ever see immutable snapshots.
package coordinator

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/catalogcrawl/catalogcrawl/internal/crawl"
	"github.com/catalogcrawl/catalogcrawl/internal/progress"
	"github.com/catalogcrawl/catalogcrawl/internal/retry"
	"github.com/catalogcrawl/catalogcrawl/internal/throttle"
)

// TaskRunner executes one task attempt to a typed outcome.
type TaskRunner interface {
	Execute(ctx context.Context, task crawl.Task) crawl.Outcome
}

// Config controls a single phase run.
type Config struct {
	SessionID        string
	Kind             crawl.PhaseKind
	FailureThreshold float64
	// ShutdownTimeout bounds the in-flight drain after a shutdown request;
	// tasks still running afterwards are finalized as permanently failed
	// for accounting.
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 0.30
	}
	return c
}

// Snapshot is the read-only phase view handed to status queries. It is
// replaced wholesale on every outcome, never mutated in place.
type Snapshot struct {
	Kind             crawl.PhaseKind
	Total            int
	Processed        int
	Failed           int
	Retrying         int
	InFlight         int
	FailedPages      []uint32
	FailedDetailIDs  []string
	FailedSample     []string
	LastError        string
	ErrorCount       int
	FailureThreshold float64
	Concurrency      throttle.State
	Paused           bool
	Done             bool

	// Remaining work and retry accounting, copied out for checkpointing.
	RemainingPages     []uint32
	RemainingDetailIDs []string
	RetryingPages      []uint32
	PageRetries        map[uint32]uint32
	DetailRetries      map[string]uint32
	TotalRetries       int
}

type command int

const (
	cmdPause command = iota
	cmdResume
	cmdShutdown
)

// Coordinator owns one phase. Construct with New, call Run exactly once.
type Coordinator struct {
	cfg      Config
	runner   TaskRunner
	retries  *retry.Manager
	throttle *throttle.Controller
	events   *progress.Broadcaster
	clock    crawl.Clock
	logger   *zap.Logger

	cmds chan command
	snap atomic.Pointer[Snapshot]
}

// New builds a Coordinator for one phase.
func New(
	cfg Config,
	runner TaskRunner,
	retries *retry.Manager,
	limiter *throttle.Controller,
	events *progress.Broadcaster,
	clock crawl.Clock,
	logger *zap.Logger,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		cfg:      cfg.withDefaults(),
		runner:   runner,
		retries:  retries,
		throttle: limiter,
		events:   events,
		clock:    clock,
		logger:   logger,
		cmds:     make(chan command, 8),
	}
	c.snap.Store(&Snapshot{Kind: cfg.Kind, FailureThreshold: c.cfg.FailureThreshold})
	return c
}

// Pause halts new dispatch. In-flight tasks finish and report normally.
func (c *Coordinator) Pause() { c.send(cmdPause) }

// Resume re-enables dispatch at the current concurrency limit.
func (c *Coordinator) Resume() { c.send(cmdResume) }

// Shutdown stops dispatch and drains in-flight work bounded by the
// configured timeout.
func (c *Coordinator) Shutdown() { c.send(cmdShutdown) }

func (c *Coordinator) send(cmd command) {
	select {
	case c.cmds <- cmd:
	default:
		// Run loop has exited; the command is moot.
	}
}

// Snapshot returns the latest phase view. Never blocks on the run loop.
func (c *Coordinator) Snapshot() Snapshot {
	return *c.snap.Load()
}

type pendingRetry struct {
	task       crawl.Task
	eligibleAt time.Time
}

type runState struct {
	tasks      []crawl.Task
	fresh      []crawl.Task
	retryQueue []pendingRetry
	inFlight   map[string]crawl.Task
	results    chan crawl.Outcome

	completed map[string]bool
	processed int
	failed    int

	failedPages     []uint32
	failedDetailIDs []string
	failedSample    []string
	lastError       string
	errorCount      int

	discovered []crawl.DetailRef

	paused      bool
	shuttingDow bool
	internalErr error
}

// Run drives the task set to completion and returns the phase result. It
// returns a non-nil error only for internal orchestration failures, which
// abort the phase with a partial result.
func (c *Coordinator) Run(ctx context.Context, tasks []crawl.Task) (crawl.PhaseResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := &runState{
		tasks:     tasks,
		fresh:     append([]crawl.Task(nil), tasks...),
		inFlight:  make(map[string]crawl.Task),
		results:   make(chan crawl.Outcome, 64),
		completed: make(map[string]bool, len(tasks)),
	}
	total := len(tasks)

	c.publish(progress.Event{
		Variant: progress.VariantPhaseStarted,
		Phase:   c.cfg.Kind,
		Total:   total,
	})
	c.store(st, total)

	for {
		if !st.paused && !st.shuttingDow {
			c.dispatch(runCtx, st)
		}
		if st.processed >= total && len(st.inFlight) == 0 {
			break
		}
		if st.shuttingDow {
			c.drain(cancel, st, total)
			break
		}

		timerC, stop := c.retryTimer(st)
		select {
		case out := <-st.results:
			c.apply(st, out, total)
		case cmd := <-c.cmds:
			c.handle(cmd, st, total)
		case <-timerC:
		case <-ctx.Done():
			st.shuttingDow = true
		}
		stop()
	}

	c.publish(progress.Event{
		Variant:   progress.VariantPhaseCompleted,
		Phase:     c.cfg.Kind,
		Processed: st.processed,
		Failed:    st.failed,
		Retrying:  len(st.retryQueue),
		Total:     total,
	})
	c.store(st, total)
	return c.result(st, tasks), st.internalErr
}

// dispatch fills free worker slots. Fresh work goes first; retry-eligible
// tasks follow in requeue order once their delay has elapsed.
func (c *Coordinator) dispatch(ctx context.Context, st *runState) {
	now := c.clock.Now()
	for len(st.inFlight) < c.throttle.Limit() {
		task, ok := c.nextTask(st, now)
		if !ok {
			return
		}
		task.Attempt = c.retries.Attempts(task.Key()) + 1
		st.inFlight[task.Key()] = task
		go func(t crawl.Task) {
			st.results <- c.runner.Execute(ctx, t)
		}(task)
	}
}

func (c *Coordinator) nextTask(st *runState, now time.Time) (crawl.Task, bool) {
	if len(st.fresh) > 0 {
		task := st.fresh[0]
		st.fresh = st.fresh[1:]
		return task, true
	}
	for i, pending := range st.retryQueue {
		if pending.eligibleAt.After(now) {
			continue
		}
		st.retryQueue = append(st.retryQueue[:i], st.retryQueue[i+1:]...)
		return pending.task, true
	}
	return crawl.Task{}, false
}

// retryTimer arms a wake-up for the earliest deferred retry when nothing
// else would unblock dispatch.
func (c *Coordinator) retryTimer(st *runState) (<-chan time.Time, func()) {
	if st.paused || st.shuttingDow || len(st.fresh) > 0 || len(st.retryQueue) == 0 {
		return nil, func() {}
	}
	if len(st.inFlight) >= c.throttle.Limit() {
		return nil, func() {}
	}
	earliest := st.retryQueue[0].eligibleAt
	for _, pending := range st.retryQueue[1:] {
		if pending.eligibleAt.Before(earliest) {
			earliest = pending.eligibleAt
		}
	}
	wait := earliest.Sub(c.clock.Now())
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	timer := time.NewTimer(wait)
	return timer.C, func() { timer.Stop() }
}

func (c *Coordinator) handle(cmd command, st *runState, total int) {
	switch cmd {
	case cmdPause:
		st.paused = true
	case cmdResume:
		st.paused = false
	case cmdShutdown:
		st.shuttingDow = true
	}
	c.store(st, total)
}

func (c *Coordinator) apply(st *runState, out crawl.Outcome, total int) {
	task := out.Task
	delete(st.inFlight, task.Key())

	if out.Succeeded() {
		st.processed++
		st.completed[task.Key()] = true
		if len(out.Details) > 0 {
			st.discovered = append(st.discovered, out.Details...)
		}
		c.publish(progress.Event{
			Variant:   progress.VariantTaskCompleted,
			Phase:     c.cfg.Kind,
			TaskKey:   task.Key(),
			Processed: st.processed,
			Failed:    st.failed,
			Retrying:  len(st.retryQueue),
			Total:     total,
			Attempt:   task.Attempt,
			Dur:       out.Duration,
		})
		c.store(st, total)
		return
	}

	st.errorCount++
	st.lastError = out.Err.Error()

	if out.Kind == crawl.KindInternal {
		c.logger.Error("internal error aborts phase",
			zap.String("phase", string(c.cfg.Kind)),
			zap.String("task", task.Key()),
			zap.Error(out.Err),
		)
		st.internalErr = out.Err
		st.shuttingDow = true
		c.store(st, total)
		return
	}

	decision := c.retries.Decide(task, out.Kind, c.clock.Now())
	if decision.Requeue {
		st.retryQueue = append(st.retryQueue, pendingRetry{task: task, eligibleAt: decision.EligibleAt})
		c.publish(progress.Event{
			Variant:   progress.VariantTaskRetried,
			Phase:     c.cfg.Kind,
			TaskKey:   task.Key(),
			ErrorKind: string(out.Kind),
			Attempt:   decision.Attempts,
		})
	} else {
		c.permanentFail(st, task, string(out.Kind), total)
	}

	state, shifted := c.throttle.Observe(st.processed, st.failed)
	if shifted {
		c.publish(progress.Event{
			Variant:  progress.VariantDownshift,
			Phase:    c.cfg.Kind,
			OldLimit: state.Meta.OldLimit,
			NewLimit: state.Meta.NewLimit,
			Note:     state.Meta.Trigger,
		})
	}
	c.store(st, total)
}

func (c *Coordinator) permanentFail(st *runState, task crawl.Task, errKind string, total int) {
	st.processed++
	st.failed++
	if task.Kind == crawl.TaskPage {
		st.failedPages = append(st.failedPages, task.Page)
	} else {
		st.failedDetailIDs = append(st.failedDetailIDs, task.DetailID)
	}
	if len(st.failedSample) < crawl.FailedSampleCap {
		st.failedSample = append(st.failedSample, task.Key())
	}
	c.publish(progress.Event{
		Variant:   progress.VariantTaskFailed,
		Phase:     c.cfg.Kind,
		TaskKey:   task.Key(),
		ErrorKind: errKind,
		Processed: st.processed,
		Failed:    st.failed,
		Retrying:  len(st.retryQueue),
		Total:     total,
	})
}

// drain waits for in-flight tasks bounded by the shutdown timeout, then
// finalizes whatever is still running as permanently failed so the
// accounting stays consistent.
func (c *Coordinator) drain(cancel context.CancelFunc, st *runState, total int) {
	deadline := time.After(c.cfg.ShutdownTimeout)
	for len(st.inFlight) > 0 {
		select {
		case out := <-st.results:
			c.apply(st, out, total)
		case <-deadline:
			cancel()
			c.finalizeInFlight(st, total)
			return
		}
	}
}

func (c *Coordinator) finalizeInFlight(st *runState, total int) {
	abandoned := len(st.inFlight)
	for _, task := range st.inFlight {
		c.permanentFail(st, task, "shutdown", total)
	}
	st.inFlight = make(map[string]crawl.Task)
	if abandoned > 0 {
		// Let stragglers deliver their outcomes without blocking forever.
		results := st.results
		go func() {
			for i := 0; i < abandoned; i++ {
				<-results
			}
		}()
	}
}

func (c *Coordinator) result(st *runState, tasks []crawl.Task) crawl.PhaseResult {
	res := crawl.PhaseResult{
		Kind:              c.cfg.Kind,
		Total:             len(tasks),
		Processed:         st.processed,
		Failed:            st.failed,
		FailedSample:      st.failedSample,
		FailedPages:       st.failedPages,
		FailedDetailIDs:   st.failedDetailIDs,
		Retries:           c.retries.TotalRetries(),
		RetryHistogram:    c.retries.Histogram(),
		Details:           st.discovered,
		RetriesPerPage:    c.retries.PageRetries(),
		DetailRetryCounts: c.retries.DetailRetries(),
		Interrupted:       st.shuttingDow || st.internalErr != nil,
	}
	res.RemainingPages, res.RemainingDetailIDs = remaining(st)
	return res
}

// remaining lists work not yet successfully completed, in dispatch order.
// Permanently failed tasks count as remaining: they were never completed
// and a resumed session may retry them.
func remaining(st *runState) ([]uint32, []string) {
	var pages []uint32
	var detailIDs []string
	for _, task := range st.tasks {
		if st.completed[task.Key()] {
			continue
		}
		if task.Kind == crawl.TaskPage {
			pages = append(pages, task.Page)
		} else {
			detailIDs = append(detailIDs, task.DetailID)
		}
	}
	return pages, detailIDs
}

func (c *Coordinator) store(st *runState, total int) {
	snap := &Snapshot{
		Kind:             c.cfg.Kind,
		Total:            total,
		Processed:        st.processed,
		Failed:           st.failed,
		Retrying:         len(st.retryQueue),
		InFlight:         len(st.inFlight),
		FailedPages:      append([]uint32(nil), st.failedPages...),
		FailedDetailIDs:  append([]string(nil), st.failedDetailIDs...),
		FailedSample:     append([]string(nil), st.failedSample...),
		LastError:        st.lastError,
		ErrorCount:       st.errorCount,
		FailureThreshold: c.cfg.FailureThreshold,
		Concurrency:      c.throttle.Snapshot(),
		Paused:           st.paused,
		Done:             st.processed >= total && len(st.inFlight) == 0,
		PageRetries:      c.retries.PageRetries(),
		DetailRetries:    c.retries.DetailRetries(),
		TotalRetries:     c.retries.TotalRetries(),
	}
	snap.RemainingPages, snap.RemainingDetailIDs = remaining(st)
	for _, pending := range st.retryQueue {
		if pending.task.Kind == crawl.TaskPage {
			snap.RetryingPages = append(snap.RetryingPages, pending.task.Page)
		}
	}
	c.snap.Store(snap)
}

func (c *Coordinator) publish(evt progress.Event) {
	if c.events == nil {
		return
	}
	evt.SessionID = c.cfg.SessionID
	c.events.Publish(evt)
}
