// Package session owns the lifecycle of one crawl: the two phases, pause
// and resume, shutdown, checkpointing, and the resume token. A session is
// an actor: its run goroutine is the only writer of phase state, and
// status reads never touch that goroutine.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/catalogcrawl/catalogcrawl/internal/coordinator"
	"github.com/catalogcrawl/catalogcrawl/internal/crawl"
	"github.com/catalogcrawl/catalogcrawl/internal/progress"
	"github.com/catalogcrawl/catalogcrawl/internal/resume"
	"github.com/catalogcrawl/catalogcrawl/internal/retry"
	"github.com/catalogcrawl/catalogcrawl/internal/status"
	"github.com/catalogcrawl/catalogcrawl/internal/throttle"
)

// Plan describes the work a fresh session is asked to do.
type Plan struct {
	TotalPages int
	BatchSize  int
	// Concurrency is the initial worker limit per phase.
	Concurrency int
	// ListURLTemplate expands a page number into a list URL, e.g.
	// "https://shop.example.com/catalog?page=%d".
	ListURLTemplate string
	// DetailURLTemplate expands a detail ID into a product URL. Needed to
	// rebuild URLs for detail IDs restored from a resume token.
	DetailURLTemplate string
}

// Validate rejects plans that cannot produce a runnable session.
func (p Plan) Validate() error {
	if p.TotalPages <= 0 {
		return fmt.Errorf("total_pages must be > 0")
	}
	if !strings.Contains(p.ListURLTemplate, "%d") {
		return fmt.Errorf("list_url_template must contain a %%d page placeholder")
	}
	if p.DetailURLTemplate != "" && !strings.Contains(p.DetailURLTemplate, "%s") {
		return fmt.Errorf("detail_url_template must contain a %%s id placeholder")
	}
	return nil
}

// Deps carries the collaborators a session needs. All are required except
// Logger and CheckpointEvery.
type Deps struct {
	// NewRunner builds the task runner for a session, typically an
	// executor scoped to the session ID.
	NewRunner func(sessionID string) coordinator.TaskRunner
	Events    *progress.Broadcaster
	Tokens crawl.TokenStore
	Resume *resume.Manager
	Clock  crawl.Clock
	Logger *zap.Logger

	RetryConfig    retry.Config
	ThrottleConfig throttle.Config

	// CheckpointEvery enables periodic token persistence when > 0.
	CheckpointEvery time.Duration
	ShutdownTimeout time.Duration
}

// Session is one crawl in flight. Construct with New, then call Run once
// (typically via the Manager, which runs it on its own goroutine).
type Session struct {
	ID      string
	plan    Plan
	restore *resume.RestorePlan
	deps    Deps
	runner  coordinator.TaskRunner
	logger  *zap.Logger

	// startedAt is set once in New and never written again.
	startedAt time.Time

	state      atomic.Value // crawl.SessionStatus
	listCoord  atomic.Pointer[coordinator.Coordinator]
	detailCord atomic.Pointer[coordinator.Coordinator]
	listDone   atomic.Pointer[coordinator.Snapshot]
	token      atomic.Pointer[resume.Token]

	mu       sync.Mutex
	paused   bool
	resumeCh chan struct{}

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	done         chan struct{}
}

// New builds a session. A non-nil restore plan resumes prior work instead
// of starting from page one.
func New(id string, plan Plan, restorePlan *resume.RestorePlan, deps Deps) (*Session, error) {
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.NewRunner == nil {
		return nil, fmt.Errorf("a runner factory is required")
	}
	s := &Session{
		ID:         id,
		plan:       plan,
		restore:    restorePlan,
		deps:       deps,
		runner:     deps.NewRunner(id),
		logger:     deps.Logger.With(zap.String("session_id", id)),
		startedAt:  deps.Clock.Now(),
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.state.Store(crawl.SessionRunning)
	return s, nil
}

// Status returns the session's lifecycle state.
func (s *Session) Status() crawl.SessionStatus {
	return s.state.Load().(crawl.SessionStatus)
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Pause halts new task dispatch. In-flight tasks finish normally. Pausing
// a terminal or already-paused session is a no-op.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused || s.Status().Terminal() {
		return
	}
	s.paused = true
	s.resumeCh = make(chan struct{})
	if c := s.active(); c != nil {
		c.Pause()
	}
	s.state.Store(crawl.SessionPaused)
	s.publish(progress.Event{Variant: progress.VariantSessionPaused})
}

// Resume re-enables dispatch after a pause.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused || s.Status().Terminal() {
		return
	}
	s.paused = false
	close(s.resumeCh)
	if c := s.active(); c != nil {
		c.Resume()
	}
	s.state.Store(crawl.SessionRunning)
	s.publish(progress.Event{Variant: progress.VariantSessionResumed})
}

// Shutdown requests a graceful stop: dispatch halts, in-flight work drains
// bounded by the configured timeout, and a resume token is emitted.
func (s *Session) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.Status().Terminal() {
			return
		}
		s.state.Store(crawl.SessionShuttingDown)
		s.publish(progress.Event{Variant: progress.VariantSessionShuttingDown})
		close(s.shutdownCh)
		if c := s.active(); c != nil {
			c.Shutdown()
		}
		if s.paused {
			// Unblock a run goroutine parked between phases.
			s.paused = false
			close(s.resumeCh)
		}
	})
}

func (s *Session) active() *coordinator.Coordinator {
	if c := s.detailCord.Load(); c != nil {
		return c
	}
	return s.listCoord.Load()
}

// Run executes the session to a terminal state. It must be called exactly
// once and blocks until the session finishes.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)

	s.publish(progress.Event{
		Variant: progress.VariantSessionStarted,
		Total:   s.plan.TotalPages,
	})

	stopCheckpoints := s.startCheckpoints(ctx)
	defer stopCheckpoints()

	listRes, err := s.runListPhase(ctx)
	if err != nil {
		s.finish(crawl.SessionFailed, err)
		return
	}
	if listRes.Interrupted {
		s.finishInterrupted()
		return
	}
	if s.awaitResume(ctx) {
		s.finishInterrupted()
		return
	}

	detailRes, err := s.runDetailPhase(ctx, listRes)
	if err != nil {
		s.finish(crawl.SessionFailed, err)
		return
	}
	if detailRes.Interrupted {
		s.finishInterrupted()
		return
	}

	s.finish(crawl.SessionCompleted, nil)
}

func (s *Session) runListPhase(ctx context.Context) (crawl.PhaseResult, error) {
	pages := s.planPages()
	tasks := make([]crawl.Task, 0, len(pages))
	for _, page := range pages {
		tasks = append(tasks, crawl.Task{
			Kind: crawl.TaskPage,
			Page: page,
			URL:  fmt.Sprintf(s.plan.ListURLTemplate, page),
		})
	}

	retries := retry.NewManager(s.deps.RetryConfig, s.logger)
	if s.restore != nil {
		for page, attempts := range s.restore.PageRetries {
			retries.SeedAttempts(fmt.Sprintf("page:%d", page), int(attempts))
		}
	}

	coord := s.newCoordinator(crawl.PhaseListCollection, retries)
	s.listCoord.Store(coord)
	if s.isPaused() {
		coord.Pause()
	}

	res, err := coord.Run(ctx, tasks)
	snap := coord.Snapshot()
	s.listDone.Store(&snap)
	if err != nil {
		return res, fmt.Errorf("list phase: %w", err)
	}
	return res, nil
}

func (s *Session) runDetailPhase(ctx context.Context, listRes crawl.PhaseResult) (crawl.PhaseResult, error) {
	refs := listRes.Details
	if s.restore != nil {
		refs = append(s.restoredDetailRefs(), refs...)
	}
	tasks := make([]crawl.Task, 0, len(refs))
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if ref.ID == "" || seen[ref.ID] {
			continue
		}
		seen[ref.ID] = true
		tasks = append(tasks, crawl.Task{
			Kind:     crawl.TaskDetail,
			DetailID: ref.ID,
			URL:      ref.URL,
		})
	}

	retries := retry.NewManager(s.deps.RetryConfig, s.logger)
	if s.restore != nil {
		for id, attempts := range s.restore.DetailRetries {
			retries.SeedAttempts("detail:"+id, int(attempts))
		}
	}

	coord := s.newCoordinator(crawl.PhaseDetailCollection, retries)
	s.detailCord.Store(coord)
	if s.isPaused() {
		coord.Pause()
	}

	res, err := coord.Run(ctx, tasks)
	if err != nil {
		return res, fmt.Errorf("detail phase: %w", err)
	}
	return res, nil
}

func (s *Session) newCoordinator(kind crawl.PhaseKind, retries *retry.Manager) *coordinator.Coordinator {
	throttleCfg := s.deps.ThrottleConfig
	if s.plan.Concurrency > 0 {
		throttleCfg.InitialLimit = s.plan.Concurrency
	}
	limiter := throttle.NewController(throttleCfg, s.deps.Clock, s.logger)
	return coordinator.New(
		coordinator.Config{
			SessionID:        s.ID,
			Kind:             kind,
			FailureThreshold: throttleCfg.FailureThreshold,
			ShutdownTimeout:  s.deps.ShutdownTimeout,
		},
		s.runner,
		retries,
		limiter,
		s.deps.Events,
		s.deps.Clock,
		s.logger,
	)
}

func (s *Session) planPages() []uint32 {
	if s.restore != nil {
		return s.restore.RemainingPages
	}
	pages := make([]uint32, 0, s.plan.TotalPages)
	for page := uint32(1); page <= uint32(s.plan.TotalPages); page++ {
		pages = append(pages, page)
	}
	return pages
}

func (s *Session) restoredDetailRefs() []crawl.DetailRef {
	if s.restore == nil || len(s.restore.RemainingDetailIDs) == 0 {
		return nil
	}
	refs := make([]crawl.DetailRef, 0, len(s.restore.RemainingDetailIDs))
	for _, id := range s.restore.RemainingDetailIDs {
		ref := crawl.DetailRef{ID: id}
		if s.plan.DetailURLTemplate != "" {
			ref.URL = fmt.Sprintf(s.plan.DetailURLTemplate, id)
		}
		refs = append(refs, ref)
	}
	return refs
}

func (s *Session) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// awaitResume parks the run goroutine between phases while paused. It
// returns true when a shutdown arrived instead of a resume.
func (s *Session) awaitResume(ctx context.Context) bool {
	s.mu.Lock()
	paused := s.paused
	resumeCh := s.resumeCh
	s.mu.Unlock()
	if !paused {
		return false
	}
	select {
	case <-resumeCh:
		return s.shutdownRequested()
	case <-s.shutdownCh:
		return true
	case <-ctx.Done():
		return true
	}
}

func (s *Session) shutdownRequested() bool {
	select {
	case <-s.shutdownCh:
		return true
	default:
		return false
	}
}

// transition moves the lifecycle to state unless a terminal state has
// already been reached. All state stores go through here (or through
// Pause/Shutdown, which hold the same lock) so a terminal state can
// never be overwritten.
func (s *Session) transition(state crawl.SessionStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status().Terminal() {
		return false
	}
	s.state.Store(state)
	return true
}

func (s *Session) finishInterrupted() {
	// Shutdown was announced when requested; here we only seal the token.
	s.transition(crawl.SessionShuttingDown)
	s.sealToken()
}

func (s *Session) finish(state crawl.SessionStatus, err error) {
	if !s.transition(state) {
		// A shutdown won the race to a terminal state. Seal the token
		// and keep the announced state.
		s.sealToken()
		return
	}
	s.sealToken()

	variant := progress.VariantSessionCompleted
	if state == crawl.SessionFailed {
		variant = progress.VariantSessionFailed
		s.logger.Error("session failed", zap.Error(err))
	}
	evt := progress.Event{Variant: variant}
	if err != nil {
		evt.Note = err.Error()
	}
	s.publish(evt)
}

// sealToken emits and persists the final resume token. A session with no
// remaining work produces no token: an empty plan is not resumable.
func (s *Session) sealToken() {
	token, err := s.deps.Resume.Emit(s.resumeSnapshot())
	if err != nil {
		if err != resume.ErrEmptyRemainingPages {
			s.logger.Warn("emit resume token", zap.Error(err))
		}
		return
	}
	s.token.Store(&token)
	s.persistToken(token)
}

func (s *Session) persistToken(token resume.Token) {
	if s.deps.Tokens == nil {
		return
	}
	data, err := token.Encode()
	if err != nil {
		s.logger.Warn("encode resume token", zap.Error(err))
		return
	}
	// Detached context: the session context is usually cancelled by now.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.deps.Tokens.SaveToken(ctx, s.ID, data); err != nil {
		s.logger.Warn("persist resume token", zap.Error(err))
	}
}

// resumeSnapshot assembles the unfinished-work view from the coordinator
// snapshots. Detail IDs discovered by pages that never completed are
// unknowable here; re-crawling those pages rediscovers them.
func (s *Session) resumeSnapshot() resume.Snapshot {
	snap := resume.Snapshot{
		TotalPages:       s.plan.TotalPages,
		BatchSize:        s.plan.BatchSize,
		ConcurrencyLimit: s.plan.Concurrency,
	}

	list := s.listSnapshot()
	if list != nil {
		snap.RemainingPages = list.RemainingPages
		snap.RetryingPages = list.RetryingPages
		snap.FailedPages = list.FailedPages
		snap.RetriesPerPage = list.PageRetries
		snap.ProcessedPages = list.Processed
		snap.ConcurrencyLimit = list.Concurrency.CurrentLimit
	}
	if detail := s.detailCord.Load(); detail != nil {
		ds := detail.Snapshot()
		snap.RemainingDetailIDs = ds.RemainingDetailIDs
		snap.DetailRetryCounts = ds.DetailRetries
		snap.ConcurrencyLimit = ds.Concurrency.CurrentLimit
	}
	return snap
}

// listSnapshot prefers the frozen end-of-phase snapshot so detail-phase
// checkpoints keep accurate page accounting.
func (s *Session) listSnapshot() *coordinator.Snapshot {
	if frozen := s.listDone.Load(); frozen != nil {
		return frozen
	}
	if c := s.listCoord.Load(); c != nil {
		snap := c.Snapshot()
		return &snap
	}
	return nil
}

// startCheckpoints persists a token periodically so an abrupt process death
// loses at most one interval of progress.
func (s *Session) startCheckpoints(ctx context.Context) func() {
	if s.deps.CheckpointEvery <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(s.deps.CheckpointEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.checkpoint()
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}

func (s *Session) checkpoint() {
	token, err := s.deps.Resume.Emit(s.resumeSnapshot())
	if err != nil {
		// No remaining pages means nothing worth checkpointing.
		return
	}
	s.token.Store(&token)
	s.persistToken(token)
	s.publish(progress.Event{Variant: progress.VariantCheckpoint})
}

// Token returns the most recently emitted resume token, synthesizing one
// from live state when none has been sealed yet. The bool reports whether
// a token exists; sessions with no remaining work have none.
func (s *Session) Token() (resume.Token, bool) {
	if t := s.token.Load(); t != nil {
		return *t, true
	}
	token, err := s.deps.Resume.Emit(s.resumeSnapshot())
	if err != nil {
		return resume.Token{}, false
	}
	return token, true
}

// StatusSnapshot builds the externally visible status view. It reads only
// atomic snapshots and never blocks on the run loop.
func (s *Session) StatusSnapshot() status.Snapshot {
	in := status.Input{
		SessionID: s.ID,
		Status:    s.Status(),
		StartedAt: s.startedAt,
		Now:       s.deps.Clock.Now(),
	}

	if list := s.listSnapshot(); list != nil {
		in.Pages = phaseCounters(*list)
		in.LastError = list.LastError
		in.ErrCount = list.ErrorCount
		in.RemainingPages = list.RemainingPages
	}
	if c := s.detailCord.Load(); c != nil {
		ds := c.Snapshot()
		in.Details = phaseCounters(ds)
		if ds.LastError != "" {
			in.LastError = ds.LastError
		}
		in.ErrCount += ds.ErrorCount
	}
	if t := s.token.Load(); t != nil {
		in.ResumeToken = t
	}
	return status.Build(in)
}

func phaseCounters(snap coordinator.Snapshot) status.PhaseCounters {
	return status.PhaseCounters{
		Processed:        snap.Processed,
		Total:            snap.Total,
		Failed:           snap.Failed,
		Retrying:         snap.Retrying,
		FailureThreshold: snap.FailureThreshold,
		Concurrency:      snap.Concurrency,
	}
}

func (s *Session) publish(evt progress.Event) {
	if s.deps.Events == nil {
		return
	}
	evt.SessionID = s.ID
	s.deps.Events.Publish(evt)
}
