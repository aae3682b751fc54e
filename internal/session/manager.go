package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/catalogcrawl/catalogcrawl/internal/crawl"
	"github.com/catalogcrawl/catalogcrawl/internal/resume"
)

// StartOptions selects how a session begins. Exactly one resume source may
// be set; with neither, the session starts fresh from the plan.
type StartOptions struct {
	Plan Plan
	// TokenJSON resumes from an inline serialized token.
	TokenJSON []byte
	// ResumeSessionID resumes from the latest token checkpointed for a
	// previous session.
	ResumeSessionID string
}

// Manager is the registry of live and finished sessions in this process.
type Manager struct {
	deps   Deps
	ids    crawl.IDGenerator
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager builds the session registry.
func NewManager(deps Deps, ids crawl.IDGenerator, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		deps:     deps,
		ids:      ids,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Start creates a session and launches its run goroutine. The returned
// session is already registered and observable.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (*Session, error) {
	if len(opts.TokenJSON) > 0 && opts.ResumeSessionID != "" {
		return nil, fmt.Errorf("resume token and resume session id are mutually exclusive")
	}

	restorePlan, err := m.restorePlan(ctx, opts)
	if err != nil {
		return nil, err
	}

	plan := opts.Plan
	if restorePlan != nil {
		// The token is authoritative for plan shape; the request may still
		// override URL templates, which the token does not carry.
		plan.TotalPages = restorePlan.TotalPages
		if restorePlan.BatchSize > 0 {
			plan.BatchSize = restorePlan.BatchSize
		}
		if restorePlan.ConcurrencyLimit > 0 {
			plan.Concurrency = restorePlan.ConcurrencyLimit
		}
	}

	id, err := m.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	sess, err := New(id, plan, restorePlan, m.deps)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	m.logger.Info("session started",
		zap.String("session_id", id),
		zap.Int("total_pages", plan.TotalPages),
		zap.Bool("resumed", restorePlan != nil),
	)
	go sess.Run(ctx)
	return sess, nil
}

func (m *Manager) restorePlan(ctx context.Context, opts StartOptions) (*resume.RestorePlan, error) {
	var data []byte
	switch {
	case len(opts.TokenJSON) > 0:
		data = opts.TokenJSON
	case opts.ResumeSessionID != "":
		if m.deps.Tokens == nil {
			return nil, fmt.Errorf("no token store configured")
		}
		stored, err := m.deps.Tokens.LoadToken(ctx, opts.ResumeSessionID)
		if err != nil {
			return nil, fmt.Errorf("load token for session %s: %w", opts.ResumeSessionID, err)
		}
		data = stored
	default:
		return nil, nil
	}

	plan, err := m.deps.Resume.Load(data)
	if err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}
	return &plan, nil
}

// Get looks up a session by ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// List returns all known sessions ordered by ID.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ShutdownAll requests shutdown on every non-terminal session and waits
// for them, bounded by ctx.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	for _, sess := range m.List() {
		if !sess.Status().Terminal() {
			sess.Shutdown()
		}
	}
	for _, sess := range m.List() {
		select {
		case <-sess.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
