// Package api exposes the HTTP control plane for the crawl engine.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/catalogcrawl/catalogcrawl/internal/config"
	"github.com/catalogcrawl/catalogcrawl/internal/progress"
	"github.com/catalogcrawl/catalogcrawl/internal/resume"
	"github.com/catalogcrawl/catalogcrawl/internal/session"
)

// Server wires HTTP handlers to the session manager and event stream.
type Server struct {
	router   chi.Router
	sessions *session.Manager
	events   *progress.Broadcaster
	registry *prometheus.Registry
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	sessions *session.Manager,
	events *progress.Broadcaster,
	registry *prometheus.Registry,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		sessions: sessions,
		events:   events,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}

	timeout := time.Duration(cfg.Server.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(timeout))
			r.Post("/", s.startSession)
			r.Get("/", s.listSessions)
			r.Route("/{session_id}", func(r chi.Router) {
				r.Get("/status", s.getStatus)
				r.Get("/token", s.getToken)
				r.Post("/pause", s.pauseSession)
				r.Post("/resume", s.resumeSession)
				r.Post("/shutdown", s.shutdownSession)
			})
		})
		// The event stream is long-lived and must not run under the
		// request timeout.
		r.Get("/{session_id}/events", s.streamEvents)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startSessionRequest struct {
	TotalPages        int             `json:"total_pages"`
	BatchSize         int             `json:"batch_size"`
	Concurrency       int             `json:"concurrency"`
	ListURLTemplate   string          `json:"list_url_template"`
	DetailURLTemplate string          `json:"detail_url_template"`
	ResumeToken       json.RawMessage `json:"resume_token,omitempty"`
	ResumeSessionID   string          `json:"resume_session_id,omitempty"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	plan := session.Plan{
		TotalPages:        valueOrDefault(req.TotalPages, s.cfg.Crawl.TotalPages),
		BatchSize:         valueOrDefault(req.BatchSize, s.cfg.Crawl.BatchSize),
		Concurrency:       valueOrDefault(req.Concurrency, s.cfg.Crawl.Concurrency),
		ListURLTemplate:   stringOrDefault(req.ListURLTemplate, s.cfg.Crawl.ListURLTemplate),
		DetailURLTemplate: stringOrDefault(req.DetailURLTemplate, s.cfg.Crawl.DetailURLTemplate),
	}

	sess, err := s.sessions.Start(r.Context(), session.StartOptions{
		Plan:            plan,
		TokenJSON:       req.ResumeToken,
		ResumeSessionID: req.ResumeSessionID,
	})
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, resume.ErrEmptyRemainingPages) {
			status = http.StatusUnprocessableEntity
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": sess.ID,
		"status":     string(sess.Status()),
	})
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.sessions.List()
	out := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		snap := sess.StatusSnapshot()
		out = append(out, map[string]any{
			"session_id": sess.ID,
			"status":     sess.Status(),
			"pages": map[string]any{
				"processed": snap.Pages.Processed,
				"total":     snap.Pages.Total,
			},
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(chi.URLParam(r, "session_id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.writeJSON(w, http.StatusOK, sess.StatusSnapshot())
}

func (s *Server) getToken(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(chi.URLParam(r, "session_id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	token, ok := sess.Token()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no resume token: session has no remaining work")
		return
	}
	s.writeJSON(w, http.StatusOK, token)
}

func (s *Server) pauseSession(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(sess *session.Session) { sess.Pause() })
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(sess *session.Session) { sess.Resume() })
}

func (s *Server) shutdownSession(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(sess *session.Session) { sess.Shutdown() })
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, apply func(*session.Session)) {
	sess, ok := s.sessions.Get(chi.URLParam(r, "session_id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if sess.Status().Terminal() {
		s.writeError(w, http.StatusConflict, "session already "+string(sess.Status()))
		return
	}
	apply(sess)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"session_id": sess.ID,
		"status":     string(sess.Status()),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func valueOrDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func stringOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
