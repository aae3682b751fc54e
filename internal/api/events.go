package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// streamEvents serves the session's event stream as NDJSON. The stream is
// best effort: a slow reader may miss events, which it can detect through
// gaps in the seq numbers. ?mode=generalized flattens every event onto the
// single generalized wire name.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	generalized := r.URL.Query().Get("mode") == "generalized" || s.cfg.Events.Generalized

	events, cancel := s.events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case evt, open := <-events:
			if !open {
				return
			}
			if evt.SessionID != sessionID {
				continue
			}
			if err := enc.Encode(evt.WirePayload(generalized)); err != nil {
				s.logger.Debug("event stream write failed", zap.Error(err))
				return
			}
			flusher.Flush()
		case <-sess.Done():
			// Drain whatever is already buffered, then end the stream.
			for {
				select {
				case evt, open := <-events:
					if !open {
						return
					}
					if evt.SessionID != sessionID {
						continue
					}
					if err := enc.Encode(evt.WirePayload(generalized)); err != nil {
						return
					}
					flusher.Flush()
				default:
					return
				}
			}
		case <-r.Context().Done():
			return
		}
	}
}
