// Package api provides the HTTP server for Vitalis. Session runs are
// synchronous: POST /v1/sessions blocks until the run reaches a resting
// state, and the request context cancels the run.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vitalis-health/vitalis/internal/app/override"
	"github.com/vitalis-health/vitalis/internal/app/pipeline"
	"github.com/vitalis-health/vitalis/internal/domain"
	"github.com/vitalis-health/vitalis/internal/health"
	"github.com/vitalis-health/vitalis/internal/infra/sqlite"
)

// Server is the Vitalis HTTP API server.
type Server struct {
	pipeline  *pipeline.Pipeline
	overrides *override.Service
	db        *sqlite.DB
	health    *health.Checker

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewServer creates a new API server.
func NewServer(pipe *pipeline.Pipeline, overrides *override.Service, db *sqlite.DB, checker *health.Checker) *Server {
	return &Server{
		pipeline:  pipe,
		overrides: overrides,
		db:        db,
		health:    checker,
		running:   make(map[string]context.CancelFunc),
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions", s.handleListSessions)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Post("/cancel", s.handleCancelSession)
			r.Get("/evidence", s.handleListEvidence)
			r.Get("/debate", s.handleListDebate)
			r.Get("/case", s.handleGetCase)
			r.Get("/overrides", s.handleListOverrides)
			r.Post("/overrides", s.handleCreateOverride)
			r.Get("/vram", s.handleVram)
		})
	})

	return r
}

// ─── Run Tracking ───────────────────────────────────────────────────────────

func (s *Server) track(sessionID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.running[sessionID] = cancel
	s.mu.Unlock()
}

func (s *Server) untrack(sessionID string) {
	s.mu.Lock()
	delete(s.running, sessionID)
	s.mu.Unlock()
}

func (s *Server) cancelRun(sessionID string) bool {
	s.mu.Lock()
	cancel, ok := s.running[sessionID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// ─── Response Helpers ───────────────────────────────────────────────────────

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": msg})
}

// statusFor maps domain sentinels to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrCaseNotFound),
		errors.Is(err, domain.ErrSourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrStateConflict),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrCaseExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnknownField),
		errors.Is(err, domain.ErrInvalidValue),
		errors.Is(err, domain.ErrUngroundedClaim),
		errors.Is(err, domain.ErrDebateAborted):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrResourceExhausted),
		errors.Is(err, domain.ErrAuditWrite):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleHealthz reports the latest health check round.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status := "ok"
	code := http.StatusOK
	if !s.health.IsHealthy() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": s.health.Statuses(),
	})
}
