// Package server exposes the compliance Engine over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/discloser/pkg/api"
	"github.com/Mindburn-Labs/discloser/pkg/auth"
	"github.com/Mindburn-Labs/discloser/pkg/compliance"
)

// Options configures the middleware around the routes. A nil Validator
// rejects every non-public request.
type Options struct {
	Validator      *auth.JWTValidator
	Limiter        auth.LimiterStore
	RateLimit      auth.LimitPolicy
	Idempotency    api.IdempotencyStore
	AllowedOrigins []string
	// Ready backs /readiness. Nil means always ready.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

// Server holds the HTTP handlers for one Engine.
type Server struct {
	engine *compliance.Engine
	opts   Options
	logger *slog.Logger
}

// New creates a Server.
func New(engine *compliance.Engine, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "server")
	}
	return &Server{engine: engine, opts: opts, logger: logger}
}

// Routes registers every endpoint on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readiness", s.handleReadiness)

	mux.HandleFunc("POST /api/cases", s.handleCreateCase)
	mux.HandleFunc("GET /api/cases", s.handleListCases)
	mux.HandleFunc("GET /api/cases/{id}", s.handleGetCase)
	mux.HandleFunc("PATCH /api/cases/{id}", s.handleUpdateCase)
	mux.HandleFunc("POST /api/cases/{id}/advance", s.handleAdvanceCase)
	mux.HandleFunc("POST /api/cases/{id}/close", s.handleCloseCase)
	mux.HandleFunc("POST /api/cases/{id}/participants", s.handleAddParticipant)
	mux.HandleFunc("POST /api/cases/{id}/links", s.handleAddLinks)
	mux.HandleFunc("GET /api/cases/{id}/deadlines", s.handleDeadlines)
	mux.HandleFunc("POST /api/cases/{id}/submissions", s.handleCreateSubmission)
	mux.HandleFunc("GET /api/cases/{id}/submissions", s.handleListSubmissions)

	mux.HandleFunc("GET /api/submissions/{id}", s.handleGetSubmission)
	mux.HandleFunc("PUT /api/submissions/{id}/content", s.handleSetContent)
	mux.HandleFunc("POST /api/submissions/{id}/validate", s.handleValidate)
	mux.HandleFunc("POST /api/submissions/{id}/ready", s.handleMarkReady)
	mux.HandleFunc("POST /api/submissions/{id}/export", s.handleExport)
	mux.HandleFunc("GET /api/submissions/{id}/export", s.handleDownloadExport)
	mux.HandleFunc("POST /api/submissions/{id}/submitted", s.handleMarkSubmitted)
	mux.Handle("POST /api/submissions/{id}/dispatch",
		auth.RequireRole(auth.RoleReporter, http.HandlerFunc(s.handleDispatch)))

	mux.Handle("GET /api/audit/events",
		auth.RequireRole(auth.RoleAuditor, http.HandlerFunc(s.handleListEvents)))
	mux.Handle("GET /api/audit/verify",
		auth.RequireRole(auth.RoleAuditor, http.HandlerFunc(s.handleVerify)))
	mux.Handle("GET /api/audit/checkpoint",
		auth.RequireRole(auth.RoleAuditor, http.HandlerFunc(s.handleCheckpoint)))
	mux.Handle("POST /api/audit/checkpoint/verify",
		auth.RequireRole(auth.RoleAuditor, http.HandlerFunc(s.handleCheckCheckpoint)))

	mux.HandleFunc("GET /api/reports/overdue", s.handleOverdueReport)

	return mux
}

// Handler returns the routes wrapped in the middleware chain. The request ID
// is assigned first so every later layer can log it.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.Routes()
	if s.opts.Idempotency != nil {
		h = api.IdempotencyMiddleware(s.opts.Idempotency, idempotencyScope)(h)
	}
	if s.opts.Limiter != nil {
		h = auth.RateLimitMiddleware(s.opts.Limiter, s.opts.RateLimit)(h)
	}
	h = auth.NewMiddleware(s.opts.Validator)(h)
	h = auth.CORSMiddleware(s.opts.AllowedOrigins)(h)
	return auth.RequestIDMiddleware(h)
}

// idempotencyScope keeps keys from colliding across callers.
func idempotencyScope(r *http.Request) string {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		return ""
	}
	return p.GetOrganizationID() + "/" + p.GetID()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "readiness check failed", "error", err)
			api.WriteErrorR(w, r, http.StatusServiceUnavailable, "Service Unavailable", "dependencies not ready")
			return
		}
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if api.StatusFor(err) >= http.StatusInternalServerError {
		auth.Logger(r.Context(), s.logger).ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	api.WriteDomainError(w, r, err)
}
