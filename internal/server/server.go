package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/config"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/db"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/ledger"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/server/middleware"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/server/ratelimit"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/types"
)

// Engine starts workflow runs.
type Engine interface {
	Start(ctx context.Context, event types.DisputeEvent) (*db.Run, error)
}

// Gateway accepts reviewer decisions.
type Gateway interface {
	Submit(ctx context.Context, req types.DecisionRequest) (*db.Run, error)
	ListPending(ctx context.Context) ([]db.Run, error)
}

// RunStore reads runs for the status endpoints.
type RunStore interface {
	GetRun(ctx context.Context, runID uuid.UUID) (*db.Run, error)
	ListRunsByCase(ctx context.Context, caseID string) ([]db.Run, error)
}

// EventPublisher enqueues dispute events for the worker.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event types.DisputeEvent) (int64, error)
}

// Reviewers looks up reviewer accounts for login.
type Reviewers interface {
	GetReviewerByEmail(ctx context.Context, email string) (*db.ReviewerRecord, error)
}

// Pinger is a collaborator that can report its health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds server configuration
type Config struct {
	Port         int
	CORSOrigin   string
	AuthRequired bool
	RateLimit    ratelimit.Config
}

// Deps are the services behind the HTTP surface. Events, Reviewers, JWT,
// Passwords, Metrics and Progress are optional; the endpoints that need
// them answer 404 or 503 when they are missing.
type Deps struct {
	Engine    Engine
	Gateway   Gateway
	Runs      RunStore
	Ledger    *ledger.Ledger
	Events    EventPublisher
	Reviewers Reviewers
	JWT       *JWTService
	Passwords *config.PasswordConfig
	Health    map[string]Pinger
	Metrics   prometheus.Gatherer
	Progress  *ProgressHub
	Logger    *slog.Logger
}

// Server represents the HTTP server
type Server struct {
	httpServer  *http.Server
	handler     http.Handler
	deps        Deps
	cfg         Config
	logger      *slog.Logger
	rateLimiter *ratelimit.Limiter
	authHandler *AuthHandler
}

// New creates a new server instance
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Engine == nil || deps.Gateway == nil || deps.Runs == nil || deps.Ledger == nil {
		return nil, fmt.Errorf("engine, gateway, run store and ledger are required")
	}
	if cfg.AuthRequired && deps.JWT == nil {
		return nil, fmt.Errorf("auth is required but no JWT service is configured")
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}

	s := &Server{
		deps:        deps,
		cfg:         cfg,
		logger:      deps.Logger,
		rateLimiter: ratelimit.NewLimiter(cfg.RateLimit),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if deps.JWT != nil && deps.Reviewers != nil && deps.Passwords != nil {
		s.authHandler = NewAuthHandler(deps.Reviewers, deps.Passwords, deps.JWT, s.logger)
	}

	mux := http.NewServeMux()

	// Workflow
	mux.HandleFunc("POST /workflow/start", s.handleStart)
	mux.HandleFunc("POST /workflow/events", s.handlePublishEvent)
	mux.HandleFunc("GET /workflow/{run_id}/status", s.handleStatus)
	mux.HandleFunc("GET /workflow/case/{case_id}", s.handleCaseRuns)
	mux.HandleFunc("GET /workflow/case/{case_id}/events", s.handleCaseEvents)

	// Human review
	reviewer := s.reviewerAuth()
	mux.Handle("POST /human-review/decision", reviewer(http.HandlerFunc(s.handleDecision)))
	mux.Handle("GET /human-review/pending", reviewer(http.HandlerFunc(s.handlePending)))

	// Costs
	mux.HandleFunc("GET /costs/run/{run_id}", s.handleRunCost)
	mux.HandleFunc("GET /costs/case/{case_id}", s.handleCaseCost)
	mux.HandleFunc("GET /costs/summary", s.handleCostSummary)

	// Auth
	mux.HandleFunc("POST /auth/login", s.handleLogin)

	// Operations
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /services/health", s.handleServicesHealth)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{}))
	}

	s.handler = s.withRateLimit(s.withLogging(s.withCORS(mux)))
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s.handler,
		// Runs are driven synchronously until they suspend.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	defer s.rateLimiter.Stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// reviewerAuth guards reviewer endpoints when auth is required.
func (s *Server) reviewerAuth() func(http.Handler) http.Handler {
	if !s.cfg.AuthRequired {
		return func(next http.Handler) http.Handler { return next }
	}
	return middleware.AuthMiddleware(s.deps.JWT.AsTokenValidator(), func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, &ErrUnauthorized{})
	})
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.cfg.CORSOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRateLimit adds rate limiting middleware
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, info := s.rateLimiter.Allow(clientID(r), r.URL.Path, r.Method)
		setRateLimitHeaders(w, info)
		if !allowed {
			s.rateLimitResponse(w, r, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for access logs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"remote", clientID(r),
		)
	})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	RunID   string `json:"run_id,omitempty"`
}

// writeError maps err to its status and writes the structured body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeRunError(w, r, nil, err)
}

// writeRunError is writeError for failures that still have a run to point at.
func (s *Server) writeRunError(w http.ResponseWriter, r *http.Request, run *db.Run, err error) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	body := ErrorResponse{Error: errorCode(err), Message: errorMessage(err)}
	if run != nil {
		body.RunID = run.RunID.String()
	}
	s.jsonResponse(w, status, body)
}

// clientID extracts the client identifier from the request.
// X-Forwarded-For is ignored because the server does not know its proxies.
func clientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response with rate limit information.
func (s *Server) rateLimitResponse(w http.ResponseWriter, r *http.Request, info ratelimit.Info) {
	seconds := int(info.RetryAfter.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	s.logger.Warn("rate limit exceeded", "path", r.URL.Path, "client", clientID(r), "limit", info.Limit)
	s.jsonResponse(w, http.StatusTooManyRequests, map[string]any{
		"error":       "rate_limit_exceeded",
		"message":     "Rate limit exceeded. Please try again later.",
		"limit":       info.Limit,
		"retry_after": seconds,
	})
}
