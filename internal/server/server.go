// Package server exposes the contract pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/contract-sentinel/internal/config"
	"github.com/raaihank/contract-sentinel/internal/logger"
	"github.com/raaihank/contract-sentinel/internal/pipeline"
	"github.com/raaihank/contract-sentinel/internal/queue"
	"github.com/raaihank/contract-sentinel/internal/store"
	"github.com/raaihank/contract-sentinel/internal/web"
	"github.com/raaihank/contract-sentinel/internal/websocket"
)

const version = "0.1.0"

// Processor runs documents through the pipeline
type Processor interface {
	Process(ctx context.Context, job pipeline.Job) (*pipeline.Outcome, error)
	Redrive(ctx context.Context, documentID string) (*pipeline.Outcome, error)
	Status(ctx context.Context, documentID string) (*store.RunRecord, error)
}

// Documents reads and deletes stored results
type Documents interface {
	Get(ctx context.Context, documentID string) (*store.Result, error)
	List(ctx context.Context, limit, offset int) ([]store.Summary, int, error)
	Delete(ctx context.Context, documentID string) error
	Ping(ctx context.Context) error
}

// Enqueuer accepts background tasks
type Enqueuer interface {
	Enqueue(ctx context.Context, task queue.Task) error
}

// Deps are the server's collaborators. Queue and Hub are optional.
type Deps struct {
	Pipeline  Processor
	Documents Documents
	Queue     Enqueuer
	Hub       *websocket.Hub
	Limiter   *RateLimiter
}

// Server represents the HTTP API server
type Server struct {
	config *config.Config
	logger *logger.Logger
	deps   Deps
	router *mux.Router
	server *http.Server

	dashboard http.HandlerFunc
}

// New creates a new server instance
func New(cfg *config.Config, deps Deps, log *logger.Logger) (*Server, error) {
	if deps.Pipeline == nil || deps.Documents == nil {
		return nil, errors.New("server requires a pipeline and a document store")
	}
	if deps.Limiter == nil {
		rl := cfg.Server.RateLimit
		deps.Limiter = NewRateLimiter(rl.Enabled, rl.RequestsPerMinute, rl.Burst)
	}
	if deps.Queue != nil {
		if err := os.MkdirAll(cfg.Server.SpoolDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create spool directory: %w", err)
		}
	}

	s := &Server{
		config: cfg,
		logger: log.WithComponent("server"),
		deps:   deps,
		router: mux.NewRouter(),
	}
	if deps.Hub != nil && cfg.WebSocket.Enabled {
		dashboard, err := web.DashboardHandler(cfg.WebSocket.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to render dashboard: %w", err)
		}
		s.dashboard = dashboard
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware, s.recoveryMiddleware)

	s.router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	if s.deps.Hub != nil && s.config.WebSocket.Enabled {
		s.router.HandleFunc(s.config.WebSocket.Path, s.deps.Hub.HandleWebSocket).Methods(http.MethodGet)
		s.router.HandleFunc("/dashboard", s.dashboard).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.loggingMiddleware, s.rateLimitMiddleware)
	api.HandleFunc("/documents", s.handleCreateDocument).Methods(http.MethodPost)
	api.HandleFunc("/documents", s.handleListDocuments).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}", s.handleGetDocument).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}", s.handleDeleteDocument).Methods(http.MethodDelete)
	api.HandleFunc("/documents/{id}/run", s.handleGetRun).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}/retry", s.handleRetry).Methods(http.MethodPost)
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Limiter returns the per-client rate limiter
func (s *Server) Limiter() *RateLimiter {
	return s.deps.Limiter
}

// Start serves HTTP until Stop is called
func (s *Server) Start() error {
	s.logger.Info("Starting contract-sentinel API server",
		zap.String("addr", s.server.Addr),
		zap.Bool("async", s.deps.Queue != nil),
		zap.Bool("websocket", s.deps.Hub != nil && s.config.WebSocket.Enabled),
	)

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping contract-sentinel API server")
	return s.server.Shutdown(ctx)
}
