package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/conduit/internal/artifact"
	"github.com/mattjoyce/conduit/internal/auth"
	"github.com/mattjoyce/conduit/internal/control"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/plan"
	"github.com/mattjoyce/conduit/internal/runstore"
	"github.com/mattjoyce/conduit/internal/trigger"
)

// Controller is the control plane the API drives. *control.Controller
// implements it.
type Controller interface {
	Projects() []control.ProjectInfo
	Plan(ctx context.Context, project string, tc trigger.Context, opts plan.Options) (*plan.Plan, error)
	Trigger(ctx context.Context, project string, tc trigger.Context) (*runstore.Run, error)
	Play(ctx context.Context, runID, job string) error
	Cancel(ctx context.Context, runID string) error
	Run(ctx context.Context, id string) (*runstore.Run, error)
	Runs(ctx context.Context, f runstore.RunFilter) ([]runstore.Run, error)
	Jobs(ctx context.Context, runID string) ([]runstore.JobRun, error)
	Attempts(ctx context.Context, runID, job string) ([]runstore.Attempt, error)
	Reports(ctx context.Context, runID string) ([]runstore.StoredReport, error)
	Artifacts(ctx context.Context, runID string) ([]artifact.Manifest, error)
}

var _ Controller = (*control.Controller)(nil)

// EventSource is the consumer side of the event hub.
type EventSource interface {
	Subscribe() (<-chan events.Event, func())
	SnapshotSince(lastID int64) []events.Event
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (admin/full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	ctl       Controller
	events    EventSource
	metrics   http.Handler
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. metrics may be nil, in which case
// /metrics is not served.
func New(config Config, ctl Controller, hub EventSource, metrics http.Handler, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		ctl:       ctl,
		events:    hub,
		metrics:   metrics,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: /events streams for as long as the client stays.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		read := r.With(s.requireScopes(auth.ScopePipelinesRead))
		write := r.With(s.requireScopes(auth.ScopePipelinesRW))

		read.Get("/openapi.json", s.handleOpenAPI)
		read.Get("/projects", s.handleListProjects)
		read.Post("/projects/{project}/plan", s.handlePlan)
		write.Post("/projects/{project}/pipelines", s.handleTrigger)

		read.Get("/pipelines", s.handleListPipelines)
		read.Get("/pipelines/{id}", s.handleGetPipeline)
		read.Get("/pipelines/{id}/jobs", s.handleListJobs)
		read.Get("/pipelines/{id}/jobs/{job}/attempts", s.handleListAttempts)
		read.Get("/pipelines/{id}/artifacts", s.handleListArtifacts)
		read.Get("/pipelines/{id}/reports", s.handleListReports)
		write.Post("/pipelines/{id}/jobs/{job}/play", s.handlePlay)
		write.Post("/pipelines/{id}/cancel", s.handleCancel)

		r.With(s.requireScopes(auth.ScopeEventsRead)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
