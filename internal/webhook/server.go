package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/conduit/internal/plan"
)

// Server represents the webhook HTTP server.
type Server struct {
	config  Config
	trigger Triggerer
	metrics Recorder
	logger  *slog.Logger
	server  *http.Server

	// endpoints maps URL paths to their configurations
	endpoints map[string]*EndpointConfig
}

// New creates a new webhook server instance. metrics may be nil.
func New(config Config, trig Triggerer, metrics Recorder, logger *slog.Logger) *Server {
	// Build endpoint lookup map
	endpoints := make(map[string]*EndpointConfig)
	for i := range config.Endpoints {
		ep := &config.Endpoints[i]

		// Apply defaults
		if ep.MaxBodySize == 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		if ep.SignatureHeader == "" {
			ep.SignatureHeader = defaultSignatureHeader(ep.Provider)
		}

		endpoints[ep.Path] = ep
	}

	return &Server{
		config:    config,
		trigger:   trig,
		metrics:   metrics,
		logger:    logger,
		endpoints: endpoints,
	}
}

// Start starts the webhook HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "endpoints", len(s.endpoints))

	// Run server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for context cancellation or server error
	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

func defaultSignatureHeader(provider string) string {
	if provider == ProviderGitLab {
		return gitlabTokenHeader
	}
	return "X-Hub-Signature-256"
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Register webhook endpoints
	for path := range s.endpoints {
		r.Post(path, s.handleWebhook)
	}

	return r
}

// loggingMiddleware logs HTTP requests (excludes sensitive payloads).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Log request (no body content for security)
		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// handleWebhook verifies a delivery and triggers the endpoint's project.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	endpoint, ok := s.endpoints[r.URL.Path]
	if !ok {
		s.respondError(w, r, http.StatusNotFound, "endpoint not found")
		return
	}

	// Enforce body size limit
	limitedReader := io.LimitReader(r.Body, endpoint.MaxBodySize+1)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		s.respondError(w, r, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > endpoint.MaxBodySize {
		s.respondError(w, r, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	signature := r.Header.Get(endpoint.SignatureHeader)
	if signature == "" {
		s.logger.Warn("webhook signature missing",
			"path", r.URL.Path,
			"header", endpoint.SignatureHeader,
		)
		s.respondError(w, r, http.StatusForbidden, "forbidden")
		return
	}

	if err := verify(endpoint, body, signature); err != nil {
		s.logger.Warn("webhook signature verification failed",
			"path", r.URL.Path,
			"error", err,
		)
		s.respondError(w, r, http.StatusForbidden, "forbidden")
		return
	}

	tc, err := parseDelivery(endpoint.Provider, r.Header, body)
	if errors.Is(err, errIgnored) {
		s.logger.Debug("webhook event ignored", "path", r.URL.Path, "provider", endpoint.Provider)
		s.respond(w, r, http.StatusNoContent, nil)
		return
	}
	if err != nil {
		s.logger.Warn("webhook payload rejected", "path", r.URL.Path, "error", err)
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	run, err := s.trigger.Trigger(ctx, endpoint.Project, tc)
	if errors.Is(err, plan.ErrPipelineFiltered) {
		s.logger.Info("webhook pipeline filtered",
			"path", r.URL.Path,
			"project", endpoint.Project,
			"ref", tc.Ref(),
		)
		s.respond(w, r, http.StatusNoContent, nil)
		return
	}
	if err != nil {
		s.logger.Error("failed to trigger webhook pipeline",
			"path", r.URL.Path,
			"project", endpoint.Project,
			"error", err,
		)
		s.respondError(w, r, http.StatusInternalServerError, "failed to create pipeline")
		return
	}

	s.logger.Info("webhook pipeline created",
		"path", r.URL.Path,
		"project", endpoint.Project,
		"ref", run.Ref,
		"pipeline_id", run.ID,
	)
	s.respond(w, r, http.StatusAccepted, TriggerResponse{PipelineID: run.ID, Project: run.Project, Ref: run.Ref})
}

func verify(ep *EndpointConfig, body []byte, signature string) error {
	if http.CanonicalHeaderKey(ep.SignatureHeader) == gitlabTokenHeader {
		return verifyToken(signature, ep.Secret)
	}
	return verifyHMACSignature(body, signature, ep.Secret)
}

// respond sends a JSON response (or none for nil data) and records the
// delivery.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, data any) {
	if s.metrics != nil {
		s.metrics.ObserveWebhook(r.URL.Path, strconv.Itoa(status))
	}
	if data == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode webhook response", "error", err)
	}
}

// respondError sends a JSON error response.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.respond(w, r, status, ErrorResponse{Error: message})
}
