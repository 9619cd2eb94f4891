// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"poolplane/internal/controller/handlers"
	"poolplane/internal/controller/middleware"
	"poolplane/internal/logger"
)

// Config holds the controller server options.
type Config struct {
	// Shared secret workers present on /internal endpoints
	SystemSecret string

	// Public API rate limit per client (requests/second, 0 disables) and burst
	RateLimit float64
	RateBurst int

	// Metrics, if set, is served on /metrics
	Metrics http.Handler

	Logger *slog.Logger
}

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// New creates a new controller server.
func New(addr string, store handlers.StoreFactory, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logger.New()
	}

	h := handlers.New(store, cfg.Logger)
	limit := middleware.NewRateLimiter(cfg.RateLimit, cfg.RateBurst).Middleware()
	internalAuth := middleware.RequireInternalAuth(cfg.SystemSecret, cfg.Logger)

	mux := http.NewServeMux()

	// Health checks
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	// Public apis
	mux.Handle("POST /work-pools", limit(http.HandlerFunc(h.CreateWorkPool)))
	mux.Handle("GET /work-pools", limit(http.HandlerFunc(h.ListWorkPools)))
	mux.Handle("GET /work-pools/{name}", limit(http.HandlerFunc(h.GetWorkPool)))
	mux.Handle("POST /work-pools/{name}/jobs", limit(http.HandlerFunc(h.SubmitJob)))
	mux.Handle("GET /jobs/{id}", limit(http.HandlerFunc(h.GetJob)))
	mux.Handle("GET /jobs/{id}/logs", limit(http.HandlerFunc(h.GetJobLogs)))

	// Internal endpoints
	// These are called by the Worker Agent.
	mux.Handle("POST /internal/jobs/{id}/logs", internalAuth(http.HandlerFunc(h.InternalAddLogs)))

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      middleware.RequestID(middleware.Logging(cfg.Logger)(mux)),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
