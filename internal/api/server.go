// Package api provides the HTTP surface for Kestrel.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server. apiKey may be empty to disable
// authentication.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, results *cache.ResultCache, bus domain.EventBus, eng *engine.Engine, version, apiKey string) *Server {
	handler := NewHandler(repo, results, bus, eng, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no auth required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes
	router.Route("/", func(r chi.Router) {
		r.Use(AuthMiddleware(apiKey))

		// Scoring
		r.Post("/score", handler.Score)
		r.Post("/score/async", handler.ScoreAsync)

		// Result retrieval
		r.Get("/results/{id}", handler.GetResult)
		r.Get("/results", handler.ListFlagged)

		// Transaction retrieval
		r.Get("/transactions/{id}", handler.GetTransaction)

		// Detector configuration
		r.Get("/rules", handler.ListRules)
		r.Post("/rules", handler.ApplyRule)
		r.Post("/rules/{name}/enable", handler.EnableRule)
		r.Post("/rules/{name}/disable", handler.DisableRule)
		r.Put("/rules/{name}/threshold", handler.SetRuleThreshold)
		r.Put("/threshold", handler.SetGlobalThreshold)

		// Feedback and statistics
		r.Post("/feedback", handler.Feedback)
		r.Get("/stats", handler.Stats)
		r.Get("/stats/users/{id}", handler.UserStats)

		// Maintenance
		r.Post("/reset", handler.Reset)
		r.Post("/cleanup", handler.Cleanup)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
