// Package api exposes the campaign control surface over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/getreach/reachd/internal/account"
	"github.com/getreach/reachd/internal/engine"
	"github.com/getreach/reachd/internal/metrics"
	"github.com/getreach/reachd/internal/store"
)

// Config holds API server settings
type Config struct {
	ListenAddr   string
	APIKey       string
	StatusColumn string // forwarded to CSV sources opened for campaigns
	Version      string
}

// Server is the HTTP control API
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	store      *store.Store
	engine     *engine.Engine
	pool       *account.Pool
	cfg        Config
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(st *store.Store, eng *engine.Engine, pool *account.Pool, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		store:     st,
		engine:    eng,
		pool:      pool,
		cfg:       cfg,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	s.setupRoutes(m)
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes(m *metrics.Metrics) {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.logRequests)
	s.router.Use(metrics.HTTPMiddleware(m))
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Post("/campaigns", s.handleCreateCampaign)
		r.Get("/campaigns", s.handleListCampaigns)
		r.Get("/campaigns/{id}", s.handleGetCampaign)
		r.Post("/campaigns/{id}/start", s.handleStartCampaign)
		r.Post("/campaigns/{id}/pause", s.handlePauseCampaign)
		r.Get("/campaigns/{id}/targets", s.handleListTargets)

		r.Post("/source/preview", s.handleSourcePreview)
		r.Get("/accounts", s.handleListAccounts)
	})
}

// Router returns the HTTP handler; exposed for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP API server", "addr", s.cfg.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
