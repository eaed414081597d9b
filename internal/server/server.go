// Package server exposes the engine's history, pair registry and sizing
// calculators over HTTP, plus a WebSocket feed of bus events.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/omenarb/internal/domain"
	"github.com/alanyoungcy/omenarb/internal/server/handler"
	"github.com/alanyoungcy/omenarb/internal/server/middleware"
	"github.com/alanyoungcy/omenarb/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit requests per RateWindow per client; zero disables limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Nil handlers
// leave their routes unregistered.
type Handlers struct {
	Health  *handler.HealthHandler
	Status  *handler.StatusHandler
	Arb     *handler.ArbHandler
	Pairs   *handler.PairHandler
	Sizing  *handler.SizingHandler
	Archive *handler.ArchiveHandler
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux and
// the middleware chain (CORS, logging, rate limit, auth) applied. limiter may
// be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, handlers, wsHub, limiter, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 2 * time.Minute, // manual scans run synchronously
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// NewHandler builds the routed and wrapped http.Handler. It is separate from
// NewServer so tests can drive it with httptest.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	if h := handlers.Health; h != nil {
		mux.HandleFunc("GET /api/health", h.HealthCheck)
	}
	if h := handlers.Status; h != nil {
		mux.HandleFunc("GET /api/status", h.GetStatus)
	}
	if h := handlers.Arb; h != nil {
		mux.HandleFunc("GET /api/opportunities/recent", h.ListRecent)
		mux.HandleFunc("GET /api/executions", h.ListExecutions)
		mux.HandleFunc("GET /api/executions/{id}", h.GetExecution)
		mux.HandleFunc("POST /api/arbitrage/scan", h.Scan)
	}
	if h := handlers.Pairs; h != nil {
		mux.HandleFunc("GET /api/pairs", h.ListPairs)
		mux.HandleFunc("POST /api/pairs", h.CreatePair)
		mux.HandleFunc("POST /api/pairs/run", h.RunPairs)
		mux.HandleFunc("GET /api/pairs/{id}/plan", h.EvaluatePair)
		mux.HandleFunc("DELETE /api/pairs/{id}", h.DisablePair)
	}
	if h := handlers.Sizing; h != nil {
		mux.HandleFunc("POST /api/sizing/kelly", h.Kelly)
		mux.HandleFunc("POST /api/sizing/market-move", h.MarketMove)
	}
	if h := handlers.Archive; h != nil {
		mux.HandleFunc("GET /api/archive", h.ListArchives)
		mux.HandleFunc("GET /api/archive/file", h.GetArchive)
		mux.HandleFunc("POST /api/archive/run", h.RunArchive)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Innermost first: auth, then rate limit, logging and CORS on the outside.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
