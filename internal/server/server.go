// Package server exposes the HTTP API, Prometheus metrics and the live
// WebSocket relay of depth signal states.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/depthfeed/internal/server/handler"
	"github.com/alanyoungcy/depthfeed/internal/server/middleware"
	"github.com/alanyoungcy/depthfeed/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	RateLimit   float64
	RateBurst   int
}

// Handlers aggregates the handlers the server registers. Any nil field
// leaves its routes unregistered, so ingest-only modes serve health and
// metrics alone.
type Handlers struct {
	Health        *handler.HealthHandler
	Levels        *handler.LevelsHandler
	Subscriptions *handler.SubscriptionHandler
	Metrics       http.Handler
	Hub           *ws.Hub
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers all routes and wraps them in the middleware chain.
func NewServer(cfg Config, h Handlers, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           NewHandler(cfg, h, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler builds the routed, middleware-wrapped handler.
func NewHandler(cfg Config, h Handlers, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	if h.Health != nil {
		mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	}
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	if h.Levels != nil {
		mux.HandleFunc("GET /api/levels", h.Levels.ListLevels)
		mux.HandleFunc("GET /api/levels/{segment}/{id}", h.Levels.GetLevels)
	}
	if h.Subscriptions != nil {
		mux.HandleFunc("GET /api/sessions/{name}/subscriptions", h.Subscriptions.List)
		mux.HandleFunc("POST /api/sessions/{name}/subscriptions", h.Subscriptions.Add)
		mux.HandleFunc("DELETE /api/sessions/{name}/subscriptions", h.Subscriptions.Remove)
	}
	if h.Hub != nil {
		mux.HandleFunc("GET /ws/levels", h.Hub.HandleWS)
	}

	var chain http.Handler = mux
	chain = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(chain)
	if cfg.RateLimit > 0 {
		chain = middleware.RateLimit(middleware.NewIPLimiter(cfg.RateLimit, cfg.RateBurst))(chain)
	}
	chain = middleware.Logging(logger)(chain)
	chain = middleware.CORS(cfg.CORSOrigins)(chain)
	return chain
}

// Run serves until ctx is cancelled, then shuts down gracefully within
// grace.
func (s *Server) Run(ctx context.Context, grace time.Duration) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.logger.Info("server: starting", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	return s.Shutdown(shutdownCtx)
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
