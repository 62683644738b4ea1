// Package api implements the signaling process's admin HTTP surface:
// POST /call for server-initiated calls, plus /healthz and /metrics.
// Grounded on the teacher's internal/api.Server (chi router, middleware
// stack, writeJSON/writeError response helpers); the chat/guild/friends/
// auth route tree and its JWT middleware are dropped since this system has
// no persisted accounts (authentication is a named Non-goal).
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/observability"
	"github.com/voxrelay/voxrelay/internal/registry"
)

// Server is the signaling process's admin HTTP API: POST /call plus
// health/metrics. It is a separate listener from internal/signalserver's
// WebSocket endpoints, mirroring the teacher's split between its root
// WebSocket router and its middleware-wrapped API router.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	reg        *registry.Registry
	health     *observability.HealthChecker
	metrics    *observability.Metrics
	logger     zerolog.Logger
	cfg        config.SignalingConfig
}

// New creates and configures a new admin API Server with all routes and
// middleware. health and metrics may be nil.
func New(
	cfg config.SignalingConfig,
	reg *registry.Registry,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Server {
	s := &Server{
		reg:     reg,
		health:  health,
		metrics: metrics,
		logger:  logger.With().Str("component", "admin_api").Logger(),
		cfg:     cfg,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(SecurityHeaders())
	r.Use(CORSMiddleware(cfg.CORS))
	r.Use(MaxBodySize(1 << 20))

	rps := cfg.RateLimitRPS
	if rps <= 0 {
		rps = 100
	}
	r.Use(RateLimitWithHeaders(rps))

	if metrics != nil {
		r.Use(MetricsMiddleware(metrics))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/call", s.handleCall)

	s.router = r
	return s
}

// Start begins listening for HTTP connections. It blocks until the server
// is shut down or an error occurs.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.Info().Str("addr", addr).Msg("starting admin HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down admin HTTP server")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the chi router as an http.Handler, for use with
// httptest or mounting inside another router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		return
	}

	result := s.health.Check(r.Context())
	status := http.StatusOK
	if result.IsUnhealthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, result)
}
