// Package signalserver wires the Peer Registry's two WebSocket upgrade
// endpoints onto an HTTP router: /ws/server for media workers
// (internal/workersession) and /ws/client for browser clients
// (internal/clientsession). Grounded on the teacher's internal/api.Server,
// which mounts its WebSocket signaling endpoint on a bare root router so it
// bypasses the API router's timeout/body-limit/rate-limit middleware stack;
// this repo keeps that separation and drops the chat/guild/friends routes
// the teacher's API router carried alongside it.
package signalserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/voxrelay/voxrelay/internal/clientsession"
	"github.com/voxrelay/voxrelay/internal/observability"
	"github.com/voxrelay/voxrelay/internal/registry"
	"github.com/voxrelay/voxrelay/internal/workersession"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the signaling process's HTTP entrypoint: WebSocket upgrade
// endpoints plus health/metrics.
type Server struct {
	router chi.Router
	reg    *registry.Registry
	health *observability.HealthChecker
	logger zerolog.Logger
}

// New constructs a Server bound to reg. health may be nil, in which case
// /healthz always reports healthy.
func New(reg *registry.Registry, health *observability.HealthChecker, logger zerolog.Logger) *Server {
	s := &Server{
		reg:    reg,
		health: health,
		logger: logger.With().Str("component", "signal-server").Logger(),
	}

	r := chi.NewRouter()
	r.Get("/ws/server", s.handleWorker)
	r.Get("/ws/client", s.handleClient)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	s.router = r
	return s
}

// Handler returns the router as an http.Handler, for use with http.Server
// or httptest.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("worker websocket upgrade failed")
		return
	}
	workersession.New(conn, s.reg, s.logger).Run()
}

func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("client websocket upgrade failed")
		return
	}
	clientsession.New(conn, s.reg, s.logger).Run()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
		return
	}

	result := s.health.Check(r.Context())
	status := http.StatusOK
	if result.IsUnhealthy() {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(result)
}
