// Package http provides the HTTP transport layer for stagehand.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	POST   /entities
//	GET    /entities
//	GET    /entities/{id}
//	PATCH  /entities/{id}
//	DELETE /entities/{id}
//	POST   /entities/{id}/publish
//	GET    /jobs/failed
//	GET    /api/stats
//	GET    /ws/stats
//	GET    /metrics
//
// All /entities routes identify the caller through the X-Owner-ID header.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/nwatkins/stagehand/internal/config"
	"github.com/nwatkins/stagehand/internal/delayqueue"
	"github.com/nwatkins/stagehand/internal/metrics"
	"github.com/nwatkins/stagehand/internal/scheduling"
	transportws "github.com/nwatkins/stagehand/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with stagehand route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server around the scheduling service.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(svc *scheduling.Service, q *delayqueue.Queue, cfg *config.Config, nodeID string, reg *metrics.Registry) *Server {
	h := &Handler{svc: svc, queue: q, nodeID: nodeID}
	ws := &transportws.Handler{Queue: q}

	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("GET /health", h.health)

	// Entity lifecycle
	mux.HandleFunc("POST /entities", h.createEntity)
	mux.HandleFunc("GET /entities", h.listEntities)
	mux.HandleFunc("GET /entities/{id}", h.getEntity)
	mux.HandleFunc("PATCH /entities/{id}", h.updateEntity)
	mux.HandleFunc("DELETE /entities/{id}", h.deleteEntity)
	mux.HandleFunc("POST /entities/{id}/publish", h.publishEntity)

	// Queue introspection
	mux.HandleFunc("GET /jobs/failed", h.failedJobs)
	mux.HandleFunc("GET /api/stats", h.statsAPI)

	// WebSocket stats push
	mux.Handle("GET /ws/stats", ws)

	// Metrics (Prometheus text format)
	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	rps := cfg.Limits.MaxRate
	if rps <= 0 {
		rps = 100.0
	}
	burst := cfg.Limits.Burst
	if burst <= 0 {
		burst = 200
	}

	// Build middleware chain: body-limit → logging → auth → rate-limit
	var handler http.Handler = mux
	handler = chain(handler,
		MaxBodyMiddleware,
		LoggingMiddleware(reg),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(rps, burst),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
