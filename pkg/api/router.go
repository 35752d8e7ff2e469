// Package api assembles the HTTP surface of the service.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/memfabric/memfabric/pkg/api/handlers"
	"github.com/memfabric/memfabric/pkg/api/middleware"
	"github.com/memfabric/memfabric/pkg/fabric"
	"github.com/memfabric/memfabric/pkg/logger"
	"github.com/memfabric/memfabric/pkg/metrics"
	"github.com/memfabric/memfabric/pkg/ports"
)

// RouterConfig carries the knobs the router needs beyond its collaborators.
type RouterConfig struct {
	AdminToken  string
	IngestRPS   float64
	IngestBurst int
}

// NewRouter wires middleware and routes.
func NewRouter(svc *fabric.Service, registry *ports.Registry, m *metrics.Manager, log logger.Logger, cfg RouterConfig) http.Handler {
	h := handlers.New(svc, registry, log, cfg.AdminToken)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Logger(log))
	r.Use(middleware.Metrics(m))

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	r.Get("/status", h.Status)
	if m != nil && m.Enabled() {
		r.Handle("/metrics", m.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.With(middleware.RateLimit(cfg.IngestRPS, cfg.IngestBurst)).Post("/events", h.Ingest)
		r.Post("/recall", h.Recall)
		r.Post("/consolidate", h.Consolidate)
		r.Post("/reflect", h.Reflect)
		r.Get("/rules", h.Rules)
		r.Get("/trace/{subject}", h.Trace)
		r.Post("/benchmark", h.Benchmark)

		r.Group(func(r chi.Router) {
			r.Use(middleware.AdminAuth(cfg.AdminToken))
			r.Post("/delete_user", h.DeleteUser)
			r.Post("/admin/reset_breakers", h.ResetBreakers)
		})
	})

	return r
}
