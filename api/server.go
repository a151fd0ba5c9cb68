/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for HR tooling frontends

ROUTE GROUPS:
  /api/employees/*      Employees, grants, deductions, balances, compliance
  /api/usage/*          Reversals
  /api/audit/*          Audit chain queries and verification
  /api/certificates/*   Compliance certificates
  /api/sweeps           Fiscal year end expiry
  /healthz              Liveness with database ping
  /metrics              Prometheus exposition

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig holds the router settings that come from configuration.
type RouterConfig struct {
	AllowedOrigins []string

	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/healthz", h.Healthz)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/employees", func(r chi.Router) {
			r.Get("/", h.ListEmployees)
			r.Post("/", h.CreateEmployee)
			r.Get("/{id}", h.GetEmployee)

			r.Post("/{id}/grants", h.IssueGrant)
			r.Post("/{id}/grants/sync", h.SyncGrants)
			r.Post("/{id}/deductions", h.Deduct)

			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/tranches", h.GetTranches)
			r.Get("/{id}/usage", h.GetUsage)
			r.Get("/{id}/transactions", h.GetTransactions)

			r.Get("/{id}/compliance", h.GetCompliance)
			r.Get("/{id}/audit/verify", h.VerifyEmployeeAudit)
		})

		r.Post("/usage/{id}/reversal", h.Reverse)

		r.Route("/audit", func(r chi.Router) {
			r.Get("/events", h.ListAuditEvents)
			r.Get("/verify", h.VerifyAudit)
		})

		r.Route("/certificates", func(r chi.Router) {
			r.Post("/", h.GenerateCertificate)
			r.Post("/verify", h.VerifyCertificate)
		})

		r.Post("/sweeps", h.TriggerSweep)
	})

	return r
}
