/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and the route table.
  This is the wiring layer that connects URLs to handlers and roles.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the web frontend
  Under /api only:
  5. identify:   Actor headers -> request context
  6. RateLimiter: per-caller httprate window, 429 when exceeded
  Per route:
  7. requireRole(role)

ROUTE GROUPS:
  /api/transactions/*   Purchases, adjustments, quarantine, settlement
  /api/users/*          Redemptions, transfers, balances, history
  /api/events/*         Event rewards
  /api/promotions/*     Promotion lifecycle
  /api/reconciliation/* Balance verification runs
  /api/scenarios/*      Demo seeding
  /metrics              Prometheus scrape endpoint
  /healthz              Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/loyalty/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions carries the per-instance pieces the router mounts.
type RouterOptions struct {
	AllowedOrigins []string

	// Limiter guards /api. Nil disables limiting.
	Limiter *RateLimiter

	// Gatherer backs /metrics. The endpoint is not mounted when nil.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", HeaderActorID, HeaderActorRole},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(identify)
		r.Use(opts.Limiter.Handler)

		r.Route("/transactions", func(r chi.Router) {
			r.With(requireRole(RoleCashier)).Post("/", h.CreateTransaction)
			r.With(requireRole(RoleManager)).Get("/{id}", h.GetTransaction)
			r.With(requireRole(RoleManager)).Patch("/{id}/suspicious", h.SetSuspicious)
			r.With(requireRole(RoleCashier)).Patch("/{id}/processed", h.SetProcessed)
		})

		r.Route("/users", func(r chi.Router) {
			r.Use(requireRole(RoleRegular))
			r.Post("/me/transactions", h.CreateRedemption)
			r.Post("/{id}/transactions", h.CreateTransfer)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/transactions", h.ListUserTransactions)
		})

		r.With(requireRole(RoleManager)).Post("/events/{id}/transactions", h.GrantEventRewards)

		r.Route("/promotions", func(r chi.Router) {
			r.Use(requireRole(RoleRegular))
			r.Get("/", h.ListPromotions)
			r.Get("/{id}", h.GetPromotion)
			r.With(requireRole(RoleManager)).Post("/", h.CreatePromotion)
			r.With(requireRole(RoleManager)).Patch("/{id}", h.UpdatePromotion)
			r.With(requireRole(RoleManager)).Delete("/{id}", h.DeletePromotion)
		})

		r.Route("/reconciliation", func(r chi.Router) {
			r.Use(requireRole(RoleManager))
			r.Get("/runs", h.ListReconciliationRuns)
			r.Post("/run", h.RunReconciliation)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Use(requireRole(RoleSuperuser))
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
