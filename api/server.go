/*
server.go - HTTP router and middleware configuration

PURPOSE:

	Configures the HTTP router (chi), middleware stack, and route
	definitions. This is the wiring layer that connects URLs to handlers.

ROUTER: chi

	Chi was chosen for:
	- Lightweight and fast
	- Context-based
	- Middleware support
	- RESTful route patterns

MIDDLEWARE STACK:
 1. RequestID:  Unique ID per request for tracing
 2. Logger:     Request logging
 3. Recoverer:  Panic recovery (500 instead of crash)
 4. CORS:       Cross-origin requests for the dashboard

HOT PATH NOTE:

	POST /api/validate sits on every proxied connection. It shares the
	middleware stack but deliberately has no extra layers of its own; the
	latency budget is spent in the cache tiers, not here.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Account-ID"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.CreateAccount)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Get("/{id}/credentials", h.ListCredentials)
			r.Post("/{id}/credentials", h.PurchaseCredential)
			r.Get("/{id}/referrals", h.GetReferralStats)
			r.Post("/{id}/deposits", h.InitiateDeposit)
		})

		// Credential routes
		r.Route("/credentials", func(r chi.Router) {
			r.Delete("/{id}", h.RevokeCredential)
		})

		// Validation hot path
		r.Post("/validate", h.Validate)

		// Bundle routes
		r.Route("/bundles", func(r chi.Router) {
			r.Get("/", h.ListBundles)
			r.Post("/", h.CreateBundle)
			r.Delete("/{id}", h.DeactivateBundle)
			r.Post("/{id}/purchase", h.PurchaseBundle)
		})

		// Payment provider callback
		r.Post("/webhooks/payment", h.PaymentWebhook)

		// Price list
		r.Get("/pricing", h.GetPricing)
	})

	// Operational endpoints
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
