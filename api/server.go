/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the frontend
  5. auth:       Bearer-token identity on the protected groups

SEE ALSO:
  - handlers.go: handler implementations
  - auth/identity.go: token resolution and admin gate
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/verdant/credit-market/auth"
)

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler, identity auth.IdentityProvider) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Public reads
		r.Get("/supply", h.GetSupply)
		r.Get("/ledger", h.ListLedger)

		// Authenticated caller routes
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(identity))

			r.Route("/lots", func(r chi.Router) {
				r.Post("/", h.SubmitLot)
				r.Get("/", h.ListMyLots)
				r.Get("/{id}", h.GetLot)
				r.Post("/{id}/cancel", h.CancelLot)
			})

			r.Route("/purchases", func(r chi.Router) {
				r.Post("/", h.Purchase)
				r.Post("/retry", h.RetryPurchase)
			})
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(identity))
			r.Use(auth.RequireAdmin)

			r.Route("/admin", func(r chi.Router) {
				r.Get("/lots/pending", h.ListPendingLots)
				r.Post("/lots/{id}/review", h.ReviewLot)
				r.Post("/transfers", h.RecordTransfer)
			})
		})
	})

	return r
}
