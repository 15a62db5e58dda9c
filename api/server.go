/*
server.go - Router and middleware configuration

ROUTER: chi, with Recoverer, RequestID, a zap request logger, and CORS
for browser-based admin frontends.
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/point-ledger/logging"
)

// NewRouter creates a router with all ledger routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logging.RequestLogger(h.Log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/users/{id}", func(r chi.Router) {
			r.Post("/accruals", h.Accrue)
			r.Post("/deductions", h.Deduct)
			r.Post("/sweep", h.SweepUser)
			r.Get("/balance", h.Balance)
			r.Get("/history", h.History)
		})
		r.Post("/sweep", h.SweepAll)
		r.Get("/references/{code}", h.Reference)
	})

	return r
}
