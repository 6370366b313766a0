/**
 * @description
 * This file sets up the HTTP router for the wallet-service using the chi
 * library. It defines the API endpoints, applies common middleware, and wires
 * the handlers to the routes.
 *
 * @dependencies
 * - net/http, time: Standard Go libraries.
 * - github.com/go-chi/chi/v5: The HTTP router.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates and configures a new chi router with all the API routes.
func NewRouter(handlers *WalletHandlers, jwksURL string) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.Logger)    // Log API requests
	r.Use(middleware.Recoverer) // Recover from panics without crashing the server
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// API routes, protected by session authentication
	r.Group(func(r chi.Router) {
		r.Use(SessionAuthMiddleware(jwksURL))

		r.Route("/wallet", func(r chi.Router) {
			r.Post("/provision", handlers.ProvisionHandler)
			r.Get("/balance", handlers.BalanceHandler)
			r.Get("/transactions", handlers.TransactionsHandler)
		})

		r.Route("/experiences/{experience_id}", func(r chi.Router) {
			r.Post("/join", handlers.JoinExperienceHandler)
			r.Post("/start", handlers.StartExperienceHandler)
			r.Post("/release", handlers.ReleaseEscrowHandler)
			r.Post("/cancel", handlers.CancelExperienceHandler)
			r.Get("/ticket", handlers.TicketHandler)
			r.Get("/escrow", handlers.EscrowHandler)
		})
	})

	return r
}
