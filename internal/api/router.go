/**
 * @description
 * HTTP router setup for the loyalty-service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the credentials and limits the router enforces.
type RouterConfig struct {
	InternalAPIKey      string
	AdminJWTSecret      string
	RateLimiter         RateLimiter
	LedgerRatePerMinute int
}

// NewRouter creates a new Chi router and registers the ledger routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key", "X-Store-ID"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Loyalty service is healthy"))
	})

	r.Route("/ledger", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))

		r.Group(func(r chi.Router) {
			r.Use(RateLimitMiddleware(cfg.RateLimiter, "ledger", cfg.LedgerRatePerMinute, time.Minute, h.logger))
			r.Post("/earn", h.handleEarn)
			r.Post("/redeem", h.handleRedeem)
		})

		r.Get("/accounts/{accountID}/balance", h.handleGetBalance)
		r.Get("/accounts/{accountID}/transactions", h.handleListTransactions)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(AdminAuthMiddleware(cfg.AdminJWTSecret))
		r.Post("/accounts", h.handleOpenAccount)
		r.Post("/accounts/{accountID}/adjust", h.handleAdjustBalance)
		r.Get("/settings", h.handleGetSettings)
		r.Put("/settings", h.handleUpdateSettings)
		r.Post("/jobs/expiration-sweep", h.handleRunExpirationSweep)
		r.Post("/jobs/retention-cleanup", h.handleRunRetentionCleanup)
	})

	return r
}
