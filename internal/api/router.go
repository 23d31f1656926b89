/**
 * @description
 * This file sets up the HTTP router for the funds-service. It uses the chi router
 * to define API routes and applies middleware for logging, recovery, CORS, tracing
 * and authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5, github.com/go-chi/cors: routing and CORS policy.
 * - go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp: request spans.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RouterConfig holds the settings the router needs from the service configuration.
type RouterConfig struct {
	JWTSecret          string
	InternalAPIKey     string
	CORSAllowedOrigins []string
}

// NewRouter creates a new chi router and registers the funds-service routes. The
// returned handler is wrapped for tracing.
func NewRouter(h *Handlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("healthy"))
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Post("/accounts/provision", h.ProvisionAccountsHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.JWTSecret))
		r.Post("/transfers", h.SendTransferHandler)
		r.Get("/accounts", h.ListAccountsHandler)
		r.Get("/accounts/{accountID}/transactions", h.ListAccountTransactionsHandler)
	})

	return otelhttp.NewHandler(r, "funds-service")
}
