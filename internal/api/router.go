/**
 * @description
 * This file sets up the HTTP router for the membership-service. It defines
 * the API endpoints, associates them with their corresponding handlers, and
 * applies middleware: webhook routes are open (gateways sign their own
 * payloads), dashboard routes require a bearer token, and internal routes
 * require the shared API key.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for the dashboard frontend.
 */

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// MembershipRoutes creates and returns the router for the membership service.
func MembershipRoutes(h *MembershipHandlers, wh *WebhookHandlers, jwtSecret, internalAPIKey, allowedOrigins string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(allowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Gateway webhooks authenticate via payload signatures.
	r.Post("/payments/webhook/stripe", wh.StripeWebhookHandler)
	r.Post("/payments/webhook/wompi", wh.WompiWebhookHandler)

	// Internal admin endpoints.
	r.Group(func(r chi.Router) {
		r.Use(InternalKeyMiddleware(internalAPIKey))
		r.Post("/internal/payments/crypto/verify", h.CryptoVerifyHandler)
	})

	// Dashboard endpoints require a bearer token.
	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(jwtSecret))

		r.Get("/memberships/{userID}", h.MembershipStatusHandler)
		r.Get("/affiliates/{userID}/earnings", h.AffiliateEarningsHandler)
		r.Get("/affiliates/{userID}/network", h.AffiliateNetworkHandler)
	})

	return r
}

func splitOrigins(allowedOrigins string) []string {
	raw := strings.Split(allowedOrigins, ",")
	origins := make([]string, 0, len(raw))
	for _, origin := range raw {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return origins
}
