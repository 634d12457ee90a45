/**
 * @description
 * This file sets up the HTTP router for the booking-service. It applies the standard
 * chi middleware, CORS, optional bearer authentication and the shared rate limiter,
 * then groups the endpoints by who may call them.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: Router and standard middleware.
 * - github.com/go-chi/cors: CORS handling.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/slotbook/booking-service/internal/app"
)

// RouterDeps bundles what the router needs.
type RouterDeps struct {
	Handlers       *BookingHandlers
	Auth           *Authenticator
	Limiter        *app.RateLimiter
	Links          *app.SignedLinkIssuer
	AllowedOrigins []string
}

// NewRouter creates a new Chi router and registers the booking-service routes.
func NewRouter(deps RouterDeps) *chi.Mux {
	h := deps.Handlers
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(deps.Auth.Identify)
	r.Use(RateLimitMiddleware(deps.Limiter))
	r.Use(RejectInvalidCredentials)

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Route("/api", func(r chi.Router) {
		// Anonymous slot browsing.
		r.Get("/tasks/{taskID}/slots", h.ListTaskSlotsHandler)
		r.Get("/slots/{slotID}", h.GetSlotHandler)

		r.Route("/public", func(r chi.Router) {
			r.Get("/links/verify", h.VerifySignedLinkHandler)
			r.Route("/tasks/{taskID}", func(r chi.Router) {
				r.Use(SignedLinkGate(deps.Links))
				r.Get("/slots", h.ListLinkedTaskSlotsHandler)
				r.With(RequireAuth).Post("/bookings", h.CreateLinkedBookingHandler)
			})
		})

		r.Route("/bookings", func(r chi.Router) {
			r.Use(RequireAuth)
			r.Post("/", h.CreateBookingHandler)
			r.Get("/my", h.ListMyBookingsHandler)
			r.Get("/my/active", h.ListMyActiveBookingsHandler)
			r.Get("/my/active/{slotID}", h.HasActiveBookingHandler)
			r.Get("/{id}", h.GetBookingHandler)
			r.Delete("/{id}", h.CancelBookingHandler)
		})

		r.Route("/merchants", func(r chi.Router) {
			r.Use(RequireMerchant)
			r.Get("/bookings", h.ListMerchantBookingsHandler)
			r.Post("/bookings", h.CreateBookingForUserHandler)
			r.Put("/bookings/{id}/confirm", h.ConfirmBookingHandler)
			r.Put("/bookings/{id}/complete", h.CompleteBookingHandler)
			r.Delete("/bookings/{id}", h.CancelBookingHandler)
			r.Post("/links", h.CreateSignedLinkHandler)
		})
	})

	return r
}
