package http

import (
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/sentry-webhooks/internal/middleware"
	"github.com/Strob0t/sentry-webhooks/internal/port/cache"
)

// RouteGuards are the access controls wrapped around the API routes.
type RouteGuards struct {
	IngestSecret func() string
	APIToken     func() string
	Limiter      *middleware.RateLimiter
	Replay       cache.Cache // Idempotency-Key responses; nil disables replay
	ReplayTTL    time.Duration
}

// MountRoutes registers all API routes on the given chi router.
// The ingest endpoint is signed with the ingest secret and rate limited per
// client; the options API requires the bearer token.
func MountRoutes(r chi.Router, h *Handlers, g RouteGuards) {
	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", h.Version)

		r.With(
			g.Limiter.Handler,
			middleware.SignedBody(g.IngestSecret, middleware.HeaderSignature),
			middleware.Idempotency(g.Replay, g.ReplayTTL),
		).Post("/events/post-process", h.PostProcess)

		r.Group(func(r chi.Router) {
			r.Use(middleware.BearerToken(g.APIToken))

			r.Get("/plugins", h.ListPlugins)

			r.Route("/projects/{projectID}/plugins/webhooks/options", func(r chi.Router) {
				r.Get("/", h.GetOptions)
				r.Put("/", h.UpdateOptions)
				r.Delete("/", h.DeleteOptions)
			})
		})
	})
}
