// Package router wires the HTTP surface: call webhooks for the telephony
// adapter, staff endpoints for escalations, and operational endpoints.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nightdesk/nightdesk/internal/http/handlers"
	httpmiddleware "github.com/nightdesk/nightdesk/internal/http/middleware"
	"github.com/nightdesk/nightdesk/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger      *logging.Logger
	Calls       *handlers.CallsHandler
	Health      *handlers.HealthHandler
	Escalations *handlers.EscalationsHandler

	MetricsHandler http.Handler

	// Per-IP request rate limiting. Disabled when RateLimitPerSecond is zero.
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}
	if cfg.RateLimitPerSecond > 0 {
		r.Use(httpmiddleware.RateLimit(cfg.RateLimitPerSecond, cfg.RateLimitBurst))
	}

	// Operational endpoints
	r.Group(func(public chi.Router) {
		if cfg.Health != nil {
			public.Get("/health", cfg.Health.Health)
		}
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	// Telephony adapter webhooks. The adapter authenticates at the network
	// layer; request bodies carry transcripts, never audio.
	if cfg.Calls != nil {
		r.Route("/calls", func(r chi.Router) {
			r.Post("/", cfg.Calls.StartCall)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Post("/turns", cfg.Calls.HandleTurn)
				r.Delete("/", cfg.Calls.EndCall)
				r.Get("/transcript", cfg.Calls.GetTranscript)
			})
		})
	}

	// Staff follow-up on escalated calls
	if cfg.Escalations != nil {
		r.Route("/escalations", func(r chi.Router) {
			r.Get("/pending", cfg.Escalations.ListPending)
			r.Post("/{escalationID}/acknowledge", cfg.Escalations.Acknowledge)
			r.Post("/{escalationID}/resolve", cfg.Escalations.Resolve)
		})
	}

	return r
}
