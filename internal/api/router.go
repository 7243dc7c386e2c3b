// Lexforum - Legal Community Realtime and Metering Core
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lexforum/lexforum

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexforum/lexforum/internal/auth"
	"github.com/lexforum/lexforum/internal/config"
	"github.com/lexforum/lexforum/internal/metering"
	mw "github.com/lexforum/lexforum/internal/middleware"
)

// RouterDeps carries everything the router wires together.
type RouterDeps struct {
	Config     *config.Config
	Handlers   *Handlers
	WebSocket  *WebSocketHandler
	JWTManager *auth.JWTManager
	Meter      *metering.Meter
}

// NewRouter builds the chi router with the full middleware stack and
// all routes mounted.
func NewRouter(deps RouterDeps) chi.Router {
	factory := NewChiMiddleware(&ChiMiddlewareConfig{
		CORSAllowedOrigins:   deps.Config.Security.CORSOrigins,
		CORSAllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		CORSAllowedHeaders:   []string{"Content-Type", "Authorization"},
		CORSAllowCredentials: false,
		CORSMaxAge:           86400,

		RateLimitRequests: deps.Config.Security.RateLimitReqs,
		RateLimitWindow:   deps.Config.Security.RateLimitWindow,
		RateLimitDisabled: deps.Config.Security.RateLimitDisabled,
	})

	r := chi.NewRouter()

	// Global middleware, order matters: real IP first so rate limiting
	// keys on the right address, recoverer innermost of the globals.
	r.Use(chimiddleware.RealIP)
	r.Use(RequestIDWithLogging())
	r.Use(SecurityHeaders())
	r.Use(factory.CORS())
	r.Use(mw.PrometheusMetrics())
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(deps.Config.Server.Timeout))

	r.Route("/api/v1", func(r chi.Router) {
		// Public surface
		r.Group(func(r chi.Router) {
			r.Use(factory.RateLimitByIP())
			r.Get("/presence", deps.Handlers.GetPresence)
		})

		// Token validation gets a strict limit: it is a guessing target.
		r.Group(func(r chi.Router) {
			r.Use(factory.RateLimitCustom(RateLimitValidate))
			r.Post("/keys/validate", deps.Handlers.ValidateKey)
		})

		// Websocket upgrade; the handler authenticates before upgrading.
		r.Group(func(r chi.Router) {
			r.Use(factory.RateLimitCustom(RateLimitWebSocket))
			r.Get("/ws", deps.WebSocket.ServeHTTP)
		})

		// Authenticated key management
		r.Group(func(r chi.Router) {
			r.Use(factory.RateLimitByIP())
			r.Use(RequireAuth(deps.JWTManager))

			r.Get("/keys/me", deps.Handlers.GetMyKey)
			r.Delete("/keys/me", deps.Handlers.DeactivateKey)
			r.Post("/keys/me/consume", deps.Handlers.ConsumeQuota)

			// Metered: the gate deducts one "pdf" call after a 2xx.
			r.Group(func(r chi.Router) {
				r.Use(mw.QuotaGate(deps.Meter, "pdf"))
				r.Post("/keys/me/export", deps.Handlers.ExportUsageReport)
			})
		})

		// Health endpoints
		r.Group(func(r chi.Router) {
			r.Use(factory.RateLimitCustom(RateLimitHealth))
			r.Get("/health", healthHandler)
			r.Get("/health/live", livenessHandler)
			r.Get("/health/ready", readinessHandler)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// healthStatus is the payload for the health endpoints.
type healthStatus struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, healthStatus{Status: "ok", Time: time.Now().UTC()})
}

// livenessHandler answers as long as the process is serving requests.
func livenessHandler(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, healthStatus{Status: "alive", Time: time.Now().UTC()})
}

// readinessHandler answers once the router is mounted. All hard
// dependencies are in-process, so mounted means ready.
func readinessHandler(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, healthStatus{Status: "ready", Time: time.Now().UTC()})
}
