// Package httpapi is the analytics HTTP surface: the full middleware
// chain (CORS, security headers, request ID, recoverer, request
// logger, body size limit, rate limit) plus the ITS/ABAB analyze and
// history routes.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/yinkev/causalytics/internal/analyticsstore"
	"github.com/yinkev/causalytics/internal/config"
	"github.com/yinkev/causalytics/internal/respcache"
	"github.com/yinkev/causalytics/internal/runregistry"
)

// NewRouter returns a configured chi Router with the full middleware
// chain and every analytics route mounted.
func NewRouter(cfg *config.Config, logger zerolog.Logger, store *analyticsstore.Store, registry *runregistry.Registry, cache *respcache.Cache) http.Handler {
	r := chi.NewRouter()

	// --- Middleware chain (order matters) ---
	r.Use(corsMiddleware(cfg.CORSOrigins))
	r.Use(securityHeadersMiddleware)
	r.Use(requestIDMiddleware)
	r.Use(recovererMiddleware(logger))
	r.Use(requestLoggerMiddleware(logger))
	r.Use(maxBodySizeMiddleware(cfg.MaxBodyBytes))
	r.Use(newRateLimiter(logger, cfg.RateLimitEnabled, cfg.RateLimitRPM, cfg.RateLimitBurst).Handler)

	// --- Health endpoints (no rate limit exemption needed; cheap) ---
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "causalytics"})
	})
	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "service": "causalytics"})
	})

	h := NewHandlers(store, registry, cache, logger)

	r.Route("/analytics", func(r chi.Router) {
		r.Post("/its/analyze", h.ITSAnalyze)
		r.Get("/its/history/{userId}", h.ITSHistory)
		r.Post("/abab/analyze", h.ABABAnalyze)
		r.Get("/abab/history/{userId}", h.ABABHistory)
	})

	return r
}
