package server

import (
	"net/http"
	"time"

	"github.com/clubpass/membersync/internal/logging"
	"github.com/clubpass/membersync/internal/store"
	"github.com/clubpass/membersync/internal/webhook"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config    *Config
	Users     *store.UserStore
	Processor *webhook.Processor
	Version   string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	// Unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/readyz", handleReadyz(deps.Users))

	// Status and metrics are loopback-only unless explicitly made public.
	statusHandler := http.HandlerFunc(handleStatus(deps.Users, deps.Version))
	if deps.Config.PublicStatus {
		mux.Handle("/status", statusHandler)
	} else {
		mux.Handle("/status", loopbackOnly(statusHandler))
	}

	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", loopbackOnly(metricsHandler))
	}

	// Payment provider webhook (signature-authenticated).
	webhookHandler := webhook.NewHandler(deps.Config.WebhookSecrets, deps.Processor)
	webhookLimiter := NewRateLimiter(120, time.Minute)
	mux.Handle("/api/stripe/webhook", withRequestID(webhookLimiter.Middleware(webhookHandler)))
}

// withRequestID tags each request with an ID (honoring an inbound
// X-Request-ID) so log lines from one delivery can be correlated.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, id := logging.WithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loopbackOnly restricts a handler to requests from localhost.
func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip != "127.0.0.1" && ip != "::1" && ip != "localhost" {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
