// Package agent serves the session and the backend API to an out-of-process
// UI over a loopback HTTP and WebSocket interface.
package agent

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bridgeaid/client/internal/apiclient"
	"github.com/bridgeaid/client/internal/session"
	"github.com/bridgeaid/client/pkg/health"
	"github.com/bridgeaid/client/pkg/middleware"
)

// Dispatcher sends a request to the backend. *apiclient.Client satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req apiclient.Request) (*apiclient.Response, error)
}

// Config controls the agent's HTTP surface.
type Config struct {
	// AllowedCIDRs limits which remote addresses may connect.
	AllowedCIDRs []string
	CORS         middleware.CORSConfig
	// AgentToken, when set, must accompany every /v1 request in the
	// X-BridgeAID-Agent-Token header.
	AgentToken string
	// Pprof mounts /debug/pprof.
	Pprof bool
}

// DefaultConfig admits loopback callers that send no browser Origin.
func DefaultConfig() Config {
	return Config{
		AllowedCIDRs: middleware.DefaultAllowedCIDRs,
		CORS:         middleware.DefaultCORSConfig(),
	}
}

// NewRouter creates a chi router with all agent routes registered.
func NewRouter(
	cfg Config,
	sessions *session.Manager,
	backend Dispatcher,
	healthHandler *health.Handler,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.IPAllowlist(cfg.AllowedCIDRs, logger))
	r.Use(middleware.CORS(cfg.CORS))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics())
	r.Use(middleware.Tracing())
	r.Use(middleware.RequestLogger(logger, sessions.UserID))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Handle("/metrics", promhttp.Handler())

	if cfg.Pprof {
		middleware.RegisterPprof(r)
	}

	sessionHandler := NewSessionHandler(sessions, cfg.CORS, logger)
	proxyHandler := NewProxyHandler(backend, logger)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.NoStore)
		r.Use(middleware.RequireAgentToken(cfg.AgentToken))

		r.Route("/session", func(r chi.Router) {
			r.Get("/", sessionHandler.Get)
			r.Get("/events", sessionHandler.Events)
			r.Post("/login", sessionHandler.Login)
			r.Post("/register", sessionHandler.Register)
			r.Post("/logout", sessionHandler.Logout)
			r.Get("/profile", sessionHandler.ReloadProfile)
			r.Put("/profile", sessionHandler.UpdateProfile)
		})

		r.Handle("/api/*", proxyHandler)
	})

	return r
}
