// Package app wires the client together: configuration, token store, API
// client, session manager and the local agent.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bridgeaid/client/internal/agent"
	"github.com/bridgeaid/client/internal/apiclient"
	"github.com/bridgeaid/client/internal/catalog"
	"github.com/bridgeaid/client/internal/config"
	"github.com/bridgeaid/client/internal/session"
	"github.com/bridgeaid/client/internal/tokenstore"
	"github.com/bridgeaid/client/internal/tokenstore/file"
	"github.com/bridgeaid/client/internal/tokenstore/memory"
	"github.com/bridgeaid/client/internal/tokenstore/redis"
	"github.com/bridgeaid/client/pkg/health"
	"github.com/bridgeaid/client/pkg/httpclient"
	"github.com/bridgeaid/client/pkg/middleware"
	"github.com/bridgeaid/client/pkg/tracing"
)

// Version is reported to the tracer and in the User-Agent header.
const Version = "0.1.0"

// App wires together all dependencies of the client.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	tokens         tokenstore.Store
	closeTokens    func() error
	client         *apiclient.Client
	catalog        *catalog.Catalog
	sessions       *session.Manager
	httpServer     *http.Server
	agentToken     string
	tracerShutdown func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
// Nothing is sent to the backend until the session is initialized.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    "bridgeaid-client",
		ServiceVersion: Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	tokens, closeTokens, err := openTokenStore(ctx, cfg, logger)
	if err != nil {
		_ = tracerShutdown(ctx)
		return nil, err
	}

	// Outbound transport, optionally behind a circuit breaker.
	transport := httpclient.New(httpclient.Config{
		Timeout:         cfg.HTTPTimeout,
		MaxConnsPerHost: cfg.HTTPMaxConnsPerHost,
		UserAgent:       "bridgeaid-client/" + Version,
	})
	var doer apiclient.Doer = transport
	if cfg.BreakerEnabled {
		cbCfg := httpclient.DefaultCircuitBreakerConfig("backend")
		cbCfg.Timeout = cfg.BreakerTimeout
		cbCfg.MinRequests = cfg.BreakerMinRequests
		cbCfg.FailureRatio = cfg.BreakerFailureRatio
		doer = httpclient.NewCircuitBreakerClient(transport, cbCfg, logger)
	}

	// Build the dependency graph.
	client, err := apiclient.New(cfg.APIBaseURL, doer, tokens, logger)
	if err != nil {
		_ = closeTokens()
		_ = tracerShutdown(ctx)
		return nil, fmt.Errorf("create api client: %w", err)
	}
	cat := catalog.New(client)
	sessions := session.NewManager(cat.Users, tokens, logger)
	client.OnCredentialsCleared(sessions.CredentialsCleared)

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical("token_store", func(ctx context.Context) error {
		return tokenstore.Ping(ctx, tokens)
	})
	healthHandler.RegisterNonCritical("backend", BackendReachable(client))

	// Every launch gets its own agent secret unless one is configured.
	agentToken := cfg.AgentToken
	if agentToken == "" {
		agentToken, err = middleware.NewAgentToken()
		if err != nil {
			_ = closeTokens()
			_ = tracerShutdown(ctx)
			return nil, err
		}
	}

	// HTTP router.
	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.AllowedOrigins = cfg.CORSAllowedOrigins
	corsCfg.Environment = cfg.Environment
	if corsCfg.WildcardAllowed() {
		logger.Warn("agent accepts any browser origin (development only)")
	}
	router := agent.NewRouter(agent.Config{
		AllowedCIDRs: cfg.AgentAllowedCIDRs,
		CORS:         corsCfg,
		AgentToken:   agentToken,
		Pprof:        cfg.AgentPprofEnabled,
	}, sessions, client, healthHandler, logger)

	// No WriteTimeout: /v1/session/events is a long-lived WebSocket.
	httpServer := &http.Server{
		Addr:              cfg.AgentAddr,
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:            cfg,
		logger:         logger,
		tokens:         tokens,
		closeTokens:    closeTokens,
		client:         client,
		catalog:        cat,
		sessions:       sessions,
		httpServer:     httpServer,
		agentToken:     agentToken,
		tracerShutdown: tracerShutdown,
	}, nil
}

func openTokenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (tokenstore.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.TokenStore {
	case config.StoreRedis:
		store, err := redis.Connect(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to redis token store: %w", err)
		}
		logger.Info("using redis token store", slog.String("prefix", cfg.RedisPrefix))
		return store, store.Close, nil
	case config.StoreMemory:
		logger.Warn("using in-memory token store, credentials will not survive a restart")
		return memory.New(), noop, nil
	default:
		logger.Info("using file token store", slog.String("path", cfg.TokenFile))
		return file.New(cfg.TokenFile, logger), noop, nil
	}
}

// BackendReachable reports an error only when the backend cannot be reached.
// Any HTTP answer, including 4xx and 5xx, counts as reachable.
func BackendReachable(d agent.Dispatcher) health.Checker {
	return func(ctx context.Context) error {
		_, err := d.Dispatch(ctx, apiclient.NewRequest(http.MethodGet, "/").AsAnonymous())
		var apiErr *httpclient.APIError
		if err == nil || errors.As(err, &apiErr) {
			return nil
		}
		return err
	}
}

// Session returns the session manager.
func (a *App) Session() *session.Manager { return a.sessions }

// Catalog returns the domain call surface.
func (a *App) Catalog() *catalog.Catalog { return a.catalog }

// Client returns the API client.
func (a *App) Client() *apiclient.Client { return a.client }

// AgentToken returns the secret the UI must send with every /v1 request.
func (a *App) AgentToken() string { return a.agentToken }

// Handler returns the local agent's HTTP handler.
func (a *App) Handler() http.Handler { return a.httpServer.Handler }

// Run resolves the session, starts the local agent and blocks until the
// context is canceled.
func (a *App) Run(ctx context.Context) error {
	s := a.sessions.Initialize(ctx)
	a.logger.Info("session resolved", slog.String("state", s.State.String()))

	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("starting local agent",
			slog.String("addr", a.httpServer.Addr),
			slog.String("backend", a.client.BaseURL()),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		return errors.Join(err, a.Shutdown())
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components in the correct order:
// 1. HTTP server (drain in-flight requests)
// 2. Tracer (flush pending spans from drained requests)
// 3. Token store
//
// It is safe to call when Run was never started.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	// 1. Drain in-flight HTTP requests (5s budget).
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 2. Flush pending spans.
	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// 3. Release the token store connection.
	if err := a.closeTokens(); err != nil {
		a.logger.Error("token store close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}
