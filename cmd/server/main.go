package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benvon/mail-oauth-autoconfig/internal/accounts"
	"github.com/benvon/mail-oauth-autoconfig/internal/app"
	"github.com/benvon/mail-oauth-autoconfig/internal/config"
	"github.com/benvon/mail-oauth-autoconfig/internal/handlers"
	"github.com/benvon/mail-oauth-autoconfig/internal/logger"
	"github.com/benvon/mail-oauth-autoconfig/internal/metrics"
	"github.com/benvon/mail-oauth-autoconfig/internal/middleware"
	"github.com/benvon/mail-oauth-autoconfig/internal/models"
	"github.com/benvon/mail-oauth-autoconfig/internal/queue"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/oauthprovider"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/oidc"
	"github.com/benvon/mail-oauth-autoconfig/internal/telemetry"
	"github.com/benvon/mail-oauth-autoconfig/internal/workers"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const (
	queueConnectRetries = 10
	dlqGCInterval       = time.Hour
)

func main() {
	debugFlag := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	debugMode := cfg.ServerDebugMode || *debugFlag

	zapLogger, err := logger.NewProductionLogger(debugMode)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync(zapLogger) }()

	zapLogger.Info("starting_server",
		zap.String("version", version),
		zap.Bool("debug_mode", debugMode),
		zap.String("server_port", cfg.ServerPort),
		zap.Bool("auth_enabled", cfg.AuthEnabled()),
		zap.Bool("otel_enabled", cfg.OTELEnabled),
	)

	tracing := false
	if cfg.OTELEnabled {
		tp, err := telemetry.InitTracer(context.Background(), telemetry.ServerServiceName, cfg.OTELEndpoint)
		if err != nil {
			zapLogger.Warn("failed_to_initialize_otel_tracer", zap.Error(err))
		} else {
			tracing = true
			zapLogger.Info("otel_tracer_initialized", zap.String("endpoint", cfg.OTELEndpoint))
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				if err := telemetry.Shutdown(shutdownCtx, tp); err != nil {
					zapLogger.Error("failed_to_shutdown_otel_tracer", zap.Error(err))
				}
			}()
		}
	}

	m := metrics.New()

	// Cancelled on shutdown; stops every background loop
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	components, err := app.Build(bgCtx, cfg, zapLogger, app.Options{
		ConnectQueue: true,
		QueueRefresh: true,
		QueueRetries: queueConnectRetries,
		Metrics:      m,
	})
	if err != nil {
		zapLogger.Fatal("failed_to_build_pipeline", zap.Error(err))
	}
	defer components.Close()

	svc := components.Service(cfg.ScanOnStartup)
	if err := svc.Start(bgCtx); err != nil {
		zapLogger.Fatal("failed_to_start_oauth_provider_service", zap.Error(err))
	}
	defer svc.Close()

	if components.Accounts != nil {
		watcher, err := accounts.NewWatcher(components.Accounts, accountChangeHandler(svc, zapLogger), accounts.DefaultDebounce, zapLogger)
		if err != nil {
			zapLogger.Warn("failed_to_watch_accounts_file", zap.Error(err))
		} else {
			watcher.Start(bgCtx)
			defer func() { _ = watcher.Stop() }()
			zapLogger.Info("watching_accounts_file", zap.String("path", components.Accounts.Path()))
		}
	}

	if components.Queue != nil {
		startQueueMaintenance(bgCtx, cfg, components, zapLogger)
	}

	handler, err := newRouter(cfg, components, svc, m, tracing, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed_to_build_router", zap.Error(err))
	}

	requestTimeout := requestTimeoutFor(cfg)
	srv := &http.Server{
		Addr:           ":" + cfg.ServerPort,
		Handler:        handler,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   requestTimeout + 5*time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		zapLogger.Info("server_starting", zap.String("port", cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("server_failed_to_start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("server_shutting_down")
	bgCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("server_forced_to_shutdown", zap.Error(err))
	}

	zapLogger.Info("server_exited")
}

// accountChangeHandler turns accounts file changes into a rescan request
func accountChangeHandler(svc *oauthprovider.Service, log *zap.Logger) accounts.ChangeFunc {
	return func(ctx context.Context, events []models.AccountEvent) {
		if err := svc.HandleAccountEvents(ctx, events); err != nil {
			log.Warn("failed_to_handle_account_events", zap.Int("events", len(events)), zap.Error(err))
		}
	}
}

// startQueueMaintenance runs the stale-entry sweeper and the DLQ garbage collector
func startQueueMaintenance(ctx context.Context, cfg *config.Config, c *app.Components, log *zap.Logger) {
	if cfg.RefreshSweep > 0 {
		sweeper := workers.NewStaleSweeper(c.Cache, c.Queue, cfg.RefreshSweep, log)
		go func() {
			if err := sweeper.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("stale_sweeper_stopped_with_error", zap.Error(err))
			}
		}()
		log.Info("started_stale_sweeper", zap.Duration("interval", cfg.RefreshSweep))
	}

	dlqGC := queue.NewGarbageCollector(c.Queue, dlqGCInterval, cfg.DLQRetention, log)
	go func() {
		if err := dlqGC.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("dlq_garbage_collector_stopped_with_error", zap.Error(err))
		}
	}()
	log.Info("started_dlq_garbage_collector",
		zap.Duration("interval", dlqGCInterval),
		zap.Duration("retention", cfg.DLQRetention),
	)
}

// requestTimeoutFor leaves room for a lookup that walks every candidate URL
func requestTimeoutFor(cfg *config.Config) time.Duration {
	timeout := 4*cfg.FetchTimeout + 5*time.Second
	if timeout < middleware.DefaultRequestTimeout {
		return middleware.DefaultRequestTimeout
	}
	return timeout
}

func newRouter(cfg *config.Config, c *app.Components, svc *oauthprovider.Service, m *metrics.Metrics, tracing bool, log *zap.Logger) (http.Handler, error) {
	checks := make(map[string]handlers.HealthCheck)
	for name, check := range c.HealthChecks() {
		checks[name] = check
	}
	healthChecker := handlers.NewHealthChecker(checks, log)
	providerHandler := handlers.NewProviderHandler(svc, log)

	rateStore, err := middleware.NewRateLimitStore(c.RedisClient)
	if err != nil {
		return nil, fmt.Errorf("rate limit store: %w", err)
	}
	rateLimitMW, err := middleware.RateLimit(rateStore, cfg.RateLimit, log)
	if err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	r := mux.NewRouter()

	// gorilla/mux runs middleware in registration order, first registered outermost
	if tracing {
		r.Use(otelmux.Middleware(telemetry.ServerServiceName))
	}
	r.Use(middleware.SecurityHeaders(cfg.EnableHSTS))
	r.Use(middleware.Metrics(m))
	r.Use(middleware.MaxRequestSize(middleware.DefaultMaxRequestSize, log))
	r.Use(middleware.ContentType(log))
	r.Use(middleware.Timeout(requestTimeoutFor(cfg)))
	r.Use(middleware.ErrorHandler(log))
	r.Use(middleware.Logging(log))

	r.HandleFunc("/healthz", healthChecker.HealthCheck).Methods("GET")
	r.HandleFunc("/version", versionInfo).Methods("GET")
	r.Handle("/metrics", m.Handler()).Methods("GET")

	apiRouter := r.PathPrefix("/api/v1").Subrouter()

	publicRouter := apiRouter.PathPrefix("").Subrouter()

	protectedRouter := apiRouter.PathPrefix("").Subrouter()
	protectedRouter.Use(rateLimitMW)
	if cfg.AuthEnabled() {
		jwksManager := oidc.NewJWKSManager(c.Getter, oidc.DefaultJWKSTTL)
		verifier := oidc.NewVerifier(jwksManager, cfg.APIJWKSURL, cfg.APITokenIssuer)
		protectedRouter.Use(middleware.Auth(verifier, cfg.APIRequiredScope, log))
	} else {
		log.Warn("api_auth_disabled_mutating_routes_are_open")
	}
	protectedRouter.Use(middleware.Audit(log))

	providerHandler.RegisterRoutes(publicRouter, protectedRouter)

	// CORS wraps the router so preflight requests never reach route matching
	return middleware.CORS(cfg.AllowedOrigins(), log)(r), nil
}

func versionInfo(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, `{"version":%q,"timestamp":%q}`, version, time.Now().UTC().Format(time.RFC3339))
}
