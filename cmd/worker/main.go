package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benvon/mail-oauth-autoconfig/internal/app"
	"github.com/benvon/mail-oauth-autoconfig/internal/config"
	"github.com/benvon/mail-oauth-autoconfig/internal/handlers"
	"github.com/benvon/mail-oauth-autoconfig/internal/logger"
	"github.com/benvon/mail-oauth-autoconfig/internal/metrics"
	"github.com/benvon/mail-oauth-autoconfig/internal/telemetry"
	"github.com/benvon/mail-oauth-autoconfig/internal/workers"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const queueConnectRetries = 10

func main() {
	debugFlag := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.RequireQueue(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	debugMode := cfg.WorkerDebugMode || *debugFlag

	zapLogger, err := logger.NewProductionLogger(debugMode)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync(zapLogger) }()

	zapLogger.Info("starting_worker",
		zap.Bool("debug_mode", debugMode),
		zap.Int("prefetch", cfg.RabbitMQPrefetch),
	)

	if cfg.OTELEnabled {
		tp, err := telemetry.InitTracer(context.Background(), telemetry.WorkerServiceName, cfg.OTELEndpoint)
		if err != nil {
			zapLogger.Warn("failed_to_initialize_otel_tracer", zap.Error(err))
		} else {
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Refreshes run here, so the worker never hands them back to the queue
	components, err := app.Build(ctx, cfg, zapLogger, app.Options{
		ConnectQueue: true,
		QueueRetries: queueConnectRetries,
		Metrics:      m,
	})
	if err != nil {
		zapLogger.Fatal("failed_to_build_pipeline", zap.Error(err))
	}
	defer components.Close()
	defer components.Fetcher.Close()

	var accountScanner workers.AccountScanner
	if components.Scanner != nil {
		accountScanner = components.Scanner
	} else {
		zapLogger.Warn("no_account_source_scan_jobs_will_be_dead_lettered")
	}
	processor := workers.NewProcessor(components.Fetcher, accountScanner, components.Queue, zapLogger, m)

	metricsSrv := startMetricsServer(cfg.WorkerMetricsPort, components, m, zapLogger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	msgChan, errChan, err := components.Queue.Consume(ctx, cfg.RabbitMQPrefetch)
	if err != nil {
		zapLogger.Fatal("failed_to_start_consuming", zap.Error(err))
	}

	zapLogger.Info("worker_started_consuming")

	// Up to prefetch jobs run at once; the broker never delivers more than that unacked
	group := &errgroup.Group{}
	group.SetLimit(cfg.RabbitMQPrefetch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range msgChan {
			group.Go(func() error {
				if err := processor.ProcessJob(ctx, msg); err != nil {
					zapLogger.Error("failed_to_process_job",
						zap.Error(err),
						zap.String("job_id", msg.GetJob().ID.String()),
						zap.String("job_type", string(msg.GetJob().Type)),
					)
				}
				return nil
			})
		}
		zapLogger.Info("message_channel_closed")
	}()

	go func() {
		for err := range errChan {
			zapLogger.Error("queue_error", zap.Error(err))
		}
	}()

	select {
	case <-sigChan:
		zapLogger.Info("worker_shutting_down")
	case <-done:
		zapLogger.Warn("worker_stopped_consuming")
	}
	cancel()
	<-done
	_ = group.Wait()

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	zapLogger.Info("worker_stopped")
}

// startMetricsServer exposes /metrics and /healthz; an empty port disables it
func startMetricsServer(port string, c *app.Components, m *metrics.Metrics, log *zap.Logger) *http.Server {
	if port == "" {
		return nil
	}
	checks := make(map[string]handlers.HealthCheck)
	for name, check := range c.HealthChecks() {
		checks[name] = check
	}
	healthChecker := handlers.NewHealthChecker(checks, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", healthChecker.HealthCheck)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("worker_metrics_server_starting", zap.String("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("worker_metrics_server_failed", zap.Error(err))
		}
	}()
	return srv
}
