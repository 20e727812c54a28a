// Package app wires the discovery pipeline from configuration. The server,
// worker and CLI all build their components here so they agree on backends.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benvon/mail-oauth-autoconfig/internal/accounts"
	"github.com/benvon/mail-oauth-autoconfig/internal/cache"
	"github.com/benvon/mail-oauth-autoconfig/internal/config"
	"github.com/benvon/mail-oauth-autoconfig/internal/database"
	"github.com/benvon/mail-oauth-autoconfig/internal/metrics"
	"github.com/benvon/mail-oauth-autoconfig/internal/queue"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/fetcher"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/hook"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/ispdb"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/oauthprovider"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/registry"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/scanner"
	"github.com/benvon/mail-oauth-autoconfig/internal/storage"
	"github.com/benvon/mail-oauth-autoconfig/internal/storage/memory"
	redisstore "github.com/benvon/mail-oauth-autoconfig/internal/storage/redis"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Options selects how the components are assembled
type Options struct {
	// ConnectQueue dials RabbitMQ when RABBITMQ_URL is set
	ConnectQueue bool
	// QueueRefresh hands stale-cache refreshes to the worker fleet instead of
	// running them in process. Needs a connected queue.
	QueueRefresh bool
	// QueueRetries is how many times to retry the initial RabbitMQ dial
	QueueRetries int
	// Metrics may be nil
	Metrics *metrics.Metrics
}

// Components is one process's view of the pipeline
type Components struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	Store       storage.Store
	RedisClient *redis.Client
	DB          *database.DB
	Queue       *queue.RabbitMQQueue

	Cache       *cache.ConfigCache
	Registry    *registry.Registry
	Getter      *fetcher.HTTPGetter
	Fetcher     *fetcher.Fetcher
	Accounts    *accounts.FileSource
	Scanner     *scanner.Scanner
	Host        *ispdb.Host
	Interceptor *hook.Interceptor

	closers []func() error
}

// Build connects the configured backends and assembles the pipeline. Optional
// backends fall back to in-process implementations when their URL is empty.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger, opts Options) (*Components, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Components{Config: cfg, Logger: log, Metrics: opts.Metrics}

	if err := c.connectStore(); err != nil {
		return nil, err
	}
	if err := c.connectDatabase(ctx); err != nil {
		c.Close()
		return nil, err
	}
	if opts.ConnectQueue && cfg.RabbitMQURL != "" {
		q, err := ConnectQueue(ctx, cfg.RabbitMQURL, opts.QueueRetries, log)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Queue = q
		c.closers = append(c.closers, q.Close)
	}

	c.Cache = cache.New(c.Store, log,
		cache.WithNamespace(cfg.CacheNamespace),
		cache.WithMaxAge(cfg.CacheMaxAge),
		cache.WithMetrics(c.Metrics),
	)

	var table registry.Table = registry.NewMemoryTable()
	if c.DB != nil {
		table = database.NewProviderRepository(c.DB)
	}
	c.Registry = registry.New(table, log, registry.WithMetrics(c.Metrics))

	c.Getter = fetcher.NewHTTPGetter(cfg.FetchTimeout, cfg.MaxDocumentBytes)

	fetchOpts := []fetcher.Option{fetcher.WithMetrics(c.Metrics)}
	if opts.QueueRefresh && c.Queue != nil {
		enqueuerOpts := []queue.EnqueuerOption{queue.WithEnqueuerMetrics(c.Metrics)}
		if c.RedisClient != nil {
			// Replicas share one pending marker per domain
			enqueuerOpts = append(enqueuerOpts, queue.WithMarker(queue.NewRedisMarker(c.RedisClient, queue.RefreshMarkerPrefix)))
		}
		fetchOpts = append(fetchOpts, fetcher.WithRefresher(queue.NewRefreshEnqueuer(c.Queue, queue.DefaultRefreshJobTTL, log, enqueuerOpts...)))
	}
	c.Fetcher = fetcher.New(c.Cache, c.Registry, c.Getter, log, fetchOpts...)

	if source := c.accountSource(); source != nil {
		c.Scanner = scanner.New(source, c.Fetcher, log,
			scanner.WithConcurrency(cfg.ScanConcurrency),
			scanner.WithMetrics(c.Metrics),
		)
	}

	c.Host = ispdb.NewHost(ispdb.NewClient(cfg.ISPDBBaseURL, c.Getter).Lookup)
	c.Interceptor = hook.New(c.Host, c.Fetcher, log, hook.DefaultTriggerTimeout)

	log.Info("pipeline_assembled",
		zap.String("store", c.storeKind()),
		zap.Bool("database", c.DB != nil),
		zap.Bool("queue", c.Queue != nil),
		zap.Bool("queue_refresh", opts.QueueRefresh && c.Queue != nil),
		zap.Bool("account_source", c.Scanner != nil),
	)
	return c, nil
}

func (c *Components) connectStore() error {
	if c.Config.RedisURL == "" {
		c.Store = memory.New()
		c.closers = append(c.closers, c.Store.Close)
		return nil
	}
	s, err := redisstore.NewFromURL(c.Config.RedisURL)
	if err != nil {
		return fmt.Errorf("connect cache store: %w", err)
	}
	c.Store = s
	c.RedisClient = s.Client()
	c.closers = append(c.closers, s.Close)
	c.Logger.Info("connected_to_redis")
	return nil
}

func (c *Components) connectDatabase(ctx context.Context) error {
	if c.Config.DatabaseURL == "" {
		return nil
	}
	db, err := database.New(c.Config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	c.DB = db
	c.closers = append(c.closers, db.Close)
	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}
	c.Logger.Info("connected_to_database")
	return nil
}

// accountSource prefers the accounts file, then the database
func (c *Components) accountSource() scanner.AccountSource {
	if c.Config.AccountsFile != "" {
		c.Accounts = accounts.NewFileSource(c.Config.AccountsFile)
		return c.Accounts
	}
	if c.DB != nil {
		return database.NewAccountRepository(c.DB)
	}
	return nil
}

func (c *Components) storeKind() string {
	if c.RedisClient != nil {
		return "redis"
	}
	return "memory"
}

// Service builds the programmatic API over the components. Closing the service
// stops in-process refreshes; Close on the components releases the backends.
func (c *Components) Service(startupScan bool) *oauthprovider.Service {
	deps := oauthprovider.Deps{
		Cache:       c.Cache,
		Resolver:    c.Fetcher,
		Registry:    c.Registry,
		Host:        c.Host,
		Interceptor: c.Interceptor,
		OnClose:     []func(){c.Fetcher.Close},
	}
	// Interface fields stay nil rather than holding typed nil pointers
	if c.Scanner != nil {
		deps.Scanner = c.Scanner
	}
	if c.Queue != nil {
		deps.ScanQueue = c.Queue
	}
	return oauthprovider.New(deps, c.Logger,
		oauthprovider.WithStartupScan(startupScan),
		oauthprovider.WithRefreshConcurrency(c.Config.ScanConcurrency),
	)
}

// HealthChecks returns a probe per connected backend
func (c *Components) HealthChecks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{
		"store": c.Store.Ping,
	}
	if c.DB != nil {
		checks["database"] = c.DB.HealthCheck
	}
	if c.Queue != nil {
		checks["queue"] = c.Queue.HealthCheck
	}
	return checks
}

// Close releases every backend in reverse order of connection
func (c *Components) Close() {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	if err := errors.Join(errs...); err != nil {
		c.Logger.Warn("failed_to_close_backends", zap.Error(err))
	}
}

const (
	initialQueueDelay = 2 * time.Second
	maxQueueDelay     = 30 * time.Second
)

// ConnectQueue dials RabbitMQ, retrying with exponential backoff so the
// process survives a broker that is still starting.
func ConnectQueue(ctx context.Context, url string, retries int, log *zap.Logger) (*queue.RabbitMQQueue, error) {
	if retries < 1 {
		retries = 1
	}
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		q, err := queue.NewRabbitMQQueue(url, log)
		if err == nil {
			log.Info("connected_to_rabbitmq")
			return q, nil
		}
		lastErr = err
		if attempt == retries-1 {
			break
		}

		delay := initialQueueDelay << uint(attempt)
		if delay > maxQueueDelay {
			delay = maxQueueDelay
		}
		log.Warn("failed_to_connect_to_rabbitmq_retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", retries),
			zap.Error(err),
			zap.Duration("retry_delay", delay),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("connect rabbitmq after %d attempts: %w", retries, lastErr)
}
