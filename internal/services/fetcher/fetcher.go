// Package fetcher resolves a mail domain to a registered OAuth2 provider, from cache or network.
package fetcher

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/benvon/mail-oauth-autoconfig/internal/logger"
	"github.com/benvon/mail-oauth-autoconfig/internal/metrics"
	"github.com/benvon/mail-oauth-autoconfig/internal/models"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/autoconfig"
	"github.com/benvon/mail-oauth-autoconfig/internal/validation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const tracerName = "github.com/benvon/mail-oauth-autoconfig/internal/services/fetcher"

// ConfigCache is the cache surface the fetcher reads and writes
type ConfigCache interface {
	Load(ctx context.Context, domain string) (*models.ProviderConfig, bool)
	Save(ctx context.Context, domain string, cfg *models.ProviderConfig) error
	IsStale(cfg *models.ProviderConfig) bool
}

// Registrar upserts a config into the provider table
type Registrar interface {
	Upsert(ctx context.Context, cfg *models.ProviderConfig) error
}

// Fetcher runs the discovery-and-registration pipeline for one domain at a time
type Fetcher struct {
	cache     ConfigCache
	registrar Registrar
	getter    Getter
	logger    *zap.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	refresher      Refresher
	refreshTimeout time.Duration

	flights singleflight.Group
}

// Option configures a Fetcher
type Option func(*Fetcher)

// WithRefresher replaces the in-process background refresher
func WithRefresher(r Refresher) Option {
	return func(f *Fetcher) { f.refresher = r }
}

// WithRefreshTimeout bounds each in-process background refresh
func WithRefreshTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.refreshTimeout = d }
}

// WithMetrics records attempts and lookups
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// New creates a Fetcher
func New(cache ConfigCache, registrar Registrar, getter Getter, log *zap.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		cache:          cache,
		registrar:      registrar,
		getter:         getter,
		logger:         log,
		tracer:         otel.Tracer(tracerName),
		refreshTimeout: DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = zap.NewNop()
	}
	if f.refresher == nil {
		f.refresher = NewBackgroundRefresher(f.RefreshFromNetwork, f.refreshTimeout, f.logger, f.metrics)
	}
	return f
}

// FetchAndRegister makes sure a provider for domain is registered.
// It returns true when a valid config was registered from cache or network.
// Invalid domains and exhausted candidates return false with a nil error;
// an error is returned only when the registry rejects a freshly fetched
// config or ctx ends first.
func (f *Fetcher) FetchAndRegister(ctx context.Context, domain string, forceRefresh bool) (bool, error) {
	ctx, span := f.tracer.Start(ctx, "fetcher.FetchAndRegister",
		trace.WithAttributes(attribute.Bool("autoconfig.force_refresh", forceRefresh)),
	)
	defer span.End()

	normalized, err := validation.NormalizeDomain(domain)
	if err != nil {
		f.logger.Warn("invalid_domain",
			zap.String("domain", logger.SanitizeDomain(domain)),
			zap.String("error", logger.SanitizeError(err)),
		)
		f.metrics.Lookup("input", "invalid")
		span.SetStatus(codes.Error, "invalid domain")
		return false, nil
	}
	span.SetAttributes(attribute.String("autoconfig.domain", normalized))

	if !forceRefresh {
		if registered := f.registerFromCache(ctx, normalized); registered {
			span.SetAttributes(attribute.String("autoconfig.source", "cache"))
			return true, nil
		}
	}

	ok, err := f.fetchShared(ctx, normalized)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("autoconfig.source", "network"), attribute.Bool("autoconfig.registered", ok))
	return ok, err
}

// registerFromCache registers a cached config and schedules a refresh when stale.
// A failed registration reports false so the caller falls back to the network.
func (f *Fetcher) registerFromCache(ctx context.Context, domain string) bool {
	cfg, ok := f.cache.Load(ctx, domain)
	if !ok {
		return false
	}

	if err := f.registrar.Upsert(ctx, cfg); err != nil {
		f.metrics.Lookup("cache", "registry_error")
		f.logger.Warn("cached_config_registration_failed",
			zap.String("domain", logger.SanitizeDomain(domain)),
			zap.Error(err),
		)
		return false
	}

	f.metrics.Lookup("cache", "registered")
	if f.cache.IsStale(cfg) {
		f.logger.Info("cache_stale_refreshing", zap.String("domain", logger.SanitizeDomain(domain)))
		f.refresher.Refresh(ctx, domain)
	} else {
		f.logger.Debug("cache_hit", zap.String("domain", logger.SanitizeDomain(domain)))
	}
	return true
}

// RefreshFromNetwork runs the network path for a domain, bypassing the cache.
// It is the entry point used by background and queued refreshes.
func (f *Fetcher) RefreshFromNetwork(ctx context.Context, domain string) (bool, error) {
	return f.FetchAndRegister(ctx, domain, true)
}

// fetchShared collapses concurrent network fetches of one domain into a single flight
func (f *Fetcher) fetchShared(ctx context.Context, domain string) (bool, error) {
	result, err, shared := f.flights.Do(domain, func() (interface{}, error) {
		return f.fetchFromNetwork(ctx, domain)
	})
	if shared {
		f.logger.Debug("fetch_shared", zap.String("domain", logger.SanitizeDomain(domain)))
	}
	ok, _ := result.(bool)
	return ok, err
}

// fetchFromNetwork tries each candidate URL in order; the first document that
// parses is registered and cached, and the remaining candidates are skipped.
func (f *Fetcher) fetchFromNetwork(ctx context.Context, domain string) (bool, error) {
	f.logger.Info("fetching_from_network", zap.String("domain", logger.SanitizeDomain(domain)))

	for i, candidate := range CandidateURLs(domain) {
		if err := ctx.Err(); err != nil {
			f.metrics.Lookup("network", "canceled")
			return false, err
		}

		position := strconv.Itoa(i + 1)
		cfg, outcome := f.tryCandidate(ctx, position, candidate)
		if cfg == nil {
			f.metrics.FetchAttempt(position, outcome.label, outcome.elapsed.Seconds())
			continue
		}
		cfg.Domain = domain

		if err := f.registrar.Upsert(ctx, cfg); err != nil {
			f.metrics.FetchAttempt(position, "registry_error", outcome.elapsed.Seconds())
			f.metrics.Lookup("network", "registry_error")
			return false, err
		}
		f.metrics.FetchAttempt(position, "registered", outcome.elapsed.Seconds())

		// A failed save is logged by the cache; the registration already succeeded.
		_ = f.cache.Save(ctx, domain, cfg)

		f.metrics.Lookup("network", "registered")
		f.logger.Info("provider_discovered",
			zap.String("domain", logger.SanitizeDomain(domain)),
			zap.String("issuer", logger.SanitizeDocumentValue(cfg.Issuer)),
			zap.String("candidate", logger.SanitizeURL(candidate)),
		)
		return true, nil
	}

	if err := ctx.Err(); err != nil {
		f.metrics.Lookup("network", "canceled")
		return false, err
	}
	f.metrics.Lookup("network", "exhausted")
	f.logger.Warn("no_oauth_config_found", zap.String("domain", logger.SanitizeDomain(domain)))
	return false, nil
}

type attemptOutcome struct {
	label   string
	elapsed time.Duration
}

// tryCandidate fetches and parses one URL. Transport and parse failures are logged and
// reported as a nil config so the loop moves on.
func (f *Fetcher) tryCandidate(ctx context.Context, position, candidate string) (*models.ProviderConfig, attemptOutcome) {
	ctx, span := f.tracer.Start(ctx, "fetcher.candidate",
		trace.WithAttributes(
			attribute.String("autoconfig.candidate", position),
			attribute.String("url.full", candidate),
		),
	)
	defer span.End()

	start := time.Now()
	body, err := f.getter.Get(ctx, candidate)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		f.logger.Warn("fetch_candidate_failed",
			zap.String("url", logger.SanitizeURL(candidate)),
			zap.String("error", logger.SanitizeError(err)),
		)
		return nil, attemptOutcome{label: "transport_error", elapsed: time.Since(start)}
	}

	cfg, err := autoconfig.Parse(body)
	if err != nil {
		span.SetStatus(codes.Error, "parse")
		label := "parse_failed"
		if errors.Is(err, autoconfig.ErrNoOAuth2Block) {
			label = "no_oauth2"
		}
		f.logger.Info("candidate_document_rejected",
			zap.String("url", logger.SanitizeURL(candidate)),
			zap.String("reason", logger.SanitizeError(err)),
		)
		return nil, attemptOutcome{label: label, elapsed: time.Since(start)}
	}

	return cfg, attemptOutcome{label: "parsed", elapsed: time.Since(start)}
}

// Close stops the refresher and waits for the refreshes it has started
func (f *Fetcher) Close() {
	if c, ok := f.refresher.(interface{ Close() }); ok {
		c.Close()
	}
}

// WaitForRefreshes blocks until refreshes started so far finish
func (f *Fetcher) WaitForRefreshes() {
	if w, ok := f.refresher.(interface{ Wait() }); ok {
		w.Wait()
	}
}
