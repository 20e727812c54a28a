// Package cache persists discovered provider configurations keyed by mail domain.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/benvon/mail-oauth-autoconfig/internal/logger"
	"github.com/benvon/mail-oauth-autoconfig/internal/metrics"
	"github.com/benvon/mail-oauth-autoconfig/internal/models"
	"github.com/benvon/mail-oauth-autoconfig/internal/storage"
	"github.com/benvon/mail-oauth-autoconfig/internal/validation"
	"go.uber.org/zap"
)

const (
	// DefaultNamespace prefixes every key the cache owns
	DefaultNamespace = "autoconfig:cache:"
	// DefaultMaxAge is the age after which a cached record is stale
	DefaultMaxAge = 24 * time.Hour
)

// ErrEmptyDomain is returned by Save when the domain is blank
var ErrEmptyDomain = errors.New("cache: empty domain")

// ConfigCache maps domains to their last known provider configuration
type ConfigCache struct {
	store     storage.Store
	logger    *zap.Logger
	namespace string
	maxAge    time.Duration
	now       func() time.Time
	metrics   *metrics.Metrics
}

// Option configures a ConfigCache
type Option func(*ConfigCache)

// WithNamespace overrides the key prefix
func WithNamespace(namespace string) Option {
	return func(c *ConfigCache) { c.namespace = namespace }
}

// WithMaxAge overrides the staleness threshold
func WithMaxAge(maxAge time.Duration) Option {
	return func(c *ConfigCache) { c.maxAge = maxAge }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *ConfigCache) { c.now = now }
}

// WithMetrics records cache operations
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *ConfigCache) { c.metrics = m }
}

// New creates a ConfigCache over store
func New(store storage.Store, log *zap.Logger, opts ...Option) *ConfigCache {
	c := &ConfigCache{
		store:     store,
		logger:    log,
		namespace: DefaultNamespace,
		maxAge:    DefaultMaxAge,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// MaxAge returns the configured staleness threshold
func (c *ConfigCache) MaxAge() time.Duration {
	return c.maxAge
}

func normalize(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}

func (c *ConfigCache) key(domain string) string {
	return c.namespace + EncodeDomain(domain)
}

// Save stores a copy of cfg under domain, stamping CachedAt.
// Records missing a mandatory field are rejected.
func (c *ConfigCache) Save(ctx context.Context, domain string, cfg *models.ProviderConfig) error {
	domain = normalize(domain)
	if domain == "" {
		return ErrEmptyDomain
	}
	if cfg == nil {
		return fmt.Errorf("cache: nil config for %s", domain)
	}
	if err := validation.Validate.Struct(cfg); err != nil {
		c.metrics.CacheOp("save", "invalid")
		return fmt.Errorf("cache: refusing invalid config: %w", err)
	}

	record := cfg.Clone()
	cachedAt := c.now().UTC()
	record.CachedAt = &cachedAt

	payload, err := json.Marshal(record)
	if err != nil {
		c.metrics.CacheOp("save", "error")
		return fmt.Errorf("cache: failed to encode config: %w", err)
	}

	if err := c.store.Set(ctx, c.key(domain), string(payload)); err != nil {
		c.metrics.CacheOp("save", "error")
		c.logger.Error("cache_save_failed",
			zap.String("domain", logger.SanitizeDomain(domain)),
			zap.Error(err),
		)
		return fmt.Errorf("cache: failed to store config: %w", err)
	}

	c.metrics.CacheOp("save", "ok")
	c.logger.Debug("cache_saved",
		zap.String("domain", logger.SanitizeDomain(domain)),
		zap.String("issuer", logger.SanitizeDocumentValue(record.Issuer)),
	)
	return nil
}

// Load returns the cached config for domain. Storage errors, undecodable
// payloads and records missing a mandatory field all read as not found.
func (c *ConfigCache) Load(ctx context.Context, domain string) (*models.ProviderConfig, bool) {
	domain = normalize(domain)
	if domain == "" {
		return nil, false
	}

	payload, ok, err := c.store.Get(ctx, c.key(domain))
	if err != nil {
		c.metrics.CacheOp("load", "error")
		c.logger.Warn("cache_load_failed",
			zap.String("domain", logger.SanitizeDomain(domain)),
			zap.Error(err),
		)
		return nil, false
	}
	if !ok {
		c.metrics.CacheOp("load", "miss")
		return nil, false
	}

	var cfg models.ProviderConfig
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		c.metrics.CacheOp("load", "corrupt")
		c.logger.Warn("cache_entry_corrupt",
			zap.String("domain", logger.SanitizeDomain(domain)),
			zap.String("error", logger.SanitizeError(err)),
		)
		return nil, false
	}
	if err := validation.Validate.Struct(&cfg); err != nil {
		c.metrics.CacheOp("load", "corrupt")
		c.logger.Warn("cache_entry_incomplete",
			zap.String("domain", logger.SanitizeDomain(domain)),
			zap.Strings("fields", validation.FieldErrors(err)),
		)
		return nil, false
	}

	c.metrics.CacheOp("load", "hit")
	return &cfg, true
}

// Has reports whether domain has a stored entry without decoding it
func (c *ConfigCache) Has(ctx context.Context, domain string) bool {
	domain = normalize(domain)
	if domain == "" {
		return false
	}
	ok, err := c.store.Exists(ctx, c.key(domain))
	if err != nil {
		c.logger.Warn("cache_exists_failed",
			zap.String("domain", logger.SanitizeDomain(domain)),
			zap.Error(err),
		)
		return false
	}
	return ok
}

// Remove deletes the entry for domain; removing a missing entry succeeds
func (c *ConfigCache) Remove(ctx context.Context, domain string) error {
	domain = normalize(domain)
	if domain == "" {
		return nil
	}
	if err := c.store.Delete(ctx, c.key(domain)); err != nil {
		c.metrics.CacheOp("remove", "error")
		c.logger.Error("cache_remove_failed",
			zap.String("domain", logger.SanitizeDomain(domain)),
			zap.Error(err),
		)
		return fmt.Errorf("cache: failed to remove %s: %w", domain, err)
	}
	c.metrics.CacheOp("remove", "ok")
	return nil
}

// ClearAll deletes every key under the cache namespace and nothing else
func (c *ConfigCache) ClearAll(ctx context.Context) error {
	keys, err := c.store.Keys(ctx, c.namespace)
	if err != nil {
		c.metrics.CacheOp("clear", "error")
		return fmt.Errorf("cache: failed to list keys: %w", err)
	}

	var errs []error
	for _, key := range keys {
		if err := c.store.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
		}
	}
	if len(errs) > 0 {
		c.metrics.CacheOp("clear", "error")
		c.logger.Error("cache_clear_incomplete", zap.Int("failed", len(errs)), zap.Int("total", len(keys)))
		return fmt.Errorf("cache: clear failed: %w", errors.Join(errs...))
	}

	c.metrics.CacheOp("clear", "ok")
	c.logger.Info("cache_cleared", zap.Int("entries", len(keys)))
	return nil
}

// GetAllDomains lists every cached domain in sorted order. Keys that do not
// decode to a domain are skipped.
func (c *ConfigCache) GetAllDomains(ctx context.Context) []string {
	keys, err := c.store.Keys(ctx, c.namespace)
	if err != nil {
		c.logger.Warn("cache_list_failed", zap.Error(err))
		return []string{}
	}

	domains := make([]string, 0, len(keys))
	for _, key := range keys {
		domain, err := DecodeDomain(strings.TrimPrefix(key, c.namespace))
		if err != nil {
			c.logger.Debug("cache_key_skipped", zap.String("key", logger.SanitizeString(key, logger.MaxDomainLength)))
			continue
		}
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	return domains
}

// GetDetails returns the derived view of a cached record
func (c *ConfigCache) GetDetails(ctx context.Context, domain string) (*models.ProviderDetails, bool) {
	domain = normalize(domain)
	cfg, ok := c.Load(ctx, domain)
	if !ok {
		return nil, false
	}

	now := c.now()
	details := &models.ProviderDetails{
		Domain:    domain,
		Issuer:    cfg.Issuer,
		Hostnames: cfg.Hostnames,
		CachedAt:  cfg.CachedAt,
		IsStale:   IsStale(cfg, c.maxAge, now),
	}
	if details.Hostnames == nil {
		details.Hostnames = []string{}
	}
	if cfg.CachedAt != nil {
		age := now.Sub(*cfg.CachedAt).Milliseconds()
		details.AgeMs = &age
	}
	return details, true
}

// IsStale applies the cache's threshold to cfg
func (c *ConfigCache) IsStale(cfg *models.ProviderConfig) bool {
	return IsStale(cfg, c.maxAge, c.now())
}

// IsStale reports whether cfg is older than maxAge at now.
// A record that was never cached is always stale.
func IsStale(cfg *models.ProviderConfig, maxAge time.Duration, now time.Time) bool {
	if cfg == nil || cfg.CachedAt == nil {
		return true
	}
	return now.Sub(*cfg.CachedAt) > maxAge
}
