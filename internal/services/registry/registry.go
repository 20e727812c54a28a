// Package registry reconciles discovered provider configs against the shared provider table.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benvon/mail-oauth-autoconfig/internal/logger"
	"github.com/benvon/mail-oauth-autoconfig/internal/metrics"
	"github.com/benvon/mail-oauth-autoconfig/internal/models"
	"github.com/benvon/mail-oauth-autoconfig/internal/validation"
	"go.uber.org/zap"
)

var (
	// ErrInvalidConfig is returned by Upsert for configs missing a mandatory field
	ErrInvalidConfig = errors.New("registry: invalid provider config")
	// ErrAlreadyRegistered is returned by tables that refuse a duplicate issuer
	ErrAlreadyRegistered = errors.New("registry: issuer already registered")
	// ErrListUnsupported is returned by Entries when the table cannot enumerate
	ErrListUnsupported = errors.New("registry: table does not support listing")
)

// Registry performs idempotent remove-then-insert upserts keyed by issuer
type Registry struct {
	table   Table
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*issuerLock
}

type issuerLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures a Registry
type Option func(*Registry)

// WithMetrics records upsert outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock overrides the time source used for RegisteredAt
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry over table
func New(table Table, log *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		table:  table,
		logger: log,
		now:    time.Now,
		locks:  make(map[string]*issuerLock),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// lock serializes work on one issuer; the returned func releases it
func (r *Registry) lock(issuer string) func() {
	r.mu.Lock()
	l, ok := r.locks[issuer]
	if !ok {
		l = &issuerLock{}
		r.locks[issuer] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, issuer)
		}
		r.mu.Unlock()
	}
}

// Upsert replaces whatever the table holds for cfg.Issuer with cfg.
// Fields from a previous registration never survive.
func (r *Registry) Upsert(ctx context.Context, cfg *models.ProviderConfig) error {
	if cfg == nil {
		return ErrInvalidConfig
	}
	if err := validation.Validate.Struct(cfg); err != nil {
		r.metrics.RegistryUpsert("invalid")
		return fmt.Errorf("%w: %v", ErrInvalidConfig, validation.FieldErrors(err))
	}

	entry := models.NewProviderEntry(cfg, r.now().UTC())

	unlock := r.lock(entry.Issuer)
	defer unlock()

	if err := r.replace(ctx, entry); err != nil {
		r.metrics.RegistryUpsert("error")
		r.logger.Error("provider_registration_failed",
			zap.String("issuer", logger.SanitizeDocumentValue(entry.Issuer)),
			zap.Error(err),
		)
		return err
	}

	r.metrics.RegistryUpsert("ok")
	r.logger.Info("provider_registered",
		zap.String("issuer", logger.SanitizeDocumentValue(entry.Issuer)),
		zap.Strings("hostnames", sanitizeAll(entry.Hostnames)),
	)
	return nil
}

func (r *Registry) replace(ctx context.Context, entry *models.ProviderEntry) error {
	if replacer, ok := r.table.(Replacer); ok {
		if err := replacer.Replace(ctx, entry); err != nil {
			return fmt.Errorf("registry: replace %s: %w", entry.Issuer, err)
		}
		return nil
	}

	_, exists, err := r.table.Lookup(ctx, entry.Issuer)
	if err != nil {
		return fmt.Errorf("registry: lookup %s: %w", entry.Issuer, err)
	}
	if exists {
		r.logger.Debug("provider_reregistering", zap.String("issuer", logger.SanitizeDocumentValue(entry.Issuer)))
		if err := r.table.Unregister(ctx, entry.Issuer); err != nil {
			return fmt.Errorf("registry: unregister %s: %w", entry.Issuer, err)
		}
	}
	if err := r.table.Register(ctx, entry); err != nil {
		return fmt.Errorf("registry: register %s: %w", entry.Issuer, err)
	}
	return nil
}

// IsRegistered reports whether the table holds an entry for issuer. Lookup errors read as false.
func (r *Registry) IsRegistered(ctx context.Context, issuer string) bool {
	_, ok, err := r.table.Lookup(ctx, issuer)
	if err != nil {
		r.logger.Warn("provider_lookup_failed",
			zap.String("issuer", logger.SanitizeDocumentValue(issuer)),
			zap.Error(err),
		)
		return false
	}
	return ok
}

// Lookup returns the entry for issuer
func (r *Registry) Lookup(ctx context.Context, issuer string) (*models.ProviderEntry, bool, error) {
	return r.table.Lookup(ctx, issuer)
}

// Unregister removes issuer; a missing issuer is a no-op
func (r *Registry) Unregister(ctx context.Context, issuer string) error {
	unlock := r.lock(issuer)
	defer unlock()

	_, ok, err := r.table.Lookup(ctx, issuer)
	if err != nil {
		return fmt.Errorf("registry: lookup %s: %w", issuer, err)
	}
	if !ok {
		return nil
	}
	if err := r.table.Unregister(ctx, issuer); err != nil {
		return fmt.Errorf("registry: unregister %s: %w", issuer, err)
	}
	r.logger.Info("provider_unregistered", zap.String("issuer", logger.SanitizeDocumentValue(issuer)))
	return nil
}

// Entries lists every registered provider when the table supports it
func (r *Registry) Entries(ctx context.Context) ([]*models.ProviderEntry, error) {
	lister, ok := r.table.(Lister)
	if !ok {
		return nil, ErrListUnsupported
	}
	return lister.List(ctx)
}

func sanitizeAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = logger.SanitizeDomain(v)
	}
	return out
}
