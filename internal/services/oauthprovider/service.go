// Package oauthprovider is the programmatic surface of the discovery pipeline:
// the operations the HTTP API and CLI expose, plus the service lifecycle.
package oauthprovider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benvon/mail-oauth-autoconfig/internal/logger"
	"github.com/benvon/mail-oauth-autoconfig/internal/models"
	"github.com/benvon/mail-oauth-autoconfig/internal/queue"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/scanner"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultRefreshConcurrency bounds the network refreshes RefreshAll runs at once
const DefaultRefreshConcurrency = 4

var (
	// ErrNoAccountSource is returned by scan operations when no account source is configured
	ErrNoAccountSource = errors.New("no account source configured")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("service closed")
)

// Resolver runs the discovery pipeline for one domain
type Resolver interface {
	FetchAndRegister(ctx context.Context, domain string, forceRefresh bool) (bool, error)
}

// ConfigCache is the part of the config cache the API reads and clears
type ConfigCache interface {
	Remove(ctx context.Context, domain string) error
	ClearAll(ctx context.Context) error
	GetAllDomains(ctx context.Context) []string
	GetDetails(ctx context.Context, domain string) (*models.ProviderDetails, bool)
}

// ProviderRegistry is the read side of the provider registry
type ProviderRegistry interface {
	Entries(ctx context.Context) ([]*models.ProviderEntry, error)
	Lookup(ctx context.Context, issuer string) (*models.ProviderEntry, bool, error)
}

// AccountScanner resolves every account domain
type AccountScanner interface {
	ScanAndRegisterAll(ctx context.Context) (scanner.Result, error)
}

// ISPHost runs the host's (possibly intercepted) ISP lookup
type ISPHost interface {
	FetchConfig(ctx context.Context, domain string) (*models.ISPConfig, error)
}

// Interceptor is the lookup hook's lifecycle
type Interceptor interface {
	Install() bool
	Uninstall() bool
	Wait()
}

// Deps are the collaborators of a Service. Scanner, Interceptor and ScanQueue are optional.
type Deps struct {
	Cache       ConfigCache
	Resolver    Resolver
	Registry    ProviderRegistry
	Host        ISPHost
	Scanner     AccountScanner
	Interceptor Interceptor
	// ScanQueue, when set, receives rescan requests as jobs instead of running them here
	ScanQueue queue.Enqueuer
	// OnClose runs after the hook is removed and background scans have drained
	OnClose []func()
}

// Option configures a Service
type Option func(*Service)

// WithStartupScan makes Start request a full account scan
func WithStartupScan(enabled bool) Option {
	return func(s *Service) { s.startupScan = enabled }
}

// WithRefreshConcurrency bounds the network refreshes RefreshAll runs at once
func WithRefreshConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.refreshConcurrency = n
		}
	}
}

// Service owns the pipeline components for the lifetime of the process
type Service struct {
	deps               Deps
	logger             *zap.Logger
	startupScan        bool
	refreshConcurrency int

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu            sync.Mutex
	scanning      bool
	rescanPending bool
	started       bool
	closed        bool
}

// New creates a Service. Nothing is installed until Start.
func New(deps Deps, log *zap.Logger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		deps:               deps,
		logger:             log,
		refreshConcurrency: DefaultRefreshConcurrency,
		baseCtx:            ctx,
		cancel:             cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start installs the lookup hook and, when enabled, requests a startup scan.
// Calling Start twice is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if s.deps.Interceptor != nil && !s.deps.Interceptor.Install() {
		s.logger.Warn("lookup_hook_already_installed")
	}

	if s.startupScan {
		if err := s.RequestRescan(ctx); err != nil && !errors.Is(err, ErrNoAccountSource) {
			return fmt.Errorf("startup scan: %w", err)
		}
	}
	s.logger.Info("oauth_provider_service_started", zap.Bool("startup_scan", s.startupScan))
	return nil
}

// Close removes the hook, stops background scans and waits for in-flight work
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.deps.Interceptor != nil {
		s.deps.Interceptor.Uninstall()
	}
	s.cancel()
	s.wg.Wait()
	if s.deps.Interceptor != nil {
		s.deps.Interceptor.Wait()
	}
	for _, fn := range s.deps.OnClose {
		fn()
	}
	s.logger.Info("oauth_provider_service_stopped")
}

// CheckIfProviderExists resolves hostname through the cache-first pipeline
func (s *Service) CheckIfProviderExists(ctx context.Context, hostname string) (bool, error) {
	return s.deps.Resolver.FetchAndRegister(ctx, hostname, false)
}

// RefreshProvider resolves hostname from the network, bypassing the cache
func (s *Service) RefreshProvider(ctx context.Context, hostname string) (bool, error) {
	return s.deps.Resolver.FetchAndRegister(ctx, hostname, true)
}

// RefreshAll re-resolves every cached domain from the network. A failed
// domain is counted and the rest still run. On cancellation the partial
// result is returned with the context error.
func (s *Service) RefreshAll(ctx context.Context) (scanner.Result, error) {
	domains := s.GetCachedDomains(ctx)
	result := scanner.Result{Domains: domains, Total: len(domains)}

	s.logger.Info("refresh_all_started",
		zap.Int("domains", len(domains)),
		zap.Int("concurrency", s.refreshConcurrency),
	)

	var mu sync.Mutex
	g := errgroup.Group{}
	g.SetLimit(s.refreshConcurrency)

	for _, domain := range domains {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			ok, err := s.deps.Resolver.FetchAndRegister(ctx, domain, true)
			switch {
			case err != nil:
				s.logger.Warn("refresh_domain_failed",
					zap.String("domain", logger.SanitizeDomain(domain)),
					zap.Error(err),
				)
			case !ok:
				s.logger.Info("refresh_domain_not_found", zap.String("domain", logger.SanitizeDomain(domain)))
			}

			mu.Lock()
			defer mu.Unlock()
			if err == nil && ok {
				result.Registered++
			} else {
				result.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		result.Canceled = true
		s.logger.Warn("refresh_all_canceled", zap.String("result", result.String()))
		return result, err
	}
	s.logger.Info("refresh_all_complete",
		zap.String("result", result.String()),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// ClearCache removes one domain, or every cached domain when hostname is empty
func (s *Service) ClearCache(ctx context.Context, hostname string) error {
	if hostname == "" {
		return s.deps.Cache.ClearAll(ctx)
	}
	return s.deps.Cache.Remove(ctx, hostname)
}

// GetCachedDomains lists cached domains, sorted
func (s *Service) GetCachedDomains(ctx context.Context) []string {
	domains := s.deps.Cache.GetAllDomains(ctx)
	if domains == nil {
		return []string{}
	}
	return domains
}

// GetProviderDetails describes the cached record for hostname
func (s *Service) GetProviderDetails(ctx context.Context, hostname string) (*models.ProviderDetails, bool) {
	return s.deps.Cache.GetDetails(ctx, hostname)
}

// ScanAll runs a full account scan synchronously
func (s *Service) ScanAll(ctx context.Context) (scanner.Result, error) {
	if s.deps.Scanner == nil {
		return scanner.Result{}, ErrNoAccountSource
	}
	return s.deps.Scanner.ScanAndRegisterAll(ctx)
}

// LookupISP runs the host ISP lookup, which triggers discovery when the hook is installed
func (s *Service) LookupISP(ctx context.Context, domain string) (*models.ISPConfig, error) {
	return s.deps.Host.FetchConfig(ctx, domain)
}

// RegistryEntries lists registered providers
func (s *Service) RegistryEntries(ctx context.Context) ([]*models.ProviderEntry, error) {
	return s.deps.Registry.Entries(ctx)
}

// RegistryEntry returns the provider registered for issuer
func (s *Service) RegistryEntry(ctx context.Context, issuer string) (*models.ProviderEntry, bool, error) {
	return s.deps.Registry.Lookup(ctx, issuer)
}

// HandleAccountEvents reacts to account creation or identity changes with a rescan
func (s *Service) HandleAccountEvents(ctx context.Context, events []models.AccountEvent) error {
	if len(events) == 0 {
		return nil
	}
	for _, e := range events {
		s.logger.Info("account_event_received",
			zap.String("account_id", logger.SanitizeString(e.AccountID, 256)),
			zap.String("type", string(e.Type)),
		)
	}
	return s.RequestRescan(ctx)
}

// RequestRescan schedules a full scan without waiting for it. With a scan queue the
// request becomes a job; otherwise it runs in a background goroutine, and requests
// arriving while a scan runs are coalesced into one follow-up scan.
func (s *Service) RequestRescan(ctx context.Context) error {
	if s.deps.ScanQueue != nil {
		job := queue.NewScanJob()
		if err := s.deps.ScanQueue.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("enqueue scan: %w", err)
		}
		s.logger.Info("scan_enqueued", zap.String("job_id", job.ID.String()))
		return nil
	}
	if s.deps.Scanner == nil {
		return ErrNoAccountSource
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.scanning {
		s.rescanPending = true
		return nil
	}
	s.scanning = true
	s.wg.Add(1)
	go s.scanLoop()
	return nil
}

func (s *Service) scanLoop() {
	defer s.wg.Done()
	for {
		result, err := s.deps.Scanner.ScanAndRegisterAll(s.baseCtx)
		if err != nil {
			s.logger.Warn("background_scan_failed", zap.Error(err))
		} else {
			s.logger.Info("background_scan_done",
				zap.String("result", result.String()),
				zap.Int("failed", result.Failed),
				zap.Bool("canceled", result.Canceled),
			)
		}

		s.mu.Lock()
		if !s.rescanPending || s.baseCtx.Err() != nil {
			s.scanning = false
			s.rescanPending = false
			s.mu.Unlock()
			return
		}
		s.rescanPending = false
		s.mu.Unlock()
	}
}

// Scanning reports whether a background scan is running
func (s *Service) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

// Wait blocks until background scans finish
func (s *Service) Wait() {
	s.wg.Wait()
}
