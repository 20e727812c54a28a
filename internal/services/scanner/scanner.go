// Package scanner drives provider discovery for every domain found in the known mail accounts.
package scanner

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/benvon/mail-oauth-autoconfig/internal/logger"
	"github.com/benvon/mail-oauth-autoconfig/internal/metrics"
	"github.com/benvon/mail-oauth-autoconfig/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AccountSource lists the accounts known to the host
type AccountSource interface {
	ListAccounts(ctx context.Context) ([]models.Account, error)
}

// Registrar resolves and registers one domain
type Registrar interface {
	FetchAndRegister(ctx context.Context, domain string, forceRefresh bool) (bool, error)
}

// Result summarizes one scan
type Result struct {
	Domains    []string `json:"domains"`
	Total      int      `json:"total"`
	Registered int      `json:"registered"`
	Failed     int      `json:"failed"`
	// Skipped counts identities whose email yielded no domain
	Skipped  int  `json:"skipped"`
	Canceled bool `json:"canceled"`
}

// String renders the partial-success summary, e.g. "3/5 registered"
func (r Result) String() string {
	return fmt.Sprintf("%d/%d registered", r.Registered, r.Total)
}

// Scanner enumerates accounts and registers a provider per distinct domain
type Scanner struct {
	source      AccountSource
	registrar   Registrar
	logger      *zap.Logger
	metrics     *metrics.Metrics
	concurrency int
}

// Option configures a Scanner
type Option func(*Scanner)

// WithConcurrency sets how many domains are processed at once; 1 is sequential
func WithConcurrency(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithMetrics records per-domain outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scanner) { s.metrics = m }
}

// New creates a Scanner
func New(source AccountSource, registrar Registrar, log *zap.Logger, opts ...Option) *Scanner {
	s := &Scanner{
		source:      source,
		registrar:   registrar,
		logger:      log,
		concurrency: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// ExtractDomain returns the lowercased text after '@', or "" when email is not local@domain
func ExtractDomain(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(parts[1]))
}

// Domains returns the distinct domains of all identities in first-seen order
// and the number of identities skipped for a malformed or missing email.
func Domains(accounts []models.Account) ([]string, int) {
	seen := make(map[string]struct{})
	var (
		domains []string
		skipped int
	)
	for _, account := range accounts {
		for _, identity := range account.Identities {
			domain := ExtractDomain(identity.Email)
			if domain == "" {
				skipped++
				continue
			}
			if _, dup := seen[domain]; dup {
				continue
			}
			seen[domain] = struct{}{}
			domains = append(domains, domain)
		}
	}
	return domains, skipped
}

// ScanAndRegisterAll registers a provider for every account domain. Per-domain
// failures are counted and never stop the scan. When ctx ends, no further
// domains are started and the partial result is returned with ctx's error.
func (s *Scanner) ScanAndRegisterAll(ctx context.Context) (Result, error) {
	accounts, err := s.source.ListAccounts(ctx)
	if err != nil {
		s.logger.Error("account_listing_failed", zap.Error(err))
		return Result{}, fmt.Errorf("failed to list accounts: %w", err)
	}

	domains, skipped := Domains(accounts)
	result := Result{Domains: domains, Total: len(domains), Skipped: skipped}
	if result.Domains == nil {
		result.Domains = []string{}
	}
	for i := 0; i < skipped; i++ {
		s.metrics.ScanDomain("skipped")
	}

	s.logger.Info("account_scan_started",
		zap.Int("accounts", len(accounts)),
		zap.Int("domains", len(domains)),
		zap.Int("skipped_identities", skipped),
		zap.Int("concurrency", s.concurrency),
	)

	var mu sync.Mutex
	g := errgroup.Group{}
	g.SetLimit(s.concurrency)

	for _, domain := range domains {
		if ctx.Err() != nil {
			break
		}
		// Go blocks while the limit is reached, so cancellation is rechecked per domain.
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			ok, err := s.registrar.FetchAndRegister(ctx, domain, false)
			outcome := "registered"
			switch {
			case err != nil:
				outcome = "failed"
				s.logger.Warn("scan_domain_failed",
					zap.String("domain", logger.SanitizeDomain(domain)),
					zap.Error(err),
				)
			case !ok:
				outcome = "failed"
				s.logger.Info("scan_domain_not_found", zap.String("domain", logger.SanitizeDomain(domain)))
			}
			s.metrics.ScanDomain(outcome)

			mu.Lock()
			if outcome == "registered" {
				result.Registered++
			} else {
				result.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		result.Canceled = true
		s.logger.Warn("account_scan_canceled", zap.String("result", result.String()))
		return result, err
	}

	s.logger.Info("account_scan_complete",
		zap.String("result", result.String()),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}
