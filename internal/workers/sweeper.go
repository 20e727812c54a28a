package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/benvon/mail-oauth-autoconfig/internal/logger"
	"github.com/benvon/mail-oauth-autoconfig/internal/models"
	"github.com/benvon/mail-oauth-autoconfig/internal/queue"
	"go.uber.org/zap"
)

// CachedDomains exposes what the config cache holds
type CachedDomains interface {
	GetAllDomains(ctx context.Context) []string
	GetDetails(ctx context.Context, domain string) (*models.ProviderDetails, bool)
}

// StaleSweeper enqueues refresh jobs for every stale cache entry so the worker
// fleet renews them before a lookup hits them
type StaleSweeper struct {
	cache    CachedDomains
	jobQueue queue.Enqueuer
	interval time.Duration
	logger   *zap.Logger
}

// NewStaleSweeper creates a sweeper running every interval
func NewStaleSweeper(cache CachedDomains, jobQueue queue.Enqueuer, interval time.Duration, log *zap.Logger) *StaleSweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &StaleSweeper{cache: cache, jobQueue: jobQueue, interval: interval, logger: log}
}

// Start sweeps on every tick until ctx is cancelled
func (s *StaleSweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Warn("stale_sweep_failed", zap.Error(err))
			}
		}
	}
}

// Sweep enqueues one refresh job per stale domain and returns how many were scheduled.
// A failed enqueue is logged and the sweep continues with the next domain.
func (s *StaleSweeper) Sweep(ctx context.Context) (int, error) {
	domains := s.cache.GetAllDomains(ctx)
	scheduled := 0
	failed := 0
	for _, domain := range domains {
		if err := ctx.Err(); err != nil {
			return scheduled, err
		}
		details, ok := s.cache.GetDetails(ctx, domain)
		if !ok || !details.IsStale {
			continue
		}

		job := queue.NewRefreshJob(domain)
		notAfter := job.CreatedAt.Add(s.interval)
		job.NotAfter = &notAfter

		if err := s.jobQueue.Enqueue(ctx, job); err != nil {
			failed++
			s.logger.Warn("stale_refresh_enqueue_failed",
				zap.String("domain", logger.SanitizeDomain(domain)),
				zap.Error(err),
			)
			continue
		}
		scheduled++
	}

	s.logger.Info("stale_sweep_done",
		zap.Int("cached", len(domains)),
		zap.Int("scheduled", scheduled),
		zap.Int("failed", failed),
	)
	if failed > 0 && scheduled == 0 {
		return 0, fmt.Errorf("failed to enqueue %d stale refreshes", failed)
	}
	return scheduled, nil
}
