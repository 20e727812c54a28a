package fetcher

import (
	"context"
	"sync"
	"time"

	"github.com/benvon/mail-oauth-autoconfig/internal/logger"
	"github.com/benvon/mail-oauth-autoconfig/internal/metrics"
	"go.uber.org/zap"
)

// DefaultRefreshTimeout bounds one background refresh across all candidates
const DefaultRefreshTimeout = 30 * time.Second

// Refresher schedules a network refresh of a stale domain without blocking the caller
type Refresher interface {
	Refresh(ctx context.Context, domain string)
}

// RefreshFunc runs the network path for a domain
type RefreshFunc func(ctx context.Context, domain string) (bool, error)

// BackgroundRefresher runs refreshes in goroutines owned by the process.
// At most one refresh per domain is in flight.
type BackgroundRefresher struct {
	refresh RefreshFunc
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool
}

var _ Refresher = (*BackgroundRefresher)(nil)

// NewBackgroundRefresher creates a refresher that calls refresh with its own timeout budget
func NewBackgroundRefresher(refresh RefreshFunc, timeout time.Duration, log *zap.Logger, m *metrics.Metrics) *BackgroundRefresher {
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BackgroundRefresher{
		refresh:  refresh,
		timeout:  timeout,
		logger:   log,
		metrics:  m,
		baseCtx:  ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
	}
}

// Refresh starts a refresh of domain unless one is already running or the refresher is closed.
// The caller's context only contributes values; its cancellation does not stop the refresh.
func (r *BackgroundRefresher) Refresh(_ context.Context, domain string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if _, running := r.inflight[domain]; running {
		r.mu.Unlock()
		r.metrics.Refresh("deduplicated")
		return
	}
	r.inflight[domain] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.inflight, domain)
			r.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(r.baseCtx, r.timeout)
		defer cancel()

		ok, err := r.refresh(ctx, domain)
		switch {
		case err != nil:
			r.metrics.Refresh("error")
			r.logger.Warn("background_refresh_failed",
				zap.String("domain", logger.SanitizeDomain(domain)),
				zap.Error(err),
			)
		case !ok:
			r.metrics.Refresh("not_found")
			r.logger.Info("background_refresh_found_nothing", zap.String("domain", logger.SanitizeDomain(domain)))
		default:
			r.metrics.Refresh("ok")
			r.logger.Debug("background_refresh_done", zap.String("domain", logger.SanitizeDomain(domain)))
		}
	}()
}

// InFlight reports the number of refreshes currently running
func (r *BackgroundRefresher) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// Wait blocks until every started refresh has finished
func (r *BackgroundRefresher) Wait() {
	r.wg.Wait()
}

// Close stops accepting refreshes, cancels running ones and waits for them
func (r *BackgroundRefresher) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}
