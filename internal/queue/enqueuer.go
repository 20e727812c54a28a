package queue

import (
	"context"
	"sync"
	"time"

	"github.com/benvon/mail-oauth-autoconfig/internal/logger"
	"github.com/benvon/mail-oauth-autoconfig/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultRefreshJobTTL is how long a refresh job stays useful after it is published
	DefaultRefreshJobTTL = time.Hour

	// RefreshMarkerPrefix namespaces the shared pending-refresh markers in Redis
	RefreshMarkerPrefix = "autoconfig:refresh:"

	defaultPublishTimeout = 5 * time.Second
)

// Marker claims a domain for the length of a refresh job so repeated stale
// lookups publish one job. Release gives the claim back after a failed publish.
type Marker interface {
	Mark(ctx context.Context, domain string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, domain string) error
}

// MemoryMarker keeps claims in process
type MemoryMarker struct {
	mu      sync.Mutex
	pending map[string]time.Time
	now     func() time.Time
}

// NewMemoryMarker creates an empty in-process marker
func NewMemoryMarker() *MemoryMarker {
	return &MemoryMarker{pending: make(map[string]time.Time), now: time.Now}
}

// Mark claims domain until ttl elapses. It returns false while an earlier claim holds.
func (m *MemoryMarker) Mark(_ context.Context, domain string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expiry, ok := m.pending[domain]; ok && now.Before(expiry) {
		return false, nil
	}
	// Expired claims are dropped here so the map stays bounded by live domains
	for d, expiry := range m.pending {
		if !now.Before(expiry) {
			delete(m.pending, d)
		}
	}
	m.pending[domain] = now.Add(ttl)
	return true, nil
}

// Release drops the claim on domain
func (m *MemoryMarker) Release(_ context.Context, domain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, domain)
	return nil
}

// SetNXer is the slice of the Redis client the shared marker needs
type SetNXer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisMarker shares claims between every server replica through SETNX keys
type RedisMarker struct {
	client SetNXer
	prefix string
}

// NewRedisMarker creates a marker storing keys under prefix
func NewRedisMarker(client SetNXer, prefix string) *RedisMarker {
	if prefix == "" {
		prefix = RefreshMarkerPrefix
	}
	return &RedisMarker{client: client, prefix: prefix}
}

// Mark sets the domain key only when absent, expiring with the job
func (m *RedisMarker) Mark(ctx context.Context, domain string, ttl time.Duration) (bool, error) {
	return m.client.SetNX(ctx, m.prefix+domain, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

// Release deletes the domain key
func (m *RedisMarker) Release(ctx context.Context, domain string) error {
	return m.client.Del(ctx, m.prefix+domain).Err()
}

// EnqueuerOption configures a RefreshEnqueuer
type EnqueuerOption func(*RefreshEnqueuer)

// WithMarker replaces the in-process marker, e.g. with a RedisMarker
func WithMarker(m Marker) EnqueuerOption {
	return func(e *RefreshEnqueuer) { e.marker = m }
}

// WithEnqueuerMetrics records enqueue outcomes
func WithEnqueuerMetrics(m *metrics.Metrics) EnqueuerOption {
	return func(e *RefreshEnqueuer) { e.metrics = m }
}

// RefreshEnqueuer hands stale-domain refreshes to the worker fleet instead of
// running them in process. A domain with a job still pending is skipped, and
// publishing runs in goroutines owned by the enqueuer so lookups never wait on the broker.
type RefreshEnqueuer struct {
	queue   Enqueuer
	marker  Marker
	ttl     time.Duration
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewRefreshEnqueuer creates an enqueuer publishing refresh jobs with the given TTL.
// The TTL is also the window during which repeat requests for a domain are dropped.
func NewRefreshEnqueuer(q Enqueuer, ttl time.Duration, log *zap.Logger, opts ...EnqueuerOption) *RefreshEnqueuer {
	if ttl <= 0 {
		ttl = DefaultRefreshJobTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &RefreshEnqueuer{
		queue:   q,
		ttl:     ttl,
		timeout: defaultPublishTimeout,
		logger:  log,
		baseCtx: ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.marker == nil {
		e.marker = NewMemoryMarker()
	}
	return e
}

// Refresh schedules a refresh job for domain and returns at once.
// The caller's context only contributes values. Failures are logged, never returned.
func (e *RefreshEnqueuer) Refresh(ctx context.Context, domain string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	stop := context.AfterFunc(e.baseCtx, cancel)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer stop()
		e.publish(ctx, domain)
	}()
}

func (e *RefreshEnqueuer) publish(ctx context.Context, domain string) {
	field := zap.String("domain", logger.SanitizeDomain(domain))

	claimed, err := e.marker.Mark(ctx, domain, e.ttl)
	if err != nil {
		// A marker outage costs duplicate jobs, never a missed refresh
		e.logger.Warn("refresh_marker_failed", field, zap.Error(err))
	} else if !claimed {
		e.metrics.Refresh("deduplicated")
		e.logger.Debug("refresh_already_pending", field)
		return
	}

	job := NewRefreshJob(domain)
	notAfter := job.CreatedAt.Add(e.ttl)
	job.NotAfter = &notAfter

	if err := e.queue.Enqueue(ctx, job); err != nil {
		e.metrics.Refresh("enqueue_failed")
		e.logger.Warn("refresh_enqueue_failed", field, zap.Error(err))
		if claimed {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
			defer cancel()
			if err := e.marker.Release(releaseCtx, domain); err != nil {
				e.logger.Warn("refresh_marker_release_failed", field, zap.Error(err))
			}
		}
		return
	}
	e.metrics.Refresh("enqueued")
	e.logger.Debug("refresh_enqueued", field, zap.String("job_id", job.ID.String()))
}

// Wait blocks until every publish started so far has finished
func (e *RefreshEnqueuer) Wait() {
	e.wg.Wait()
}

// Close stops accepting refreshes, cancels pending publishes and waits for them
func (e *RefreshEnqueuer) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}
