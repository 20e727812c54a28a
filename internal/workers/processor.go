// Package workers handles queue jobs and schedules periodic refresh work.
package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/benvon/mail-oauth-autoconfig/internal/logger"
	"github.com/benvon/mail-oauth-autoconfig/internal/metrics"
	"github.com/benvon/mail-oauth-autoconfig/internal/queue"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/scanner"
	"go.uber.org/zap"
)

const (
	baseRetryDelay = 30 * time.Second
	maxRetryDelay  = 15 * time.Minute
	// maxEarlyWait bounds how long a job delivered before its NotBefore is held
	maxEarlyWait = 30 * time.Second
)

// DomainRefresher re-resolves one domain
type DomainRefresher interface {
	FetchAndRegister(ctx context.Context, domain string, forceRefresh bool) (bool, error)
}

// AccountScanner resolves every account domain
type AccountScanner interface {
	ScanAndRegisterAll(ctx context.Context) (scanner.Result, error)
}

// Processor executes refresh and scan jobs taken off the queue
type Processor struct {
	refresher DomainRefresher
	scanner   AccountScanner
	requeue   queue.Enqueuer
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewProcessor creates a job processor. requeue may be nil, in which case failed
// jobs go straight to the dead letter queue.
func NewProcessor(refresher DomainRefresher, scan AccountScanner, requeue queue.Enqueuer, log *zap.Logger, m *metrics.Metrics) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		refresher: refresher,
		scanner:   scan,
		requeue:   requeue,
		logger:    log,
		metrics:   m,
		now:       time.Now,
	}
}

// RetryDelay is the backoff before attempt retryCount+1
func RetryDelay(retryCount int) time.Duration {
	delay := baseRetryDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

// ProcessJob runs one job and settles its message
func (p *Processor) ProcessJob(ctx context.Context, msg queue.MessageInterface) error {
	job := msg.GetJob()

	if job.IsExpired() {
		p.metrics.Job(string(job.Type), "expired")
		if err := msg.Ack(); err != nil {
			return fmt.Errorf("failed to ack expired job: %w", err)
		}
		return nil
	}

	// Without the delayed exchange a job can arrive early; hold it briefly and requeue
	if !job.ShouldProcess() {
		wait := job.NotBefore.Sub(p.now())
		if wait > maxEarlyWait {
			wait = maxEarlyWait
		}
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
		if err := msg.Nack(true); err != nil {
			return fmt.Errorf("failed to requeue early job: %w", err)
		}
		return nil
	}

	switch job.Type {
	case queue.JobTypeRefreshDomain:
		found, err := p.refresher.FetchAndRegister(ctx, job.Domain, true)
		if err != nil {
			return p.handleJobError(ctx, msg, job, err)
		}
		outcome := "registered"
		if !found {
			outcome = "not_found"
		}
		p.logger.Info("refresh_job_done",
			zap.String("job_id", job.ID.String()),
			zap.String("domain", logger.SanitizeDomain(job.Domain)),
			zap.Bool("found", found),
		)
		p.metrics.Job(string(job.Type), outcome)
		if err := msg.Ack(); err != nil {
			return fmt.Errorf("failed to ack refresh job: %w", err)
		}
		return nil

	case queue.JobTypeScanAccounts:
		if p.scanner == nil {
			p.metrics.Job(string(job.Type), "no_account_source")
			if nackErr := msg.Nack(false); nackErr != nil {
				p.logger.Warn("job_nack_failed", zap.String("job_id", job.ID.String()), zap.Error(nackErr))
			}
			return fmt.Errorf("scan job %s: no account source configured", job.ID)
		}
		result, err := p.scanner.ScanAndRegisterAll(ctx)
		if err != nil {
			return p.handleJobError(ctx, msg, job, err)
		}
		p.logger.Info("scan_job_done",
			zap.String("job_id", job.ID.String()),
			zap.String("result", result.String()),
			zap.Int("failed", result.Failed),
		)
		p.metrics.Job(string(job.Type), "ok")
		if err := msg.Ack(); err != nil {
			return fmt.Errorf("failed to ack scan job: %w", err)
		}
		return nil

	default:
		p.metrics.Job(string(job.Type), "unknown")
		if nackErr := msg.Nack(false); nackErr != nil {
			p.logger.Warn("job_nack_failed", zap.String("job_id", job.ID.String()), zap.Error(nackErr))
		}
		return fmt.Errorf("unknown job type: %s", logger.SanitizeString(string(job.Type), 64))
	}
}

// handleJobError republishes the job with backoff while its retry budget lasts,
// then dead-letters it
func (p *Processor) handleJobError(ctx context.Context, msg queue.MessageInterface, job *queue.Job, jobErr error) error {
	if job.CanRetry() && p.requeue != nil {
		notBefore := p.now().Add(RetryDelay(job.RetryCount))
		next := job.Retry(notBefore)

		if err := p.requeue.Enqueue(ctx, next); err != nil {
			if nackErr := msg.Nack(true); nackErr != nil {
				p.logger.Warn("job_nack_failed", zap.String("job_id", job.ID.String()), zap.Error(nackErr))
			}
			p.metrics.Job(string(job.Type), "requeue_failed")
			return fmt.Errorf("job %s failed, re-enqueue failed: %w", job.ID, err)
		}
		if ackErr := msg.Ack(); ackErr != nil {
			p.logger.Warn("job_ack_failed", zap.String("job_id", job.ID.String()), zap.Error(ackErr))
		}
		p.logger.Warn("job_retry_scheduled",
			zap.String("job_id", job.ID.String()),
			zap.String("job_type", string(job.Type)),
			zap.Int("attempt", next.RetryCount),
			zap.Int("max_retries", job.MaxRetries),
			zap.Time("not_before", notBefore),
			zap.String("error", logger.SanitizeError(jobErr)),
		)
		p.metrics.Job(string(job.Type), "retried")
		return nil
	}

	if nackErr := msg.Nack(false); nackErr != nil {
		p.logger.Warn("job_nack_failed", zap.String("job_id", job.ID.String()), zap.Error(nackErr))
	}
	p.metrics.Job(string(job.Type), "dead_lettered")
	return fmt.Errorf("job %s exhausted %d retries: %w", job.ID, job.MaxRetries, jobErr)
}
