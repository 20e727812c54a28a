package queue

import (
	"time"

	"github.com/google/uuid"
)

// JobType represents the type of job
type JobType string

const (
	// JobTypeRefreshDomain re-resolves one domain from the network
	JobTypeRefreshDomain JobType = "refresh_domain"
	// JobTypeScanAccounts resolves every domain found in the known accounts
	JobTypeScanAccounts JobType = "scan_accounts"
)

// DefaultMaxRetries is the retry budget of a new job
const DefaultMaxRetries = 3

// Job represents a job in the queue
type Job struct {
	ID         uuid.UUID  `json:"id"`
	Type       JobType    `json:"type"`
	Domain     string     `json:"domain,omitempty"`
	NotBefore  *time.Time `json:"not_before,omitempty"` // Earliest time to process job (nil = immediate)
	NotAfter   *time.Time `json:"not_after,omitempty"`  // Latest time to process job (nil = no expiration)
	CreatedAt  time.Time  `json:"created_at"`
	RetryCount int        `json:"retry_count"`
	MaxRetries int        `json:"max_retries"`
}

// NewJob creates a new job
func NewJob(jobType JobType, domain string) *Job {
	return &Job{
		ID:         uuid.New(),
		Type:       jobType,
		Domain:     domain,
		CreatedAt:  time.Now(),
		RetryCount: 0,
		MaxRetries: DefaultMaxRetries,
	}
}

// NewRefreshJob creates a refresh job for one domain
func NewRefreshJob(domain string) *Job {
	return NewJob(JobTypeRefreshDomain, domain)
}

// NewScanJob creates an account scan job
func NewScanJob() *Job {
	return NewJob(JobTypeScanAccounts, "")
}

// ShouldProcess checks if the job should be processed now
func (j *Job) ShouldProcess() bool {
	now := time.Now()

	if j.NotBefore != nil && now.Before(*j.NotBefore) {
		return false
	}
	if j.NotAfter != nil && now.After(*j.NotAfter) {
		return false
	}
	return true
}

// IsExpired checks if the job has expired
func (j *Job) IsExpired() bool {
	if j.NotAfter == nil {
		return false
	}
	return time.Now().After(*j.NotAfter)
}

// CanRetry checks if the job can be retried
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// Retry returns a copy of the job scheduled for another attempt at notBefore
func (j *Job) Retry(notBefore time.Time) *Job {
	next := *j
	next.RetryCount = j.RetryCount + 1
	next.NotBefore = &notBefore
	return &next
}
