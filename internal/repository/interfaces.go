// Package repository defines repository interfaces for data access.
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/anycrawl/anycrawl-api/internal/models"
)

// APIKeyRepository defines methods for API key data access.
type APIKeyRepository interface {
	Create(ctx context.Context, key *models.APIKey) error
	GetByID(ctx context.Context, id string) (*models.APIKey, error)
	GetByKeyHash(ctx context.Context, hash string) (*models.APIKey, error)
	UpdateLastUsed(ctx context.Context, id string, lastUsed time.Time) error
	// AddCredits adjusts the balance outside the billing path (top-ups,
	// admin adjustments). Request billing goes through the billing service
	// so every mutation is paired with a ledger entry.
	AddCredits(ctx context.Context, id string, amount float64) error
	Revoke(ctx context.Context, id string) error
}

// JobRepository defines methods for job data access.
type JobRepository interface {
	Create(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id string) (*models.Job, error)
	GetByAPIKeyID(ctx context.Context, apiKeyID string, limit, offset int) ([]*models.Job, error)
	// MarkRunning transitions pending -> running. Returns false if the job
	// was not in pending.
	MarkRunning(ctx context.Context, id string) (bool, error)
	// MarkCompleted transitions running -> completed and stores the result.
	MarkCompleted(ctx context.Context, id string, resultJSON string) (bool, error)
	// MarkFailed transitions pending/running -> failed.
	MarkFailed(ctx context.Context, id string, errorMessage string) (bool, error)
	// MarkCancelled transitions pending/running -> cancelled.
	MarkCancelled(ctx context.Context, id string) (bool, error)
	// SetTotal records the expected unit count for progress tracking.
	SetTotal(ctx context.Context, id string, total int) error
	// AddProgress adds to the completed/failed counters.
	AddProgress(ctx context.Context, id string, completed, failed int) error
	IncrementCacheHits(ctx context.Context, id string) error
	// MarkStaleRunningJobsFailed fails jobs stuck in running longer than
	// maxAge and returns how many were updated.
	MarkStaleRunningJobsFailed(ctx context.Context, maxAge time.Duration) (int64, error)
}

// LedgerRepository defines read access to the billing ledger. Writes happen
// inside billing-service transactions only.
type LedgerRepository interface {
	GetByJobID(ctx context.Context, jobID string) ([]*models.LedgerEntry, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error)
	SumChargedByJobID(ctx context.Context, jobID string) (float64, error)
	SumChargedByAPIKeyID(ctx context.Context, apiKeyID string) (float64, error)
}

// QueueRepository defines methods for the durable work queue.
type QueueRepository interface {
	Enqueue(ctx context.Context, msg *models.QueueMessage) error
	// Lease atomically claims the next visible message on the queue and
	// marks it invisible until now+visibility. Returns nil when the queue
	// is empty.
	Lease(ctx context.Context, queue string, visibility time.Duration) (*models.QueueMessage, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, errorMessage string) error
	// Cancel marks all unfinished messages for a job cancelled so workers
	// stop picking them up. Safe to call repeatedly.
	CancelByJobID(ctx context.Context, jobID string) error
	// Release makes leased messages whose lease expired visible again.
	Release(ctx context.Context, queue string) (int64, error)
	GetByID(ctx context.Context, id string) (*models.QueueMessage, error)
}

// CrawlPageRepository defines methods for per-page crawl results.
type CrawlPageRepository interface {
	Create(ctx context.Context, page *models.CrawlPage) error
	GetByJobID(ctx context.Context, jobID string) ([]*models.CrawlPage, error)
	// GetAfterID returns pages with ID greater than afterID (works with
	// ULIDs which are time-ordered). Pass empty string to get all pages.
	GetAfterID(ctx context.Context, jobID, afterID string, limit int) ([]*models.CrawlPage, error)
	CountByJobID(ctx context.Context, jobID string) (int, error)
}

// WebhookSubscriptionRepository defines methods for webhook subscriptions.
type WebhookSubscriptionRepository interface {
	Create(ctx context.Context, sub *models.WebhookSubscription) error
	GetByID(ctx context.Context, id string) (*models.WebhookSubscription, error)
	GetByOwner(ctx context.Context, apiKeyID, userID string) ([]*models.WebhookSubscription, error)
	GetActiveByOwner(ctx context.Context, apiKeyID, userID string) ([]*models.WebhookSubscription, error)
	Update(ctx context.Context, sub *models.WebhookSubscription) error
	SetActive(ctx context.Context, id string, active bool) error
	// RecordDeliveryResult resets consecutive_failures on success and
	// increments it on failure.
	RecordDeliveryResult(ctx context.Context, id string, success bool) error
	Delete(ctx context.Context, id string) error
}

// WebhookDeliveryRepository defines methods for webhook delivery tracking.
type WebhookDeliveryRepository interface {
	Create(ctx context.Context, d *models.WebhookDelivery) error
	GetByID(ctx context.Context, id string) (*models.WebhookDelivery, error)
	GetBySubscriptionID(ctx context.Context, subscriptionID string, limit, offset int) ([]*models.WebhookDelivery, error)
	GetByJobID(ctx context.Context, jobID string) ([]*models.WebhookDelivery, error)
	// MarkDelivered finalizes a successful delivery attempt.
	MarkDelivered(ctx context.Context, id string, statusCode int, responseBody string, responseTimeMs int) error
	// MarkRetrying records a failed attempt that will be retried.
	MarkRetrying(ctx context.Context, id string, attempt int, statusCode *int, responseBody, errorMessage string, nextRetryAt time.Time) error
	// MarkFailed finalizes a delivery after its last attempt failed.
	MarkFailed(ctx context.Context, id string, attempt int, statusCode *int, responseBody, errorMessage string) error
}

// ScheduleRepository defines methods for scheduled tasks and executions.
type ScheduleRepository interface {
	CreateTask(ctx context.Context, task *models.ScheduledTask) error
	GetTask(ctx context.Context, id string) (*models.ScheduledTask, error)
	GetActiveTasks(ctx context.Context) ([]*models.ScheduledTask, error)
	// RecordRun updates last_run_at and the aggregate counters.
	RecordRun(ctx context.Context, taskID string, success bool, at time.Time) error

	CreateExecution(ctx context.Context, exec *models.TaskExecution) error
	GetExecution(ctx context.Context, id string) (*models.TaskExecution, error)
	CompleteExecution(ctx context.Context, id string) (bool, error)
	FailExecution(ctx context.Context, id string, failReason, errorMessage string) (bool, error)
	// GetStaleRunning returns executions that have been running since
	// before the cutoff.
	GetStaleRunning(ctx context.Context, cutoff time.Time) ([]*models.TaskExecution, error)
}

// Repositories bundles all repositories for dependency injection.
type Repositories struct {
	APIKey          APIKeyRepository
	Job             JobRepository
	Ledger          LedgerRepository
	Queue           QueueRepository
	CrawlPage       CrawlPageRepository
	Webhook         WebhookSubscriptionRepository
	WebhookDelivery WebhookDeliveryRepository
	Schedule        ScheduleRepository
}

// NewRepositories creates all repositories backed by the given database.
func NewRepositories(db *sql.DB) *Repositories {
	return &Repositories{
		APIKey:          NewSQLiteAPIKeyRepository(db),
		Job:             NewSQLiteJobRepository(db),
		Ledger:          NewSQLiteLedgerRepository(db),
		Queue:           NewSQLiteQueueRepository(db),
		CrawlPage:       NewSQLiteCrawlPageRepository(db),
		Webhook:         NewSQLiteWebhookSubscriptionRepository(db),
		WebhookDelivery: NewSQLiteWebhookDeliveryRepository(db),
		Schedule:        NewSQLiteScheduleRepository(db),
	}
}
