// Package models defines the domain models for the application.
package models

import (
	"strings"
	"time"
)

// APIKey represents an API key for programmatic access. It also carries the
// credit balance that the billing ledger debits. Credits may go negative:
// admission checks happen before dispatch, not at deduction time.
type APIKey struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"` // First 8 chars for display
	UserID     string     `json:"user_id,omitempty"`
	Credits    float64    `json:"credits"`
	IsActive   bool       `json:"is_active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// JobStatus represents the status of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// JobType represents the type of job.
type JobType string

const (
	JobTypeScrape JobType = "scrape"
	JobTypeCrawl  JobType = "crawl"
	JobTypeSearch JobType = "search"
	JobTypeMap    JobType = "map"
)

// Queue names for worker dispatch. Scrape and crawl messages are routed to
// a per-engine queue so slow headless work cannot starve the cheap engine.
const (
	QueueSearch  = "search"
	QueueWebhook = "webhooks"

	queueScrapePrefix = "scrape-"
	queueCrawlPrefix  = "crawl-"
)

// Engines the scrape pipeline can dispatch to.
var Engines = []string{"cheerio", "playwright"}

// ScrapeQueue returns the scrape queue for an engine.
func ScrapeQueue(engine string) string { return queueScrapePrefix + engine }

// CrawlQueue returns the crawl queue for an engine.
func CrawlQueue(engine string) string { return queueCrawlPrefix + engine }

// IsScrapeQueue reports whether name is a per-engine scrape queue.
func IsScrapeQueue(name string) bool { return strings.HasPrefix(name, queueScrapePrefix) }

// IsCrawlQueue reports whether name is a per-engine crawl queue.
func IsCrawlQueue(name string) bool { return strings.HasPrefix(name, queueCrawlPrefix) }

// Job represents a scrape, crawl, search, or map request.
type Job struct {
	ID           string     `json:"id"`
	APIKeyID     string     `json:"api_key_id,omitempty"`
	Kind         JobType    `json:"kind"`
	Queue        string     `json:"queue"`
	URL          string     `json:"url"`
	Status       JobStatus  `json:"status"`
	PayloadJSON  string     `json:"payload_json,omitempty"`
	Total        int        `json:"total"`
	Completed    int        `json:"completed"`
	Failed       int        `json:"failed"`
	CreditsUsed  float64    `json:"credits_used"`
	DeductedAt   *time.Time `json:"deducted_at,omitempty"` // set only when a non-zero charge committed
	CacheHits    int        `json:"cache_hits"`
	ResultJSON   string     `json:"result_json,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// CrawlPageStatus represents the outcome of a single crawled page.
type CrawlPageStatus string

const (
	CrawlPageStatusCompleted CrawlPageStatus = "completed"
	CrawlPageStatusFailed    CrawlPageStatus = "failed"
	CrawlPageStatusSkipped   CrawlPageStatus = "skipped"
)

// CrawlPage represents a single page result from a crawl job.
// IDs are ULIDs, so the primary key doubles as a pagination cursor.
type CrawlPage struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id"`
	URL          string          `json:"url"`
	Status       CrawlPageStatus `json:"status"`
	DataJSON     string          `json:"data_json,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// QueueMessageStatus represents the lifecycle state of a queue message.
type QueueMessageStatus string

const (
	QueueMessageStatusPending   QueueMessageStatus = "pending"
	QueueMessageStatusLeased    QueueMessageStatus = "leased"
	QueueMessageStatusCompleted QueueMessageStatus = "completed"
	QueueMessageStatusFailed    QueueMessageStatus = "failed"
	QueueMessageStatusCancelled QueueMessageStatus = "cancelled"
)

// QueueMessage is a unit of durable work. A leased message that is never
// acked becomes visible again once LeasedUntil passes.
type QueueMessage struct {
	ID           string             `json:"id"`
	Queue        string             `json:"queue"`
	JobID        string             `json:"job_id,omitempty"`
	PayloadJSON  string             `json:"payload_json"`
	Status       QueueMessageStatus `json:"status"`
	Attempts     int                `json:"attempts"`
	AvailableAt  time.Time          `json:"available_at"`
	LeasedUntil  *time.Time         `json:"leased_until,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// ScheduledTask represents a recurring work definition with aggregate run
// statistics maintained by the scheduler.
type ScheduledTask struct {
	ID           string     `json:"id"`
	APIKeyID     string     `json:"api_key_id,omitempty"`
	Name         string     `json:"name"`
	Kind         string     `json:"kind"`
	Schedule     string     `json:"schedule"` // cron expression
	PayloadJSON  string     `json:"payload_json,omitempty"`
	IsActive     bool       `json:"is_active"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	RunCount     int        `json:"run_count"`
	SuccessCount int        `json:"success_count"`
	FailureCount int        `json:"failure_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ExecutionStatus represents the state of a single task execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// FailReasonStaleTimeout marks executions the reaper finalized because they
// had been running longer than the configured stale age.
const FailReasonStaleTimeout = "stale_timeout"

// TaskExecution represents one in-flight run of a scheduled task or job.
type TaskExecution struct {
	ID           string          `json:"id"`
	TaskID       string          `json:"task_id,omitempty"`
	JobID        string          `json:"job_id,omitempty"`
	Status       ExecutionStatus `json:"status"`
	FailReason   string          `json:"fail_reason,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
