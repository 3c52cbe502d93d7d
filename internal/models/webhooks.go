// Package models defines the domain models for the application.
package models

import "time"

// WebhookEventType represents the type of webhook event.
type WebhookEventType string

const (
	WebhookEventAll              WebhookEventType = "*"
	WebhookEventScrapeCreated    WebhookEventType = "scrape.created"
	WebhookEventScrapeStarted    WebhookEventType = "scrape.started"
	WebhookEventScrapeCompleted  WebhookEventType = "scrape.completed"
	WebhookEventScrapeCancelled  WebhookEventType = "scrape.cancelled"
	WebhookEventCrawlCreated     WebhookEventType = "crawl.created"
	WebhookEventCrawlStarted     WebhookEventType = "crawl.started"
	WebhookEventCrawlPageSuccess WebhookEventType = "crawl.page_success"
	WebhookEventCrawlCompleted   WebhookEventType = "crawl.completed"
	WebhookEventCrawlCancelled   WebhookEventType = "crawl.cancelled"
	WebhookEventSearchCreated    WebhookEventType = "search.created"
	WebhookEventSearchStarted    WebhookEventType = "search.started"
	WebhookEventSearchCompleted  WebhookEventType = "search.completed"
	WebhookEventSearchCancelled  WebhookEventType = "search.cancelled"
	WebhookEventTest             WebhookEventType = "webhook.test"
)

// JobEvent builds the event type for a job kind and lifecycle phase,
// e.g. JobEvent(JobTypeScrape, "completed") == "scrape.completed".
func JobEvent(kind JobType, phase string) WebhookEventType {
	return WebhookEventType(string(kind) + "." + phase)
}

// WebhookScope restricts which jobs a subscription receives events for.
type WebhookScope string

const (
	WebhookScopeAll      WebhookScope = "all"
	WebhookScopeSpecific WebhookScope = "specific"
)

// WebhookSubscription is an endpoint registered to receive job lifecycle
// events. The shared secret is stored encrypted at rest.
type WebhookSubscription struct {
	ID                  string            `json:"id"`
	APIKeyID            string            `json:"api_key_id,omitempty"`
	UserID              string            `json:"user_id,omitempty"`
	URL                 string            `json:"url"`
	Secret              string            `json:"-"` // decrypted in memory only
	SecretEncrypted     string            `json:"-"`
	Scope               WebhookScope      `json:"scope"`
	Events              []string          `json:"events"`
	TaskIDs             []string          `json:"task_ids,omitempty"` // allowlist for scope=specific
	Headers             map[string]string `json:"headers,omitempty"`
	TimeoutSeconds      int               `json:"timeout_seconds"`
	MaxRetries          int               `json:"max_retries"`
	BackoffMultiplier   float64           `json:"backoff_multiplier"`
	IsActive            bool              `json:"is_active"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	Tags                []string          `json:"tags,omitempty"`
	Metadata            map[string]any    `json:"metadata,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// WantsEvent reports whether the subscription should receive the event for
// the given job. Inactive subscriptions receive nothing.
func (s *WebhookSubscription) WantsEvent(event WebhookEventType, jobID string) bool {
	if !s.IsActive {
		return false
	}
	if s.Scope == WebhookScopeSpecific {
		found := false
		for _, id := range s.TaskIDs {
			if id == jobID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == string(WebhookEventAll) || e == string(event) {
			return true
		}
	}
	return false
}

// WebhookDeliveryStatus represents the status of a webhook delivery.
type WebhookDeliveryStatus string

const (
	WebhookDeliveryStatusPending   WebhookDeliveryStatus = "pending"
	WebhookDeliveryStatusDelivered WebhookDeliveryStatus = "delivered"
	WebhookDeliveryStatusFailed    WebhookDeliveryStatus = "failed"
)

// WebhookDelivery tracks one delivery attempt chain. Retries update the
// same row; replay inserts a new one.
type WebhookDelivery struct {
	ID             string                `json:"id"`
	SubscriptionID string                `json:"subscription_id,omitempty"`
	JobID          string                `json:"job_id,omitempty"`
	EventType      WebhookEventType      `json:"event_type"`
	URL            string                `json:"url"`
	PayloadJSON    string                `json:"payload_json"`
	RequestHeaders map[string]string     `json:"request_headers,omitempty"`
	StatusCode     *int                  `json:"status_code,omitempty"`
	ResponseBody   string                `json:"response_body,omitempty"`
	ResponseTimeMs *int                  `json:"response_time_ms,omitempty"`
	Status         WebhookDeliveryStatus `json:"status"`
	ErrorMessage   string                `json:"error_message,omitempty"`
	AttemptNumber  int                   `json:"attempt_number"`
	MaxAttempts    int                   `json:"max_attempts"`
	NextRetryAt    *time.Time            `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	DeliveredAt    *time.Time            `json:"delivered_at,omitempty"`
}
