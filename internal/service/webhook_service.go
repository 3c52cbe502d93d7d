package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/anycrawl/anycrawl-api/internal/config"
	"github.com/anycrawl/anycrawl-api/internal/crypto"
	"github.com/anycrawl/anycrawl-api/internal/models"
	"github.com/anycrawl/anycrawl-api/internal/queue"
	"github.com/anycrawl/anycrawl-api/internal/repository"
)

// responseBodyLimit caps how much of a receiver's response we persist.
const responseBodyLimit = 4096

// webhookQueuePayload is the message body on the webhook queue. Deliveries
// carry all state in the database; the queue only moves the ID.
type webhookQueuePayload struct {
	DeliveryID string `json:"delivery_id"`
}

// WebhookService owns subscriptions and the at-least-once delivery pipeline:
// fan-out to matching subscriptions, signed POSTs, capped exponential-backoff
// retries through the durable webhook queue, and replay.
type WebhookService struct {
	repos     *repository.Repositories
	queues    *queue.Manager
	encryptor *crypto.Encryptor
	cfg       *config.Config
	client    *http.Client
	enabled   bool
	logger    *slog.Logger
}

// NewWebhookService creates a webhook service. encryptor may be nil when no
// encryption key is configured; secrets are then stored as-is.
func NewWebhookService(repos *repository.Repositories, queues *queue.Manager, encryptor *crypto.Encryptor, cfg *config.Config, logger *slog.Logger) *WebhookService {
	return &WebhookService{
		repos:     repos,
		queues:    queues,
		encryptor: encryptor,
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.WebhookTimeout},
		enabled:   cfg.WebhooksEnabled,
		logger:    logger.With("component", "webhooks"),
	}
}

// CreateSubscription registers an endpoint. The generated secret is returned
// in plaintext exactly once, on the created model; only the encrypted form
// is persisted.
func (s *WebhookService) CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	if sub.Secret == "" {
		secret, err := generateSecret()
		if err != nil {
			return err
		}
		sub.Secret = secret
	}

	encrypted := sub.Secret
	if s.encryptor != nil {
		var err error
		encrypted, err = s.encryptor.Encrypt(sub.Secret)
		if err != nil {
			return fmt.Errorf("failed to encrypt webhook secret: %w", err)
		}
	}
	sub.SecretEncrypted = encrypted

	if sub.TimeoutSeconds <= 0 {
		sub.TimeoutSeconds = int(s.cfg.WebhookTimeout.Seconds())
	}
	if sub.MaxRetries <= 0 {
		sub.MaxRetries = s.cfg.WebhookMaxRetries
	}
	if sub.BackoffMultiplier <= 0 {
		sub.BackoffMultiplier = s.cfg.WebhookBackoffMultiplier
	}
	if sub.Scope == "" {
		sub.Scope = models.WebhookScopeAll
	}
	sub.IsActive = true

	return s.repos.Webhook.Create(ctx, sub)
}

// DispatchJobEvent fans a job lifecycle event out to every matching active
// subscription of the job's owner. Best-effort: failures are logged and
// never propagate into the request that produced the event.
func (s *WebhookService) DispatchJobEvent(ctx context.Context, event models.WebhookEventType, job *models.Job, extra map[string]any) {
	if !s.enabled {
		return
	}

	subs, err := s.repos.Webhook.GetActiveByOwner(ctx, job.APIKeyID, "")
	if err != nil {
		s.logger.Error("failed to resolve webhook subscriptions", "event", event, "job_id", job.ID, "error", err)
		return
	}

	payload := map[string]any{
		"event":     string(event),
		"job_id":    job.ID,
		"kind":      string(job.Kind),
		"status":    string(job.Status),
		"url":       job.URL,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		payload[k] = v
	}
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to encode webhook payload", "event", event, "job_id", job.ID, "error", err)
		return
	}

	for _, sub := range subs {
		if !sub.WantsEvent(event, job.ID) {
			continue
		}
		if err := s.createAndEnqueue(ctx, sub, event, job.ID, string(body)); err != nil {
			s.logger.Error("failed to enqueue webhook delivery",
				"event", event, "job_id", job.ID, "subscription_id", sub.ID, "error", err)
		}
	}
}

// createAndEnqueue writes the delivery row and publishes it on the webhook
// queue for the dispatcher worker.
func (s *WebhookService) createAndEnqueue(ctx context.Context, sub *models.WebhookSubscription, event models.WebhookEventType, jobID, payloadJSON string) error {
	maxAttempts := sub.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.WebhookMaxRetries
	}

	delivery := &models.WebhookDelivery{
		SubscriptionID: sub.ID,
		JobID:          jobID,
		EventType:      event,
		URL:            sub.URL,
		PayloadJSON:    payloadJSON,
		RequestHeaders: sub.Headers,
		Status:         models.WebhookDeliveryStatusPending,
		AttemptNumber:  1,
		MaxAttempts:    maxAttempts,
	}
	if err := s.repos.WebhookDelivery.Create(ctx, delivery); err != nil {
		return err
	}

	_, err := s.queues.Enqueue(ctx, models.QueueWebhook, jobID, webhookQueuePayload{DeliveryID: delivery.ID})
	return err
}

// Deliver runs one delivery attempt. Called by the webhook worker; on a
// retryable failure the next attempt is scheduled through the queue with
// exponential backoff, so this never blocks on a sleep.
func (s *WebhookService) Deliver(ctx context.Context, deliveryID string) error {
	delivery, err := s.repos.WebhookDelivery.GetByID(ctx, deliveryID)
	if err != nil {
		return err
	}
	if delivery == nil {
		return fmt.Errorf("webhook delivery %s not found", deliveryID)
	}
	if delivery.Status == models.WebhookDeliveryStatusDelivered {
		return nil
	}

	sub, err := s.repos.Webhook.GetByID(ctx, delivery.SubscriptionID)
	if err != nil {
		return err
	}
	if sub == nil || !sub.IsActive {
		return s.repos.WebhookDelivery.MarkFailed(ctx, delivery.ID, delivery.AttemptNumber, nil, "", "subscription missing or inactive")
	}

	secret, err := s.subscriptionSecret(sub)
	if err != nil {
		return err
	}

	statusCode, responseBody, elapsed, attemptErr := s.post(ctx, delivery, sub, secret)

	if attemptErr == nil {
		if err := s.repos.WebhookDelivery.MarkDelivered(ctx, delivery.ID, statusCode, responseBody, int(elapsed.Milliseconds())); err != nil {
			return err
		}
		if err := s.repos.Webhook.RecordDeliveryResult(ctx, sub.ID, true); err != nil {
			s.logger.Warn("failed to record delivery success", "subscription_id", sub.ID, "error", err)
		}
		s.logger.Info("webhook delivered",
			"delivery_id", delivery.ID, "event", delivery.EventType,
			"attempt", delivery.AttemptNumber, "status_code", statusCode)
		return nil
	}

	var codePtr *int
	if statusCode > 0 {
		codePtr = &statusCode
	}

	if delivery.AttemptNumber >= delivery.MaxAttempts {
		if err := s.repos.WebhookDelivery.MarkFailed(ctx, delivery.ID, delivery.AttemptNumber, codePtr, responseBody, attemptErr.Error()); err != nil {
			return err
		}
		if err := s.repos.Webhook.RecordDeliveryResult(ctx, sub.ID, false); err != nil {
			s.logger.Warn("failed to record delivery failure", "subscription_id", sub.ID, "error", err)
		}
		s.logger.Warn("webhook delivery exhausted",
			"delivery_id", delivery.ID, "event", delivery.EventType,
			"attempts", delivery.AttemptNumber, "error", attemptErr)
		return nil
	}

	delay := s.retryDelay(sub, delivery.AttemptNumber)
	nextAttempt := delivery.AttemptNumber + 1
	if err := s.repos.WebhookDelivery.MarkRetrying(ctx, delivery.ID, nextAttempt, codePtr, responseBody, attemptErr.Error(), time.Now().Add(delay)); err != nil {
		return err
	}
	if _, err := s.queues.EnqueueAfter(ctx, models.QueueWebhook, delivery.JobID, webhookQueuePayload{DeliveryID: delivery.ID}, delay); err != nil {
		return err
	}

	s.logger.Info("webhook delivery scheduled for retry",
		"delivery_id", delivery.ID, "attempt", nextAttempt, "delay", delay, "error", attemptErr)
	return nil
}

// DeliverFromMessage decodes a webhook queue message and runs its attempt.
func (s *WebhookService) DeliverFromMessage(ctx context.Context, payloadJSON string) error {
	var payload webhookQueuePayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return fmt.Errorf("failed to decode webhook queue payload: %w", err)
	}
	return s.Deliver(ctx, payload.DeliveryID)
}

// Replay re-sends a finished delivery as a fresh delivery row with the same
// payload. The new attempt chain starts at 1 and gets a new signature. The
// replay row keeps a derived "<id>-replay" ID, so replaying the same
// delivery twice hits the primary key instead of sending twice.
func (s *WebhookService) Replay(ctx context.Context, deliveryID string) (*models.WebhookDelivery, error) {
	original, err := s.repos.WebhookDelivery.GetByID(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, fmt.Errorf("webhook delivery %s not found", deliveryID)
	}

	replay := &models.WebhookDelivery{
		ID:             original.ID + "-replay",
		SubscriptionID: original.SubscriptionID,
		JobID:          original.JobID,
		EventType:      original.EventType,
		URL:            original.URL,
		PayloadJSON:    original.PayloadJSON,
		RequestHeaders: original.RequestHeaders,
		Status:         models.WebhookDeliveryStatusPending,
		AttemptNumber:  1,
		MaxAttempts:    original.MaxAttempts,
	}
	if err := s.repos.WebhookDelivery.Create(ctx, replay); err != nil {
		return nil, err
	}
	if _, err := s.queues.Enqueue(ctx, models.QueueWebhook, replay.JobID, webhookQueuePayload{DeliveryID: replay.ID}); err != nil {
		return nil, err
	}
	return replay, nil
}

// SendTest posts a webhook.test event synchronously and returns the
// receiver's status code. No delivery row, no retries.
func (s *WebhookService) SendTest(ctx context.Context, sub *models.WebhookSubscription) (int, error) {
	secret, err := s.subscriptionSecret(sub)
	if err != nil {
		return 0, err
	}

	payload, err := json.Marshal(map[string]any{
		"event":     string(models.WebhookEventTest),
		"job_id":    "",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return 0, err
	}

	delivery := &models.WebhookDelivery{
		ID:             "test",
		EventType:      models.WebhookEventTest,
		URL:            sub.URL,
		PayloadJSON:    string(payload),
		RequestHeaders: sub.Headers,
	}
	statusCode, _, _, attemptErr := s.post(ctx, delivery, sub, secret)
	return statusCode, attemptErr
}

// post performs the signed HTTP request for one attempt.
func (s *WebhookService) post(ctx context.Context, delivery *models.WebhookDelivery, sub *models.WebhookSubscription, secret string) (int, string, time.Duration, error) {
	timeout := s.cfg.WebhookTimeout
	if sub.TimeoutSeconds > 0 {
		timeout = time.Duration(sub.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := delivery.PayloadJSON
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.URL, bytes.NewBufferString(body))
	if err != nil {
		return 0, "", 0, fmt.Errorf("failed to build webhook request: %w", err)
	}

	timestamp := time.Now().UTC().Format(time.RFC3339)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", string(delivery.EventType))
	req.Header.Set("X-Webhook-Id", delivery.ID)
	req.Header.Set("X-Webhook-Timestamp", timestamp)
	req.Header.Set("X-Webhook-Signature", Sign(secret, timestamp, body))
	for k, v := range delivery.RequestHeaders {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return 0, "", elapsed, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, string(respBody), elapsed, fmt.Errorf("webhook receiver returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, string(respBody), elapsed, nil
}

// retryDelay computes the backoff before the given attempt number's retry:
// initial × multiplier^(attempt-1).
func (s *WebhookService) retryDelay(sub *models.WebhookSubscription, attempt int) time.Duration {
	multiplier := sub.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = s.cfg.WebhookBackoffMultiplier
	}
	delay := float64(s.cfg.WebhookInitialRetryDelay) * math.Pow(multiplier, float64(attempt-1))
	return time.Duration(delay)
}

// subscriptionSecret returns the plaintext signing secret, decrypting the
// stored form when an encryptor is configured.
func (s *WebhookService) subscriptionSecret(sub *models.WebhookSubscription) (string, error) {
	if sub.Secret != "" {
		return sub.Secret, nil
	}
	if s.encryptor == nil {
		return sub.SecretEncrypted, nil
	}
	secret, err := s.encryptor.Decrypt(sub.SecretEncrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt webhook secret: %w", err)
	}
	return secret, nil
}

// Sign computes the webhook signature: hex HMAC-SHA256 over
// timestamp + "." + body.
func Sign(secret, timestamp, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "." + body))
	return hex.EncodeToString(mac.Sum(nil))
}

// generateSecret produces a whsec_-prefixed random signing secret.
func generateSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate webhook secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}
