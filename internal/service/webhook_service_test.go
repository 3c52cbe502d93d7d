package service

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/anycrawl/anycrawl-api/internal/models"
)

func testSubscription(t *testing.T, env *testEnv, apiKeyID, url string) *models.WebhookSubscription {
	t.Helper()
	sub := &models.WebhookSubscription{APIKeyID: apiKeyID, URL: url}
	if err := env.webhooks.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("CreateSubscription() error = %v", err)
	}
	return sub
}

func testJob(apiKeyID string) *models.Job {
	return &models.Job{
		ID:       "job_1",
		APIKeyID: apiKeyID,
		Kind:     models.JobTypeScrape,
		Queue:    models.ScrapeQueue(models.DefaultEngine),
		URL:      "https://example.com",
		Status:   models.JobStatusCompleted,
	}
}

// pendingDelivery returns the single delivery row for the subscription.
func pendingDelivery(t *testing.T, env *testEnv, subID string) *models.WebhookDelivery {
	t.Helper()
	deliveries, err := env.repos.WebhookDelivery.GetBySubscriptionID(context.Background(), subID, 10, 0)
	if err != nil {
		t.Fatalf("GetBySubscriptionID() error = %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(deliveries))
	}
	return deliveries[0]
}

func TestWebhookService_CreateSubscription(t *testing.T) {
	env := newTestEnv(t)
	sub := testSubscription(t, env, "key_1", "https://receiver.example.com/hook")

	if !strings.HasPrefix(sub.Secret, "whsec_") {
		t.Errorf("secret = %q, want whsec_ prefix", sub.Secret)
	}
	if !sub.IsActive {
		t.Error("new subscription not active")
	}
	if sub.MaxRetries != env.cfg.WebhookMaxRetries {
		t.Errorf("max_retries = %d, want default %d", sub.MaxRetries, env.cfg.WebhookMaxRetries)
	}
	if sub.Scope != models.WebhookScopeAll {
		t.Errorf("scope = %q, want all", sub.Scope)
	}

	// Only the (possibly encrypted) form is persisted; the plaintext never
	// leaves this call.
	stored, err := env.repos.Webhook.GetByID(context.Background(), sub.ID)
	if err != nil || stored == nil {
		t.Fatalf("GetByID() = %v, %v", stored, err)
	}
	if stored.Secret != "" {
		t.Error("plaintext secret persisted")
	}
	if stored.SecretEncrypted == "" {
		t.Error("encrypted secret missing")
	}
}

func TestWebhookService_DeliverSignedPayload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var gotEvent atomic.Value
	var sigOK atomic.Bool
	var secret string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts := r.Header.Get("X-Webhook-Timestamp")
		sigOK.Store(r.Header.Get("X-Webhook-Signature") == Sign(secret, ts, string(body)))
		gotEvent.Store(r.Header.Get("X-Webhook-Event"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sub := testSubscription(t, env, "key_1", server.URL)
	secret = sub.Secret

	env.webhooks.DispatchJobEvent(ctx, models.WebhookEventScrapeCompleted, testJob("key_1"), nil)
	delivery := pendingDelivery(t, env, sub.ID)

	if err := env.webhooks.Deliver(ctx, delivery.ID); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	if !sigOK.Load() {
		t.Error("receiver-side signature verification failed")
	}
	if gotEvent.Load() != "scrape.completed" {
		t.Errorf("event header = %v, want scrape.completed", gotEvent.Load())
	}

	final, _ := env.repos.WebhookDelivery.GetByID(ctx, delivery.ID)
	if final.Status != models.WebhookDeliveryStatusDelivered {
		t.Errorf("status = %q, want delivered", final.Status)
	}
	if final.DeliveredAt == nil {
		t.Error("delivered_at not set")
	}
}

func TestWebhookService_DeliverRetriesUntilExhausted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sub := testSubscription(t, env, "key_1", server.URL)
	env.webhooks.DispatchJobEvent(ctx, models.WebhookEventCrawlCompleted, testJob("key_1"), nil)
	delivery := pendingDelivery(t, env, sub.ID)

	// Attempt 1 fails and schedules a retry.
	if err := env.webhooks.Deliver(ctx, delivery.ID); err != nil {
		t.Fatalf("Deliver() attempt 1 error = %v", err)
	}
	after, _ := env.repos.WebhookDelivery.GetByID(ctx, delivery.ID)
	if after.Status != models.WebhookDeliveryStatusPending {
		t.Errorf("status after attempt 1 = %q, want pending", after.Status)
	}
	if after.AttemptNumber != 2 {
		t.Errorf("attempt_number = %d, want 2", after.AttemptNumber)
	}
	if after.NextRetryAt == nil {
		t.Error("next_retry_at not set")
	}

	// Attempts 2 and 3; the third exhausts MaxRetries.
	for i := 0; i < 2; i++ {
		if err := env.webhooks.Deliver(ctx, delivery.ID); err != nil {
			t.Fatalf("Deliver() error = %v", err)
		}
	}

	final, _ := env.repos.WebhookDelivery.GetByID(ctx, delivery.ID)
	if final.Status != models.WebhookDeliveryStatusFailed {
		t.Errorf("final status = %q, want failed", final.Status)
	}
	if hits.Load() != 3 {
		t.Errorf("receiver hits = %d, want 3", hits.Load())
	}

	updated, _ := env.repos.Webhook.GetByID(ctx, sub.ID)
	if updated.ConsecutiveFailures != 1 {
		t.Errorf("consecutive_failures = %d, want 1", updated.ConsecutiveFailures)
	}
}

func TestWebhookService_Replay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sub := testSubscription(t, env, "key_1", server.URL)
	env.webhooks.DispatchJobEvent(ctx, models.WebhookEventScrapeCompleted, testJob("key_1"), nil)
	original := pendingDelivery(t, env, sub.ID)
	if err := env.webhooks.Deliver(ctx, original.ID); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	replay, err := env.webhooks.Replay(ctx, original.ID)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if replay.ID != original.ID+"-replay" {
		t.Errorf("replay id = %q, want %q", replay.ID, original.ID+"-replay")
	}
	if replay.PayloadJSON != original.PayloadJSON {
		t.Error("replay payload differs from original")
	}
	if replay.AttemptNumber != 1 {
		t.Errorf("replay attempt_number = %d, want fresh chain starting at 1", replay.AttemptNumber)
	}
	if replay.Status != models.WebhookDeliveryStatusPending {
		t.Errorf("replay status = %q, want pending", replay.Status)
	}

	// A second replay of the same delivery collides with the existing row
	// instead of queueing a duplicate send.
	if _, err := env.webhooks.Replay(ctx, original.ID); err == nil {
		t.Error("replaying the same delivery twice should fail on the existing replay row")
	}
}

func TestWebhookService_SendTest(t *testing.T) {
	env := newTestEnv(t)

	var gotEvent atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEvent.Store(r.Header.Get("X-Webhook-Event"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sub := testSubscription(t, env, "key_1", server.URL)
	statusCode, err := env.webhooks.SendTest(context.Background(), sub)
	if err != nil {
		t.Fatalf("SendTest() error = %v", err)
	}
	if statusCode != http.StatusOK {
		t.Errorf("status code = %d, want 200", statusCode)
	}
	if gotEvent.Load() != string(models.WebhookEventTest) {
		t.Errorf("event header = %v, want webhook.test", gotEvent.Load())
	}
}

func TestWebhookService_DispatchFiltersEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sub := &models.WebhookSubscription{
		APIKeyID: "key_1",
		URL:      "https://receiver.example.com/hook",
		Events:   []string{"crawl.completed"},
	}
	if err := env.webhooks.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription() error = %v", err)
	}

	env.webhooks.DispatchJobEvent(ctx, models.WebhookEventScrapeCompleted, testJob("key_1"), nil)
	deliveries, _ := env.repos.WebhookDelivery.GetBySubscriptionID(ctx, sub.ID, 10, 0)
	if len(deliveries) != 0 {
		t.Errorf("filtered event produced %d deliveries, want 0", len(deliveries))
	}

	env.webhooks.DispatchJobEvent(ctx, models.WebhookEventCrawlCompleted, testJob("key_1"), nil)
	deliveries, _ = env.repos.WebhookDelivery.GetBySubscriptionID(ctx, sub.ID, 10, 0)
	if len(deliveries) != 1 {
		t.Errorf("matching event produced %d deliveries, want 1", len(deliveries))
	}
}

func TestWebhookService_DispatchCrawlPageSuccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sub := &models.WebhookSubscription{
		APIKeyID: "key_1",
		URL:      "https://receiver.example.com/hook",
		Events:   []string{"crawl.page_success"},
	}
	if err := env.webhooks.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription() error = %v", err)
	}

	env.webhooks.DispatchJobEvent(ctx, models.WebhookEventCrawlPageSuccess, testJob("key_1"), map[string]any{
		"url": "https://example.com/page",
	})

	delivery := pendingDelivery(t, env, sub.ID)
	if delivery.EventType != models.WebhookEventCrawlPageSuccess {
		t.Errorf("event type = %q, want crawl.page_success", delivery.EventType)
	}
}
