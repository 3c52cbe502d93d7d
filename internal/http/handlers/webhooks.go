package handlers

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/anycrawl/anycrawl-api/internal/http/mw"
	"github.com/anycrawl/anycrawl-api/internal/models"
)

// SubscriptionView is the client-facing subscription representation. The
// signing secret is never included; it is returned once at creation.
type SubscriptionView struct {
	ID                  string            `json:"id"`
	URL                 string            `json:"url"`
	Scope               string            `json:"scope"`
	Events              []string          `json:"events"`
	TaskIDs             []string          `json:"task_ids,omitempty"`
	Headers             map[string]string `json:"headers,omitempty"`
	TimeoutSeconds      int               `json:"timeout_seconds"`
	MaxRetries          int               `json:"max_retries"`
	IsActive            bool              `json:"is_active"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	Tags                []string          `json:"tags,omitempty"`
	CreatedAt           string            `json:"created_at"`
}

func subscriptionView(sub *models.WebhookSubscription) SubscriptionView {
	return SubscriptionView{
		ID:                  sub.ID,
		URL:                 sub.URL,
		Scope:               string(sub.Scope),
		Events:              sub.Events,
		TaskIDs:             sub.TaskIDs,
		Headers:             sub.Headers,
		TimeoutSeconds:      sub.TimeoutSeconds,
		MaxRetries:          sub.MaxRetries,
		IsActive:            sub.IsActive,
		ConsecutiveFailures: sub.ConsecutiveFailures,
		Tags:                sub.Tags,
		CreatedAt:           sub.CreatedAt.Format(time.RFC3339),
	}
}

// DeliveryView is the client-facing delivery representation.
type DeliveryView struct {
	ID            string `json:"id"`
	JobID         string `json:"job_id,omitempty"`
	EventType     string `json:"event_type"`
	URL           string `json:"url"`
	Status        string `json:"status"`
	StatusCode    *int   `json:"status_code,omitempty"`
	AttemptNumber int    `json:"attempt_number"`
	MaxAttempts   int    `json:"max_attempts"`
	ErrorMessage  string `json:"error_message,omitempty"`
	NextRetryAt   string `json:"next_retry_at,omitempty"`
	CreatedAt     string `json:"created_at"`
	DeliveredAt   string `json:"delivered_at,omitempty"`
}

func deliveryView(d *models.WebhookDelivery) DeliveryView {
	view := DeliveryView{
		ID:            d.ID,
		JobID:         d.JobID,
		EventType:     string(d.EventType),
		URL:           d.URL,
		Status:        string(d.Status),
		StatusCode:    d.StatusCode,
		AttemptNumber: d.AttemptNumber,
		MaxAttempts:   d.MaxAttempts,
		ErrorMessage:  d.ErrorMessage,
		CreatedAt:     d.CreatedAt.Format(time.RFC3339),
	}
	if d.NextRetryAt != nil {
		view.NextRetryAt = d.NextRetryAt.Format(time.RFC3339)
	}
	if d.DeliveredAt != nil {
		view.DeliveredAt = d.DeliveredAt.Format(time.RFC3339)
	}
	return view
}

// CreateWebhookInput is the request for POST /v1/webhooks.
type CreateWebhookInput struct {
	Body struct {
		URL            string            `json:"url"`
		Scope          string            `json:"scope,omitempty" enum:"all,specific"`
		Events         []string          `json:"events,omitempty"`
		TaskIDs        []string          `json:"task_ids,omitempty"`
		Headers        map[string]string `json:"headers,omitempty"`
		TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
		MaxRetries     int               `json:"max_retries,omitempty"`
		Tags           []string          `json:"tags,omitempty"`
	}
}

// CreateWebhookOutput is the response for POST /v1/webhooks. Secret is
// returned exactly once.
type CreateWebhookOutput struct {
	Body struct {
		Success      bool             `json:"success"`
		Subscription SubscriptionView `json:"subscription"`
		Secret       string           `json:"secret"`
	}
}

// CreateWebhook registers a webhook subscription.
func (h *Handlers) CreateWebhook(ctx context.Context, input *CreateWebhookInput) (*CreateWebhookOutput, error) {
	if input.Body.URL == "" {
		return nil, huma.Error400BadRequest("url is required")
	}

	sub := &models.WebhookSubscription{
		URL:            input.Body.URL,
		Scope:          models.WebhookScope(input.Body.Scope),
		Events:         input.Body.Events,
		TaskIDs:        input.Body.TaskIDs,
		Headers:        input.Body.Headers,
		TimeoutSeconds: input.Body.TimeoutSeconds,
		MaxRetries:     input.Body.MaxRetries,
		Tags:           input.Body.Tags,
	}
	if key := mw.GetAPIKey(ctx); key != nil {
		sub.APIKeyID = key.ID
		sub.UserID = key.UserID
	}

	if err := h.services.Webhooks.CreateSubscription(ctx, sub); err != nil {
		return nil, mapServiceError(err)
	}

	out := &CreateWebhookOutput{}
	out.Body.Success = true
	out.Body.Subscription = subscriptionView(sub)
	out.Body.Secret = sub.Secret
	return out, nil
}

// ListWebhooksOutput is the response for GET /v1/webhooks.
type ListWebhooksOutput struct {
	Body struct {
		Success       bool               `json:"success"`
		Subscriptions []SubscriptionView `json:"subscriptions"`
	}
}

// ListWebhooks returns the caller's subscriptions.
func (h *Handlers) ListWebhooks(ctx context.Context, input *struct{}) (*ListWebhooksOutput, error) {
	apiKeyID, userID := ownerIDs(ctx)
	subs, err := h.repos.Webhook.GetByOwner(ctx, apiKeyID, userID)
	if err != nil {
		return nil, mapServiceError(err)
	}

	out := &ListWebhooksOutput{}
	out.Body.Success = true
	out.Body.Subscriptions = make([]SubscriptionView, 0, len(subs))
	for _, sub := range subs {
		out.Body.Subscriptions = append(out.Body.Subscriptions, subscriptionView(sub))
	}
	return out, nil
}

// WebhookIDInput addresses one subscription.
type WebhookIDInput struct {
	ID string `path:"id" doc:"Subscription ID"`
}

// WebhookOutput is a single-subscription response.
type WebhookOutput struct {
	Body struct {
		Success      bool             `json:"success"`
		Subscription SubscriptionView `json:"subscription"`
	}
}

// GetWebhook returns one subscription.
func (h *Handlers) GetWebhook(ctx context.Context, input *WebhookIDInput) (*WebhookOutput, error) {
	sub, err := h.getOwnedSubscription(ctx, input.ID)
	if err != nil {
		return nil, err
	}

	out := &WebhookOutput{}
	out.Body.Success = true
	out.Body.Subscription = subscriptionView(sub)
	return out, nil
}

// SetWebhookActiveInput is the request for PATCH /v1/webhooks/{id}.
type SetWebhookActiveInput struct {
	ID   string `path:"id" doc:"Subscription ID"`
	Body struct {
		IsActive bool `json:"is_active"`
	}
}

// SetWebhookActive activates or deactivates a subscription. Reactivation
// resets the consecutive-failure counter.
func (h *Handlers) SetWebhookActive(ctx context.Context, input *SetWebhookActiveInput) (*WebhookOutput, error) {
	return h.setWebhookActive(ctx, input.ID, input.Body.IsActive)
}

// ActivateWebhook turns a subscription back on.
func (h *Handlers) ActivateWebhook(ctx context.Context, input *WebhookIDInput) (*WebhookOutput, error) {
	return h.setWebhookActive(ctx, input.ID, true)
}

// DeactivateWebhook turns a subscription off without deleting it.
func (h *Handlers) DeactivateWebhook(ctx context.Context, input *WebhookIDInput) (*WebhookOutput, error) {
	return h.setWebhookActive(ctx, input.ID, false)
}

func (h *Handlers) setWebhookActive(ctx context.Context, id string, active bool) (*WebhookOutput, error) {
	if _, err := h.getOwnedSubscription(ctx, id); err != nil {
		return nil, err
	}
	if err := h.repos.Webhook.SetActive(ctx, id, active); err != nil {
		return nil, mapServiceError(err)
	}

	sub, err := h.repos.Webhook.GetByID(ctx, id)
	if err != nil || sub == nil {
		return nil, mapServiceError(err)
	}
	out := &WebhookOutput{}
	out.Body.Success = true
	out.Body.Subscription = subscriptionView(sub)
	return out, nil
}

// DeleteWebhookOutput is the response for DELETE /v1/webhooks/{id}.
type DeleteWebhookOutput struct {
	Body struct {
		Success bool `json:"success"`
	}
}

// DeleteWebhook removes a subscription.
func (h *Handlers) DeleteWebhook(ctx context.Context, input *WebhookIDInput) (*DeleteWebhookOutput, error) {
	if _, err := h.getOwnedSubscription(ctx, input.ID); err != nil {
		return nil, err
	}
	if err := h.repos.Webhook.Delete(ctx, input.ID); err != nil {
		return nil, mapServiceError(err)
	}

	out := &DeleteWebhookOutput{}
	out.Body.Success = true
	return out, nil
}

// TestWebhookOutput is the response for POST /v1/webhooks/{id}/test.
type TestWebhookOutput struct {
	Body struct {
		Success    bool `json:"success"`
		StatusCode int  `json:"status_code,omitempty"`
	}
}

// TestWebhook sends a synchronous webhook.test event.
func (h *Handlers) TestWebhook(ctx context.Context, input *WebhookIDInput) (*TestWebhookOutput, error) {
	sub, err := h.getOwnedSubscription(ctx, input.ID)
	if err != nil {
		return nil, err
	}

	statusCode, sendErr := h.services.Webhooks.SendTest(ctx, sub)
	out := &TestWebhookOutput{}
	out.Body.Success = sendErr == nil
	out.Body.StatusCode = statusCode
	return out, nil
}

// ListDeliveriesInput is the request for GET /v1/webhooks/{id}/deliveries.
type ListDeliveriesInput struct {
	ID     string `path:"id" doc:"Subscription ID"`
	Limit  int    `query:"limit" doc:"Page size, max 100"`
	Offset int    `query:"offset"`
}

// ListDeliveriesOutput is the response for GET /v1/webhooks/{id}/deliveries.
type ListDeliveriesOutput struct {
	Body struct {
		Success    bool           `json:"success"`
		Deliveries []DeliveryView `json:"deliveries"`
	}
}

// ListDeliveries returns recent deliveries for a subscription.
func (h *Handlers) ListDeliveries(ctx context.Context, input *ListDeliveriesInput) (*ListDeliveriesOutput, error) {
	if _, err := h.getOwnedSubscription(ctx, input.ID); err != nil {
		return nil, err
	}

	limit := input.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	deliveries, err := h.repos.WebhookDelivery.GetBySubscriptionID(ctx, input.ID, limit, input.Offset)
	if err != nil {
		return nil, mapServiceError(err)
	}

	out := &ListDeliveriesOutput{}
	out.Body.Success = true
	out.Body.Deliveries = make([]DeliveryView, 0, len(deliveries))
	for _, d := range deliveries {
		out.Body.Deliveries = append(out.Body.Deliveries, deliveryView(d))
	}
	return out, nil
}

// ReplayDeliveryInput is the request for POST /v1/webhooks/{id}/deliveries/{did}/replay.
type ReplayDeliveryInput struct {
	ID         string `path:"id" doc:"Subscription ID"`
	DeliveryID string `path:"did" doc:"Delivery ID"`
}

// ReplayDeliveryOutput is the response for the replay endpoint.
type ReplayDeliveryOutput struct {
	Body struct {
		Success  bool         `json:"success"`
		Delivery DeliveryView `json:"delivery"`
	}
}

// ReplayDelivery re-sends a delivery's payload as a fresh delivery.
func (h *Handlers) ReplayDelivery(ctx context.Context, input *ReplayDeliveryInput) (*ReplayDeliveryOutput, error) {
	if _, err := h.getOwnedSubscription(ctx, input.ID); err != nil {
		return nil, err
	}
	original, err := h.repos.WebhookDelivery.GetByID(ctx, input.DeliveryID)
	if err != nil {
		return nil, mapServiceError(err)
	}
	if original == nil || original.SubscriptionID != input.ID {
		return nil, huma.Error404NotFound("delivery not found")
	}

	replay, err := h.services.Webhooks.Replay(ctx, input.DeliveryID)
	if err != nil {
		return nil, mapServiceError(err)
	}

	out := &ReplayDeliveryOutput{}
	out.Body.Success = true
	out.Body.Delivery = deliveryView(replay)
	return out, nil
}

// JobDeliveriesInput is the request for GET /v1/jobs/{id}/webhooks.
type JobDeliveriesInput struct {
	ID string `path:"id" doc:"Job ID"`
}

// JobDeliveries returns all deliveries fired for one job.
func (h *Handlers) JobDeliveries(ctx context.Context, input *JobDeliveriesInput) (*ListDeliveriesOutput, error) {
	if _, err := h.services.Scrape.GetJob(ctx, mw.GetAPIKey(ctx), input.ID); err != nil {
		return nil, mapServiceError(err)
	}

	deliveries, err := h.repos.WebhookDelivery.GetByJobID(ctx, input.ID)
	if err != nil {
		return nil, mapServiceError(err)
	}

	out := &ListDeliveriesOutput{}
	out.Body.Success = true
	out.Body.Deliveries = make([]DeliveryView, 0, len(deliveries))
	for _, d := range deliveries {
		out.Body.Deliveries = append(out.Body.Deliveries, deliveryView(d))
	}
	return out, nil
}

func ownerIDs(ctx context.Context) (string, string) {
	key := mw.GetAPIKey(ctx)
	if key == nil {
		return "", ""
	}
	return key.ID, key.UserID
}

func (h *Handlers) getOwnedSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	sub, err := h.repos.Webhook.GetByID(ctx, id)
	if err != nil {
		return nil, mapServiceError(err)
	}
	apiKeyID, userID := ownerIDs(ctx)
	if sub == nil || (apiKeyID != "" && sub.APIKeyID != apiKeyID && (userID == "" || sub.UserID != userID)) {
		return nil, huma.Error404NotFound("subscription not found")
	}
	return sub, nil
}
