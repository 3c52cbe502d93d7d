package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anycrawl/anycrawl-api/internal/models"
)

// SQLiteWebhookSubscriptionRepository implements WebhookSubscriptionRepository
// for SQLite/libsql. Secrets pass through as SecretEncrypted; encryption is
// the webhook service's job.
type SQLiteWebhookSubscriptionRepository struct {
	db *sql.DB
}

// NewSQLiteWebhookSubscriptionRepository creates a new SQLite webhook subscription repository.
func NewSQLiteWebhookSubscriptionRepository(db *sql.DB) *SQLiteWebhookSubscriptionRepository {
	return &SQLiteWebhookSubscriptionRepository{db: db}
}

const webhookSubColumns = `id, api_key_id, user_id, url, secret_encrypted, scope, events, task_ids,
	headers_json, timeout_seconds, max_retries, backoff_multiplier, is_active,
	consecutive_failures, tags, metadata_json, created_at, updated_at`

func (r *SQLiteWebhookSubscriptionRepository) Create(ctx context.Context, sub *models.WebhookSubscription) error {
	now := time.Now().Format(time.RFC3339)

	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.Scope == "" {
		sub.Scope = models.WebhookScopeAll
	}

	events, taskIDs, headers, tags, metadata, err := marshalSubscriptionFields(sub)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (`+webhookSubColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sub.ID, nullString(sub.APIKeyID), nullString(sub.UserID), sub.URL,
		nullString(sub.SecretEncrypted), sub.Scope, events, taskIDs, headers,
		sub.TimeoutSeconds, sub.MaxRetries, sub.BackoffMultiplier, sub.IsActive,
		sub.ConsecutiveFailures, tags, metadata, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create webhook subscription: %w", err)
	}
	return nil
}

func (r *SQLiteWebhookSubscriptionRepository) GetByID(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+webhookSubColumns+` FROM webhook_subscriptions WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook subscription: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanWebhookSubscription(rows)
}

func (r *SQLiteWebhookSubscriptionRepository) GetByOwner(ctx context.Context, apiKeyID, userID string) ([]*models.WebhookSubscription, error) {
	return r.queryByOwner(ctx, apiKeyID, userID, false)
}

func (r *SQLiteWebhookSubscriptionRepository) GetActiveByOwner(ctx context.Context, apiKeyID, userID string) ([]*models.WebhookSubscription, error) {
	return r.queryByOwner(ctx, apiKeyID, userID, true)
}

func (r *SQLiteWebhookSubscriptionRepository) queryByOwner(ctx context.Context, apiKeyID, userID string, activeOnly bool) ([]*models.WebhookSubscription, error) {
	query := `SELECT ` + webhookSubColumns + ` FROM webhook_subscriptions
		WHERE (api_key_id = ? OR (? != '' AND user_id = ?))`
	if activeOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, apiKeyID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*models.WebhookSubscription
	for rows.Next() {
		sub, err := scanWebhookSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (r *SQLiteWebhookSubscriptionRepository) Update(ctx context.Context, sub *models.WebhookSubscription) error {
	events, taskIDs, headers, tags, metadata, err := marshalSubscriptionFields(sub)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions
		SET url = ?, secret_encrypted = ?, scope = ?, events = ?, task_ids = ?,
			headers_json = ?, timeout_seconds = ?, max_retries = ?, backoff_multiplier = ?,
			is_active = ?, tags = ?, metadata_json = ?, updated_at = ?
		WHERE id = ?
	`,
		sub.URL, nullString(sub.SecretEncrypted), sub.Scope, events, taskIDs,
		headers, sub.TimeoutSeconds, sub.MaxRetries, sub.BackoffMultiplier,
		sub.IsActive, tags, metadata, time.Now().Format(time.RFC3339), sub.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update webhook subscription: %w", err)
	}
	return nil
}

func (r *SQLiteWebhookSubscriptionRepository) SetActive(ctx context.Context, id string, active bool) error {
	query := `UPDATE webhook_subscriptions SET is_active = ?, updated_at = ? WHERE id = ?`
	args := []any{active, time.Now().Format(time.RFC3339), id}
	if active {
		// Reactivation forgives past failures.
		query = `UPDATE webhook_subscriptions SET is_active = ?, consecutive_failures = 0, updated_at = ? WHERE id = ?`
	}
	_, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to set webhook subscription active: %w", err)
	}
	return nil
}

func (r *SQLiteWebhookSubscriptionRepository) RecordDeliveryResult(ctx context.Context, id string, success bool) error {
	var query string
	if success {
		query = `UPDATE webhook_subscriptions SET consecutive_failures = 0, updated_at = ? WHERE id = ?`
	} else {
		query = `UPDATE webhook_subscriptions SET consecutive_failures = consecutive_failures + 1, updated_at = ? WHERE id = ?`
	}
	_, err := r.db.ExecContext(ctx, query, time.Now().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to record delivery result: %w", err)
	}
	return nil
}

func (r *SQLiteWebhookSubscriptionRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook subscription: %w", err)
	}
	return nil
}

func marshalSubscriptionFields(sub *models.WebhookSubscription) (events string, taskIDs, headers, tags, metadata sql.NullString, err error) {
	eventsData, err := json.Marshal(eventsOrDefault(sub.Events))
	if err != nil {
		return "", sql.NullString{}, sql.NullString{}, sql.NullString{}, sql.NullString{}, err
	}
	events = string(eventsData)

	taskIDs, err = marshalNullable(sub.TaskIDs)
	if err != nil {
		return
	}
	headers, err = marshalNullable(sub.Headers)
	if err != nil {
		return
	}
	tags, err = marshalNullable(sub.Tags)
	if err != nil {
		return
	}
	metadata, err = marshalNullable(sub.Metadata)
	return
}

func eventsOrDefault(events []string) []string {
	if len(events) == 0 {
		return []string{string(models.WebhookEventAll)}
	}
	return events
}

func marshalNullable(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case []string:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]string:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]any:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func scanWebhookSubscription(rows *sql.Rows) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	var apiKeyID, userID, secret, taskIDs, headers, tags, metadata sql.NullString
	var events string
	var createdAt, updatedAt string

	err := rows.Scan(
		&sub.ID, &apiKeyID, &userID, &sub.URL, &secret, &sub.Scope, &events, &taskIDs,
		&headers, &sub.TimeoutSeconds, &sub.MaxRetries, &sub.BackoffMultiplier, &sub.IsActive,
		&sub.ConsecutiveFailures, &tags, &metadata, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan webhook subscription: %w", err)
	}

	sub.APIKeyID = apiKeyID.String
	sub.UserID = userID.String
	sub.SecretEncrypted = secret.String
	if err := json.Unmarshal([]byte(events), &sub.Events); err != nil {
		return nil, fmt.Errorf("failed to parse subscription events: %w", err)
	}
	if taskIDs.Valid {
		_ = json.Unmarshal([]byte(taskIDs.String), &sub.TaskIDs)
	}
	if headers.Valid {
		_ = json.Unmarshal([]byte(headers.String), &sub.Headers)
	}
	if tags.Valid {
		_ = json.Unmarshal([]byte(tags.String), &sub.Tags)
	}
	if metadata.Valid {
		_ = json.Unmarshal([]byte(metadata.String), &sub.Metadata)
	}
	sub.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	sub.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &sub, nil
}
