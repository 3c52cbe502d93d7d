package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/anycrawl/anycrawl-api/internal/models"
)

// SQLiteWebhookDeliveryRepository implements WebhookDeliveryRepository for SQLite/libsql.
type SQLiteWebhookDeliveryRepository struct {
	db *sql.DB
}

// NewSQLiteWebhookDeliveryRepository creates a new SQLite webhook delivery repository.
func NewSQLiteWebhookDeliveryRepository(db *sql.DB) *SQLiteWebhookDeliveryRepository {
	return &SQLiteWebhookDeliveryRepository{db: db}
}

const webhookDeliveryColumns = `id, subscription_id, job_id, event_type, url, payload_json,
	request_headers_json, status_code, response_body, response_time_ms, status,
	error_message, attempt_number, max_attempts, next_retry_at, created_at, delivered_at`

func (r *SQLiteWebhookDeliveryRepository) Create(ctx context.Context, d *models.WebhookDelivery) error {
	if d.ID == "" {
		d.ID = ulid.Make().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	var headersJSON sql.NullString
	if len(d.RequestHeaders) > 0 {
		data, err := json.Marshal(d.RequestHeaders)
		if err != nil {
			return err
		}
		headersJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (`+webhookDeliveryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		d.ID, nullString(d.SubscriptionID), nullString(d.JobID), d.EventType, d.URL,
		d.PayloadJSON, headersJSON, nullInt(d.StatusCode), nullString(d.ResponseBody),
		nullInt(d.ResponseTimeMs), d.Status, nullString(d.ErrorMessage),
		d.AttemptNumber, d.MaxAttempts, nullTime(d.NextRetryAt),
		d.CreatedAt.Format(time.RFC3339), nullTime(d.DeliveredAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create webhook delivery: %w", err)
	}
	return nil
}

func (r *SQLiteWebhookDeliveryRepository) GetByID(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+webhookDeliveryColumns+` FROM webhook_deliveries WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook delivery: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanWebhookDelivery(rows)
}

func (r *SQLiteWebhookDeliveryRepository) GetBySubscriptionID(ctx context.Context, subscriptionID string, limit, offset int) ([]*models.WebhookDelivery, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+webhookDeliveryColumns+` FROM webhook_deliveries
		 WHERE subscription_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		subscriptionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook deliveries: %w", err)
	}
	defer rows.Close()

	return collectWebhookDeliveries(rows)
}

func (r *SQLiteWebhookDeliveryRepository) GetByJobID(ctx context.Context, jobID string) ([]*models.WebhookDelivery, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+webhookDeliveryColumns+` FROM webhook_deliveries
		 WHERE job_id = ? ORDER BY created_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook deliveries: %w", err)
	}
	defer rows.Close()

	return collectWebhookDeliveries(rows)
}

func (r *SQLiteWebhookDeliveryRepository) MarkDelivered(ctx context.Context, id string, statusCode int, responseBody string, responseTimeMs int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = 'delivered', status_code = ?, response_body = ?, response_time_ms = ?,
			error_message = NULL, next_retry_at = NULL, delivered_at = ?
		WHERE id = ?
	`, statusCode, nullString(responseBody), responseTimeMs, time.Now().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to mark delivery delivered: %w", err)
	}
	return nil
}

func (r *SQLiteWebhookDeliveryRepository) MarkRetrying(ctx context.Context, id string, attempt int, statusCode *int, responseBody, errorMessage string, nextRetryAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = 'pending', attempt_number = ?, status_code = ?, response_body = ?,
			error_message = ?, next_retry_at = ?
		WHERE id = ?
	`, attempt, nullInt(statusCode), nullString(responseBody), nullString(errorMessage),
		nextRetryAt.Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to mark delivery retrying: %w", err)
	}
	return nil
}

func (r *SQLiteWebhookDeliveryRepository) MarkFailed(ctx context.Context, id string, attempt int, statusCode *int, responseBody, errorMessage string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = 'failed', attempt_number = ?, status_code = ?, response_body = ?,
			error_message = ?, next_retry_at = NULL
		WHERE id = ?
	`, attempt, nullInt(statusCode), nullString(responseBody), nullString(errorMessage), id)
	if err != nil {
		return fmt.Errorf("failed to mark delivery failed: %w", err)
	}
	return nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func collectWebhookDeliveries(rows *sql.Rows) ([]*models.WebhookDelivery, error) {
	var deliveries []*models.WebhookDelivery
	for rows.Next() {
		d, err := scanWebhookDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

func scanWebhookDelivery(rows *sql.Rows) (*models.WebhookDelivery, error) {
	var d models.WebhookDelivery
	var subscriptionID, jobID, headersJSON, responseBody, errorMessage sql.NullString
	var statusCode, responseTimeMs sql.NullInt64
	var nextRetryAt, deliveredAt sql.NullString
	var createdAt string

	err := rows.Scan(
		&d.ID, &subscriptionID, &jobID, &d.EventType, &d.URL, &d.PayloadJSON,
		&headersJSON, &statusCode, &responseBody, &responseTimeMs, &d.Status,
		&errorMessage, &d.AttemptNumber, &d.MaxAttempts, &nextRetryAt, &createdAt, &deliveredAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan webhook delivery: %w", err)
	}

	d.SubscriptionID = subscriptionID.String
	d.JobID = jobID.String
	d.ResponseBody = responseBody.String
	d.ErrorMessage = errorMessage.String
	if headersJSON.Valid {
		_ = json.Unmarshal([]byte(headersJSON.String), &d.RequestHeaders)
	}
	if statusCode.Valid {
		code := int(statusCode.Int64)
		d.StatusCode = &code
	}
	if responseTimeMs.Valid {
		ms := int(responseTimeMs.Int64)
		d.ResponseTimeMs = &ms
	}
	d.NextRetryAt = parseTimePtr(nextRetryAt)
	d.DeliveredAt = parseTimePtr(deliveredAt)
	d.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	return &d, nil
}
