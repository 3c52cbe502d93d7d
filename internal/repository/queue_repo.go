package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/anycrawl/anycrawl-api/internal/models"
)

// SQLiteQueueRepository implements QueueRepository for SQLite.
type SQLiteQueueRepository struct {
	db *sql.DB
}

// NewSQLiteQueueRepository creates a new SQLite queue repository.
func NewSQLiteQueueRepository(db *sql.DB) *SQLiteQueueRepository {
	return &SQLiteQueueRepository{db: db}
}

const queueColumns = `id, queue, job_id, payload_json, status, attempts,
	available_at, leased_until, error_message, created_at, updated_at`

func (r *SQLiteQueueRepository) Enqueue(ctx context.Context, msg *models.QueueMessage) error {
	query := `
		INSERT INTO queue_messages (` + queueColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		msg.ID,
		msg.Queue,
		nullString(msg.JobID),
		msg.PayloadJSON,
		msg.Status,
		msg.Attempts,
		msg.AvailableAt.Format(time.RFC3339),
		nullTime(msg.LeasedUntil),
		nullString(msg.ErrorMessage),
		msg.CreatedAt.Format(time.RFC3339),
		msg.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

// Lease atomically claims the next visible message. A single UPDATE ...
// RETURNING keeps claim-and-fetch in one statement, which reduces lock
// contention compared to SELECT then UPDATE. Messages whose lease expired
// are claimed the same way as pending ones, which is what makes delivery
// survive worker death.
func (r *SQLiteQueueRepository) Lease(ctx context.Context, queue string, visibility time.Duration) (*models.QueueMessage, error) {
	now := time.Now()
	nowStr := now.Format(time.RFC3339)
	leasedUntil := now.Add(visibility).Format(time.RFC3339)

	query := `
		UPDATE queue_messages
		SET status = 'leased', attempts = attempts + 1, leased_until = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM queue_messages
			WHERE queue = ? AND available_at <= ?
				AND (status = 'pending' OR (status = 'leased' AND leased_until < ?))
			ORDER BY available_at ASC, id ASC
			LIMIT 1
		)
		RETURNING ` + queueColumns

	msg, err := scanQueueMessage(r.db.QueryRowContext(ctx, query, leasedUntil, nowStr, queue, nowStr, nowStr))
	if err != nil {
		return nil, fmt.Errorf("failed to lease message: %w", err)
	}
	return msg, nil
}

func (r *SQLiteQueueRepository) Complete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE queue_messages SET status = 'completed', leased_until = NULL, updated_at = ? WHERE id = ?`,
		time.Now().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete message: %w", err)
	}
	return nil
}

func (r *SQLiteQueueRepository) Fail(ctx context.Context, id string, errorMessage string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE queue_messages SET status = 'failed', error_message = ?, leased_until = NULL, updated_at = ? WHERE id = ?`,
		nullString(errorMessage), time.Now().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to fail message: %w", err)
	}
	return nil
}

// CancelByJobID marks all unfinished messages for a job cancelled.
// Terminal messages are untouched, so repeated calls are safe.
func (r *SQLiteQueueRepository) CancelByJobID(ctx context.Context, jobID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE queue_messages SET status = 'cancelled', leased_until = NULL, updated_at = ?
		 WHERE job_id = ? AND status IN ('pending', 'leased')`,
		time.Now().Format(time.RFC3339), jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel messages: %w", err)
	}
	return nil
}

// Release flips expired leases back to pending. Lease already claims
// expired-lease messages directly; this exists for observability and tests.
func (r *SQLiteQueueRepository) Release(ctx context.Context, queue string) (int64, error) {
	now := time.Now().Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx,
		`UPDATE queue_messages SET status = 'pending', leased_until = NULL, updated_at = ?
		 WHERE queue = ? AND status = 'leased' AND leased_until < ?`,
		now, queue, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to release messages: %w", err)
	}
	return result.RowsAffected()
}

func (r *SQLiteQueueRepository) GetByID(ctx context.Context, id string) (*models.QueueMessage, error) {
	query := `SELECT ` + queueColumns + ` FROM queue_messages WHERE id = ?`
	msg, err := scanQueueMessage(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

func scanQueueMessage(row *sql.Row) (*models.QueueMessage, error) {
	var msg models.QueueMessage
	var jobID, leasedUntil, errorMessage sql.NullString
	var availableAt, createdAt, updatedAt string

	err := row.Scan(
		&msg.ID, &msg.Queue, &jobID, &msg.PayloadJSON, &msg.Status, &msg.Attempts,
		&availableAt, &leasedUntil, &errorMessage, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	msg.JobID = jobID.String
	msg.ErrorMessage = errorMessage.String
	msg.LeasedUntil = parseTimePtr(leasedUntil)
	msg.AvailableAt, _ = time.Parse(time.RFC3339, availableAt)
	msg.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	msg.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &msg, nil
}
