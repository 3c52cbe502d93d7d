package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/anycrawl/anycrawl-api/internal/models"
)

// SQLiteJobRepository implements JobRepository for SQLite.
type SQLiteJobRepository struct {
	db *sql.DB
}

// NewSQLiteJobRepository creates a new SQLite job repository.
func NewSQLiteJobRepository(db *sql.DB) *SQLiteJobRepository {
	return &SQLiteJobRepository{db: db}
}

const jobColumns = `id, api_key_id, kind, queue, url, status, payload_json,
	total, completed, failed, credits_used, deducted_at, cache_hits,
	result_json, error_message, started_at, finished_at, created_at, updated_at`

func (r *SQLiteJobRepository) Create(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		job.ID,
		nullString(job.APIKeyID),
		job.Kind,
		job.Queue,
		job.URL,
		job.Status,
		nullString(job.PayloadJSON),
		job.Total,
		job.Completed,
		job.Failed,
		job.CreditsUsed,
		nullTime(job.DeductedAt),
		job.CacheHits,
		nullString(job.ResultJSON),
		nullString(job.ErrorMessage),
		nullTime(job.StartedAt),
		nullTime(job.FinishedAt),
		job.CreatedAt.Format(time.RFC3339),
		job.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (r *SQLiteJobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	return r.scanJob(r.db.QueryRowContext(ctx, query, id))
}

func (r *SQLiteJobRepository) GetByAPIKeyID(ctx context.Context, apiKeyID string, limit, offset int) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE api_key_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`
	rows, err := r.db.QueryContext(ctx, query, apiKeyID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := r.scanJobFromRows(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkRunning transitions pending -> running. The WHERE guard makes repeated
// or out-of-order calls no-ops.
func (r *SQLiteJobRepository) MarkRunning(ctx context.Context, id string) (bool, error) {
	now := time.Now().Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'running', started_at = ?, updated_at = ? WHERE id = ? AND status = 'pending'`,
		now, now, id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark job running: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

func (r *SQLiteJobRepository) MarkCompleted(ctx context.Context, id string, resultJSON string) (bool, error) {
	now := time.Now().Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'completed', result_json = ?, finished_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		nullString(resultJSON), now, now, id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark job completed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

func (r *SQLiteJobRepository) MarkFailed(ctx context.Context, id string, errorMessage string) (bool, error) {
	now := time.Now().Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', error_message = ?, finished_at = ?, updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'running')`,
		nullString(errorMessage), now, now, id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark job failed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

func (r *SQLiteJobRepository) MarkCancelled(ctx context.Context, id string) (bool, error) {
	now := time.Now().Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'cancelled', finished_at = ?, updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'running')`,
		now, now, id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark job cancelled: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

func (r *SQLiteJobRepository) SetTotal(ctx context.Context, id string, total int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET total = ?, updated_at = ? WHERE id = ?`,
		total, time.Now().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set job total: %w", err)
	}
	return nil
}

func (r *SQLiteJobRepository) AddProgress(ctx context.Context, id string, completed, failed int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET completed = completed + ?, failed = failed + ?, updated_at = ? WHERE id = ?`,
		completed, failed, time.Now().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}

func (r *SQLiteJobRepository) IncrementCacheHits(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET cache_hits = cache_hits + 1, updated_at = ? WHERE id = ?`,
		time.Now().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to increment cache hits: %w", err)
	}
	return nil
}

// MarkStaleRunningJobsFailed fails jobs stuck in running longer than maxAge.
// Covers workers that died without finalizing their job.
func (r *SQLiteJobRepository) MarkStaleRunningJobsFailed(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Format(time.RFC3339)
	now := time.Now().Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', error_message = 'job timed out', finished_at = ?, updated_at = ?
		 WHERE status = 'running' AND updated_at < ?`,
		now, now, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale jobs: %w", err)
	}
	return result.RowsAffected()
}

func (r *SQLiteJobRepository) scanJob(row *sql.Row) (*models.Job, error) {
	var job models.Job
	var createdAt, updatedAt string
	var apiKeyID, payloadJSON, resultJSON, errorMessage sql.NullString
	var deductedAt, startedAt, finishedAt sql.NullString

	err := row.Scan(
		&job.ID, &apiKeyID, &job.Kind, &job.Queue, &job.URL, &job.Status, &payloadJSON,
		&job.Total, &job.Completed, &job.Failed, &job.CreditsUsed, &deductedAt, &job.CacheHits,
		&resultJSON, &errorMessage, &startedAt, &finishedAt, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.APIKeyID = apiKeyID.String
	job.PayloadJSON = payloadJSON.String
	job.ResultJSON = resultJSON.String
	job.ErrorMessage = errorMessage.String
	job.DeductedAt = parseTimePtr(deductedAt)
	job.StartedAt = parseTimePtr(startedAt)
	job.FinishedAt = parseTimePtr(finishedAt)
	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	job.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &job, nil
}

func (r *SQLiteJobRepository) scanJobFromRows(rows *sql.Rows) (*models.Job, error) {
	var job models.Job
	var createdAt, updatedAt string
	var apiKeyID, payloadJSON, resultJSON, errorMessage sql.NullString
	var deductedAt, startedAt, finishedAt sql.NullString

	err := rows.Scan(
		&job.ID, &apiKeyID, &job.Kind, &job.Queue, &job.URL, &job.Status, &payloadJSON,
		&job.Total, &job.Completed, &job.Failed, &job.CreditsUsed, &deductedAt, &job.CacheHits,
		&resultJSON, &errorMessage, &startedAt, &finishedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.APIKeyID = apiKeyID.String
	job.PayloadJSON = payloadJSON.String
	job.ResultJSON = resultJSON.String
	job.ErrorMessage = errorMessage.String
	job.DeductedAt = parseTimePtr(deductedAt)
	job.StartedAt = parseTimePtr(startedAt)
	job.FinishedAt = parseTimePtr(finishedAt)
	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	job.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &job, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}
