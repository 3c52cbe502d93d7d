package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/anycrawl/anycrawl-api/internal/models"
)

// SQLiteScheduleRepository implements ScheduleRepository for SQLite.
type SQLiteScheduleRepository struct {
	db *sql.DB
}

// NewSQLiteScheduleRepository creates a new SQLite schedule repository.
func NewSQLiteScheduleRepository(db *sql.DB) *SQLiteScheduleRepository {
	return &SQLiteScheduleRepository{db: db}
}

const scheduledTaskColumns = `id, api_key_id, name, kind, schedule, payload_json, is_active,
	last_run_at, run_count, success_count, failure_count, created_at, updated_at`

func (r *SQLiteScheduleRepository) CreateTask(ctx context.Context, task *models.ScheduledTask) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (`+scheduledTaskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID, nullString(task.APIKeyID), task.Name, task.Kind, task.Schedule,
		nullString(task.PayloadJSON), task.IsActive, nullTime(task.LastRunAt),
		task.RunCount, task.SuccessCount, task.FailureCount,
		task.CreatedAt.Format(time.RFC3339), task.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create scheduled task: %w", err)
	}
	return nil
}

func (r *SQLiteScheduleRepository) GetTask(ctx context.Context, id string) (*models.ScheduledTask, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+scheduledTaskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduled task: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanScheduledTask(rows)
}

func (r *SQLiteScheduleRepository) GetActiveTasks(ctx context.Context) ([]*models.ScheduledTask, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+scheduledTaskColumns+` FROM scheduled_tasks WHERE is_active = 1 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduled tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.ScheduledTask
	for rows.Next() {
		task, err := scanScheduledTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (r *SQLiteScheduleRepository) RecordRun(ctx context.Context, taskID string, success bool, at time.Time) error {
	successInc, failureInc := 1, 0
	if !success {
		successInc, failureInc = 0, 1
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET last_run_at = ?, run_count = run_count + 1,
			success_count = success_count + ?, failure_count = failure_count + ?,
			updated_at = ?
		WHERE id = ?
	`, at.Format(time.RFC3339), successInc, failureInc, time.Now().Format(time.RFC3339), taskID)
	if err != nil {
		return fmt.Errorf("failed to record task run: %w", err)
	}
	return nil
}

const taskExecutionColumns = `id, task_id, job_id, status, fail_reason, error_message,
	started_at, finished_at, created_at`

func (r *SQLiteScheduleRepository) CreateExecution(ctx context.Context, exec *models.TaskExecution) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO task_executions (`+taskExecutionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		exec.ID, nullString(exec.TaskID), nullString(exec.JobID), exec.Status,
		nullString(exec.FailReason), nullString(exec.ErrorMessage),
		exec.StartedAt.Format(time.RFC3339), nullTime(exec.FinishedAt),
		exec.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create task execution: %w", err)
	}
	return nil
}

func (r *SQLiteScheduleRepository) GetExecution(ctx context.Context, id string) (*models.TaskExecution, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+taskExecutionColumns+` FROM task_executions WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query task execution: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanTaskExecution(rows)
}

// CompleteExecution transitions running -> completed. The WHERE guard keeps
// the reaper and the worker from both finalizing the same execution.
func (r *SQLiteScheduleRepository) CompleteExecution(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE task_executions SET status = 'completed', finished_at = ?
		WHERE id = ? AND status = 'running'
	`, time.Now().Format(time.RFC3339), id)
	if err != nil {
		return false, fmt.Errorf("failed to complete task execution: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

func (r *SQLiteScheduleRepository) FailExecution(ctx context.Context, id string, failReason, errorMessage string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE task_executions SET status = 'failed', fail_reason = ?, error_message = ?, finished_at = ?
		WHERE id = ? AND status = 'running'
	`, nullString(failReason), nullString(errorMessage), time.Now().Format(time.RFC3339), id)
	if err != nil {
		return false, fmt.Errorf("failed to fail task execution: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

func (r *SQLiteScheduleRepository) GetStaleRunning(ctx context.Context, cutoff time.Time) ([]*models.TaskExecution, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+taskExecutionColumns+` FROM task_executions
		WHERE status = 'running' AND started_at < ?
		ORDER BY started_at ASC
	`, cutoff.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to query stale executions: %w", err)
	}
	defer rows.Close()

	var execs []*models.TaskExecution
	for rows.Next() {
		exec, err := scanTaskExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

func scanScheduledTask(rows *sql.Rows) (*models.ScheduledTask, error) {
	var task models.ScheduledTask
	var apiKeyID, payloadJSON, lastRunAt sql.NullString
	var createdAt, updatedAt string

	err := rows.Scan(
		&task.ID, &apiKeyID, &task.Name, &task.Kind, &task.Schedule, &payloadJSON,
		&task.IsActive, &lastRunAt, &task.RunCount, &task.SuccessCount, &task.FailureCount,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan scheduled task: %w", err)
	}

	task.APIKeyID = apiKeyID.String
	task.PayloadJSON = payloadJSON.String
	task.LastRunAt = parseTimePtr(lastRunAt)
	task.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	task.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &task, nil
}

func scanTaskExecution(rows *sql.Rows) (*models.TaskExecution, error) {
	var exec models.TaskExecution
	var taskID, jobID, failReason, errorMessage, finishedAt sql.NullString
	var startedAt, createdAt string

	err := rows.Scan(
		&exec.ID, &taskID, &jobID, &exec.Status, &failReason, &errorMessage,
		&startedAt, &finishedAt, &createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan task execution: %w", err)
	}

	exec.TaskID = taskID.String
	exec.JobID = jobID.String
	exec.FailReason = failReason.String
	exec.ErrorMessage = errorMessage.String
	exec.FinishedAt = parseTimePtr(finishedAt)
	exec.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	exec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	return &exec, nil
}
