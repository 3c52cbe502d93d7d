// Package queue is the producer-side interface to the durable work queues.
// Workers consume through the repository directly; producers go through the
// Manager so message IDs and payload encoding stay in one place.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/anycrawl/anycrawl-api/internal/models"
	"github.com/anycrawl/anycrawl-api/internal/repository"
)

// ErrWaitTimeout is returned by WaitForCompletion when the job does not reach
// a terminal status within the wait budget.
var ErrWaitTimeout = fmt.Errorf("timed out waiting for job completion")

// Manager enqueues durable work and lets callers wait on job completion.
type Manager struct {
	queue  repository.QueueRepository
	jobs   repository.JobRepository
	logger *slog.Logger
}

// NewManager creates a queue manager.
func NewManager(queue repository.QueueRepository, jobs repository.JobRepository, logger *slog.Logger) *Manager {
	return &Manager{
		queue:  queue,
		jobs:   jobs,
		logger: logger.With("component", "queue"),
	}
}

// Enqueue publishes a message on the named queue, available immediately.
func (m *Manager) Enqueue(ctx context.Context, queueName, jobID string, payload any) (*models.QueueMessage, error) {
	return m.EnqueueAfter(ctx, queueName, jobID, payload, 0)
}

// EnqueueAfter publishes a message that becomes visible after the delay.
// Used for webhook retry backoff.
func (m *Manager) EnqueueAfter(ctx context.Context, queueName, jobID string, payload any, delay time.Duration) (*models.QueueMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode queue payload: %w", err)
	}

	now := time.Now()
	msg := &models.QueueMessage{
		ID:          ulid.Make().String(),
		Queue:       queueName,
		JobID:       jobID,
		PayloadJSON: string(data),
		Status:      models.QueueMessageStatusPending,
		AvailableAt: now.Add(delay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.queue.Enqueue(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to enqueue message: %w", err)
	}

	m.logger.Debug("message enqueued", "queue", queueName, "message_id", msg.ID, "job_id", jobID, "delay", delay)
	return msg, nil
}

// CancelJob marks all unfinished messages for the job cancelled.
func (m *Manager) CancelJob(ctx context.Context, jobID string) error {
	return m.queue.CancelByJobID(ctx, jobID)
}

// WaitForCompletion polls the job until it reaches a terminal status or the
// timeout passes. Synchronous endpoints use this to hand back full results;
// on timeout the job keeps running and the caller falls back to job polling.
func (m *Manager) WaitForCompletion(ctx context.Context, jobID string, timeout time.Duration) (*models.Job, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		job, err := m.jobs.GetByID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job == nil {
			return nil, fmt.Errorf("job %s not found", jobID)
		}
		if job.Status.IsTerminal() {
			return job, nil
		}
		if time.Now().After(deadline) {
			return job, ErrWaitTimeout
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}
