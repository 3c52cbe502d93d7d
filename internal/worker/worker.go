// Package worker consumes the durable queues and runs job executions.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/anycrawl/anycrawl-api/internal/config"
	"github.com/anycrawl/anycrawl-api/internal/engine"
	"github.com/anycrawl/anycrawl-api/internal/models"
	"github.com/anycrawl/anycrawl-api/internal/repository"
	"github.com/anycrawl/anycrawl-api/internal/service"
)

// Worker leases messages from the named queues and dispatches them to the
// operation services. Leases act as visibility timeouts: a worker that dies
// mid-message leaves it redeliverable after the lease expires.
type Worker struct {
	repos        *repository.Repositories
	services     *service.Services
	queues       []string
	pollInterval time.Duration
	concurrency  int
	visibility   time.Duration
	stop         chan struct{}
	wg           sync.WaitGroup
	logger       *slog.Logger
}

// New creates a worker over the standard queues.
func New(repos *repository.Repositories, services *service.Services, cfg *config.Config, logger *slog.Logger) *Worker {
	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 3
	}
	pollInterval := cfg.WorkerPollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	queues := []string{models.QueueSearch, models.QueueWebhook}
	for _, engine := range models.Engines {
		queues = append(queues, models.ScrapeQueue(engine), models.CrawlQueue(engine))
	}

	return &Worker{
		repos:        repos,
		services:     services,
		queues:       queues,
		pollInterval: pollInterval,
		concurrency:  concurrency,
		visibility:   cfg.QueueVisibilityTimeout,
		stop:         make(chan struct{}),
		logger:       logger.With("component", "worker"),
	}
}

// Start begins processing messages.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("starting", "concurrency", w.concurrency, "queues", w.queues)
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	w.logger.Info("stopping")
	close(w.stop)
	w.wg.Wait()
	w.logger.Info("stopped")
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx, workerID)
		}
	}
}

// drain leases and handles at most one message per queue per tick.
func (w *Worker) drain(ctx context.Context, workerID int) {
	for _, queueName := range w.queues {
		select {
		case <-w.stop:
			return
		default:
		}

		msg, err := w.repos.Queue.Lease(ctx, queueName, w.visibility)
		if err != nil {
			w.logger.Error("failed to lease message", "worker_id", workerID, "queue", queueName, "error", err)
			continue
		}
		if msg == nil {
			continue
		}
		w.handle(ctx, workerID, msg)
	}
}

func (w *Worker) handle(ctx context.Context, workerID int, msg *models.QueueMessage) {
	w.logger.Info("processing message",
		"worker_id", workerID, "queue", msg.Queue,
		"message_id", msg.ID, "job_id", msg.JobID, "attempt", msg.Attempts)

	var err error
	switch {
	case models.IsScrapeQueue(msg.Queue):
		err = w.runExecution(ctx, msg.JobID, func(ctx context.Context, job *models.Job) error {
			return w.services.Scrape.Execute(ctx, job)
		})
	case models.IsCrawlQueue(msg.Queue):
		err = w.runExecution(ctx, msg.JobID, func(ctx context.Context, job *models.Job) error {
			return w.services.Crawl.Execute(ctx, job)
		})
	case msg.Queue == models.QueueSearch:
		err = w.runExecution(ctx, msg.JobID, func(ctx context.Context, job *models.Job) error {
			return w.services.Search.Execute(ctx, job)
		})
	case msg.Queue == models.QueueWebhook:
		err = w.services.Webhooks.DeliverFromMessage(ctx, msg.PayloadJSON)
	default:
		w.logger.Error("message on unknown queue", "queue", msg.Queue, "message_id", msg.ID)
		err = w.repos.Queue.Fail(ctx, msg.ID, "unknown queue")
		return
	}

	if err != nil {
		// A committed dispatch failure already finalized the job; the
		// message is spent and must not be redelivered.
		var dispatchErr *engine.DispatchError
		if errors.As(err, &dispatchErr) && dispatchErr.Committed {
			w.logger.Warn("engine dispatch failed after commit",
				"worker_id", workerID, "queue", msg.Queue, "message_id", msg.ID,
				"job_id", dispatchErr.JobID, "error", dispatchErr.Err)
			if completeErr := w.repos.Queue.Complete(ctx, msg.ID); completeErr != nil {
				w.logger.Error("failed to complete message", "message_id", msg.ID, "error", completeErr)
			}
			return
		}

		w.logger.Error("message handling failed",
			"worker_id", workerID, "queue", msg.Queue, "message_id", msg.ID, "error", err)
		if failErr := w.repos.Queue.Fail(ctx, msg.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to fail message", "message_id", msg.ID, "error", failErr)
		}
		return
	}
	if err := w.repos.Queue.Complete(ctx, msg.ID); err != nil {
		w.logger.Error("failed to complete message", "message_id", msg.ID, "error", err)
	}
}

// runExecution wraps one job run in a task_executions row so the reaper can
// see and finalize work that never reports back.
func (w *Worker) runExecution(ctx context.Context, jobID string, fn func(context.Context, *models.Job) error) error {
	job, err := w.repos.Job.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		w.logger.Warn("message references missing job", "job_id", jobID)
		return nil
	}
	if job.Status.IsTerminal() {
		w.logger.Info("skipping message for finished job", "job_id", jobID, "status", job.Status)
		return nil
	}

	exec := &models.TaskExecution{
		ID:        ulid.Make().String(),
		JobID:     jobID,
		Status:    models.ExecutionStatusRunning,
		StartedAt: time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	}
	if err := w.repos.Schedule.CreateExecution(ctx, exec); err != nil {
		w.logger.Warn("failed to create execution record", "job_id", jobID, "error", err)
	}

	runErr := fn(ctx, job)

	// The running-status guard keeps this from racing the reaper.
	if runErr != nil {
		if _, err := w.repos.Schedule.FailExecution(ctx, exec.ID, "", runErr.Error()); err != nil {
			w.logger.Warn("failed to finalize execution", "execution_id", exec.ID, "error", err)
		}
		return runErr
	}
	if _, err := w.repos.Schedule.CompleteExecution(ctx, exec.ID); err != nil {
		w.logger.Warn("failed to finalize execution", "execution_id", exec.ID, "error", err)
	}
	return nil
}
