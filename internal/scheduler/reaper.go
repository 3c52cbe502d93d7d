// Package scheduler runs the periodic stale-execution reaper.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anycrawl/anycrawl-api/internal/config"
	"github.com/anycrawl/anycrawl-api/internal/models"
	"github.com/anycrawl/anycrawl-api/internal/repository"
	"github.com/anycrawl/anycrawl-api/internal/service"
)

// Reaper is the liveness safety net: executions stuck in running past the
// stale age are failed with reason stale_timeout, and their jobs with them.
// The execution-row transition is the gate that prevents double-finalization
// when a worker completes concurrently.
type Reaper struct {
	repos    *repository.Repositories
	webhooks *service.WebhookService
	cfg      *config.Config
	cron     *cron.Cron
	logger   *slog.Logger
}

// New creates a reaper.
func New(repos *repository.Repositories, webhooks *service.WebhookService, cfg *config.Config, logger *slog.Logger) *Reaper {
	return &Reaper{
		repos:    repos,
		webhooks: webhooks,
		cfg:      cfg,
		cron:     cron.New(),
		logger:   logger.With("component", "reaper"),
	}
}

// Start sweeps once for jobs orphaned by a previous process, then schedules
// the periodic scan.
func (r *Reaper) Start(ctx context.Context) error {
	swept, err := r.repos.Job.MarkStaleRunningJobsFailed(ctx, r.cfg.StartupStaleJobAge)
	if err != nil {
		r.logger.Error("startup stale-job sweep failed", "error", err)
	} else if swept > 0 {
		r.logger.Warn("failed stale jobs from previous run", "count", swept)
	}

	spec := fmt.Sprintf("@every %s", r.cfg.ReaperInterval)
	if _, err := r.cron.AddFunc(spec, r.sweep); err != nil {
		return fmt.Errorf("failed to schedule reaper: %w", err)
	}
	r.cron.Start()
	r.logger.Info("started", "interval", r.cfg.ReaperInterval, "stale_age", r.cfg.StaleExecutionAge)
	return nil
}

// Stop stops the periodic scan and waits for an in-flight sweep.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("stopped")
}

func (r *Reaper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-r.cfg.StaleExecutionAge)
	stale, err := r.repos.Schedule.GetStaleRunning(ctx, cutoff)
	if err != nil {
		r.logger.Error("failed to scan stale executions", "error", err)
		return
	}

	for _, exec := range stale {
		r.finalize(ctx, exec)
	}
}

// finalize fails one stale execution and cascades to its job and task
// statistics, but only if this process wins the execution transition.
func (r *Reaper) finalize(ctx context.Context, exec *models.TaskExecution) {
	transitioned, err := r.repos.Schedule.FailExecution(ctx, exec.ID, models.FailReasonStaleTimeout, "execution exceeded stale timeout")
	if err != nil {
		r.logger.Error("failed to fail stale execution", "execution_id", exec.ID, "error", err)
		return
	}
	if !transitioned {
		// A worker finished it between the scan and now.
		return
	}

	r.logger.Warn("reaped stale execution",
		"execution_id", exec.ID, "job_id", exec.JobID,
		"started_at", exec.StartedAt.Format(time.RFC3339))

	if exec.TaskID != "" {
		if err := r.repos.Schedule.RecordRun(ctx, exec.TaskID, false, time.Now().UTC()); err != nil {
			r.logger.Error("failed to record task failure", "task_id", exec.TaskID, "error", err)
		}
	}
	if exec.JobID == "" {
		return
	}

	failed, err := r.repos.Job.MarkFailed(ctx, exec.JobID, models.FailReasonStaleTimeout)
	if err != nil {
		r.logger.Error("failed to fail stale job", "job_id", exec.JobID, "error", err)
		return
	}
	if !failed {
		return
	}

	if job, err := r.repos.Job.GetByID(ctx, exec.JobID); err == nil && job != nil {
		r.webhooks.DispatchJobEvent(ctx, models.JobEvent(job.Kind, "cancelled"), job, map[string]any{
			"reason": models.FailReasonStaleTimeout,
		})
	}
}
