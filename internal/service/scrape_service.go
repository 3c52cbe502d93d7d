package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/anycrawl/anycrawl-api/internal/cache"
	"github.com/anycrawl/anycrawl-api/internal/config"
	"github.com/anycrawl/anycrawl-api/internal/engine"
	"github.com/anycrawl/anycrawl-api/internal/models"
	"github.com/anycrawl/anycrawl-api/internal/queue"
	"github.com/anycrawl/anycrawl-api/internal/repository"
)

// reasonRequestFinalize tags the single target-mode charge that settles a
// synchronous request.
const reasonRequestFinalize = "api_request_finalize"

// ScrapeService orchestrates single-page scrapes: admission, cache lookup,
// dispatch through the durable queue, event fan-out, and final billing.
type ScrapeService struct {
	repos     *repository.Repositories
	billing   *BillingService
	estimator *Estimator
	cache     *cache.Store
	queues    *queue.Manager
	webhooks  *WebhookService
	scraper   engine.Scraper
	cfg       *config.Config
	logger    *slog.Logger
}

// NewScrapeService creates a scrape orchestrator.
func NewScrapeService(repos *repository.Repositories, billing *BillingService, estimator *Estimator, cacheStore *cache.Store, queues *queue.Manager, webhooks *WebhookService, scraper engine.Scraper, cfg *config.Config, logger *slog.Logger) *ScrapeService {
	return &ScrapeService{
		repos:     repos,
		billing:   billing,
		estimator: estimator,
		cache:     cacheStore,
		queues:    queues,
		webhooks:  webhooks,
		scraper:   scraper,
		cfg:       cfg,
		logger:    logger.With("component", "scrape"),
	}
}

// Scrape runs the full synchronous scrape flow and returns the finished job
// with its result payload. Billing settles exactly once via a target-mode
// charge; failed and timed-out jobs charge nothing.
func (s *ScrapeService) Scrape(ctx context.Context, apiKey *models.APIKey, opts *models.ScrapeOptions) (*models.Job, error) {
	details := s.estimator.ScrapeDetails(opts)
	if err := s.admit(apiKey, details.Total); err != nil {
		return nil, err
	}

	if entry, err := s.cache.LookupPage(ctx, opts); err != nil {
		s.logger.Warn("cache lookup failed, treating as miss", "url", opts.URL, "error", err)
	} else if entry != nil {
		return s.serveFromCache(ctx, apiKey, opts, entry, details)
	}

	job, err := s.createJob(ctx, apiKey, opts)
	if err != nil {
		return nil, err
	}
	if _, err := s.queues.Enqueue(ctx, job.Queue, job.ID, opts); err != nil {
		_, _ = s.repos.Job.MarkFailed(ctx, job.ID, "failed to enqueue")
		return nil, err
	}

	s.webhooks.DispatchJobEvent(ctx, models.WebhookEventScrapeCreated, job, nil)
	s.webhooks.DispatchJobEvent(ctx, models.WebhookEventScrapeStarted, job, nil)

	finished, err := s.queues.WaitForCompletion(ctx, job.ID, s.cfg.RequestTimeout)
	if err != nil {
		if errors.Is(err, queue.ErrWaitTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, s.cancelTimedOut(ctx, finished)
		}
		return nil, err
	}

	switch finished.Status {
	case models.JobStatusCompleted:
		s.webhooks.DispatchJobEvent(ctx, models.WebhookEventScrapeCompleted, finished, nil)
		if _, err := s.billing.ChargeToUsed(ctx, finished.ID, details.Total, reasonRequestFinalize, "", details); err != nil {
			s.logger.Error("failed to finalize scrape charge", "job_id", finished.ID, "error", err)
		}
		s.cache.StorePage(ctx, opts, json.RawMessage(finished.ResultJSON))
		return s.repos.Job.GetByID(ctx, finished.ID)
	default:
		// Worker reported failure or the job was cancelled. Zero credits.
		s.webhooks.DispatchJobEvent(ctx, models.WebhookEventScrapeCancelled, finished, nil)
		return finished, fmt.Errorf("scrape failed: %s", finished.ErrorMessage)
	}
}

// Execute performs the actual page fetch for a queued scrape job. Called by
// the worker; a job that is no longer pending (cancelled while queued) is
// skipped without output.
func (s *ScrapeService) Execute(ctx context.Context, job *models.Job) error {
	var opts models.ScrapeOptions
	if err := json.Unmarshal([]byte(job.PayloadJSON), &opts); err != nil {
		_, _ = s.repos.Job.MarkFailed(ctx, job.ID, "invalid job payload")
		return fmt.Errorf("failed to decode scrape payload: %w", err)
	}

	started, err := s.repos.Job.MarkRunning(ctx, job.ID)
	if err != nil {
		return err
	}
	if !started {
		s.logger.Info("skipping scrape for non-pending job", "job_id", job.ID)
		return nil
	}

	page, err := s.scraper.Scrape(ctx, &opts)
	if err != nil {
		_, _ = s.repos.Job.MarkFailed(ctx, job.ID, err.Error())
		if err := s.repos.Job.AddProgress(ctx, job.ID, 0, 1); err != nil {
			s.logger.Warn("failed to record scrape progress", "job_id", job.ID, "error", err)
		}
		return &engine.DispatchError{JobID: job.ID, Committed: true, Err: err}
	}

	result, err := json.Marshal(page)
	if err != nil {
		_, _ = s.repos.Job.MarkFailed(ctx, job.ID, "failed to encode result")
		return fmt.Errorf("failed to encode scrape result: %w", err)
	}

	ok, err := s.repos.Job.MarkCompleted(ctx, job.ID, string(result))
	if err != nil {
		return err
	}
	if !ok {
		// Cancelled mid-flight; the output write must not land.
		s.logger.Info("discarding result for finalized job", "job_id", job.ID)
		return nil
	}
	return s.repos.Job.AddProgress(ctx, job.ID, 1, 0)
}

// GetJob returns a job visible to the given key.
func (s *ScrapeService) GetJob(ctx context.Context, apiKey *models.APIKey, jobID string) (*models.Job, error) {
	job, err := s.repos.Job.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil || (apiKey != nil && job.APIKeyID != apiKey.ID) {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// serveFromCache synthesizes a completed job around the cached artifact and
// settles billing the same way a fresh scrape would.
func (s *ScrapeService) serveFromCache(ctx context.Context, apiKey *models.APIKey, opts *models.ScrapeOptions, entry *cache.PageEntry, details *models.ChargeDetails) (*models.Job, error) {
	now := time.Now().UTC()
	job := &models.Job{
		ID:         uuid.NewString(),
		Kind:       models.JobTypeScrape,
		Queue:      models.ScrapeQueue(opts.EffectiveEngine()),
		URL:        opts.URL,
		Status:     models.JobStatusCompleted,
		Total:      1,
		Completed:  1,
		ResultJSON: string(entry.Data),
		StartedAt:  &now,
		FinishedAt: &now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if apiKey != nil {
		job.APIKeyID = apiKey.ID
	}
	if err := s.repos.Job.Create(ctx, job); err != nil {
		return nil, err
	}
	if err := s.repos.Job.IncrementCacheHits(ctx, job.ID); err != nil {
		s.logger.Warn("failed to record cache hit", "job_id", job.ID, "error", err)
	}

	s.webhooks.DispatchJobEvent(ctx, models.WebhookEventScrapeCreated, job, nil)
	s.webhooks.DispatchJobEvent(ctx, models.WebhookEventScrapeStarted, job, nil)
	s.webhooks.DispatchJobEvent(ctx, models.WebhookEventScrapeCompleted, job, map[string]any{"cache_hit": true})

	if _, err := s.billing.ChargeToUsed(ctx, job.ID, details.Total, reasonRequestFinalize, "", details); err != nil {
		s.logger.Error("failed to finalize cached scrape charge", "job_id", job.ID, "error", err)
	}

	s.logger.Info("scrape served from cache", "job_id", job.ID, "url", opts.URL)
	return s.repos.Job.GetByID(ctx, job.ID)
}

// cancelTimedOut handles a request that outlived its wait budget: drop the
// queue message, fail the job, fire cancelled, charge nothing.
func (s *ScrapeService) cancelTimedOut(ctx context.Context, job *models.Job) error {
	if job == nil {
		return ErrRequestTimeout
	}
	if err := s.queues.CancelJob(ctx, job.ID); err != nil {
		s.logger.Warn("failed to cancel queued work", "job_id", job.ID, "error", err)
	}
	if _, err := s.repos.Job.MarkFailed(ctx, job.ID, "request timed out"); err != nil {
		s.logger.Warn("failed to fail timed-out job", "job_id", job.ID, "error", err)
	}
	s.webhooks.DispatchJobEvent(ctx, models.WebhookEventScrapeCancelled, job, nil)
	return ErrRequestTimeout
}

func (s *ScrapeService) createJob(ctx context.Context, apiKey *models.APIKey, opts *models.ScrapeOptions) (*models.Job, error) {
	payload, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode scrape payload: %w", err)
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:          uuid.NewString(),
		Kind:        models.JobTypeScrape,
		Queue:       models.ScrapeQueue(opts.EffectiveEngine()),
		URL:         opts.URL,
		Status:      models.JobStatusPending,
		PayloadJSON: string(payload),
		Total:       1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if apiKey != nil {
		job.APIKeyID = apiKey.ID
	}
	if err := s.repos.Job.Create(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// admit enforces the pre-charge estimate against the key's balance.
func (s *ScrapeService) admit(apiKey *models.APIKey, estimate float64) error {
	if !s.cfg.CreditsEnabled || apiKey == nil {
		return nil
	}
	if estimate > apiKey.Credits {
		return fmt.Errorf("%w: estimated %v, available %v", ErrInsufficientCredits, estimate, apiKey.Credits)
	}
	return nil
}
