package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/anycrawl/anycrawl-api/internal/cache"
	"github.com/anycrawl/anycrawl-api/internal/config"
	"github.com/anycrawl/anycrawl-api/internal/engine"
	"github.com/anycrawl/anycrawl-api/internal/models"
	"github.com/anycrawl/anycrawl-api/internal/queue"
	"github.com/anycrawl/anycrawl-api/internal/repository"
)

// Crawl billing reason tags. The initial charge covers the first page;
// every further successful page adds one delta entry.
const (
	reasonCrawlInitial = "api_crawl_initial"
	reasonCrawlPage    = "api_crawl_page"
)

// crawlSummary is the result blob stored on a finished crawl job.
type crawlSummary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// CrawlService orchestrates recursive crawls. Crawls are asynchronous: the
// request returns a pending job and the worker walks the site, billing each
// successful page as a delta charge.
type CrawlService struct {
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

// NewCrawlService creates a crawl orchestrator.
func NewCrawlService(repos *repository.Repositories, billing *BillingService, estimator *Estimator, cacheStore *cache.Store, queues *queue.Manager, webhooks *WebhookService, scraper engine.Scraper, cfg *config.Config, logger *slog.Logger) *CrawlService {
	return &CrawlService{
		repos:     repos,
		billing:   billing,
		estimator: estimator,
		cache:     cacheStore,
		queues:    queues,
		webhooks:  webhooks,
		scraper:   scraper,
		cfg:       cfg,
		logger:    logger.With("component", "crawl"),
	}
}

// Start admits and creates a crawl job, charges the first page up front,
// and enqueues the walk. Returns the pending job immediately.
func (s *CrawlService) Start(ctx context.Context, apiKey *models.APIKey, opts *models.CrawlOptions) (*models.Job, error) {
	if s.cfg.CreditsEnabled && apiKey != nil {
		if estimate := s.estimator.EstimateCrawl(opts); estimate > apiKey.Credits {
			return nil, fmt.Errorf("%w: estimated %v, available %v", ErrInsufficientCredits, estimate, apiKey.Credits)
		}
	}

	payload, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode crawl payload: %w", err)
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:          uuid.NewString(),
		Kind:        models.JobTypeCrawl,
		Queue:       models.CrawlQueue(opts.EffectiveEngine()),
		URL:         opts.URL,
		Status:      models.JobStatusPending,
		PayloadJSON: string(payload),
		Total:       opts.EffectiveLimit(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if apiKey != nil {
		job.APIKeyID = apiKey.ID
	}
	if err := s.repos.Job.Create(ctx, job); err != nil {
		return nil, err
	}

	details := s.estimator.CrawlPageDetails(&opts.ScrapeOptions, opts.URL)
	if _, err := s.billing.ChargeDelta(ctx, job.ID, details.Total, reasonCrawlInitial, "", details); err != nil {
		s.logger.Error("failed to charge initial crawl page", "job_id", job.ID, "error", err)
	}

	if _, err := s.queues.Enqueue(ctx, job.Queue, job.ID, opts); err != nil {
		_, _ = s.repos.Job.MarkFailed(ctx, job.ID, "failed to enqueue")
		return nil, err
	}

	s.webhooks.DispatchJobEvent(ctx, models.WebhookEventCrawlCreated, job, nil)
	return job, nil
}

// Execute walks the site breadth-first up to the page limit and depth.
// Called by the crawl worker. Every successful page writes a result row,
// bills one delta, and fires crawl.page_success; the walk finishes with
// crawl.completed once all sub-tasks settled.
func (s *CrawlService) Execute(ctx context.Context, job *models.Job) error {
	var opts models.CrawlOptions
	if err := json.Unmarshal([]byte(job.PayloadJSON), &opts); err != nil {
		_, _ = s.repos.Job.MarkFailed(ctx, job.ID, "invalid job payload")
		return fmt.Errorf("failed to decode crawl payload: %w", err)
	}

	started, err := s.repos.Job.MarkRunning(ctx, job.ID)
	if err != nil {
		return err
	}
	if !started {
		s.logger.Info("skipping crawl for non-pending job", "job_id", job.ID)
		return nil
	}
	s.webhooks.DispatchJobEvent(ctx, models.WebhookEventCrawlStarted, job, nil)

	base, err := url.Parse(opts.URL)
	if err != nil {
		_, _ = s.repos.Job.MarkFailed(ctx, job.ID, "invalid crawl URL")
		return fmt.Errorf("invalid crawl URL %q: %w", opts.URL, err)
	}

	limit := opts.EffectiveLimit()
	type frontierItem struct {
		url   string
		depth int
	}
	frontier := []frontierItem{{url: opts.URL, depth: 0}}
	visited := map[string]bool{}
	completed, failed := 0, 0

	for len(frontier) > 0 && completed+failed < limit {
		item := frontier[0]
		frontier = frontier[1:]

		normalized, err := cache.NormalizeURL(item.url)
		if err != nil || visited[normalized] {
			continue
		}
		visited[normalized] = true

		// A cancel while crawling must stop output and billing.
		current, err := s.repos.Job.GetByID(ctx, job.ID)
		if err != nil {
			return err
		}
		if current == nil || current.Status != models.JobStatusRunning {
			s.logger.Info("crawl aborted by status change", "job_id", job.ID)
			return nil
		}

		pageOpts := opts.ScrapeOptions
		pageOpts.URL = item.url
		page, scrapeErr := s.scraper.Scrape(ctx, &pageOpts)

		if scrapeErr != nil {
			failed++
			s.recordPage(ctx, job.ID, item.url, models.CrawlPageStatusFailed, "", scrapeErr.Error())
			if err := s.repos.Job.AddProgress(ctx, job.ID, 0, 1); err != nil {
				s.logger.Warn("failed to record crawl progress", "job_id", job.ID, "error", err)
			}
			continue
		}

		completed++
		data, _ := json.Marshal(page)
		s.recordPage(ctx, job.ID, item.url, models.CrawlPageStatusCompleted, string(data), "")
		if err := s.repos.Job.AddProgress(ctx, job.ID, 1, 0); err != nil {
			s.logger.Warn("failed to record crawl progress", "job_id", job.ID, "error", err)
		}

		// Page one was charged at creation time; later pages bill as they land.
		if completed > 1 {
			details := s.estimator.CrawlPageDetails(&opts.ScrapeOptions, item.url)
			if _, err := s.billing.ChargeDelta(ctx, job.ID, details.Total, reasonCrawlPage, "", details); err != nil {
				s.logger.Error("failed to charge crawl page", "job_id", job.ID, "url", item.url, "error", err)
			}
		}
		s.webhooks.DispatchJobEvent(ctx, models.WebhookEventCrawlPageSuccess, current, map[string]any{
			"page_url":  item.url,
			"completed": completed,
		})

		if opts.MaxDepth > 0 && item.depth >= opts.MaxDepth {
			continue
		}
		for _, link := range page.Links {
			if s.admitLink(base, link, &opts) {
				frontier = append(frontier, frontierItem{url: link, depth: item.depth + 1})
			}
		}
	}

	summary, _ := json.Marshal(crawlSummary{Total: completed + failed, Completed: completed, Failed: failed})
	ok, err := s.repos.Job.MarkCompleted(ctx, job.ID, string(summary))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	finished, err := s.repos.Job.GetByID(ctx, job.ID)
	if err != nil || finished == nil {
		return err
	}
	s.webhooks.DispatchJobEvent(ctx, models.WebhookEventCrawlCompleted, finished, map[string]any{
		"completed": completed,
		"failed":    failed,
	})
	s.logger.Info("crawl finished", "job_id", job.ID, "completed", completed, "failed", failed)
	return nil
}

// Cancel stops a crawl: queued work is dropped, the job transitions to
// cancelled, and crawl.cancelled fires. Idempotent on finished jobs.
func (s *CrawlService) Cancel(ctx context.Context, apiKey *models.APIKey, jobID string) (*models.Job, error) {
	job, err := s.getOwned(ctx, apiKey, jobID)
	if err != nil {
		return nil, err
	}

	if err := s.queues.CancelJob(ctx, jobID); err != nil {
		s.logger.Warn("failed to cancel queued crawl work", "job_id", jobID, "error", err)
	}
	cancelled, err := s.repos.Job.MarkCancelled(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if cancelled {
		s.webhooks.DispatchJobEvent(ctx, models.WebhookEventCrawlCancelled, job, nil)
	}
	return s.repos.Job.GetByID(ctx, jobID)
}

// GetStatus returns the job for polling.
func (s *CrawlService) GetStatus(ctx context.Context, apiKey *models.APIKey, jobID string) (*models.Job, error) {
	return s.getOwned(ctx, apiKey, jobID)
}

// GetResults returns one page of per-URL crawl results after the cursor.
// The next cursor is the last returned row's ID, empty when exhausted.
func (s *CrawlService) GetResults(ctx context.Context, apiKey *models.APIKey, jobID, cursor string, limit int) ([]*models.CrawlPage, string, error) {
	if _, err := s.getOwned(ctx, apiKey, jobID); err != nil {
		return nil, "", err
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	pages, err := s.repos.CrawlPage.GetAfterID(ctx, jobID, cursor, limit)
	if err != nil {
		return nil, "", err
	}

	next := ""
	if len(pages) == limit {
		next = pages[len(pages)-1].ID
	}
	return pages, next, nil
}

func (s *CrawlService) getOwned(ctx context.Context, apiKey *models.APIKey, jobID string) (*models.Job, error) {
	job, err := s.repos.Job.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil || (apiKey != nil && job.APIKeyID != apiKey.ID) {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (s *CrawlService) recordPage(ctx context.Context, jobID, pageURL string, status models.CrawlPageStatus, dataJSON, errorMessage string) {
	page := &models.CrawlPage{
		ID:           ulid.Make().String(),
		JobID:        jobID,
		URL:          pageURL,
		Status:       status,
		DataJSON:     dataJSON,
		ErrorMessage: errorMessage,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.repos.CrawlPage.Create(ctx, page); err != nil {
		s.logger.Error("failed to record crawl page", "job_id", jobID, "url", pageURL, "error", err)
	}
}

// admitLink applies the same-host restriction and include/exclude path
// filters to a discovered link.
func (s *CrawlService) admitLink(base *url.URL, link string, opts *models.CrawlOptions) bool {
	parsed, err := url.Parse(link)
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	if !strings.EqualFold(parsed.Host, base.Host) {
		return false
	}

	for _, p := range opts.ExcludePaths {
		if p != "" && strings.Contains(parsed.Path, p) {
			return false
		}
	}
	if len(opts.IncludePaths) == 0 {
		return true
	}
	for _, p := range opts.IncludePaths {
		if p != "" && strings.Contains(parsed.Path, p) {
			return true
		}
	}
	return false
}
