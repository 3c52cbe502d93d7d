package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anycrawl/anycrawl-api/internal/config"
	"github.com/anycrawl/anycrawl-api/internal/engine"
	"github.com/anycrawl/anycrawl-api/internal/models"
	"github.com/anycrawl/anycrawl-api/internal/queue"
	"github.com/anycrawl/anycrawl-api/internal/repository"
)

// SearchResultItem is one delivered search result, optionally carrying the
// scraped page content when scrape_options were supplied.
type SearchResultItem struct {
	engine.SearchResult
	Content *engine.Page `json:"content,omitempty"`
}

// searchResultBlob is the result payload stored on a finished search job.
// The fetch counters feed the final itemized charge.
type searchResultBlob struct {
	Results        []SearchResultItem `json:"results"`
	PagesFetched   int                `json:"pages_fetched"`
	ResultsScraped int                `json:"results_scraped"`
}

// SearchService orchestrates search-engine discovery, optionally scraping
// each result. Searches run synchronously from the caller's view but go
// through the durable queue like every other operation.
type SearchService struct {
	repos     *repository.Repositories
	billing   *BillingService
	estimator *Estimator
	queues    *queue.Manager
	webhooks  *WebhookService
	provider  engine.SearchProvider
	scraper   engine.Scraper
	cfg       *config.Config
	logger    *slog.Logger
}

// NewSearchService creates a search orchestrator.
func NewSearchService(repos *repository.Repositories, billing *BillingService, estimator *Estimator, queues *queue.Manager, webhooks *WebhookService, provider engine.SearchProvider, scraper engine.Scraper, cfg *config.Config, logger *slog.Logger) *SearchService {
	return &SearchService{
		repos:     repos,
		billing:   billing,
		estimator: estimator,
		queues:    queues,
		webhooks:  webhooks,
		provider:  provider,
		scraper:   scraper,
		cfg:       cfg,
		logger:    logger.With("component", "search"),
	}
}

// Search runs the full synchronous search flow: admission, queue dispatch,
// await, final target-mode charge from the actual fetch counts.
func (s *SearchService) Search(ctx context.Context, apiKey *models.APIKey, opts *models.SearchOptions) (*models.Job, []SearchResultItem, error) {
	if s.cfg.CreditsEnabled && apiKey != nil {
		if estimate := s.estimator.EstimateSearch(opts); estimate > apiKey.Credits {
			return nil, nil, fmt.Errorf("%w: estimated %v, available %v", ErrInsufficientCredits, estimate, apiKey.Credits)
		}
	}

	payload, err := json.Marshal(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode search payload: %w", err)
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:          uuid.NewString(),
		Kind:        models.JobTypeSearch,
		Queue:       models.QueueSearch,
		URL:         opts.Query,
		Status:      models.JobStatusPending,
		PayloadJSON: string(payload),
		Total:       opts.EffectivePages(s.cfg.SearchDefaultPages),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if apiKey != nil {
		job.APIKeyID = apiKey.ID
	}
	if err := s.repos.Job.Create(ctx, job); err != nil {
		return nil, nil, err
	}
	if _, err := s.queues.Enqueue(ctx, models.QueueSearch, job.ID, opts); err != nil {
		_, _ = s.repos.Job.MarkFailed(ctx, job.ID, "failed to enqueue")
		return nil, nil, err
	}

	s.webhooks.DispatchJobEvent(ctx, models.WebhookEventSearchCreated, job, nil)
	s.webhooks.DispatchJobEvent(ctx, models.WebhookEventSearchStarted, job, nil)

	finished, err := s.queues.WaitForCompletion(ctx, job.ID, s.cfg.RequestTimeout)
	if err != nil {
		if errors.Is(err, queue.ErrWaitTimeout) || errors.Is(err, context.DeadlineExceeded) {
			if finished != nil {
				_ = s.queues.CancelJob(ctx, finished.ID)
				_, _ = s.repos.Job.MarkFailed(ctx, finished.ID, "request timed out")
				s.webhooks.DispatchJobEvent(ctx, models.WebhookEventSearchCancelled, finished, nil)
			}
			return nil, nil, ErrRequestTimeout
		}
		return nil, nil, err
	}

	if finished.Status != models.JobStatusCompleted {
		s.webhooks.DispatchJobEvent(ctx, models.WebhookEventSearchCancelled, finished, nil)
		return finished, nil, fmt.Errorf("search failed: %s", finished.ErrorMessage)
	}

	var blob searchResultBlob
	if err := json.Unmarshal([]byte(finished.ResultJSON), &blob); err != nil {
		return finished, nil, fmt.Errorf("failed to decode search result: %w", err)
	}

	s.webhooks.DispatchJobEvent(ctx, models.WebhookEventSearchCompleted, finished, map[string]any{
		"result_count": len(blob.Results),
	})

	details := s.estimator.SearchDetails(opts, blob.PagesFetched, blob.ResultsScraped)
	if _, err := s.billing.ChargeToUsed(ctx, finished.ID, details.Total, reasonRequestFinalize, "", details); err != nil {
		s.logger.Error("failed to finalize search charge", "job_id", finished.ID, "error", err)
	}

	job, err = s.repos.Job.GetByID(ctx, finished.ID)
	if err != nil {
		return finished, blob.Results, nil
	}
	return job, blob.Results, nil
}

// Execute performs the engine fetches for a queued search job. Pages run
// sequentially or concurrently per the request flag; results are reordered
// by page number before delivery either way.
func (s *SearchService) Execute(ctx context.Context, job *models.Job) error {
	var opts models.SearchOptions
	if err := json.Unmarshal([]byte(job.PayloadJSON), &opts); err != nil {
		_, _ = s.repos.Job.MarkFailed(ctx, job.ID, "invalid job payload")
		return fmt.Errorf("failed to decode search payload: %w", err)
	}

	started, err := s.repos.Job.MarkRunning(ctx, job.ID)
	if err != nil {
		return err
	}
	if !started {
		s.logger.Info("skipping search for non-pending job", "job_id", job.ID)
		return nil
	}

	pages := opts.EffectivePages(s.cfg.SearchDefaultPages)
	results, pagesFetched, fetchErr := s.fetchPages(ctx, &opts, pages)
	if fetchErr != nil && pagesFetched == 0 {
		_, _ = s.repos.Job.MarkFailed(ctx, job.ID, fetchErr.Error())
		return &engine.DispatchError{JobID: job.ID, Committed: true, Err: fetchErr}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Page < results[j].Page })
	if limit := opts.EffectiveLimit(); len(results) > limit {
		results = results[:limit]
	}

	items := make([]SearchResultItem, len(results))
	for i, r := range results {
		items[i] = SearchResultItem{SearchResult: r}
	}

	resultsScraped := 0
	if opts.ScrapeOptions != nil {
		for i := range items {
			pageOpts := *opts.ScrapeOptions
			pageOpts.URL = items[i].URL
			page, err := s.scraper.Scrape(ctx, &pageOpts)
			if err != nil {
				s.logger.Warn("failed to scrape search result", "job_id", job.ID, "url", items[i].URL, "error", err)
				continue
			}
			items[i].Content = page
			items[i].Description = firstNonEmpty(items[i].Description, page.Description)
			resultsScraped++
		}
	}

	blob, err := json.Marshal(searchResultBlob{
		Results:        items,
		PagesFetched:   pagesFetched,
		ResultsScraped: resultsScraped,
	})
	if err != nil {
		_, _ = s.repos.Job.MarkFailed(ctx, job.ID, "failed to encode result")
		return fmt.Errorf("failed to encode search result: %w", err)
	}

	ok, err := s.repos.Job.MarkCompleted(ctx, job.ID, string(blob))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return s.repos.Job.AddProgress(ctx, job.ID, pagesFetched, pages-pagesFetched)
}

// fetchPages runs the per-page engine calls. Partial failures are tolerated:
// the search succeeds with whatever pages came back.
func (s *SearchService) fetchPages(ctx context.Context, opts *models.SearchOptions, pages int) ([]engine.SearchResult, int, error) {
	if !opts.Concurrent || pages == 1 {
		var all []engine.SearchResult
		fetched := 0
		var lastErr error
		for page := 1; page <= pages; page++ {
			results, err := s.provider.Search(ctx, opts.Query, page, opts)
			if err != nil {
				lastErr = err
				s.logger.Warn("search page fetch failed", "query", opts.Query, "page", page, "error", err)
				continue
			}
			all = append(all, results...)
			fetched++
		}
		return all, fetched, lastErr
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	var all []engine.SearchResult
	fetched := 0
	var lastErr error

	for page := 1; page <= pages; page++ {
		wg.Add(1)
		go func(page int) {
			defer wg.Done()
			results, err := s.provider.Search(ctx, opts.Query, page, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				s.logger.Warn("search page fetch failed", "query", opts.Query, "page", page, "error", err)
				return
			}
			all = append(all, results...)
			fetched++
		}(page)
	}
	wg.Wait()
	return all, fetched, lastErr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
