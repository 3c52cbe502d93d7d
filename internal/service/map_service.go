package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anycrawl/anycrawl-api/internal/cache"
	"github.com/anycrawl/anycrawl-api/internal/config"
	"github.com/anycrawl/anycrawl-api/internal/engine"
	"github.com/anycrawl/anycrawl-api/internal/models"
	"github.com/anycrawl/anycrawl-api/internal/repository"
)

const defaultMapLimit = 1000

// MapService orchestrates site-map discovery. Maps run synchronously in the
// API process: sitemap parsing plus search-engine site: discovery, unioned,
// cached per domain, billed flat.
type MapService struct {
	repos     *repository.Repositories
	billing   *BillingService
	estimator *Estimator
	cache     *cache.Store
	webhooks  *WebhookService
	sitemaps  *SitemapService
	provider  engine.SearchProvider
	cfg       *config.Config
	logger    *slog.Logger
}

// NewMapService creates a map orchestrator.
func NewMapService(repos *repository.Repositories, billing *BillingService, estimator *Estimator, cacheStore *cache.Store, webhooks *WebhookService, sitemaps *SitemapService, provider engine.SearchProvider, cfg *config.Config, logger *slog.Logger) *MapService {
	return &MapService{
		repos:     repos,
		billing:   billing,
		estimator: estimator,
		cache:     cacheStore,
		webhooks:  webhooks,
		sitemaps:  sitemaps,
		provider:  provider,
		cfg:       cfg,
		logger:    logger.With("component", "map"),
	}
}

// Map discovers the URLs of a site and returns them with the finished job.
func (s *MapService) Map(ctx context.Context, apiKey *models.APIKey, opts *models.MapOptions) (*models.Job, []string, error) {
	details := s.estimator.MapDetails(opts)
	if s.cfg.CreditsEnabled && apiKey != nil && details.Total > apiKey.Credits {
		return nil, nil, fmt.Errorf("%w: estimated %v, available %v", ErrInsufficientCredits, details.Total, apiKey.Credits)
	}

	base, err := url.Parse(opts.URL)
	if err != nil || base.Host == "" {
		return nil, nil, fmt.Errorf("invalid map URL %q", opts.URL)
	}

	cacheHit := false
	var urls []string
	if entry, err := s.cache.LookupMap(ctx, opts.URL, opts.MaxAge); err != nil {
		s.logger.Warn("map cache lookup failed, treating as miss", "url", opts.URL, "error", err)
	} else if entry != nil {
		cacheHit = true
		urls = entry.URLs
	}

	if !cacheHit {
		urls, err = s.discover(ctx, base, opts)
		if err != nil {
			return nil, nil, err
		}
	}

	filtered := s.filter(urls, base, opts)

	now := time.Now().UTC()
	job := &models.Job{
		ID:         uuid.NewString(),
		Kind:       models.JobTypeMap,
		Queue:      models.QueueSearch,
		URL:        opts.URL,
		Status:     models.JobStatusCompleted,
		Total:      len(filtered),
		Completed:  len(filtered),
		StartedAt:  &now,
		FinishedAt: &now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if apiKey != nil {
		job.APIKeyID = apiKey.ID
	}
	if err := s.repos.Job.Create(ctx, job); err != nil {
		return nil, nil, err
	}
	if cacheHit {
		if err := s.repos.Job.IncrementCacheHits(ctx, job.ID); err != nil {
			s.logger.Warn("failed to record cache hit", "job_id", job.ID, "error", err)
		}
	}

	s.webhooks.DispatchJobEvent(ctx, models.JobEvent(models.JobTypeMap, "created"), job, nil)
	s.webhooks.DispatchJobEvent(ctx, models.JobEvent(models.JobTypeMap, "completed"), job, map[string]any{
		"url_count": len(filtered),
	})

	if _, err := s.billing.ChargeToUsed(ctx, job.ID, details.Total, reasonRequestFinalize, "", details); err != nil {
		s.logger.Error("failed to finalize map charge", "job_id", job.ID, "error", err)
	}

	finished, err := s.repos.Job.GetByID(ctx, job.ID)
	if err != nil {
		return job, filtered, nil
	}
	return finished, filtered, nil
}

// discover unions sitemap URLs with search-engine site: discovery and
// caches the combined set under the domain key.
func (s *MapService) discover(ctx context.Context, base *url.URL, opts *models.MapOptions) ([]string, error) {
	var sitemapURLs, searchURLs []string

	if !opts.IgnoreSitemap {
		if urls, ok := s.sitemaps.TryDiscover(ctx, opts.URL); ok {
			sitemapURLs = urls
		}
	}

	// site: discovery always runs so maps see pages the sitemap omits.
	query := "site:" + base.Host
	if opts.Search != "" {
		query += " " + opts.Search
	}
	if results, err := s.provider.Search(ctx, query, 1, nil); err != nil {
		s.logger.Warn("site: search discovery failed", "host", base.Host, "error", err)
	} else {
		for _, r := range results {
			searchURLs = append(searchURLs, r.URL)
		}
	}

	seen := map[string]bool{}
	var combined []string
	for _, u := range append(sitemapURLs, searchURLs...) {
		normalized, err := cache.NormalizeURL(u)
		if err != nil || seen[normalized] {
			continue
		}
		seen[normalized] = true
		combined = append(combined, u)
	}
	if len(combined) == 0 {
		return nil, fmt.Errorf("no URLs discovered for %s", base.Host)
	}

	source := cache.SourceCombined
	switch {
	case len(searchURLs) == 0:
		source = cache.SourceSitemap
	case len(sitemapURLs) == 0:
		source = cache.SourceSearch
	}
	s.cache.StoreMap(ctx, opts.URL, &cache.MapEntry{URLs: combined, Source: source})

	s.logger.Info("map discovery finished",
		"host", base.Host, "sitemap_urls", len(sitemapURLs),
		"search_urls", len(searchURLs), "combined", len(combined))
	return combined, nil
}

// filter applies the subdomain policy, the optional search substring, and
// the result limit to a discovered URL set.
func (s *MapService) filter(urls []string, base *url.URL, opts *models.MapOptions) []string {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultMapLimit
	}

	baseHost := strings.ToLower(base.Host)
	var out []string
	for _, u := range urls {
		parsed, err := url.Parse(u)
		if err != nil {
			continue
		}
		host := strings.ToLower(parsed.Host)
		if host != baseHost {
			if !opts.IncludeSubdomains || !strings.HasSuffix(host, "."+trimWWW(baseHost)) {
				continue
			}
		}
		if opts.Search != "" && !strings.Contains(strings.ToLower(u), strings.ToLower(opts.Search)) {
			continue
		}
		out = append(out, u)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func trimWWW(host string) string {
	return strings.TrimPrefix(host, "www.")
}
