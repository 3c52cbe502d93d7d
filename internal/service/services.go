package service

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/anycrawl/anycrawl-api/internal/cache"
	"github.com/anycrawl/anycrawl-api/internal/config"
	"github.com/anycrawl/anycrawl-api/internal/crypto"
	"github.com/anycrawl/anycrawl-api/internal/engine"
	"github.com/anycrawl/anycrawl-api/internal/queue"
	"github.com/anycrawl/anycrawl-api/internal/repository"
	"github.com/anycrawl/anycrawl-api/internal/storage"
)

// Services bundles every service for dependency injection.
type Services struct {
	APIKeys  *APIKeyService
	Billing  *BillingService
	Webhooks *WebhookService
	Scrape   *ScrapeService
	Crawl    *CrawlService
	Search   *SearchService
	Map      *MapService
	Queues   *queue.Manager
	Cache    *cache.Store
}

// New wires the full service graph: object storage, cache, queues, engines,
// billing, webhooks, and the four operation orchestrators.
func New(db *sql.DB, repos *repository.Repositories, cfg *config.Config, logger *slog.Logger) (*Services, error) {
	var objects storage.ObjectStore
	if cfg.StorageEnabled() {
		s3, err := storage.NewS3Store(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize object storage: %w", err)
		}
		objects = s3
	}
	cacheStore := cache.NewStore(objects, cfg.CachePrefix, cfg.CacheDefaultMaxAge, cfg.CacheEnabled && objects != nil, logger)

	var encryptor *crypto.Encryptor
	if len(cfg.EncryptionKey) > 0 {
		var err error
		encryptor, err = crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
		}
	}

	queues := queue.NewManager(repos.Queue, repos.Job, logger)
	billing := NewBillingService(db, cfg.CreditsEnabled, logger)
	estimator := NewEstimator(cfg)
	webhooks := NewWebhookService(repos, queues, encryptor, cfg, logger)
	sitemaps := NewSitemapService(logger)

	scraper := engine.NewCollyScraper(cfg, logger)
	provider := engine.NewHTTPSearchProvider(cfg, logger)

	return &Services{
		APIKeys:  NewAPIKeyService(repos, logger),
		Billing:  billing,
		Webhooks: webhooks,
		Scrape:   NewScrapeService(repos, billing, estimator, cacheStore, queues, webhooks, scraper, cfg, logger),
		Crawl:    NewCrawlService(repos, billing, estimator, cacheStore, queues, webhooks, scraper, cfg, logger),
		Search:   NewSearchService(repos, billing, estimator, queues, webhooks, provider, scraper, cfg, logger),
		Map:      NewMapService(repos, billing, estimator, cacheStore, webhooks, sitemaps, provider, cfg, logger),
		Queues:   queues,
		Cache:    cacheStore,
	}, nil
}
