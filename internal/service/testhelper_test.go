package service

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/anycrawl/anycrawl-api/internal/cache"
	"github.com/anycrawl/anycrawl-api/internal/config"
	"github.com/anycrawl/anycrawl-api/internal/database/migrations"
	"github.com/anycrawl/anycrawl-api/internal/models"
	"github.com/anycrawl/anycrawl-api/internal/queue"
	"github.com/anycrawl/anycrawl-api/internal/repository"
	"github.com/anycrawl/anycrawl-api/internal/storage"
)

// setupTestDB creates an in-memory SQLite database with migrations applied.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("libsql", ":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	// Every pooled connection gets its own in-memory database, so the pool
	// must stay on the single connection the migrations ran against.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("failed to enable foreign keys: %v", err)
	}

	if err := migrations.Run(db, nil); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

// testLogger discards all output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a config with the default credit weights and timings
// short enough for tests.
func testConfig() *config.Config {
	return &config.Config{
		AuthEnabled:     true,
		CreditsEnabled:  true,
		WebhooksEnabled: true,

		CacheEnabled:       true,
		CachePrefix:        "cache/",
		CacheDefaultMaxAge: time.Hour,

		ScrapeBaseCredits:   1,
		ProxyBaseCredits:    1,
		ProxyStealthCredits: 2,
		JSONExtractCredits:  2,
		SummaryCredits:      1,
		MapCredits:          1,
		SearchPageCredits:   1,
		TemplateCredits:     2,

		SearchDefaultPages: 1,

		RequestTimeout:         5 * time.Second,
		QueueVisibilityTimeout: time.Minute,

		WebhookTimeout:           5 * time.Second,
		WebhookMaxRetries:        3,
		WebhookInitialRetryDelay: time.Millisecond,
		WebhookBackoffMultiplier: 2,
	}
}

// insertTestKey inserts an API key row directly and returns the model.
func insertTestKey(t *testing.T, db *sql.DB, id string, credits float64) *models.APIKey {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO api_keys (id, name, key_hash, key_prefix, credits, is_active, created_at)
		VALUES (?, 'Test Key', ?, 'ac_test_', ?, 1, datetime('now'))`,
		id, "hash_"+id, credits)
	if err != nil {
		t.Fatalf("failed to insert test API key: %v", err)
	}
	return &models.APIKey{ID: id, Name: "Test Key", Credits: credits, IsActive: true}
}

// insertTestJob inserts a job row directly.
func insertTestJob(t *testing.T, db *sql.DB, id, apiKeyID, status string) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO jobs (id, api_key_id, kind, queue, url, status, created_at, updated_at)
		VALUES (?, ?, 'scrape', 'scrape-cheerio', 'https://example.com', ?, datetime('now'), datetime('now'))`,
		id, apiKeyID, status)
	if err != nil {
		t.Fatalf("failed to insert test job: %v", err)
	}
}

// keyCredits reads the current balance of an API key.
func keyCredits(t *testing.T, db *sql.DB, id string) float64 {
	t.Helper()
	var credits float64
	if err := db.QueryRow(`SELECT credits FROM api_keys WHERE id = ?`, id).Scan(&credits); err != nil {
		t.Fatalf("failed to read api key credits: %v", err)
	}
	return credits
}

// testEnv bundles everything an orchestrator test needs.
type testEnv struct {
	db       *sql.DB
	repos    *repository.Repositories
	cfg      *config.Config
	billing  *BillingService
	est      *Estimator
	cache    *cache.Store
	queues   *queue.Manager
	webhooks *WebhookService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := setupTestDB(t)
	repos := repository.NewRepositories(db)
	cfg := testConfig()
	logger := testLogger()

	queues := queue.NewManager(repos.Queue, repos.Job, logger)
	cacheStore := cache.NewStore(storage.NewMemoryStore(), cfg.CachePrefix, cfg.CacheDefaultMaxAge, true, logger)

	return &testEnv{
		db:       db,
		repos:    repos,
		cfg:      cfg,
		billing:  NewBillingService(db, cfg.CreditsEnabled, logger),
		est:      NewEstimator(cfg),
		cache:    cacheStore,
		queues:   queues,
		webhooks: NewWebhookService(repos, queues, nil, cfg, logger),
	}
}

// startQueuePump drains one queue in the background, routing each leased
// message through run. It stands in for the worker in orchestrator tests.
func startQueuePump(t *testing.T, env *testEnv, queueName string, run func(ctx context.Context, job *models.Job) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			msg, err := env.repos.Queue.Lease(ctx, queueName, env.cfg.QueueVisibilityTimeout)
			if err != nil || msg == nil {
				continue
			}
			job, err := env.repos.Job.GetByID(ctx, msg.JobID)
			if err != nil || job == nil {
				_ = env.repos.Queue.Fail(ctx, msg.ID, "job not found")
				continue
			}
			if err := run(ctx, job); err != nil {
				_ = env.repos.Queue.Fail(ctx, msg.ID, err.Error())
				continue
			}
			_ = env.repos.Queue.Complete(ctx, msg.ID)
		}
	}()
}
