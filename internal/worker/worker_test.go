package worker

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/anycrawl/anycrawl-api/internal/cache"
	"github.com/anycrawl/anycrawl-api/internal/config"
	"github.com/anycrawl/anycrawl-api/internal/database/migrations"
	"github.com/anycrawl/anycrawl-api/internal/engine"
	"github.com/anycrawl/anycrawl-api/internal/models"
	"github.com/anycrawl/anycrawl-api/internal/queue"
	"github.com/anycrawl/anycrawl-api/internal/repository"
	"github.com/anycrawl/anycrawl-api/internal/service"
	"github.com/anycrawl/anycrawl-api/internal/storage"
)

// failingScraper rejects every fetch without touching the network.
type failingScraper struct {
	err error
}

func (f *failingScraper) Scrape(_ context.Context, _ *models.ScrapeOptions) (*engine.Page, error) {
	return nil, f.err
}

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

// newTestWorker builds a worker whose scrape service uses the given scraper.
func newTestWorker(t *testing.T, scraper engine.Scraper) (*Worker, *repository.Repositories, *sql.DB) {
	t.Helper()

	db := setupTestDB(t)
	repos := repository.NewRepositories(db)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		CreditsEnabled:         true,
		ScrapeBaseCredits:      1,
		QueueVisibilityTimeout: time.Minute,
	}

	queues := queue.NewManager(repos.Queue, repos.Job, logger)
	cacheStore := cache.NewStore(storage.NewMemoryStore(), "cache/", time.Hour, false, logger)
	billing := service.NewBillingService(db, cfg.CreditsEnabled, logger)
	webhooks := service.NewWebhookService(repos, queues, nil, cfg, logger)
	scrape := service.NewScrapeService(repos, billing, service.NewEstimator(cfg), cacheStore, queues, webhooks, scraper, cfg, logger)

	services := &service.Services{
		Billing:  billing,
		Webhooks: webhooks,
		Scrape:   scrape,
		Queues:   queues,
		Cache:    cacheStore,
	}
	return New(repos, services, cfg, logger), repos, db
}

func insertPendingJob(t *testing.T, db *sql.DB, id, queueName, payloadJSON string) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO jobs (id, kind, queue, url, status, payload_json, created_at, updated_at)
		VALUES (?, 'scrape', ?, 'https://example.com', 'pending', ?, datetime('now'), datetime('now'))`,
		id, queueName, payloadJSON)
	if err != nil {
		t.Fatalf("failed to insert test job: %v", err)
	}
}

func leaseMessage(t *testing.T, repos *repository.Repositories, queueName string) *models.QueueMessage {
	t.Helper()
	msg, err := repos.Queue.Lease(context.Background(), queueName, time.Minute)
	if err != nil {
		t.Fatalf("Lease() error = %v", err)
	}
	if msg == nil {
		t.Fatal("Lease() returned no message")
	}
	return msg
}

// An engine failure after the job was picked up marks the job failed and
// consumes the queue message; redelivering it would re-run a job that is
// already finalized.
func TestWorker_EngineFailureConsumesMessage(t *testing.T) {
	w, repos, db := newTestWorker(t, &failingScraper{err: errors.New("connection refused")})
	ctx := context.Background()
	queueName := models.ScrapeQueue(models.DefaultEngine)

	insertPendingJob(t, db, "job_1", queueName, `{"url":"https://example.com"}`)
	queues := queue.NewManager(repos.Queue, repos.Job, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := queues.Enqueue(ctx, queueName, "job_1", map[string]any{"url": "https://example.com"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	msg := leaseMessage(t, repos, queueName)
	w.handle(ctx, 0, msg)

	job, err := repos.Job.GetByID(ctx, "job_1")
	if err != nil || job == nil {
		t.Fatalf("GetByID() job = %v, error = %v", job, err)
	}
	if job.Status != models.JobStatusFailed {
		t.Errorf("job status = %q, want failed", job.Status)
	}

	got, err := repos.Queue.GetByID(ctx, msg.ID)
	if err != nil || got == nil {
		t.Fatalf("GetByID() message = %v, error = %v", got, err)
	}
	if got.Status != models.QueueMessageStatusCompleted {
		t.Errorf("message status = %q, want completed", got.Status)
	}
}

// A failure before any engine work began leaves the message failed, not
// completed, so the operator can see it in the dead queue.
func TestWorker_UncommittedFailureFailsMessage(t *testing.T) {
	w, repos, db := newTestWorker(t, &failingScraper{err: errors.New("unused")})
	ctx := context.Background()
	queueName := models.ScrapeQueue(models.DefaultEngine)

	insertPendingJob(t, db, "job_1", queueName, `not json`)
	queues := queue.NewManager(repos.Queue, repos.Job, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := queues.Enqueue(ctx, queueName, "job_1", map[string]any{}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	msg := leaseMessage(t, repos, queueName)
	w.handle(ctx, 0, msg)

	got, err := repos.Queue.GetByID(ctx, msg.ID)
	if err != nil || got == nil {
		t.Fatalf("GetByID() message = %v, error = %v", got, err)
	}
	if got.Status != models.QueueMessageStatusFailed {
		t.Errorf("message status = %q, want failed", got.Status)
	}
}
