package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/anycrawl/anycrawl-api/internal/engine"
	"github.com/anycrawl/anycrawl-api/internal/models"
)

// fakeScraper serves canned pages without touching the network.
type fakeScraper struct {
	mu    sync.Mutex
	calls int
	pages map[string]*engine.Page
	err   error
}

func (f *fakeScraper) Scrape(_ context.Context, opts *models.ScrapeOptions) (*engine.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if page, ok := f.pages[opts.URL]; ok {
		return page, nil
	}
	return &engine.Page{
		URL:        opts.URL,
		Title:      "Example",
		Markdown:   "# Example",
		StatusCode: 200,
	}, nil
}

func (f *fakeScraper) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeSearchProvider serves canned results per page number.
type fakeSearchProvider struct {
	pages map[int][]engine.SearchResult
	err   error
}

func (f *fakeSearchProvider) Search(_ context.Context, _ string, page int, _ *models.SearchOptions) ([]engine.SearchResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.pages[page], nil
}

func newScrapeService(env *testEnv, scraper engine.Scraper) *ScrapeService {
	return NewScrapeService(env.repos, env.billing, env.est, env.cache, env.queues, env.webhooks, scraper, env.cfg, testLogger())
}

func countJobs(t *testing.T, env *testEnv) int {
	t.Helper()
	var n int
	if err := env.db.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&n); err != nil {
		t.Fatalf("failed to count jobs: %v", err)
	}
	return n
}

func TestScrapeService_Scrape(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := insertTestKey(t, env.db, "key_1", 10)

	scraper := &fakeScraper{}
	svc := newScrapeService(env, scraper)
	startQueuePump(t, env, models.ScrapeQueue(models.DefaultEngine), svc.Execute)

	job, err := svc.Scrape(ctx, key, &models.ScrapeOptions{URL: "https://example.com/page"})
	if err != nil {
		t.Fatalf("Scrape() error = %v", err)
	}

	if job.Status != models.JobStatusCompleted {
		t.Errorf("status = %q, want completed", job.Status)
	}
	if job.ResultJSON == "" {
		t.Error("result payload missing")
	}
	if job.CreditsUsed != 1 {
		t.Errorf("credits_used = %v, want 1", job.CreditsUsed)
	}
	if job.Completed != 1 {
		t.Errorf("completed = %d, want 1", job.Completed)
	}

	entries, _ := env.repos.Ledger.GetByJobID(ctx, job.ID)
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	if entries[0].Reason != reasonRequestFinalize {
		t.Errorf("reason = %q, want %q", entries[0].Reason, reasonRequestFinalize)
	}
	if entries[0].Mode != models.ChargeModeTarget {
		t.Errorf("mode = %q, want target", entries[0].Mode)
	}

	if got := keyCredits(t, env.db, "key_1"); got != 9 {
		t.Errorf("key balance = %v, want 9", got)
	}
}

func TestScrapeService_InsufficientCredits(t *testing.T) {
	env := newTestEnv(t)
	key := insertTestKey(t, env.db, "key_1", 0.5)
	svc := newScrapeService(env, &fakeScraper{})

	_, err := svc.Scrape(context.Background(), key, &models.ScrapeOptions{
		URL:   "https://example.com",
		Proxy: models.ProxyStealth,
	})
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("error = %v, want ErrInsufficientCredits", err)
	}

	// Rejected before dispatch: no job, no ledger movement.
	if n := countJobs(t, env); n != 0 {
		t.Errorf("jobs = %d, want 0", n)
	}
	if got := keyCredits(t, env.db, "key_1"); got != 0.5 {
		t.Errorf("key balance = %v, want untouched 0.5", got)
	}
}

func TestScrapeService_CacheHit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := insertTestKey(t, env.db, "key_1", 10)

	scraper := &fakeScraper{}
	svc := newScrapeService(env, scraper)
	startQueuePump(t, env, models.ScrapeQueue(models.DefaultEngine), svc.Execute)

	opts := &models.ScrapeOptions{URL: "https://example.com/cached"}
	first, err := svc.Scrape(ctx, key, opts)
	if err != nil {
		t.Fatalf("first Scrape() error = %v", err)
	}

	second, err := svc.Scrape(ctx, key, opts)
	if err != nil {
		t.Fatalf("second Scrape() error = %v", err)
	}

	if scraper.callCount() != 1 {
		t.Errorf("engine calls = %d, want 1 (second request served from cache)", scraper.callCount())
	}
	if second.CacheHits != 1 {
		t.Errorf("cache_hits = %d, want 1", second.CacheHits)
	}
	if second.ID == first.ID {
		t.Error("cache hit reused the first job row")
	}

	// The cached response bills exactly like a fresh scrape.
	if second.CreditsUsed != 1 {
		t.Errorf("cached credits_used = %v, want 1", second.CreditsUsed)
	}
	if second.ResultJSON != first.ResultJSON {
		t.Error("cached result differs from original")
	}
	if got := keyCredits(t, env.db, "key_1"); got != 8 {
		t.Errorf("key balance = %v, want 8", got)
	}
}

func TestScrapeService_EngineFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := insertTestKey(t, env.db, "key_1", 10)

	svc := newScrapeService(env, &fakeScraper{err: errors.New("connection refused")})
	startQueuePump(t, env, models.ScrapeQueue(models.DefaultEngine), svc.Execute)

	_, err := svc.Scrape(ctx, key, &models.ScrapeOptions{URL: "https://example.com"})
	if err == nil {
		t.Fatal("Scrape() expected error for engine failure")
	}

	// A failed request charges nothing.
	if got := keyCredits(t, env.db, "key_1"); got != 10 {
		t.Errorf("key balance = %v, want untouched 10", got)
	}
}

func TestScrapeService_Timeout(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.RequestTimeout = 200 * time.Millisecond
	ctx := context.Background()
	key := insertTestKey(t, env.db, "key_1", 10)

	// No pump: the queued job never runs and the wait budget expires.
	svc := newScrapeService(env, &fakeScraper{})

	_, err := svc.Scrape(ctx, key, &models.ScrapeOptions{URL: "https://example.com"})
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("error = %v, want ErrRequestTimeout", err)
	}

	if got := keyCredits(t, env.db, "key_1"); got != 10 {
		t.Errorf("key balance = %v, want untouched 10", got)
	}
}

func TestScrapeService_GetJobOwnership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	insertTestKey(t, env.db, "key_1", 10)
	other := insertTestKey(t, env.db, "key_2", 10)
	insertTestJob(t, env.db, "job_1", "key_1", "completed")

	svc := newScrapeService(env, &fakeScraper{})

	if _, err := svc.GetJob(ctx, other, "job_1"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("cross-tenant GetJob() error = %v, want ErrJobNotFound", err)
	}
	if _, err := svc.GetJob(ctx, other, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("missing GetJob() error = %v, want ErrJobNotFound", err)
	}
}
