package service

import (
	"context"
	"errors"
	"testing"

	"github.com/anycrawl/anycrawl-api/internal/engine"
	"github.com/anycrawl/anycrawl-api/internal/models"
)

func newCrawlService(env *testEnv, scraper engine.Scraper) *CrawlService {
	return NewCrawlService(env.repos, env.billing, env.est, env.cache, env.queues, env.webhooks, scraper, env.cfg, testLogger())
}

// siteScraper builds a small three-page site: the root links to /a and /b
// plus one external URL that must not be followed.
func siteScraper() *fakeScraper {
	return &fakeScraper{pages: map[string]*engine.Page{
		"https://site.test/": {
			URL:        "https://site.test/",
			Title:      "Home",
			StatusCode: 200,
			Links: []string{
				"https://site.test/a",
				"https://site.test/b",
				"https://other.test/external",
			},
		},
		"https://site.test/a": {URL: "https://site.test/a", Title: "A", StatusCode: 200},
		"https://site.test/b": {URL: "https://site.test/b", Title: "B", StatusCode: 200},
	}}
}

func TestCrawlService_StartAndExecute(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := insertTestKey(t, env.db, "key_1", 10)

	svc := newCrawlService(env, siteScraper())

	job, err := svc.Start(ctx, key, &models.CrawlOptions{
		ScrapeOptions: models.ScrapeOptions{URL: "https://site.test/"},
		Limit:         5,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if job.Status != models.JobStatusPending {
		t.Errorf("status = %q, want pending", job.Status)
	}

	// The first page is charged up front.
	created, _ := env.repos.Job.GetByID(ctx, job.ID)
	if created.CreditsUsed != 1 {
		t.Errorf("initial credits_used = %v, want 1", created.CreditsUsed)
	}

	if err := svc.Execute(ctx, created); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	finished, _ := env.repos.Job.GetByID(ctx, job.ID)
	if finished.Status != models.JobStatusCompleted {
		t.Errorf("status = %q, want completed", finished.Status)
	}
	if finished.Completed != 3 {
		t.Errorf("completed = %d, want 3 (external link skipped)", finished.Completed)
	}

	// One delta entry per successful page: initial + two follow-ups.
	entries, _ := env.repos.Ledger.GetByJobID(ctx, job.ID)
	if len(entries) != 3 {
		t.Fatalf("ledger entries = %d, want 3", len(entries))
	}
	if finished.CreditsUsed != 3 {
		t.Errorf("credits_used = %v, want 3", finished.CreditsUsed)
	}
	reasons := map[string]int{}
	for _, e := range entries {
		reasons[e.Reason]++
	}
	if reasons[reasonCrawlInitial] != 1 || reasons[reasonCrawlPage] != 2 {
		t.Errorf("reasons = %v, want 1 initial + 2 page", reasons)
	}

	pages, _ := env.repos.CrawlPage.GetByJobID(ctx, job.ID)
	if len(pages) != 3 {
		t.Errorf("crawl pages = %d, want 3", len(pages))
	}
	if got := keyCredits(t, env.db, "key_1"); got != 7 {
		t.Errorf("key balance = %v, want 7", got)
	}
}

func TestCrawlService_LimitStopsWalk(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := insertTestKey(t, env.db, "key_1", 10)

	svc := newCrawlService(env, siteScraper())
	job, err := svc.Start(ctx, key, &models.CrawlOptions{
		ScrapeOptions: models.ScrapeOptions{URL: "https://site.test/"},
		Limit:         2,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	created, _ := env.repos.Job.GetByID(ctx, job.ID)
	if err := svc.Execute(ctx, created); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	finished, _ := env.repos.Job.GetByID(ctx, job.ID)
	if finished.Completed != 2 {
		t.Errorf("completed = %d, want 2", finished.Completed)
	}
	if finished.CreditsUsed != 2 {
		t.Errorf("credits_used = %v, want 2", finished.CreditsUsed)
	}
}

func TestCrawlService_FailedPageNotBilled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := insertTestKey(t, env.db, "key_1", 10)

	failing := &urlFailingScraper{inner: siteScraper(), failURL: "https://site.test/b"}

	svc := newCrawlService(env, failing)
	job, err := svc.Start(ctx, key, &models.CrawlOptions{
		ScrapeOptions: models.ScrapeOptions{URL: "https://site.test/"},
		Limit:         5,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	created, _ := env.repos.Job.GetByID(ctx, job.ID)
	if err := svc.Execute(ctx, created); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	finished, _ := env.repos.Job.GetByID(ctx, job.ID)
	if finished.Completed != 2 || finished.Failed != 1 {
		t.Errorf("completed/failed = %d/%d, want 2/1", finished.Completed, finished.Failed)
	}
	// Only successful pages bill.
	if finished.CreditsUsed != 2 {
		t.Errorf("credits_used = %v, want 2", finished.CreditsUsed)
	}

	pages, _ := env.repos.CrawlPage.GetByJobID(ctx, job.ID)
	failedPages := 0
	for _, p := range pages {
		if p.Status == models.CrawlPageStatusFailed {
			failedPages++
		}
	}
	if failedPages != 1 {
		t.Errorf("failed page rows = %d, want 1", failedPages)
	}
}

// urlFailingScraper fails one specific URL and delegates the rest.
type urlFailingScraper struct {
	inner   engine.Scraper
	failURL string
}

func (s *urlFailingScraper) Scrape(ctx context.Context, opts *models.ScrapeOptions) (*engine.Page, error) {
	if opts.URL == s.failURL {
		return nil, errors.New("fetch failed")
	}
	return s.inner.Scrape(ctx, opts)
}

func TestCrawlService_CancelBeforeExecute(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := insertTestKey(t, env.db, "key_1", 10)

	svc := newCrawlService(env, siteScraper())
	job, err := svc.Start(ctx, key, &models.CrawlOptions{
		ScrapeOptions: models.ScrapeOptions{URL: "https://site.test/"},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	cancelled, err := svc.Cancel(ctx, key, job.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if cancelled.Status != models.JobStatusCancelled {
		t.Errorf("status = %q, want cancelled", cancelled.Status)
	}

	// The worker picking the stale message up later must do nothing.
	if err := svc.Execute(ctx, cancelled); err != nil {
		t.Fatalf("Execute() after cancel error = %v", err)
	}
	pages, _ := env.repos.CrawlPage.GetByJobID(ctx, job.ID)
	if len(pages) != 0 {
		t.Errorf("cancelled crawl wrote %d pages, want 0", len(pages))
	}

	// Only the up-front first-page charge stands.
	final, _ := env.repos.Job.GetByID(ctx, job.ID)
	if final.CreditsUsed != 1 {
		t.Errorf("credits_used = %v, want 1", final.CreditsUsed)
	}
}

func TestCrawlService_GetResultsPagination(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := insertTestKey(t, env.db, "key_1", 10)

	svc := newCrawlService(env, siteScraper())
	job, err := svc.Start(ctx, key, &models.CrawlOptions{
		ScrapeOptions: models.ScrapeOptions{URL: "https://site.test/"},
		Limit:         5,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	created, _ := env.repos.Job.GetByID(ctx, job.ID)
	if err := svc.Execute(ctx, created); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	first, cursor, err := svc.GetResults(ctx, key, job.ID, "", 2)
	if err != nil {
		t.Fatalf("GetResults() error = %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("first page = %d results, want 2", len(first))
	}
	if cursor == "" {
		t.Fatal("cursor empty with more results pending")
	}

	second, next, err := svc.GetResults(ctx, key, job.ID, cursor, 2)
	if err != nil {
		t.Fatalf("GetResults() page 2 error = %v", err)
	}
	if len(second) != 1 {
		t.Errorf("second page = %d results, want 1", len(second))
	}
	if next != "" {
		t.Errorf("cursor = %q after final page, want empty", next)
	}
	if second[0].ID == first[0].ID || second[0].ID == first[1].ID {
		t.Error("pagination returned a duplicate row")
	}
}

func TestCrawlService_InsufficientCredits(t *testing.T) {
	env := newTestEnv(t)
	key := insertTestKey(t, env.db, "key_1", 3)

	svc := newCrawlService(env, siteScraper())
	_, err := svc.Start(context.Background(), key, &models.CrawlOptions{
		ScrapeOptions: models.ScrapeOptions{URL: "https://site.test/"},
		Limit:         5, // estimate 5 > 3 available
	})
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("error = %v, want ErrInsufficientCredits", err)
	}
	if n := countJobs(t, env); n != 0 {
		t.Errorf("jobs = %d, want 0", n)
	}
}
