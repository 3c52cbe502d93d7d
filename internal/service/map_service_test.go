package service

import (
	"context"
	"errors"
	"testing"

	"github.com/anycrawl/anycrawl-api/internal/engine"
	"github.com/anycrawl/anycrawl-api/internal/models"
)

func newMapService(env *testEnv, provider engine.SearchProvider) *MapService {
	sitemaps := NewSitemapService(testLogger())
	return NewMapService(env.repos, env.billing, env.est, env.cache, env.webhooks, sitemaps, provider, env.cfg, testLogger())
}

func siteProvider() *fakeSearchProvider {
	return &fakeSearchProvider{pages: map[int][]engine.SearchResult{
		1: {
			{Title: "Home", URL: "https://site.test/", Page: 1},
			{Title: "Docs", URL: "https://site.test/docs", Page: 1},
			{Title: "Blog", URL: "https://blog.site.test/post", Page: 1},
			{Title: "Other", URL: "https://unrelated.test/", Page: 1},
		},
	}}
}

func TestMapService_Map(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := insertTestKey(t, env.db, "key_1", 10)

	svc := newMapService(env, siteProvider())
	job, urls, err := svc.Map(ctx, key, &models.MapOptions{
		URL:           "https://site.test/",
		IgnoreSitemap: true,
	})
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}

	if job.Status != models.JobStatusCompleted {
		t.Errorf("status = %q, want completed", job.Status)
	}
	if job.Kind != models.JobTypeMap {
		t.Errorf("kind = %q, want map", job.Kind)
	}

	// Subdomains and foreign hosts are filtered out by default.
	if len(urls) != 2 {
		t.Fatalf("urls = %v, want the two site.test pages", urls)
	}
	for _, u := range urls {
		if u == "https://blog.site.test/post" || u == "https://unrelated.test/" {
			t.Errorf("filtered URL leaked: %s", u)
		}
	}

	// Maps bill a flat base fee.
	if job.CreditsUsed != 1 {
		t.Errorf("credits_used = %v, want 1", job.CreditsUsed)
	}
	if got := keyCredits(t, env.db, "key_1"); got != 9 {
		t.Errorf("key balance = %v, want 9", got)
	}

	entries, _ := env.repos.Ledger.GetByJobID(ctx, job.ID)
	if len(entries) != 1 || entries[0].Reason != reasonRequestFinalize {
		t.Fatalf("ledger entries = %+v, want one finalize charge", entries)
	}
}

func TestMapService_IncludeSubdomains(t *testing.T) {
	env := newTestEnv(t)
	key := insertTestKey(t, env.db, "key_1", 10)

	svc := newMapService(env, siteProvider())
	_, urls, err := svc.Map(context.Background(), key, &models.MapOptions{
		URL:               "https://site.test/",
		IgnoreSitemap:     true,
		IncludeSubdomains: true,
	})
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}

	found := false
	for _, u := range urls {
		if u == "https://blog.site.test/post" {
			found = true
		}
		if u == "https://unrelated.test/" {
			t.Errorf("foreign host leaked: %s", u)
		}
	}
	if !found {
		t.Errorf("urls = %v, want blog.site.test included", urls)
	}
}

func TestMapService_SearchFilter(t *testing.T) {
	env := newTestEnv(t)
	key := insertTestKey(t, env.db, "key_1", 10)

	svc := newMapService(env, siteProvider())
	_, urls, err := svc.Map(context.Background(), key, &models.MapOptions{
		URL:           "https://site.test/",
		IgnoreSitemap: true,
		Search:        "docs",
	})
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	if len(urls) != 1 || urls[0] != "https://site.test/docs" {
		t.Errorf("urls = %v, want only the docs page", urls)
	}
}

func TestMapService_CacheHit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := insertTestKey(t, env.db, "key_1", 10)

	provider := siteProvider()
	svc := newMapService(env, provider)

	opts := &models.MapOptions{URL: "https://site.test/", IgnoreSitemap: true}
	if _, _, err := svc.Map(ctx, key, opts); err != nil {
		t.Fatalf("first Map() error = %v", err)
	}

	// Break the provider: the second call must come from the domain cache.
	provider.pages = nil
	provider.err = errors.New("backend gone")

	job, urls, err := svc.Map(ctx, key, opts)
	if err != nil {
		t.Fatalf("second Map() error = %v", err)
	}
	if job.CacheHits != 1 {
		t.Errorf("cache_hits = %d, want 1", job.CacheHits)
	}
	if len(urls) != 2 {
		t.Errorf("cached urls = %v, want 2", urls)
	}
	// Cached discovery still bills the flat fee.
	if job.CreditsUsed != 1 {
		t.Errorf("credits_used = %v, want 1", job.CreditsUsed)
	}
}

func TestMapService_NoURLsDiscovered(t *testing.T) {
	env := newTestEnv(t)
	key := insertTestKey(t, env.db, "key_1", 10)

	svc := newMapService(env, &fakeSearchProvider{})
	_, _, err := svc.Map(context.Background(), key, &models.MapOptions{
		URL:           "https://empty.test/",
		IgnoreSitemap: true,
	})
	if err == nil {
		t.Fatal("Map() expected error when discovery finds nothing")
	}
	if n := countJobs(t, env); n != 0 {
		t.Errorf("jobs = %d, want 0", n)
	}
}

func TestMapService_InvalidURL(t *testing.T) {
	env := newTestEnv(t)
	key := insertTestKey(t, env.db, "key_1", 10)

	svc := newMapService(env, siteProvider())
	if _, _, err := svc.Map(context.Background(), key, &models.MapOptions{URL: "not a url"}); err == nil {
		t.Fatal("Map() expected error for invalid URL")
	}
}
