package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/anycrawl/anycrawl-api/internal/models"
	"github.com/anycrawl/anycrawl-api/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewStore(storage.NewMemoryStore(), "cache/", 24*time.Hour, true, logger)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestStore_PageRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	opts := &models.ScrapeOptions{URL: "https://example.com/article"}
	store.StorePage(ctx, opts, json.RawMessage(`{"title":"Example"}`))

	entry, err := store.LookupPage(ctx, opts)
	if err != nil {
		t.Fatalf("LookupPage() error = %v", err)
	}
	if entry == nil {
		t.Fatal("LookupPage() missed after StorePage()")
	}
	if entry.URL != opts.URL {
		t.Errorf("URL = %s, want %s", entry.URL, opts.URL)
	}
	if string(entry.Data) != `{"title":"Example"}` {
		t.Errorf("Data = %s", entry.Data)
	}
}

func TestStore_EquivalentURLsShareEntries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.StorePage(ctx,
		&models.ScrapeOptions{URL: "https://Example.com/page/?utm_source=feed"},
		json.RawMessage(`{"ok":true}`))

	entry, err := store.LookupPage(ctx, &models.ScrapeOptions{URL: "https://example.com/page"})
	if err != nil {
		t.Fatalf("LookupPage() error = %v", err)
	}
	if entry == nil {
		t.Error("normalized-equal URL missed the cache")
	}
}

func TestStore_DifferentOptionsMiss(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.StorePage(ctx,
		&models.ScrapeOptions{URL: "https://example.com/page"},
		json.RawMessage(`{"ok":true}`))

	entry, err := store.LookupPage(ctx, &models.ScrapeOptions{
		URL:   "https://example.com/page",
		Proxy: models.ProxyStealth,
	})
	if err != nil {
		t.Fatalf("LookupPage() error = %v", err)
	}
	if entry != nil {
		t.Error("different options hit the same cache entry")
	}
}

func TestStore_MaxAgeZeroForcesMiss(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	opts := &models.ScrapeOptions{URL: "https://example.com/page"}
	store.StorePage(ctx, opts, json.RawMessage(`{"ok":true}`))

	zero := 0
	entry, err := store.LookupPage(ctx, &models.ScrapeOptions{URL: opts.URL, MaxAge: &zero})
	if err != nil {
		t.Fatalf("LookupPage() error = %v", err)
	}
	if entry != nil {
		t.Error("max_age=0 should force a miss")
	}
}

func TestStore_BypassRules(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := &models.ScrapeOptions{URL: "https://example.com/page"}
	store.StorePage(ctx, base, json.RawMessage(`{"ok":true}`))

	bypassing := []*models.ScrapeOptions{
		{URL: base.URL, Template: "products-v2"},
		{URL: base.URL, Headers: map[string]string{"Cookie": "session=abc"}},
		{URL: base.URL, Actions: []json.RawMessage{json.RawMessage(`{"type":"click"}`)}},
	}
	for _, opts := range bypassing {
		entry, err := store.LookupPage(ctx, opts)
		if err != nil {
			t.Fatalf("LookupPage() error = %v", err)
		}
		if entry != nil {
			t.Errorf("request with template/headers/actions hit the cache: %+v", opts)
		}
	}
}

func TestStore_NewestEntryWins(t *testing.T) {
	objects := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	store := NewStore(objects, "cache/", 24*time.Hour, true, logger)
	ctx := context.Background()

	opts := &models.ScrapeOptions{URL: "https://example.com/page"}
	urlHash, _ := URLHash(opts.URL)
	prefix := "cache/" + urlHash + "/" + OptionsHash(opts) + "/"

	old := PageEntry{URL: opts.URL, Data: json.RawMessage(`{"v":1}`), CachedAt: time.Now().Add(-time.Hour)}
	oldData, _ := json.Marshal(old)
	if err := objects.Put(ctx, prefix+store.timestampName(old.CachedAt), oldData, "application/json"); err != nil {
		t.Fatal(err)
	}

	newer := PageEntry{URL: opts.URL, Data: json.RawMessage(`{"v":2}`), CachedAt: time.Now()}
	newData, _ := json.Marshal(newer)
	if err := objects.Put(ctx, prefix+store.timestampName(newer.CachedAt), newData, "application/json"); err != nil {
		t.Fatal(err)
	}

	entry, err := store.LookupPage(ctx, opts)
	if err != nil {
		t.Fatalf("LookupPage() error = %v", err)
	}
	if entry == nil {
		t.Fatal("LookupPage() missed")
	}
	if string(entry.Data) != `{"v":2}` {
		t.Errorf("Data = %s, want the newest version", entry.Data)
	}
}

func TestStore_StaleEntryMisses(t *testing.T) {
	objects := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	store := NewStore(objects, "cache/", 24*time.Hour, true, logger)
	ctx := context.Background()

	opts := &models.ScrapeOptions{URL: "https://example.com/page"}
	urlHash, _ := URLHash(opts.URL)
	prefix := "cache/" + urlHash + "/" + OptionsHash(opts) + "/"

	stale := PageEntry{URL: opts.URL, Data: json.RawMessage(`{"v":1}`), CachedAt: time.Now().Add(-48 * time.Hour)}
	data, _ := json.Marshal(stale)
	if err := objects.Put(ctx, prefix+store.timestampName(stale.CachedAt), data, "application/json"); err != nil {
		t.Fatal(err)
	}

	entry, err := store.LookupPage(ctx, opts)
	if err != nil {
		t.Fatalf("LookupPage() error = %v", err)
	}
	if entry != nil {
		t.Error("stale entry should miss under the default TTL")
	}

	// A wider explicit max_age accepts it.
	wide := int((72 * time.Hour).Seconds())
	entry, err = store.LookupPage(ctx, &models.ScrapeOptions{URL: opts.URL, MaxAge: &wide})
	if err != nil {
		t.Fatalf("LookupPage() error = %v", err)
	}
	if entry == nil {
		t.Error("entry within explicit max_age should hit")
	}
}

func TestStore_MapRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.StoreMap(ctx, "https://example.com", &MapEntry{
		URLs:   []string{"https://example.com/", "https://example.com/about"},
		Source: SourceSitemap,
	})

	entry, err := store.LookupMap(ctx, "https://example.com/deep/path", nil)
	if err != nil {
		t.Fatalf("LookupMap() error = %v", err)
	}
	if entry == nil {
		t.Fatal("LookupMap() missed; map cache is keyed by domain")
	}
	if entry.URLCount != 2 {
		t.Errorf("URLCount = %d, want 2", entry.URLCount)
	}
	if entry.Source != SourceSitemap {
		t.Errorf("Source = %s, want sitemap", entry.Source)
	}
}
