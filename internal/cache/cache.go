package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anycrawl/anycrawl-api/internal/models"
	"github.com/anycrawl/anycrawl-api/internal/storage"
)

// Map entry sources.
const (
	SourceSitemap  = "sitemap"
	SourceSearch   = "search"
	SourceCrawl    = "crawl"
	SourceCombined = "combined"
)

// PageEntry is a cached single-page artifact.
type PageEntry struct {
	URL      string          `json:"url"`
	Data     json.RawMessage `json:"data"`
	CachedAt time.Time       `json:"cached_at"`
}

// MapEntry is a cached site-map discovery result.
type MapEntry struct {
	URLs         []string  `json:"urls"`
	URLCount     int       `json:"url_count"`
	Source       string    `json:"source"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Store reads and writes cached artifacts in the object store. Writes never
// evict older versions; reads pick the newest object within the TTL.
type Store struct {
	objects       storage.ObjectStore
	prefix        string
	defaultMaxAge time.Duration
	enabled       bool
	logger        *slog.Logger
}

// NewStore creates a cache store.
func NewStore(objects storage.ObjectStore, prefix string, defaultMaxAge time.Duration, enabled bool, logger *slog.Logger) *Store {
	return &Store{
		objects:       objects,
		prefix:        prefix,
		defaultMaxAge: defaultMaxAge,
		enabled:       enabled,
		logger:        logger.With("component", "cache"),
	}
}

// Enabled reports whether the cache is active at all.
func (s *Store) Enabled() bool {
	return s.enabled
}

// LookupPage returns the cached artifact for the request, or nil on miss.
// Requests with a template, custom headers, or actions bypass the cache;
// max_age==0 forces a miss; a missing max_age uses the server default.
func (s *Store) LookupPage(ctx context.Context, opts *models.ScrapeOptions) (*PageEntry, error) {
	if !s.enabled || s.objects == nil || opts.CacheBypassed() {
		return nil, nil
	}
	maxAge, ok := s.resolveMaxAge(opts.MaxAge)
	if !ok {
		return nil, nil
	}

	urlHash, err := URLHash(opts.URL)
	if err != nil {
		return nil, err
	}
	key, err := s.newestKey(ctx, s.pagePrefix(urlHash, OptionsHash(opts)))
	if err != nil || key == "" {
		return nil, err
	}

	data, err := s.objects.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var entry PageEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry %s: %w", key, err)
	}
	if time.Since(entry.CachedAt) > maxAge {
		return nil, nil
	}

	s.logger.Debug("page cache hit", "url", opts.URL, "key", key)
	return &entry, nil
}

// StorePage writes a page artifact. Best-effort: a failed write never fails
// the request that produced the artifact.
func (s *Store) StorePage(ctx context.Context, opts *models.ScrapeOptions, data json.RawMessage) {
	if !s.enabled || s.objects == nil || opts.CacheBypassed() {
		return
	}

	urlHash, err := URLHash(opts.URL)
	if err != nil {
		return
	}
	entry := PageEntry{URL: opts.URL, Data: data, CachedAt: time.Now()}
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}

	key := s.pagePrefix(urlHash, OptionsHash(opts)) + s.timestampName(entry.CachedAt)
	if err := s.objects.Put(ctx, key, payload, "application/json"); err != nil {
		s.logger.Warn("failed to store page cache entry", "key", key, "error", err)
	}
}

// LookupMap returns the cached map-discovery result for the URL's domain,
// or nil on miss.
func (s *Store) LookupMap(ctx context.Context, rawURL string, maxAgeSec *int) (*MapEntry, error) {
	if !s.enabled || s.objects == nil {
		return nil, nil
	}
	maxAge, ok := s.resolveMaxAge(maxAgeSec)
	if !ok {
		return nil, nil
	}

	domainHash, err := DomainHash(rawURL)
	if err != nil {
		return nil, err
	}
	key, err := s.newestKey(ctx, s.mapPrefix(domainHash))
	if err != nil || key == "" {
		return nil, err
	}

	data, err := s.objects.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var entry MapEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode map cache entry %s: %w", key, err)
	}
	if time.Since(entry.DiscoveredAt) > maxAge {
		return nil, nil
	}

	s.logger.Debug("map cache hit", "url", rawURL, "key", key)
	return &entry, nil
}

// StoreMap writes a map-discovery result. Best-effort like StorePage.
func (s *Store) StoreMap(ctx context.Context, rawURL string, entry *MapEntry) {
	if !s.enabled || s.objects == nil {
		return
	}

	domainHash, err := DomainHash(rawURL)
	if err != nil {
		return
	}
	if entry.DiscoveredAt.IsZero() {
		entry.DiscoveredAt = time.Now()
	}
	entry.URLCount = len(entry.URLs)

	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}

	key := s.mapPrefix(domainHash) + s.timestampName(entry.DiscoveredAt)
	if err := s.objects.Put(ctx, key, payload, "application/json"); err != nil {
		s.logger.Warn("failed to store map cache entry", "key", key, "error", err)
	}
}

// resolveMaxAge applies the default and the forced-miss rule. The second
// return is false when the lookup must miss.
func (s *Store) resolveMaxAge(maxAgeSec *int) (time.Duration, bool) {
	if maxAgeSec == nil {
		return s.defaultMaxAge, true
	}
	if *maxAgeSec <= 0 {
		return 0, false
	}
	return time.Duration(*maxAgeSec) * time.Second, true
}

func (s *Store) pagePrefix(urlHash, optionsHash string) string {
	return s.prefix + urlHash + "/" + optionsHash + "/"
}

func (s *Store) mapPrefix(domainHash string) string {
	return s.prefix + "map/" + domainHash + "/"
}

// timestampName is a zero-padded epoch-ms object name, so lexicographic
// key order matches chronological order.
func (s *Store) timestampName(t time.Time) string {
	return fmt.Sprintf("%013d.json", t.UnixMilli())
}

func (s *Store) newestKey(ctx context.Context, prefix string) (string, error) {
	objects, err := s.objects.List(ctx, prefix)
	if err != nil {
		return "", err
	}
	if len(objects) == 0 {
		return "", nil
	}
	newest := objects[0].Key
	for _, obj := range objects[1:] {
		if obj.Key > newest {
			newest = obj.Key
		}
	}
	return newest, nil
}
