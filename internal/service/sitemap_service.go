package service

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const (
	sitemapFetchTimeout = 15 * time.Second
	maxSitemapURLs      = 5000
	maxSitemapDepth     = 2
)

// SitemapService fetches and parses sitemap.xml files, following sitemap
// indexes up to a fixed depth.
type SitemapService struct {
	logger *slog.Logger
	client *http.Client
}

// NewSitemapService creates a sitemap service.
func NewSitemapService(logger *slog.Logger) *SitemapService {
	return &SitemapService{
		logger: logger.With("component", "sitemap"),
		client: &http.Client{Timeout: sitemapFetchTimeout},
	}
}

type sitemapFile struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

type sitemapIndex struct {
	XMLName  xml.Name `xml:"sitemapindex"`
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// Discover fetches /sitemap.xml for the URL's host and returns the listed
// page URLs. Handles both plain sitemaps and sitemap indexes.
func (s *SitemapService) Discover(ctx context.Context, baseURL string) ([]string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}

	sitemapURL := fmt.Sprintf("%s://%s/sitemap.xml", parsed.Scheme, parsed.Host)
	urls, err := s.fetch(ctx, sitemapURL, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sitemap: %w", err)
	}

	s.logger.Debug("sitemap discovery finished", "sitemap_url", sitemapURL, "url_count", len(urls))
	return urls, nil
}

// TryDiscover is Discover without an error: unavailable or empty sitemaps
// report ok=false so the caller can fall through to other sources.
func (s *SitemapService) TryDiscover(ctx context.Context, baseURL string) ([]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, sitemapFetchTimeout)
	defer cancel()

	urls, err := s.Discover(ctx, baseURL)
	if err != nil {
		s.logger.Debug("sitemap discovery failed", "base_url", baseURL, "error", err)
		return nil, false
	}
	if len(urls) == 0 {
		return nil, false
	}
	return urls, true
}

func (s *SitemapService) fetch(ctx context.Context, sitemapURL string, depth int) ([]string, error) {
	if depth > maxSitemapDepth {
		s.logger.Warn("sitemap recursion depth exceeded", "url", sitemapURL, "depth", depth)
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", defaultUserAgentString)
	req.Header.Set("Accept", "application/xml, text/xml, */*")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sitemap: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sitemap returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read sitemap body: %w", err)
	}

	// A sitemap index points to nested sitemaps; try that shape first.
	var index sitemapIndex
	if err := xml.Unmarshal(body, &index); err == nil && len(index.Sitemaps) > 0 {
		var all []string
		for _, entry := range index.Sitemaps {
			if len(all) >= maxSitemapURLs {
				s.logger.Warn("reached max sitemap URLs limit", "limit", maxSitemapURLs)
				break
			}
			nested, err := s.fetch(ctx, entry.Loc, depth+1)
			if err != nil {
				s.logger.Warn("failed to fetch nested sitemap", "url", entry.Loc, "error", err)
				continue
			}
			all = append(all, nested...)
		}
		return all, nil
	}

	var sitemap sitemapFile
	if err := xml.Unmarshal(body, &sitemap); err != nil {
		return nil, fmt.Errorf("failed to parse sitemap XML: %w", err)
	}

	urls := make([]string, 0, len(sitemap.URLs))
	for _, u := range sitemap.URLs {
		if u.Loc == "" {
			continue
		}
		if len(urls) >= maxSitemapURLs {
			break
		}
		urls = append(urls, u.Loc)
	}
	return urls, nil
}

const defaultUserAgentString = "Mozilla/5.0 (compatible; AnyCrawl/1.0; +https://anycrawl.dev)"
