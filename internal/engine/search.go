package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/anycrawl/anycrawl-api/internal/config"
	"github.com/anycrawl/anycrawl-api/internal/models"
)

// HTTPSearchProvider queries a SearxNG-compatible JSON endpoint. One call
// fetches one results page; the orchestrator fans pages out concurrently.
type HTTPSearchProvider struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPSearchProvider creates a search provider for the configured endpoint.
func NewHTTPSearchProvider(cfg *config.Config, logger *slog.Logger) *HTTPSearchProvider {
	return &HTTPSearchProvider{
		endpoint: cfg.SearchEndpoint,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		logger:   logger.With("component", "search"),
	}
}

type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (p *HTTPSearchProvider) Search(ctx context.Context, query string, page int, opts *models.SearchOptions) ([]SearchResult, error) {
	if p.endpoint == "" {
		return nil, fmt.Errorf("search endpoint is not configured")
	}
	if page < 1 {
		page = 1
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("pageno", strconv.Itoa(page))
	if opts != nil {
		if opts.Lang != "" {
			params.Set("language", opts.Lang)
		}
		if opts.Country != "" {
			params.Set("country", opts.Country)
		}
		if opts.Engine != "" {
			params.Set("engines", opts.Engine)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("search backend returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	results := make([]SearchResult, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		if r.URL == "" {
			continue
		}
		results = append(results, SearchResult{
			Title:       r.Title,
			URL:         r.URL,
			Description: r.Content,
			Page:        page,
		})
	}

	p.logger.Debug("search page fetched",
		"query", query, "page", page,
		"results", len(results), "duration_ms", time.Since(start).Milliseconds())
	return results, nil
}
