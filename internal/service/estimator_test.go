package service

import (
	"encoding/json"
	"testing"

	"github.com/anycrawl/anycrawl-api/internal/models"
)

func TestEstimator_ScrapeDetails(t *testing.T) {
	est := NewEstimator(testConfig())

	tests := []struct {
		name      string
		opts      *models.ScrapeOptions
		wantTotal float64
		wantCodes []string
	}{
		{
			name:      "plain scrape",
			opts:      &models.ScrapeOptions{URL: "https://example.com"},
			wantTotal: 1,
			wantCodes: []string{models.ItemBaseScrape},
		},
		{
			name:      "base proxy",
			opts:      &models.ScrapeOptions{URL: "https://example.com", Proxy: models.ProxyBase},
			wantTotal: 2,
			wantCodes: []string{models.ItemBaseScrape, models.ItemProxy},
		},
		{
			name:      "stealth proxy",
			opts:      &models.ScrapeOptions{URL: "https://example.com", Proxy: models.ProxyStealth},
			wantTotal: 3,
			wantCodes: []string{models.ItemBaseScrape, models.ItemProxyStealth},
		},
		{
			name: "json extraction from markdown",
			opts: &models.ScrapeOptions{
				URL:         "https://example.com",
				JSONOptions: json.RawMessage(`{"schema":{}}`),
			},
			wantTotal: 3,
			wantCodes: []string{models.ItemBaseScrape, models.ItemJSONExtract},
		},
		{
			name: "json extraction from html costs double",
			opts: &models.ScrapeOptions{
				URL:           "https://example.com",
				JSONOptions:   json.RawMessage(`{"schema":{}}`),
				ExtractSource: "html",
			},
			wantTotal: 5,
			wantCodes: []string{models.ItemBaseScrape, models.ItemJSONExtract},
		},
		{
			name: "summary format",
			opts: &models.ScrapeOptions{
				URL:     "https://example.com",
				Formats: []string{"markdown", "summary"},
			},
			wantTotal: 2,
			wantCodes: []string{models.ItemBaseScrape, models.ItemSummary},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			details := est.ScrapeDetails(tt.opts)
			if details.Total != tt.wantTotal {
				t.Errorf("Total = %v, want %v", details.Total, tt.wantTotal)
			}
			if len(details.Items) != len(tt.wantCodes) {
				t.Fatalf("items = %d, want %d", len(details.Items), len(tt.wantCodes))
			}
			for i, code := range tt.wantCodes {
				if details.Items[i].Code != code {
					t.Errorf("item %d code = %q, want %q", i, details.Items[i].Code, code)
				}
			}

			var sum float64
			for _, item := range details.Items {
				sum += item.Credits
			}
			if sum != details.Total {
				t.Errorf("item sum %v != total %v", sum, details.Total)
			}
		})
	}
}

func TestEstimator_EstimateCrawl(t *testing.T) {
	est := NewEstimator(testConfig())

	opts := &models.CrawlOptions{
		ScrapeOptions: models.ScrapeOptions{URL: "https://example.com"},
		Limit:         5,
	}
	if got := est.EstimateCrawl(opts); got != 5 {
		t.Errorf("EstimateCrawl() = %v, want 5", got)
	}

	// Stealth proxy triples the per-page cost.
	opts.Proxy = models.ProxyStealth
	if got := est.EstimateCrawl(opts); got != 15 {
		t.Errorf("EstimateCrawl() with stealth = %v, want 15", got)
	}

	// No limit falls back to the default.
	plain := &models.CrawlOptions{ScrapeOptions: models.ScrapeOptions{URL: "https://example.com"}}
	if got := est.EstimateCrawl(plain); got != float64(models.DefaultCrawlLimit) {
		t.Errorf("EstimateCrawl() default = %v, want %v", got, models.DefaultCrawlLimit)
	}
}

func TestEstimator_CrawlPageDetails(t *testing.T) {
	est := NewEstimator(testConfig())

	details := est.CrawlPageDetails(&models.ScrapeOptions{Proxy: models.ProxyStealth}, "https://example.com/a")
	if details.Total != 3 {
		t.Errorf("Total = %v, want 3", details.Total)
	}
	if len(details.Items) != 1 || details.Items[0].Code != models.ItemCrawlPage {
		t.Fatalf("items = %+v, want one crawl_page line", details.Items)
	}
	if details.Items[0].Meta["url"] != "https://example.com/a" {
		t.Errorf("meta url = %v", details.Items[0].Meta["url"])
	}
}

func TestEstimator_EstimateSearch(t *testing.T) {
	est := NewEstimator(testConfig())

	// Pages only.
	opts := &models.SearchOptions{Query: "golang", Pages: 2}
	if got := est.EstimateSearch(opts); got != 2 {
		t.Errorf("EstimateSearch() = %v, want 2", got)
	}

	// With per-result scraping the limit multiplies the per-scrape cost.
	opts.Limit = 3
	opts.ScrapeOptions = &models.ScrapeOptions{}
	if got := est.EstimateSearch(opts); got != 5 {
		t.Errorf("EstimateSearch() with scraping = %v, want 5", got)
	}

	// A template adds its flat fee on top.
	opts.Template = "news"
	if got := est.EstimateSearch(opts); got != 7 {
		t.Errorf("EstimateSearch() with template = %v, want 7", got)
	}
}

func TestEstimator_SearchDetails(t *testing.T) {
	est := NewEstimator(testConfig())

	opts := &models.SearchOptions{
		Query:         "golang",
		ScrapeOptions: &models.ScrapeOptions{},
	}
	details := est.SearchDetails(opts, 2, 4)
	if details.Total != 6 {
		t.Errorf("Total = %v, want 6", details.Total)
	}
	if len(details.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(details.Items))
	}
	if details.Items[0].Code != models.ItemSearchPages || details.Items[0].Credits != 2 {
		t.Errorf("pages item = %+v", details.Items[0])
	}
	if details.Items[1].Code != models.ItemSearchResultScrape || details.Items[1].Credits != 4 {
		t.Errorf("scrape item = %+v", details.Items[1])
	}

	opts.Template = "news"
	details = est.SearchDetails(opts, 2, 4)
	if details.Total != 8 {
		t.Errorf("Total with template = %v, want 8", details.Total)
	}
	if len(details.Items) != 3 || details.Items[2].Code != models.ItemTemplate {
		t.Fatalf("items = %+v, want a trailing template line", details.Items)
	}
}

func TestEstimator_EstimateMap(t *testing.T) {
	est := NewEstimator(testConfig())

	if got := est.EstimateMap(&models.MapOptions{URL: "https://example.com"}); got != 1 {
		t.Errorf("EstimateMap() = %v, want 1", got)
	}
}
