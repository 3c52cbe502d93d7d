package service

import (
	"github.com/anycrawl/anycrawl-api/internal/config"
	"github.com/anycrawl/anycrawl-api/internal/models"
)

// Estimator computes pre-charge admission estimates and builds the itemized
// charge details written to the ledger. All weights come from configuration
// so deployments can reprice without a release.
type Estimator struct {
	cfg *config.Config
}

// NewEstimator creates an estimator with the configured credit weights.
func NewEstimator(cfg *config.Config) *Estimator {
	return &Estimator{cfg: cfg}
}

// ScrapeDetails itemizes one page fetch: base + proxy + json extraction +
// summary. JSON extraction against raw HTML costs double the markdown rate.
func (e *Estimator) ScrapeDetails(opts *models.ScrapeOptions) *models.ChargeDetails {
	details := &models.ChargeDetails{Calculator: "scrape_v1"}
	e.addItem(details, models.ItemBaseScrape, e.cfg.ScrapeBaseCredits, nil)

	switch opts.Proxy {
	case models.ProxyStealth:
		e.addItem(details, models.ItemProxyStealth, e.cfg.ProxyStealthCredits, nil)
	case models.ProxyBase, models.ProxyAuto:
		e.addItem(details, models.ItemProxy, e.cfg.ProxyBaseCredits, nil)
	}

	if len(opts.JSONOptions) > 0 {
		credits := e.cfg.JSONExtractCredits
		var meta map[string]any
		if opts.EffectiveExtractSource() == "html" {
			credits *= 2
			meta = map[string]any{"extract_source": "html"}
		}
		e.addItem(details, models.ItemJSONExtract, credits, meta)
	}

	if opts.WantsSummary() {
		e.addItem(details, models.ItemSummary, e.cfg.SummaryCredits, nil)
	}
	if opts.Template != "" {
		e.addItem(details, models.ItemTemplate, e.cfg.TemplateCredits, map[string]any{"template": opts.Template})
	}

	return details
}

// EstimateScrape returns the admission estimate for a single scrape.
func (e *Estimator) EstimateScrape(opts *models.ScrapeOptions) float64 {
	return e.ScrapeDetails(opts).Total
}

// CrawlPageDetails itemizes one successfully crawled page. A crawl page
// costs the same as a standalone scrape of that page.
func (e *Estimator) CrawlPageDetails(opts *models.ScrapeOptions, pageURL string) *models.ChargeDetails {
	perPage := e.ScrapeDetails(opts)
	details := &models.ChargeDetails{Calculator: "crawl_v1"}
	e.addItem(details, models.ItemCrawlPage, perPage.Total, map[string]any{"url": pageURL})
	return details
}

// EstimateCrawl returns the admission estimate for a full crawl: the
// template fee plus the per-page cost times the page limit.
func (e *Estimator) EstimateCrawl(opts *models.CrawlOptions) float64 {
	limit := opts.EffectiveLimit()
	perPage := e.ScrapeDetails(&opts.ScrapeOptions).Total

	estimate := perPage * float64(limit)
	if opts.Template != "" {
		estimate += e.cfg.TemplateCredits
	}
	return estimate
}

// SearchDetails itemizes a completed search: one line for the engine pages
// fetched and one per result that was also scraped.
func (e *Estimator) SearchDetails(opts *models.SearchOptions, pagesFetched, resultsScraped int) *models.ChargeDetails {
	details := &models.ChargeDetails{Calculator: "search_v1"}
	e.addItem(details, models.ItemSearchPages, e.cfg.SearchPageCredits*float64(pagesFetched),
		map[string]any{"pages": pagesFetched})

	if resultsScraped > 0 && opts.ScrapeOptions != nil {
		perScrape := e.ScrapeDetails(opts.ScrapeOptions).Total
		e.addItem(details, models.ItemSearchResultScrape, perScrape*float64(resultsScraped),
			map[string]any{"results": resultsScraped})
	}
	if opts.Template != "" {
		e.addItem(details, models.ItemTemplate, e.cfg.TemplateCredits, map[string]any{"template": opts.Template})
	}
	return details
}

// EstimateSearch returns the admission estimate for a search request.
func (e *Estimator) EstimateSearch(opts *models.SearchOptions) float64 {
	pages := opts.EffectivePages(e.cfg.SearchDefaultPages)
	estimate := e.cfg.SearchPageCredits * float64(pages)

	if opts.ScrapeOptions != nil {
		perScrape := e.ScrapeDetails(opts.ScrapeOptions).Total
		estimate += perScrape * float64(opts.EffectiveLimit())
	}
	if opts.Template != "" {
		estimate += e.cfg.TemplateCredits
	}
	return estimate
}

// MapDetails itemizes a map discovery: flat base fee plus any template fee.
func (e *Estimator) MapDetails(opts *models.MapOptions) *models.ChargeDetails {
	details := &models.ChargeDetails{Calculator: "map_v1"}
	e.addItem(details, models.ItemMapBase, e.cfg.MapCredits, nil)
	if opts.Template != "" {
		e.addItem(details, models.ItemTemplate, e.cfg.TemplateCredits, map[string]any{"template": opts.Template})
	}
	return details
}

// EstimateMap returns the admission estimate for a map request.
func (e *Estimator) EstimateMap(opts *models.MapOptions) float64 {
	return e.MapDetails(opts).Total
}

// addItem appends a positive-credit line and keeps Total in sync. Zero and
// negative weights are skipped so details always satisfy the ledger's
// item-sum invariant.
func (e *Estimator) addItem(details *models.ChargeDetails, code string, credits float64, meta map[string]any) {
	if credits <= 0 {
		return
	}
	details.Items = append(details.Items, models.ChargeItem{Code: code, Credits: credits, Meta: meta})
	details.Total += credits
}
