// Package models defines the domain models for the application.
package models

import "encoding/json"

// Proxy modes accepted in scrape options. Anything else is treated as a
// custom proxy URL.
const (
	ProxyNone    = "none"
	ProxyAuto    = "auto"
	ProxyBase    = "base"
	ProxyStealth = "stealth"
)

// Default scrape option values, applied before fingerprinting and billing.
const (
	DefaultEngine        = "cheerio"
	DefaultFormat        = "markdown"
	DefaultExtractSource = "markdown"
)

// ScrapeOptions is the request payload for a single-page scrape. It is also
// embedded in crawl and search requests and is the input to the cache
// fingerprint.
type ScrapeOptions struct {
	URL             string            `json:"url"`
	Engine          string            `json:"engine,omitempty"`
	Formats         []string          `json:"formats,omitempty"`
	JSONOptions     json.RawMessage   `json:"json_options,omitempty"`
	IncludeTags     []string          `json:"include_tags,omitempty"`
	ExcludeTags     []string          `json:"exclude_tags,omitempty"`
	OnlyMainContent *bool             `json:"only_main_content,omitempty"` // default true
	ExtractSource   string            `json:"extract_source,omitempty"`    // markdown or html
	OCROptions      bool              `json:"ocr_options,omitempty"`
	WaitFor         int               `json:"wait_for,omitempty"` // milliseconds
	WaitUntil       string            `json:"wait_until,omitempty"`
	WaitForSelector json.RawMessage   `json:"wait_for_selector,omitempty"`
	Proxy           string            `json:"proxy,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Actions         []json.RawMessage `json:"actions,omitempty"`
	Template        string            `json:"template,omitempty"`
	Timeout         int               `json:"timeout,omitempty"` // milliseconds
	MaxAge          *int              `json:"max_age,omitempty"` // seconds; 0 forces a cache miss
}

// EffectiveEngine returns the engine with the default applied.
func (o *ScrapeOptions) EffectiveEngine() string {
	if o.Engine == "" {
		return DefaultEngine
	}
	return o.Engine
}

// EffectiveFormats returns the formats with the default applied.
func (o *ScrapeOptions) EffectiveFormats() []string {
	if len(o.Formats) == 0 {
		return []string{DefaultFormat}
	}
	return o.Formats
}

// EffectiveExtractSource returns the extract source with the default applied.
func (o *ScrapeOptions) EffectiveExtractSource() string {
	if o.ExtractSource == "" {
		return DefaultExtractSource
	}
	return o.ExtractSource
}

// MainContentOnly returns only_main_content with the default applied.
func (o *ScrapeOptions) MainContentOnly() bool {
	if o.OnlyMainContent == nil {
		return true
	}
	return *o.OnlyMainContent
}

// WantsSummary reports whether the summary format was requested.
func (o *ScrapeOptions) WantsSummary() bool {
	for _, f := range o.Formats {
		if f == "summary" {
			return true
		}
	}
	return false
}

// CacheBypassed reports whether the request must skip the cache entirely.
// Templates, custom headers, and embedded actions all make responses
// request-specific, so cached artifacts can never be reused for them.
func (o *ScrapeOptions) CacheBypassed() bool {
	return o.Template != "" || len(o.Headers) > 0 || len(o.Actions) > 0
}

// Default page limits for multi-page operations.
const (
	DefaultCrawlLimit  = 10
	DefaultSearchLimit = 10
)

// CrawlOptions is the request payload for a recursive crawl.
type CrawlOptions struct {
	ScrapeOptions
	Limit        int      `json:"limit,omitempty"`
	MaxDepth     int      `json:"max_depth,omitempty"`
	Strategy     string   `json:"strategy,omitempty"`
	IncludePaths []string `json:"include_paths,omitempty"`
	ExcludePaths []string `json:"exclude_paths,omitempty"`
}

// EffectiveLimit returns the page limit with the default applied.
func (o *CrawlOptions) EffectiveLimit() int {
	if o.Limit <= 0 {
		return DefaultCrawlLimit
	}
	return o.Limit
}

// SearchOptions is the request payload for search-engine discovery.
type SearchOptions struct {
	Query         string         `json:"query"`
	Engine        string         `json:"engine,omitempty"`
	Pages         int            `json:"pages,omitempty"`
	Limit         int            `json:"limit,omitempty"`
	Lang          string         `json:"lang,omitempty"`
	Country       string         `json:"country,omitempty"`
	Concurrent    bool           `json:"concurrent,omitempty"`
	Template      string         `json:"template,omitempty"`
	ScrapeOptions *ScrapeOptions `json:"scrape_options,omitempty"`
}

// EffectivePages returns the results-page count, falling back to the
// server default when unset.
func (o *SearchOptions) EffectivePages(serverDefault int) int {
	if o.Pages > 0 {
		return o.Pages
	}
	if serverDefault > 0 {
		return serverDefault
	}
	return 1
}

// EffectiveLimit returns the result limit with the default applied.
func (o *SearchOptions) EffectiveLimit() int {
	if o.Limit <= 0 {
		return DefaultSearchLimit
	}
	return o.Limit
}

// MapOptions is the request payload for site-map discovery.
type MapOptions struct {
	URL               string `json:"url"`
	Search            string `json:"search,omitempty"`
	Limit             int    `json:"limit,omitempty"`
	IncludeSubdomains bool   `json:"include_subdomains,omitempty"`
	IgnoreSitemap     bool   `json:"ignore_sitemap,omitempty"`
	Template          string `json:"template,omitempty"`
	MaxAge            *int   `json:"max_age,omitempty"`
}
