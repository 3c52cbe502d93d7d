// Package engine contains the content-acquisition adapters: fetching and
// parsing pages, and querying external search backends. Everything above
// this package treats engines as opaque collaborators.
package engine

import (
	"context"
	"fmt"

	"github.com/anycrawl/anycrawl-api/internal/models"
)

// Page is the artifact produced by scraping one URL.
type Page struct {
	URL         string   `json:"url"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Markdown    string   `json:"markdown,omitempty"`
	HTML        string   `json:"html,omitempty"`
	StatusCode  int      `json:"status_code"`
	Links       []string `json:"links,omitempty"`
}

// Scraper fetches and parses a single page.
type Scraper interface {
	Scrape(ctx context.Context, opts *models.ScrapeOptions) (*Page, error)
}

// SearchResult is one organic result from a search backend.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	Page        int    `json:"page"`
}

// SearchProvider queries an external search backend one results-page at a time.
type SearchProvider interface {
	Search(ctx context.Context, query string, page int, opts *models.SearchOptions) ([]SearchResult, error)
}

// DispatchError is returned when an engine dispatch fails. Committed
// distinguishes failures where the engine may have started work (and the
// job must be finalized by the reaper if the worker dies) from failures
// before any work began.
type DispatchError struct {
	JobID     string
	Committed bool
	Err       error
}

func (e *DispatchError) Error() string {
	if e.Committed {
		return fmt.Sprintf("engine dispatch failed after commit for job %s: %v", e.JobID, e.Err)
	}
	return fmt.Sprintf("engine dispatch failed for job %s: %v", e.JobID, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
