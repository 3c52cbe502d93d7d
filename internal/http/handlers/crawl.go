package handlers

import (
	"context"
	"encoding/json"

	"github.com/danielgtaylor/huma/v2"

	"github.com/anycrawl/anycrawl-api/internal/http/mw"
	"github.com/anycrawl/anycrawl-api/internal/models"
)

// CrawlInput is the request for POST /v1/crawl.
type CrawlInput struct {
	Body models.CrawlOptions
}

// CrawlOutput is the response for POST /v1/crawl. Crawls are asynchronous;
// poll the status endpoint or subscribe to crawl.* webhooks.
type CrawlOutput struct {
	Body struct {
		Success bool       `json:"success"`
		Job     JobSummary `json:"job"`
	}
}

// Crawl starts an asynchronous recursive crawl.
func (h *Handlers) Crawl(ctx context.Context, input *CrawlInput) (*CrawlOutput, error) {
	if input.Body.URL == "" {
		return nil, huma.Error400BadRequest("url is required")
	}

	job, err := h.services.Crawl.Start(ctx, mw.GetAPIKey(ctx), &input.Body)
	if err != nil {
		return nil, mapServiceError(err)
	}

	out := &CrawlOutput{}
	out.Body.Success = true
	out.Body.Job = summarize(job)
	return out, nil
}

// CrawlStatusInput is the request for GET /v1/crawl/{id}.
type CrawlStatusInput struct {
	ID string `path:"id" doc:"Crawl job ID"`
}

// CrawlStatusOutput is the response for GET /v1/crawl/{id}.
type CrawlStatusOutput struct {
	Body struct {
		Success bool       `json:"success"`
		Job     JobSummary `json:"job"`
	}
}

// CrawlStatus returns crawl progress.
func (h *Handlers) CrawlStatus(ctx context.Context, input *CrawlStatusInput) (*CrawlStatusOutput, error) {
	job, err := h.services.Crawl.GetStatus(ctx, mw.GetAPIKey(ctx), input.ID)
	if err != nil {
		return nil, mapServiceError(err)
	}

	out := &CrawlStatusOutput{}
	out.Body.Success = true
	out.Body.Job = summarize(job)
	return out, nil
}

// CrawlResultsInput is the request for GET /v1/crawl/{id}/results.
type CrawlResultsInput struct {
	ID     string `path:"id" doc:"Crawl job ID"`
	Cursor string `query:"cursor" doc:"Opaque pagination cursor from a previous page"`
	Limit  int    `query:"limit" doc:"Page size, max 100"`
}

// CrawlPageResult is one crawled page in a results listing.
type CrawlPageResult struct {
	ID           string          `json:"id"`
	URL          string          `json:"url"`
	Status       string          `json:"status"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// CrawlResultsOutput is the response for GET /v1/crawl/{id}/results.
type CrawlResultsOutput struct {
	Body struct {
		Success    bool              `json:"success"`
		Results    []CrawlPageResult `json:"results"`
		NextCursor string            `json:"next_cursor,omitempty"`
	}
}

// CrawlResults returns one page of per-URL crawl results.
func (h *Handlers) CrawlResults(ctx context.Context, input *CrawlResultsInput) (*CrawlResultsOutput, error) {
	pages, next, err := h.services.Crawl.GetResults(ctx, mw.GetAPIKey(ctx), input.ID, input.Cursor, input.Limit)
	if err != nil {
		return nil, mapServiceError(err)
	}

	out := &CrawlResultsOutput{}
	out.Body.Success = true
	out.Body.NextCursor = next
	out.Body.Results = make([]CrawlPageResult, 0, len(pages))
	for _, page := range pages {
		result := CrawlPageResult{
			ID:           page.ID,
			URL:          page.URL,
			Status:       string(page.Status),
			ErrorMessage: page.ErrorMessage,
		}
		if page.DataJSON != "" {
			result.Data = json.RawMessage(page.DataJSON)
		}
		out.Body.Results = append(out.Body.Results, result)
	}
	return out, nil
}

// CrawlCancelInput is the request for DELETE /v1/crawl/{id}.
type CrawlCancelInput struct {
	ID string `path:"id" doc:"Crawl job ID"`
}

// CrawlCancelOutput is the response for DELETE /v1/crawl/{id}.
type CrawlCancelOutput struct {
	Body struct {
		Success bool       `json:"success"`
		Job     JobSummary `json:"job"`
	}
}

// CrawlCancel cancels a crawl. Idempotent on finished jobs.
func (h *Handlers) CrawlCancel(ctx context.Context, input *CrawlCancelInput) (*CrawlCancelOutput, error) {
	job, err := h.services.Crawl.Cancel(ctx, mw.GetAPIKey(ctx), input.ID)
	if err != nil {
		return nil, mapServiceError(err)
	}

	out := &CrawlCancelOutput{}
	out.Body.Success = true
	out.Body.Job = summarize(job)
	return out, nil
}
