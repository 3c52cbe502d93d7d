package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/anycrawl/anycrawl-api/internal/http/mw"
	"github.com/anycrawl/anycrawl-api/internal/models"
	"github.com/anycrawl/anycrawl-api/internal/service"
)

// SearchInput is the request for POST /v1/search.
type SearchInput struct {
	Body models.SearchOptions
}

// SearchOutput is the response for POST /v1/search.
type SearchOutput struct {
	Body struct {
		Success bool                       `json:"success"`
		Job     JobSummary                 `json:"job"`
		Results []service.SearchResultItem `json:"results"`
	}
}

// Search runs a synchronous search-engine discovery.
func (h *Handlers) Search(ctx context.Context, input *SearchInput) (*SearchOutput, error) {
	if input.Body.Query == "" {
		return nil, huma.Error400BadRequest("query is required")
	}

	job, results, err := h.services.Search.Search(ctx, mw.GetAPIKey(ctx), &input.Body)
	if err != nil {
		return nil, mapServiceError(err)
	}

	out := &SearchOutput{}
	out.Body.Success = true
	out.Body.Job = summarize(job)
	out.Body.Results = results
	return out, nil
}

// MapInput is the request for POST /v1/map.
type MapInput struct {
	Body models.MapOptions
}

// MapOutput is the response for POST /v1/map.
type MapOutput struct {
	Body struct {
		Success bool       `json:"success"`
		Job     JobSummary `json:"job"`
		URLs    []string   `json:"urls"`
	}
}

// Map runs synchronous site-map discovery.
func (h *Handlers) Map(ctx context.Context, input *MapInput) (*MapOutput, error) {
	if input.Body.URL == "" {
		return nil, huma.Error400BadRequest("url is required")
	}

	job, urls, err := h.services.Map.Map(ctx, mw.GetAPIKey(ctx), &input.Body)
	if err != nil {
		return nil, mapServiceError(err)
	}

	out := &MapOutput{}
	out.Body.Success = true
	out.Body.Job = summarize(job)
	out.Body.URLs = urls
	return out, nil
}
