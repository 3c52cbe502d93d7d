package handlers

import (
	"context"
	"encoding/json"

	"github.com/danielgtaylor/huma/v2"

	"github.com/anycrawl/anycrawl-api/internal/http/mw"
	"github.com/anycrawl/anycrawl-api/internal/models"
)

// JobSummary is the job representation returned by the operation endpoints.
type JobSummary struct {
	ID           string  `json:"id"`
	Kind         string  `json:"kind"`
	Status       string  `json:"status"`
	URL          string  `json:"url,omitempty"`
	Total        int     `json:"total"`
	Completed    int     `json:"completed"`
	Failed       int     `json:"failed"`
	CreditsUsed  float64 `json:"credits_used"`
	CacheHits    int     `json:"cache_hits"`
	ErrorMessage string  `json:"error_message,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

func summarize(job *models.Job) JobSummary {
	return JobSummary{
		ID:           job.ID,
		Kind:         string(job.Kind),
		Status:       string(job.Status),
		URL:          job.URL,
		Total:        job.Total,
		Completed:    job.Completed,
		Failed:       job.Failed,
		CreditsUsed:  job.CreditsUsed,
		CacheHits:    job.CacheHits,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

// ScrapeInput is the request for POST /v1/scrape.
type ScrapeInput struct {
	Body models.ScrapeOptions
}

// ScrapeOutput is the response for POST /v1/scrape.
type ScrapeOutput struct {
	Body struct {
		Success bool            `json:"success"`
		Job     JobSummary      `json:"job"`
		Data    json.RawMessage `json:"data,omitempty"`
	}
}

// Scrape runs a synchronous single-page scrape.
func (h *Handlers) Scrape(ctx context.Context, input *ScrapeInput) (*ScrapeOutput, error) {
	if input.Body.URL == "" {
		return nil, huma.Error400BadRequest("url is required")
	}

	job, err := h.services.Scrape.Scrape(ctx, mw.GetAPIKey(ctx), &input.Body)
	if err != nil {
		return nil, mapServiceError(err)
	}

	out := &ScrapeOutput{}
	out.Body.Success = true
	out.Body.Job = summarize(job)
	if job.ResultJSON != "" {
		out.Body.Data = json.RawMessage(job.ResultJSON)
	}
	return out, nil
}

// GetJobInput is the request for GET /v1/jobs/{id}.
type GetJobInput struct {
	ID string `path:"id" doc:"Job ID"`
}

// GetJobOutput is the response for GET /v1/jobs/{id}.
type GetJobOutput struct {
	Body struct {
		Success bool            `json:"success"`
		Job     JobSummary      `json:"job"`
		Data    json.RawMessage `json:"data,omitempty"`
	}
}

// GetJob returns any job owned by the caller, including its result payload
// once finished.
func (h *Handlers) GetJob(ctx context.Context, input *GetJobInput) (*GetJobOutput, error) {
	job, err := h.services.Scrape.GetJob(ctx, mw.GetAPIKey(ctx), input.ID)
	if err != nil {
		return nil, mapServiceError(err)
	}

	out := &GetJobOutput{}
	out.Body.Success = true
	out.Body.Job = summarize(job)
	if job.Status == models.JobStatusCompleted && job.ResultJSON != "" {
		out.Body.Data = json.RawMessage(job.ResultJSON)
	}
	return out, nil
}
