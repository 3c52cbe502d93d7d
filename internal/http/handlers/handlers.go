// Package handlers contains HTTP handlers for the API.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/anycrawl/anycrawl-api/internal/config"
	"github.com/anycrawl/anycrawl-api/internal/repository"
	"github.com/anycrawl/anycrawl-api/internal/service"
	"github.com/anycrawl/anycrawl-api/internal/version"
)

// Handlers bundles all HTTP handlers and their dependencies.
type Handlers struct {
	services *service.Services
	repos    *repository.Repositories
	cfg      *config.Config
	logger   *slog.Logger
}

// New creates the handler set.
func New(services *service.Services, repos *repository.Repositories, cfg *config.Config, logger *slog.Logger) *Handlers {
	return &Handlers{
		services: services,
		repos:    repos,
		cfg:      cfg,
		logger:   logger.With("component", "http"),
	}
}

// HealthOutput represents the health check response.
type HealthOutput struct {
	Body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
}

// Health reports service liveness and the build version.
func (h *Handlers) Health(ctx context.Context, input *struct{}) (*HealthOutput, error) {
	out := &HealthOutput{}
	out.Body.Status = "healthy"
	out.Body.Version = version.Version
	return out, nil
}

// mapServiceError translates service errors to the HTTP error taxonomy.
func mapServiceError(err error) error {
	switch {
	case errors.Is(err, service.ErrInsufficientCredits):
		return huma.NewError(http.StatusPaymentRequired, "insufficient_credits", err)
	case errors.Is(err, service.ErrJobNotFound):
		return huma.Error404NotFound("job not found")
	case errors.Is(err, service.ErrRequestTimeout):
		return huma.NewError(http.StatusRequestTimeout, "request timed out", err)
	default:
		return huma.Error500InternalServerError("internal error", err)
	}
}
