package routes

import (
	"io"
	"log/slog"
	"testing"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/anycrawl/anycrawl-api/internal/http/handlers"
)

func registeredAPI(t *testing.T) huma.API {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	api := humachi.New(chi.NewMux(), huma.DefaultConfig("test", "0.0.0"))
	Register(api, handlers.New(nil, nil, nil, logger))
	return api
}

func TestRegister_WebhookManagementPaths(t *testing.T) {
	paths := registeredAPI(t).OpenAPI().Paths

	for _, path := range []string{
		"/v1/webhooks/{id}/activate",
		"/v1/webhooks/{id}/deactivate",
		"/v1/webhooks/{id}/deliveries/{did}/replay",
		"/v1/webhooks/{id}/test",
	} {
		item, ok := paths[path]
		if !ok {
			t.Errorf("path %s not registered", path)
			continue
		}
		if item.Post == nil {
			t.Errorf("path %s has no POST operation", path)
		}
	}

	if item := paths["/v1/webhooks/{id}"]; item == nil || item.Patch == nil {
		t.Error("PATCH /v1/webhooks/{id} not registered")
	}
}

func TestRegister_OperationPaths(t *testing.T) {
	paths := registeredAPI(t).OpenAPI().Paths

	for path, wantPost := range map[string]bool{
		"/v1/scrape":    true,
		"/v1/crawl":     true,
		"/v1/search":    true,
		"/v1/map":       true,
		"/v1/jobs/{id}": false,
	} {
		item, ok := paths[path]
		if !ok {
			t.Errorf("path %s not registered", path)
			continue
		}
		if wantPost && item.Post == nil {
			t.Errorf("path %s has no POST operation", path)
		}
		if !wantPost && item.Get == nil {
			t.Errorf("path %s has no GET operation", path)
		}
	}
}
