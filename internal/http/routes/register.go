// Package routes wires HTTP handlers to the Huma API.
package routes

import (
	"github.com/danielgtaylor/huma/v2"

	"github.com/anycrawl/anycrawl-api/internal/http/handlers"
	"github.com/anycrawl/anycrawl-api/internal/http/mw"
)

// Register registers all API routes with the given Huma API instance.
func Register(api huma.API, h *handlers.Handlers) {
	// =========================================================================
	// Public Routes (no auth required)
	// =========================================================================

	mw.PublicGet(api, "/v1/health", h.Health,
		mw.WithTags("Health"),
		mw.WithSummary("Health check"),
		mw.WithOperationID("healthCheck"))

	// Kubernetes probes (hidden from docs - internal use only)
	mw.HiddenGet(api, "/healthz", h.Health)

	// =========================================================================
	// Protected Routes (require an API key)
	// =========================================================================

	// --- Scrape ---
	mw.ProtectedPost(api, "/v1/scrape", h.Scrape,
		mw.WithTags("Scrape"),
		mw.WithSummary("Scrape a single URL"),
		mw.WithDescription("Fetches one page synchronously and returns the extracted content. Responses are served from cache when a fresh fingerprint-matched entry exists."),
		mw.WithOperationID("scrape"))

	// --- Jobs ---
	mw.ProtectedGet(api, "/v1/jobs/{id}", h.GetJob,
		mw.WithTags("Jobs"),
		mw.WithSummary("Get job details"),
		mw.WithOperationID("getJob"))
	mw.ProtectedGet(api, "/v1/jobs/{id}/webhooks", h.JobDeliveries,
		mw.WithTags("Jobs"),
		mw.WithSummary("Get job webhook deliveries"),
		mw.WithOperationID("getJobWebhookDeliveries"))

	// --- Crawl ---
	mw.ProtectedPost(api, "/v1/crawl", h.Crawl,
		mw.WithTags("Crawl"),
		mw.WithSummary("Start crawl job"),
		mw.WithDescription("Starts an asynchronous recursive crawl. Poll the status endpoint or subscribe to crawl.* webhook events for progress."),
		mw.WithOperationID("crawl"))
	mw.ProtectedGet(api, "/v1/crawl/{id}", h.CrawlStatus,
		mw.WithTags("Crawl"),
		mw.WithSummary("Get crawl status"),
		mw.WithOperationID("getCrawlStatus"))
	mw.ProtectedGet(api, "/v1/crawl/{id}/results", h.CrawlResults,
		mw.WithTags("Crawl"),
		mw.WithSummary("Get crawl results"),
		mw.WithOperationID("getCrawlResults"))
	mw.ProtectedDelete(api, "/v1/crawl/{id}", h.CrawlCancel,
		mw.WithTags("Crawl"),
		mw.WithSummary("Cancel crawl job"),
		mw.WithOperationID("cancelCrawl"))

	// --- Search ---
	mw.ProtectedPost(api, "/v1/search", h.Search,
		mw.WithTags("Search"),
		mw.WithSummary("Search the web"),
		mw.WithOperationID("search"))

	// --- Map ---
	mw.ProtectedPost(api, "/v1/map", h.Map,
		mw.WithTags("Map"),
		mw.WithSummary("Map site URLs"),
		mw.WithDescription("Discovers URLs for a site via its sitemap and search-engine results without scraping them."),
		mw.WithOperationID("map"))

	// --- Webhooks ---
	mw.ProtectedGet(api, "/v1/webhooks", h.ListWebhooks,
		mw.WithTags("Webhooks"),
		mw.WithSummary("List webhooks"),
		mw.WithOperationID("listWebhooks"))
	mw.ProtectedGet(api, "/v1/webhooks/{id}", h.GetWebhook,
		mw.WithTags("Webhooks"),
		mw.WithSummary("Get webhook"),
		mw.WithOperationID("getWebhook"))
	mw.ProtectedPost(api, "/v1/webhooks", h.CreateWebhook,
		mw.WithTags("Webhooks"),
		mw.WithSummary("Create webhook"),
		mw.WithDescription("Registers a webhook subscription. The signing secret is returned once in this response and never again."),
		mw.WithOperationID("createWebhook"))
	mw.ProtectedPatch(api, "/v1/webhooks/{id}", h.SetWebhookActive,
		mw.WithTags("Webhooks"),
		mw.WithSummary("Activate or deactivate webhook"),
		mw.WithOperationID("setWebhookActive"))
	mw.ProtectedPost(api, "/v1/webhooks/{id}/activate", h.ActivateWebhook,
		mw.WithTags("Webhooks"),
		mw.WithSummary("Activate webhook"),
		mw.WithOperationID("activateWebhook"))
	mw.ProtectedPost(api, "/v1/webhooks/{id}/deactivate", h.DeactivateWebhook,
		mw.WithTags("Webhooks"),
		mw.WithSummary("Deactivate webhook"),
		mw.WithOperationID("deactivateWebhook"))
	mw.ProtectedDelete(api, "/v1/webhooks/{id}", h.DeleteWebhook,
		mw.WithTags("Webhooks"),
		mw.WithSummary("Delete webhook"),
		mw.WithOperationID("deleteWebhook"))
	mw.ProtectedPost(api, "/v1/webhooks/{id}/test", h.TestWebhook,
		mw.WithTags("Webhooks"),
		mw.WithSummary("Send test event"),
		mw.WithOperationID("testWebhook"))
	mw.ProtectedGet(api, "/v1/webhooks/{id}/deliveries", h.ListDeliveries,
		mw.WithTags("Webhooks"),
		mw.WithSummary("List webhook deliveries"),
		mw.WithOperationID("listWebhookDeliveries"))
	mw.ProtectedPost(api, "/v1/webhooks/{id}/deliveries/{did}/replay", h.ReplayDelivery,
		mw.WithTags("Webhooks"),
		mw.WithSummary("Replay webhook delivery"),
		mw.WithOperationID("replayWebhookDelivery"))
}
