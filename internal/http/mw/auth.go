package mw

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/anycrawl/anycrawl-api/internal/config"
	"github.com/anycrawl/anycrawl-api/internal/models"
	"github.com/anycrawl/anycrawl-api/internal/service"
)

// SecurityScheme is the name of the security scheme used in OpenAPI.
const SecurityScheme = "bearerAuth"

type contextKey string

// APIKeyContextKey is the context key under which the authenticated key is
// stored for handlers.
const APIKeyContextKey contextKey = "api_key"

// GetAPIKey returns the authenticated key from the request context, or nil
// when auth is disabled.
func GetAPIKey(ctx context.Context) *models.APIKey {
	key, _ := ctx.Value(APIKeyContextKey).(*models.APIKey)
	return key
}

// HumaAuth returns a huma middleware enforcing API-key auth on operations
// that declare the bearer security scheme. With auth disabled, protected
// operations run with no key in context and credit admission is skipped.
func HumaAuth(api huma.API, apiKeys *service.APIKeyService, cfg *config.Config) func(ctx huma.Context, next func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		op := ctx.Operation()
		if op == nil || !operationRequiresAuth(op) || !cfg.AuthEnabled {
			next(ctx)
			return
		}

		token := ctx.Header("Authorization")
		if token == "" {
			huma.WriteErr(api, ctx, http.StatusUnauthorized, "missing authorization header")
			return
		}
		token = strings.TrimPrefix(token, "Bearer ")

		key, err := apiKeys.Authenticate(ctx.Context(), token)
		if err != nil {
			slog.Debug("api key validation failed", "error", err)
			huma.WriteErr(api, ctx, http.StatusUnauthorized, "invalid api key")
			return
		}

		next(huma.WithValue(ctx, APIKeyContextKey, key))
	}
}

func operationRequiresAuth(op *huma.Operation) bool {
	for _, scheme := range op.Security {
		if _, ok := scheme[SecurityScheme]; ok {
			return true
		}
	}
	return false
}
