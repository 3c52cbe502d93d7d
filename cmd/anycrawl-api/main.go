// Package main is the entry point for the anycrawl-api server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/anycrawl/anycrawl-api/internal/config"
	"github.com/anycrawl/anycrawl-api/internal/database"
	"github.com/anycrawl/anycrawl-api/internal/database/migrations"
	"github.com/anycrawl/anycrawl-api/internal/http/handlers"
	"github.com/anycrawl/anycrawl-api/internal/http/mw"
	"github.com/anycrawl/anycrawl-api/internal/http/routes"
	"github.com/anycrawl/anycrawl-api/internal/logging"
	"github.com/anycrawl/anycrawl-api/internal/repository"
	"github.com/anycrawl/anycrawl-api/internal/scheduler"
	"github.com/anycrawl/anycrawl-api/internal/service"
	"github.com/anycrawl/anycrawl-api/internal/version"
	"github.com/anycrawl/anycrawl-api/internal/worker"
)

func main() {
	logger := logging.SetDefault()

	v := version.Get()
	logger.Info("starting anycrawl-api",
		"version", v.Version,
		"commit", v.Commit,
		"built", v.Date,
		"go_version", v.GoVersion,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := migrations.Run(db, logger); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	repos := repository.NewRepositories(db)

	services, err := service.New(db, repos, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize services", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Background worker pool draining the job and webhook queues.
	jobWorker := worker.New(repos, services, cfg, logger)
	jobWorker.Start(ctx)

	// Reaper fails stale executions so credits stop accruing for dead work.
	reaper := scheduler.New(repos, services.Webhooks, cfg, logger)
	if err := reaper.Start(ctx); err != nil {
		logger.Error("failed to start reaper", "error", err)
		os.Exit(1)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Request size limit (1MB) - prevent large payload attacks
	router.Use(middleware.RequestSize(1 * 1024 * 1024))

	// Global rate limit by IP (fallback for unauthenticated requests)
	router.Use(httprate.LimitByIP(cfg.RateLimitPerIP, time.Minute))

	// Per-key rate limit for authenticated requests
	router.Use(httprate.Limit(cfg.RateLimitPerKey, time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if auth := r.Header.Get("Authorization"); auth != "" {
				return auth, nil
			}
			return httprate.KeyByIP(r)
		})))

	// The API accepts snake_case options only; camelCase keys are logged
	// and dropped before validation.
	router.Use(mw.SnakeCaseBody(logger))

	humaConfig := huma.DefaultConfig("AnyCrawl API", version.Version)
	humaConfig.Info.Description = "Web scraping, crawling, search, and site-mapping API with credit-based billing."
	humaConfig.Servers = []*huma.Server{
		{URL: cfg.BaseURL, Description: "API Server"},
	}
	humaConfig.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		mw.SecurityScheme: {
			Type:        "http",
			Scheme:      "bearer",
			Description: "API key authentication. Include your API key in the Authorization header as `Bearer ac_your_key`.",
		},
	}

	api := humachi.New(router, humaConfig)
	api.UseMiddleware(mw.HumaAuth(api, services.APIKeys, cfg))

	h := handlers.New(services, repos, cfg, logger)
	routes.Register(api, h)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // sync scrape/search can block for the full request timeout
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
		<-sigChan

		logger.Info("shutting down server")

		cancel()
		jobWorker.Stop()
		reaper.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}()

	logger.Info("starting server", "port", cfg.Port, "base_url", cfg.BaseURL)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
