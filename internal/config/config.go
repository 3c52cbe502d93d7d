// Package config handles application configuration.
package config

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port    int
	BaseURL string // public domain used when resolving stored asset keys

	// Database
	DatabaseURL string

	// Feature switches. When auth or credits are disabled the admission and
	// deduction steps are skipped but all other guarantees hold.
	AuthEnabled     bool
	CreditsEnabled  bool
	WebhooksEnabled bool

	// CORS
	CORSOrigins []string

	// EncryptionKey is the 32-byte AES-256-GCM key used to encrypt webhook
	// secrets at rest. Derived from ANYCRAWL_SECRET when not set explicitly.
	EncryptionKey []byte

	// Object storage (S3-compatible: AWS, Tigris, MinIO)
	StorageDriver    string // "s3" or "" (disabled)
	StorageEndpoint  string
	StorageAccessKey string
	StorageSecretKey string
	StorageBucket    string
	StorageRegion    string

	// Page/map result cache
	CacheEnabled       bool
	CachePrefix        string
	CacheDefaultMaxAge time.Duration // applied when a request omits max_age

	// Proxy pools
	ProxyBaseURL    string
	ProxyStealthURL string

	// Credit weights, all overridable per deployment
	ScrapeBaseCredits   float64
	ProxyBaseCredits    float64
	ProxyStealthCredits float64
	JSONExtractCredits  float64
	SummaryCredits      float64
	TemplateCredits     float64
	MapCredits          float64
	SearchPageCredits   float64

	// Search engine adapter
	SearchEndpoint     string
	SearchDefaultPages int

	// HTTP rate limiting, requests per minute
	RateLimitPerKey int
	RateLimitPerIP  int

	// Queue and workers
	RequestTimeout         time.Duration // orchestrator wait budget per request
	QueueVisibilityTimeout time.Duration // lease duration before redelivery
	WorkerPollInterval     time.Duration
	WorkerConcurrency      int
	EngineRateLimit        float64 // engine fetches per second, per worker pool

	// Scheduler / reaper
	ReaperInterval      time.Duration
	StaleExecutionAge   time.Duration // running executions older than this are failed
	StartupStaleJobAge  time.Duration // running jobs older than this are swept at boot

	// Webhook delivery
	WebhookTimeout           time.Duration
	WebhookMaxRetries        int
	WebhookInitialRetryDelay time.Duration
	WebhookBackoffMultiplier float64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnvInt("PORT", 8080),
		BaseURL:     getEnv("ANYCRAWL_BASE_URL", "http://localhost:8080"),
		DatabaseURL: getEnv("DATABASE_URL", "file:anycrawl.db?_journal=WAL&_timeout=5000"),

		AuthEnabled:     getEnvBool("ANYCRAWL_API_AUTH_ENABLED", true),
		CreditsEnabled:  getEnvBool("ANYCRAWL_API_CREDITS_ENABLED", true),
		WebhooksEnabled: getEnvBool("ANYCRAWL_WEBHOOKS_ENABLED", true),

		CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"*"}),

		StorageDriver:    getEnv("ANYCRAWL_STORAGE", ""),
		StorageEndpoint:  getEnv("AWS_ENDPOINT_URL_S3", ""),
		StorageAccessKey: getEnv("AWS_ACCESS_KEY_ID", ""),
		StorageSecretKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		StorageBucket:    getEnv("ANYCRAWL_S3_BUCKET", ""),
		StorageRegion:    getEnv("AWS_REGION", "auto"),

		CacheEnabled:       getEnvBool("ANYCRAWL_CACHE_ENABLED", true),
		CachePrefix:        getEnv("ANYCRAWL_CACHE_PREFIX", "cache/"),
		CacheDefaultMaxAge: getEnvDuration("ANYCRAWL_CACHE_DEFAULT_MAX_AGE", 24*time.Hour),

		ProxyBaseURL:    getEnv("ANYCRAWL_PROXY_URL", ""),
		ProxyStealthURL: getEnv("ANYCRAWL_PROXY_STEALTH_URL", ""),

		ScrapeBaseCredits:   getEnvFloat("ANYCRAWL_SCRAPE_CREDITS", 1),
		ProxyBaseCredits:    getEnvFloat("ANYCRAWL_PROXY_BASE_CREDITS", 1),
		ProxyStealthCredits: getEnvFloat("ANYCRAWL_PROXY_STEALTH_CREDITS", 2),
		JSONExtractCredits:  getEnvFloat("ANYCRAWL_JSON_EXTRACT_CREDITS", 2),
		SummaryCredits:      getEnvFloat("ANYCRAWL_SUMMARY_CREDITS", 1),
		TemplateCredits:     getEnvFloat("ANYCRAWL_TEMPLATE_CREDITS", 0),
		MapCredits:          getEnvFloat("ANYCRAWL_MAP_CREDITS", 1),
		SearchPageCredits:   getEnvFloat("ANYCRAWL_SEARCH_PAGE_CREDITS", 1),

		SearchEndpoint:     getEnv("ANYCRAWL_SEARCH_ENDPOINT", ""),
		SearchDefaultPages: getEnvInt("ANYCRAWL_SEARCH_DEFAULT_PAGES", 1),

		RateLimitPerKey: getEnvInt("ANYCRAWL_RATE_LIMIT_PER_KEY", 300),
		RateLimitPerIP:  getEnvInt("ANYCRAWL_RATE_LIMIT_PER_IP", 100),

		RequestTimeout:         getEnvDuration("ANYCRAWL_REQUEST_TIMEOUT", 60*time.Second),
		QueueVisibilityTimeout: getEnvDuration("ANYCRAWL_QUEUE_VISIBILITY_TIMEOUT", 5*time.Minute),
		WorkerPollInterval:     getEnvDuration("WORKER_POLL_INTERVAL", 1*time.Second),
		WorkerConcurrency:      getEnvInt("WORKER_CONCURRENCY", 3),
		EngineRateLimit:        getEnvFloat("ANYCRAWL_ENGINE_RATE_LIMIT", 5),

		ReaperInterval:     getEnvDuration("ANYCRAWL_REAPER_INTERVAL", 1*time.Minute),
		StaleExecutionAge:  getEnvDuration("ANYCRAWL_STALE_EXECUTION_AGE", 30*time.Minute),
		StartupStaleJobAge: getEnvDuration("ANYCRAWL_STARTUP_STALE_JOB_AGE", 1*time.Hour),

		WebhookTimeout:           getEnvDuration("ANYCRAWL_WEBHOOK_TIMEOUT", 30*time.Second),
		WebhookMaxRetries:        getEnvInt("ANYCRAWL_WEBHOOK_MAX_RETRIES", 3),
		WebhookInitialRetryDelay: getEnvDuration("ANYCRAWL_WEBHOOK_INITIAL_RETRY_DELAY", 1*time.Second),
		WebhookBackoffMultiplier: getEnvFloat("ANYCRAWL_WEBHOOK_BACKOFF_MULTIPLIER", 2),
	}

	if cfg.StorageDriver != "" && cfg.StorageDriver != "s3" {
		return nil, fmt.Errorf("unsupported ANYCRAWL_STORAGE driver %q", cfg.StorageDriver)
	}

	// Set up the encryption key for webhook secrets at rest.
	if encKeyStr := getEnv("ANYCRAWL_ENCRYPTION_KEY", ""); encKeyStr != "" {
		decoded, err := base64.StdEncoding.DecodeString(encKeyStr)
		if err != nil || len(decoded) != 32 {
			return nil, fmt.Errorf("ANYCRAWL_ENCRYPTION_KEY must be a base64-encoded 32-byte key")
		}
		cfg.EncryptionKey = decoded
	} else if secret := getEnv("ANYCRAWL_SECRET", ""); secret != "" {
		cfg.EncryptionKey = deriveEncryptionKey(secret)
	}

	return cfg, nil
}

// StorageEnabled returns true if the S3 blob store is configured.
func (c *Config) StorageEnabled() bool {
	return c.StorageDriver == "s3" && c.StorageBucket != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// deriveEncryptionKey creates a 32-byte AES-256 key from a server secret
// using HKDF-SHA256. Appropriate for high-entropy secrets only.
func deriveEncryptionKey(secret string) []byte {
	salt := []byte("anycrawl-api-encryption-key-v1")
	info := []byte("aes-256-gcm-webhook-secrets")

	r := hkdf.New(sha256.New, []byte(secret), salt, info)
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		panic("hkdf: failed to derive key: " + err.Error())
	}
	return key
}
