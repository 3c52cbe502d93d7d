package repository

import (
	"database/sql"
	"testing"

	"github.com/anycrawl/anycrawl-api/internal/database/migrations"
	_ "github.com/tursodatabase/go-libsql"
)

// setupTestDB creates an in-memory SQLite database for testing.
// It runs migrations and returns a database connection that will be cleaned up
// when the test completes.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("libsql", ":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	// Every pooled connection gets its own in-memory database, so the pool
	// must stay on the single connection the migrations ran against.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("failed to enable foreign keys: %v", err)
	}

	if err := migrations.Run(db, nil); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

// setupTestRepos creates all repositories using a test database.
func setupTestRepos(t *testing.T) *Repositories {
	t.Helper()
	db := setupTestDB(t)
	return NewRepositories(db)
}

// InsertTestAPIKey is a helper to insert a test API key directly.
func InsertTestAPIKey(t *testing.T, db *sql.DB, id, keyHash string, credits float64) {
	t.Helper()
	query := `
		INSERT INTO api_keys (id, name, key_hash, key_prefix, credits, is_active, created_at)
		VALUES (?, 'Test Key', ?, 'ac_test_', ?, 1, datetime('now'))
	`
	if _, err := db.Exec(query, id, keyHash, credits); err != nil {
		t.Fatalf("failed to insert test API key: %v", err)
	}
}

// InsertTestJob is a helper to insert a test job directly.
func InsertTestJob(t *testing.T, db *sql.DB, id, apiKeyID, status string) {
	t.Helper()
	query := `
		INSERT INTO jobs (id, api_key_id, kind, queue, url, status, created_at, updated_at)
		VALUES (?, ?, 'scrape', 'scrape-cheerio', 'https://example.com', ?, datetime('now'), datetime('now'))
	`
	if _, err := db.Exec(query, id, apiKeyID, status); err != nil {
		t.Fatalf("failed to insert test job: %v", err)
	}
}

// InsertTestSubscription is a helper to insert a test webhook subscription.
func InsertTestSubscription(t *testing.T, db *sql.DB, id, apiKeyID, url string, active bool) {
	t.Helper()
	isActive := 0
	if active {
		isActive = 1
	}
	query := `
		INSERT INTO webhook_subscriptions (id, api_key_id, url, scope, events, timeout_seconds,
			max_retries, backoff_multiplier, is_active, created_at, updated_at)
		VALUES (?, ?, ?, 'all', '["*"]', 30, 3, 2, ?, datetime('now'), datetime('now'))
	`
	if _, err := db.Exec(query, id, apiKeyID, url, isActive); err != nil {
		t.Fatalf("failed to insert test subscription: %v", err)
	}
}
