package queue

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/anycrawl/anycrawl-api/internal/database/migrations"
	"github.com/anycrawl/anycrawl-api/internal/models"
	"github.com/anycrawl/anycrawl-api/internal/repository"
)

func newTestManager(t *testing.T) (*Manager, *repository.Repositories) {
	t.Helper()

	db, err := sql.Open("libsql", ":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	// Every pooled connection gets its own in-memory database, so the pool
	// must stay on the single connection the migrations ran against.
	db.SetMaxOpenConns(1)

	if err := migrations.Run(db, nil); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	repos := repository.NewRepositories(db)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(repos.Queue, repos.Job, logger), repos
}

func TestManager_EnqueueSetsTimestamps(t *testing.T) {
	m, repos := newTestManager(t)
	ctx := context.Background()

	before := time.Now().Add(-time.Second)
	msg, err := m.Enqueue(ctx, models.QueueWebhook, "job_1", map[string]any{"delivery_id": "d_1"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	stored, err := repos.Queue.GetByID(ctx, msg.ID)
	if err != nil || stored == nil {
		t.Fatalf("GetByID() message = %v, error = %v", stored, err)
	}
	if stored.CreatedAt.Before(before) {
		t.Errorf("created_at = %v, want a recent timestamp", stored.CreatedAt)
	}
	if stored.UpdatedAt.Before(before) {
		t.Errorf("updated_at = %v, want a recent timestamp", stored.UpdatedAt)
	}
	if stored.Status != models.QueueMessageStatusPending {
		t.Errorf("status = %q, want pending", stored.Status)
	}
}

func TestManager_EnqueueAfterDelaysVisibility(t *testing.T) {
	m, repos := newTestManager(t)
	ctx := context.Background()

	delay := time.Hour
	before := time.Now().Add(-time.Second)
	msg, err := m.EnqueueAfter(ctx, models.QueueWebhook, "job_1", map[string]any{"delivery_id": "d_1"}, delay)
	if err != nil {
		t.Fatalf("EnqueueAfter() error = %v", err)
	}

	stored, err := repos.Queue.GetByID(ctx, msg.ID)
	if err != nil || stored == nil {
		t.Fatalf("GetByID() message = %v, error = %v", stored, err)
	}
	if stored.AvailableAt.Before(before.Add(delay)) {
		t.Errorf("available_at = %v, want at least %v out", stored.AvailableAt, delay)
	}
	if stored.CreatedAt.Before(before) {
		t.Errorf("created_at = %v, want a recent timestamp", stored.CreatedAt)
	}

	// Not visible yet: a lease attempt comes back empty.
	leased, err := repos.Queue.Lease(ctx, models.QueueWebhook, time.Minute)
	if err != nil {
		t.Fatalf("Lease() error = %v", err)
	}
	if leased != nil {
		t.Errorf("leased delayed message %s before its visibility time", leased.ID)
	}
}
