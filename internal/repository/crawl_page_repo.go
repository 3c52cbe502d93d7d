package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/anycrawl/anycrawl-api/internal/models"
)

// SQLiteCrawlPageRepository implements CrawlPageRepository for SQLite.
type SQLiteCrawlPageRepository struct {
	db *sql.DB
}

// NewSQLiteCrawlPageRepository creates a new SQLite crawl page repository.
func NewSQLiteCrawlPageRepository(db *sql.DB) *SQLiteCrawlPageRepository {
	return &SQLiteCrawlPageRepository{db: db}
}

const crawlPageColumns = `id, job_id, url, status, data_json, error_message, created_at`

func (r *SQLiteCrawlPageRepository) Create(ctx context.Context, page *models.CrawlPage) error {
	query := `
		INSERT INTO crawl_pages (` + crawlPageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		page.ID,
		page.JobID,
		page.URL,
		page.Status,
		nullString(page.DataJSON),
		nullString(page.ErrorMessage),
		page.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create crawl page: %w", err)
	}
	return nil
}

func (r *SQLiteCrawlPageRepository) GetByJobID(ctx context.Context, jobID string) ([]*models.CrawlPage, error) {
	query := `SELECT ` + crawlPageColumns + ` FROM crawl_pages WHERE job_id = ? ORDER BY id ASC`
	rows, err := r.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query crawl pages: %w", err)
	}
	defer rows.Close()

	return collectCrawlPages(rows)
}

// GetAfterID returns pages with ID greater than afterID. ULIDs are
// time-ordered, so this gives stable cursor pagination.
func (r *SQLiteCrawlPageRepository) GetAfterID(ctx context.Context, jobID, afterID string, limit int) ([]*models.CrawlPage, error) {
	query := `SELECT ` + crawlPageColumns + ` FROM crawl_pages WHERE job_id = ? AND id > ? ORDER BY id ASC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, jobID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query crawl pages: %w", err)
	}
	defer rows.Close()

	return collectCrawlPages(rows)
}

func (r *SQLiteCrawlPageRepository) CountByJobID(ctx context.Context, jobID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM crawl_pages WHERE job_id = ?`, jobID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count crawl pages: %w", err)
	}
	return count, nil
}

func collectCrawlPages(rows *sql.Rows) ([]*models.CrawlPage, error) {
	var pages []*models.CrawlPage
	for rows.Next() {
		var page models.CrawlPage
		var dataJSON, errorMessage sql.NullString
		var createdAt string

		if err := rows.Scan(&page.ID, &page.JobID, &page.URL, &page.Status, &dataJSON, &errorMessage, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan crawl page: %w", err)
		}

		page.DataJSON = dataJSON.String
		page.ErrorMessage = errorMessage.String
		page.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

		pages = append(pages, &page)
	}
	return pages, rows.Err()
}
