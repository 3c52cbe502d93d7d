package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/anycrawl/anycrawl-api/internal/models"
)

// SQLiteLedgerRepository implements LedgerRepository for SQLite. The ledger
// is append-only; rows are written inside billing-service transactions, so
// this repository is read-only.
type SQLiteLedgerRepository struct {
	db *sql.DB
}

// NewSQLiteLedgerRepository creates a new SQLite ledger repository.
func NewSQLiteLedgerRepository(db *sql.DB) *SQLiteLedgerRepository {
	return &SQLiteLedgerRepository{db: db}
}

const ledgerColumns = `id, idempotency_key, job_id, api_key_id, mode, reason, charged,
	before_used, after_used, before_credits, after_credits, details_json, created_at`

func (r *SQLiteLedgerRepository) GetByJobID(ctx context.Context, jobID string) ([]*models.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM billing_ledger WHERE job_id = ? ORDER BY created_at ASC, id ASC`
	rows, err := r.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []*models.LedgerEntry
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *SQLiteLedgerRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM billing_ledger WHERE idempotency_key = ?`
	rows, err := r.db.QueryContext(ctx, query, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanLedgerEntry(rows)
}

func (r *SQLiteLedgerRepository) SumChargedByJobID(ctx context.Context, jobID string) (float64, error) {
	var sum float64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(charged), 0) FROM billing_ledger WHERE job_id = ?`, jobID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum ledger charges: %w", err)
	}
	return sum, nil
}

func (r *SQLiteLedgerRepository) SumChargedByAPIKeyID(ctx context.Context, apiKeyID string) (float64, error) {
	var sum float64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(charged), 0) FROM billing_ledger WHERE api_key_id = ?`, apiKeyID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum ledger charges: %w", err)
	}
	return sum, nil
}

func scanLedgerEntry(rows *sql.Rows) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	var apiKeyID, detailsJSON sql.NullString
	var beforeCredits, afterCredits sql.NullFloat64
	var createdAt string

	err := rows.Scan(
		&entry.ID, &entry.IdempotencyKey, &entry.JobID, &apiKeyID, &entry.Mode, &entry.Reason,
		&entry.Charged, &entry.BeforeUsed, &entry.AfterUsed, &beforeCredits, &afterCredits,
		&detailsJSON, &createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
	}

	entry.APIKeyID = apiKeyID.String
	entry.DetailsJSON = detailsJSON.String
	if beforeCredits.Valid {
		entry.BeforeCredits = &beforeCredits.Float64
	}
	if afterCredits.Valid {
		entry.AfterCredits = &afterCredits.Float64
	}
	entry.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	return &entry, nil
}
