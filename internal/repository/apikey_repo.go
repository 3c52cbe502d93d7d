package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/anycrawl/anycrawl-api/internal/models"
)

// SQLiteAPIKeyRepository implements APIKeyRepository for SQLite.
type SQLiteAPIKeyRepository struct {
	db *sql.DB
}

// NewSQLiteAPIKeyRepository creates a new SQLite API key repository.
func NewSQLiteAPIKeyRepository(db *sql.DB) *SQLiteAPIKeyRepository {
	return &SQLiteAPIKeyRepository{db: db}
}

const apiKeyColumns = `id, name, key_hash, key_prefix, user_id, credits, is_active,
	last_used_at, expires_at, created_at, revoked_at`

func (r *SQLiteAPIKeyRepository) Create(ctx context.Context, key *models.APIKey) error {
	query := `
		INSERT INTO api_keys (` + apiKeyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		key.ID,
		key.Name,
		key.KeyHash,
		key.KeyPrefix,
		nullString(key.UserID),
		key.Credits,
		key.IsActive,
		nullTime(key.LastUsedAt),
		nullTime(key.ExpiresAt),
		key.CreatedAt.Format(time.RFC3339),
		nullTime(key.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

func (r *SQLiteAPIKeyRepository) GetByID(ctx context.Context, id string) (*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE id = ?`
	return r.scanAPIKey(r.db.QueryRowContext(ctx, query, id))
}

func (r *SQLiteAPIKeyRepository) GetByKeyHash(ctx context.Context, hash string) (*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE key_hash = ?`
	return r.scanAPIKey(r.db.QueryRowContext(ctx, query, hash))
}

func (r *SQLiteAPIKeyRepository) UpdateLastUsed(ctx context.Context, id string, lastUsed time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
		lastUsed.Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update last used: %w", err)
	}
	return nil
}

func (r *SQLiteAPIKeyRepository) AddCredits(ctx context.Context, id string, amount float64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET credits = credits + ? WHERE id = ?`,
		amount, id,
	)
	if err != nil {
		return fmt.Errorf("failed to add credits: %w", err)
	}
	return nil
}

func (r *SQLiteAPIKeyRepository) Revoke(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET is_active = 0, revoked_at = ? WHERE id = ?`,
		time.Now().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	return nil
}

func (r *SQLiteAPIKeyRepository) scanAPIKey(row *sql.Row) (*models.APIKey, error) {
	var key models.APIKey
	var userID sql.NullString
	var lastUsedAt, expiresAt, revokedAt sql.NullString
	var createdAt string

	err := row.Scan(
		&key.ID, &key.Name, &key.KeyHash, &key.KeyPrefix, &userID, &key.Credits, &key.IsActive,
		&lastUsedAt, &expiresAt, &createdAt, &revokedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan api key: %w", err)
	}

	key.UserID = userID.String
	key.LastUsedAt = parseTimePtr(lastUsedAt)
	key.ExpiresAt = parseTimePtr(expiresAt)
	key.RevokedAt = parseTimePtr(revokedAt)
	key.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	return &key, nil
}
