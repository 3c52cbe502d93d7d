package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/anycrawl/anycrawl-api/internal/models"
	"github.com/anycrawl/anycrawl-api/internal/repository"
)

// ErrInvalidAPIKey covers unknown, revoked, and expired keys alike so the
// response never distinguishes them.
var ErrInvalidAPIKey = errors.New("invalid api key")

const apiKeyPrefix = "ac_"

// APIKeyService creates and authenticates API keys. Only the SHA-256 hash
// of a key is stored; the raw key is shown once at creation.
type APIKeyService struct {
	repos  *repository.Repositories
	logger *slog.Logger
}

// NewAPIKeyService creates an API key service.
func NewAPIKeyService(repos *repository.Repositories, logger *slog.Logger) *APIKeyService {
	return &APIKeyService{repos: repos, logger: logger.With("component", "apikeys")}
}

// Create mints a new key with the given starting balance. The returned raw
// key is not recoverable afterwards.
func (s *APIKeyService) Create(ctx context.Context, name, userID string, credits float64) (*models.APIKey, string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", fmt.Errorf("failed to generate api key: %w", err)
	}
	rawKey := apiKeyPrefix + hex.EncodeToString(buf)

	key := &models.APIKey{
		ID:        uuid.NewString(),
		Name:      name,
		KeyHash:   HashKey(rawKey),
		KeyPrefix: rawKey[:8],
		UserID:    userID,
		Credits:   credits,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repos.APIKey.Create(ctx, key); err != nil {
		return nil, "", err
	}
	return key, rawKey, nil
}

// Authenticate resolves a raw key to its record and bumps last_used_at.
func (s *APIKeyService) Authenticate(ctx context.Context, rawKey string) (*models.APIKey, error) {
	if rawKey == "" {
		return nil, ErrInvalidAPIKey
	}

	key, err := s.repos.APIKey.GetByKeyHash(ctx, HashKey(rawKey))
	if err != nil {
		return nil, err
	}
	if key == nil || !key.IsActive || key.RevokedAt != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, ErrInvalidAPIKey
	}

	if err := s.repos.APIKey.UpdateLastUsed(ctx, key.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("failed to update key last_used_at", "key_id", key.ID, "error", err)
	}
	return key, nil
}

// HashKey returns the stored form of a raw API key.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}
