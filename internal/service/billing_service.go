// Package service contains the business logic between HTTP handlers,
// repositories, and the engines.
package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/anycrawl/anycrawl-api/internal/models"
)

// maxChargeRetries bounds the optimistic-CAS loop on credits_used.
const maxChargeRetries = 5

// detailsEpsilon is the tolerance when checking that itemized charge details
// sum to the committed amount.
const detailsEpsilon = 1e-9

// ErrDuplicateTargetCharge is returned when a target-mode charge finds its
// idempotency key already reserved. Target-mode callers must supply a unique
// key per distinct target, so a collision is a caller bug, not a retry.
var ErrDuplicateTargetCharge = errors.New("duplicate target-mode idempotency key")

// BillingService is the only writer of api_keys.credits, jobs.credits_used,
// and the billing ledger. Every credit mutation commits together with its
// ledger row in one transaction, so sum(ledger.charged) == job.credits_used
// holds at all times.
type BillingService struct {
	db             *sql.DB
	creditsEnabled bool
	logger         *slog.Logger
}

// NewBillingService creates a billing service.
func NewBillingService(db *sql.DB, creditsEnabled bool, logger *slog.Logger) *BillingService {
	return &BillingService{
		db:             db,
		creditsEnabled: creditsEnabled,
		logger:         logger.With("component", "billing"),
	}
}

// ChargeDelta adds delta to the job's credits_used and subtracts it from the
// owning key's balance. idempotencyKey may be empty; one is synthesized from
// the before/after totals. A key collision means the same increment already
// committed, so the call dedups and returns charged=0.
func (s *BillingService) ChargeDelta(ctx context.Context, jobID string, delta float64, reason, idempotencyKey string, details *models.ChargeDetails) (float64, error) {
	if delta <= 0 {
		return 0, nil
	}

	for attempt := 0; attempt < maxChargeRetries; attempt++ {
		charged, retry, err := s.tryCharge(ctx, jobID, models.ChargeModeDelta, delta, reason, idempotencyKey, details)
		if err != nil {
			return 0, err
		}
		if !retry {
			return charged, nil
		}
	}
	return 0, fmt.Errorf("charge for job %s lost %d consecutive update races", jobID, maxChargeRetries)
}

// ChargeToUsed raises the job's credits_used monotonically to target and
// charges the difference. A target at or below the current total charges
// nothing and writes no ledger row. A key collision is an error: target-mode
// callers own key uniqueness per distinct target.
func (s *BillingService) ChargeToUsed(ctx context.Context, jobID string, target float64, reason, idempotencyKey string, details *models.ChargeDetails) (float64, error) {
	if target < 0 {
		return 0, fmt.Errorf("target used must be non-negative, got %v", target)
	}

	for attempt := 0; attempt < maxChargeRetries; attempt++ {
		charged, retry, err := s.tryCharge(ctx, jobID, models.ChargeModeTarget, target, reason, idempotencyKey, details)
		if err != nil {
			return 0, err
		}
		if !retry {
			return charged, nil
		}
	}
	return 0, fmt.Errorf("charge for job %s lost %d consecutive update races", jobID, maxChargeRetries)
}

// tryCharge runs one optimistic attempt: read the current total, reserve the
// ledger row, CAS the job total, move the key balance, all in one tx. The
// second return asks the caller to retry after a lost CAS race.
func (s *BillingService) tryCharge(ctx context.Context, jobID string, mode models.ChargeMode, amount float64, reason, idempotencyKey string, details *models.ChargeDetails) (float64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin billing transaction: %w", err)
	}
	defer tx.Rollback()

	var before float64
	var apiKeyID sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT credits_used, api_key_id FROM jobs WHERE id = ?`, jobID,
	).Scan(&before, &apiKeyID)
	if err == sql.ErrNoRows {
		return 0, false, fmt.Errorf("job %s not found", jobID)
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read job for billing: %w", err)
	}

	var charged, after float64
	switch mode {
	case models.ChargeModeDelta:
		charged = amount
		after = before + amount
	case models.ChargeModeTarget:
		charged = amount - before
		after = amount
	default:
		return 0, false, fmt.Errorf("unknown charge mode %q", mode)
	}
	if charged <= 0 {
		// Already at or past the target. No charge, no ledger row.
		return 0, false, nil
	}

	key := idempotencyKey
	if key == "" {
		key = synthesizeKey(mode, jobID, reason, before, after)
	}

	now := time.Now().UTC()
	entryID := ulid.Make().String()
	detailsJSON, err := normalizeDetails(details, charged, reason)
	if err != nil {
		return 0, false, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO billing_ledger
			(id, idempotency_key, job_id, api_key_id, mode, reason, charged, before_used, after_used, details_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entryID, key, jobID, apiKeyID, string(mode), reason, charged, before, after, detailsJSON, now.Format(time.RFC3339),
	)
	if err != nil {
		return 0, false, fmt.Errorf("failed to reserve ledger entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Another writer holds this key. Delta callers retried the same
		// increment; target callers violated key uniqueness.
		if mode == models.ChargeModeDelta {
			s.logger.Debug("delta charge deduplicated", "job_id", jobID, "idempotency_key", key)
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("%w: %s", ErrDuplicateTargetCharge, key)
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET credits_used = ?, deducted_at = COALESCE(deducted_at, ?), updated_at = ?
		WHERE id = ? AND credits_used = ?`,
		after, now.Format(time.RFC3339), now.Format(time.RFC3339), jobID, before,
	)
	if err != nil {
		return 0, false, fmt.Errorf("failed to update job credits: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race: someone moved credits_used since our read.
		return 0, true, nil
	}

	if s.creditsEnabled && apiKeyID.Valid && apiKeyID.String != "" {
		var beforeCredits float64
		err = tx.QueryRowContext(ctx,
			`SELECT credits FROM api_keys WHERE id = ?`, apiKeyID.String,
		).Scan(&beforeCredits)
		if err != nil {
			return 0, false, fmt.Errorf("failed to read api key balance: %w", err)
		}
		afterCredits := beforeCredits - charged

		if _, err := tx.ExecContext(ctx,
			`UPDATE api_keys SET credits = credits - ? WHERE id = ?`,
			charged, apiKeyID.String,
		); err != nil {
			return 0, false, fmt.Errorf("failed to deduct api key credits: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE billing_ledger SET before_credits = ?, after_credits = ? WHERE id = ?`,
			beforeCredits, afterCredits, entryID,
		); err != nil {
			return 0, false, fmt.Errorf("failed to snapshot api key balance: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit charge: %w", err)
	}

	s.logger.Info("charge committed",
		"job_id", jobID, "mode", mode, "reason", reason,
		"charged", charged, "before_used", before, "after_used", after)
	return charged, false, nil
}

func synthesizeKey(mode models.ChargeMode, jobID, reason string, before, after float64) string {
	if mode == models.ChargeModeTarget {
		return fmt.Sprintf("billing:target:%s:%v:%s", jobID, after, reason)
	}
	return fmt.Sprintf("billing:delta:%s:%v->%v:%s", jobID, before, after, reason)
}

// normalizeDetails validates itemized details against the committed charge.
// Non-positive items are dropped; when the remainder does not sum to the
// charge the items are replaced with one unattributed_adjustment line
// carrying the original total for audit.
func normalizeDetails(details *models.ChargeDetails, charged float64, reason string) (string, error) {
	if details == nil {
		return "", nil
	}

	items := make([]models.ChargeItem, 0, len(details.Items))
	var sum float64
	for _, item := range details.Items {
		if item.Credits <= 0 {
			continue
		}
		items = append(items, item)
		sum += item.Credits
	}

	if math.Abs(sum-charged) > detailsEpsilon {
		items = []models.ChargeItem{{
			Code:    models.ItemUnattributedAdjustment,
			Credits: charged,
			Meta: map[string]any{
				"reason":       reason,
				"source_total": sum,
			},
		}}
	}

	normalized := models.ChargeDetails{
		Version:    models.ChargeDetailsVersion,
		Basis:      models.BasisChargedDelta,
		Calculator: details.Calculator,
		Total:      charged,
		Items:      items,
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("failed to encode charge details: %w", err)
	}
	return string(data), nil
}
