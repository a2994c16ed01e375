package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/arcano/internal/models"
)

type PremiumRepository struct {
	db *sql.DB
}

func NewPremiumRepository(db *sql.DB) *PremiumRepository {
	return &PremiumRepository{db: db}
}

func (r *PremiumRepository) Get(ctx context.Context, userID int64) (*models.Premium, error) {
	const query = `SELECT user_id, plan_id, status, expires_at FROM premium_users WHERE user_id = ?`
	var p models.Premium
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&p.UserID, &p.PlanID, &p.Status, &p.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get premium: %w", err)
	}
	return &p, nil
}

// ApplySubscription extends (or starts) a premium period and tops up the
// monthly wallet. The reference makes a replayed payment a no-op.
func (r *PremiumRepository) ApplySubscription(ctx context.Context, userID, planID int64, days, credits int, reference string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	applied, err := applyLedger(ctx, tx, models.CreditTransaction{
		UserID:       userID,
		Kind:         models.LedgerSubscription,
		MonthlyDelta: credits,
		Reference:    reference,
	})
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	const upsert = `
INSERT INTO premium_users (user_id, plan_id, status, expires_at)
VALUES (?, ?, 'active', UTC_TIMESTAMP() + INTERVAL ? DAY)
ON DUPLICATE KEY UPDATE
    plan_id = VALUES(plan_id),
    status = 'active',
    expires_at = GREATEST(expires_at, UTC_TIMESTAMP()) + INTERVAL ? DAY,
    updated_at = NOW()`
	if _, err := tx.ExecContext(ctx, upsert, userID, planID, days, days); err != nil {
		return false, fmt.Errorf("upsert premium: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit subscription: %w", err)
	}
	return true, nil
}

func (r *PremiumRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]models.Premium, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
SELECT user_id, plan_id, status, expires_at
FROM premium_users
WHERE status = 'active' AND expires_at <= ?
ORDER BY expires_at ASC
LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired premium: %w", err)
	}
	defer rows.Close()

	var out []models.Premium
	for rows.Next() {
		var p models.Premium
		if err := rows.Scan(&p.UserID, &p.PlanID, &p.Status, &p.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan premium: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Expire ends a lapsed premium period and clears the monthly wallet. It
// re-checks the row under lock, so a renewal that landed in between wins.
func (r *PremiumRepository) Expire(ctx context.Context, userID int64, now time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var status string
	var expiresAt time.Time
	row := tx.QueryRowContext(ctx, `SELECT status, expires_at FROM premium_users WHERE user_id = ? FOR UPDATE`, userID)
	if err := row.Scan(&status, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("lock premium: %w", err)
	}
	if status != "active" || expiresAt.After(now) {
		return false, nil
	}

	var monthly int
	if err := tx.QueryRowContext(ctx, `SELECT monthly_credits FROM users WHERE id = ? FOR UPDATE`, userID).Scan(&monthly); err != nil {
		return false, fmt.Errorf("lock user: %w", err)
	}
	if monthly > 0 {
		if _, err := applyLedger(ctx, tx, models.CreditTransaction{
			UserID:       userID,
			Kind:         models.LedgerExpire,
			MonthlyDelta: -monthly,
			Reference:    fmt.Sprintf("expire:%d:%d", userID, expiresAt.Unix()),
		}); err != nil {
			return false, err
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE premium_users SET status = 'expired', updated_at = NOW() WHERE user_id = ?`, userID); err != nil {
		return false, fmt.Errorf("expire premium: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit expire: %w", err)
	}
	return true, nil
}
