package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/arcano/internal/models"
)

var ErrInsufficientCredits = errors.New("insufficient credits")

type CreditRepository struct {
	db *sql.DB
}

func NewCreditRepository(db *sql.DB) *CreditRepository {
	return &CreditRepository{db: db}
}

// applyLedger records a ledger entry and moves the user's balances only when
// the entry is new. A repeated reference is a no-op and reports false.
func applyLedger(ctx context.Context, tx *sql.Tx, e models.CreditTransaction) (bool, error) {
	const insert = `
INSERT IGNORE INTO credit_transactions (user_id, job_id, kind, monthly_delta, lifetime_delta, reference)
VALUES (?, NULLIF(?, ''), ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, insert, e.UserID, e.JobID, e.Kind, e.MonthlyDelta, e.LifetimeDelta, e.Reference)
	if err != nil {
		return false, fmt.Errorf("insert ledger entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ledger rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	if e.MonthlyDelta == 0 && e.LifetimeDelta == 0 {
		return true, nil
	}

	const update = `
UPDATE users
SET monthly_credits = GREATEST(monthly_credits + ?, 0), lifetime_credits = GREATEST(lifetime_credits + ?, 0), updated_at = NOW()
WHERE id = ?`
	if _, err := tx.ExecContext(ctx, update, e.MonthlyDelta, e.LifetimeDelta, e.UserID); err != nil {
		return false, fmt.Errorf("apply ledger balance: %w", err)
	}
	return true, nil
}

// Grant applies a single ledger entry in its own transaction.
func (r *CreditRepository) Grant(ctx context.Context, e models.CreditTransaction) (bool, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	applied, err := applyLedger(ctx, tx, e)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit grant: %w", err)
	}
	return applied, nil
}

func (r *CreditRepository) History(ctx context.Context, userID int64, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	const query = `
SELECT id, user_id, COALESCE(job_id, ''), kind, monthly_delta, lifetime_delta, reference, created_at
FROM credit_transactions
WHERE user_id = ?
ORDER BY id DESC
LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list credit history: %w", err)
	}
	defer rows.Close()

	var entries []models.CreditTransaction
	for rows.Next() {
		var e models.CreditTransaction
		if err := rows.Scan(&e.ID, &e.UserID, &e.JobID, &e.Kind, &e.MonthlyDelta, &e.LifetimeDelta, &e.Reference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
