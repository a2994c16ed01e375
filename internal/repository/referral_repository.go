package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/arcano/internal/models"
)

var (
	ErrReferralExists   = errors.New("user was already referred")
	ErrReferralCircular = errors.New("referrer was referred by this user")
)

type ReferralRepository struct {
	db *sql.DB
}

func NewReferralRepository(db *sql.DB) *ReferralRepository {
	return &ReferralRepository{db: db}
}

// CodeFor returns the user's referral code or "" when none was issued yet.
func (r *ReferralRepository) CodeFor(ctx context.Context, userID int64) (string, error) {
	var code string
	if err := r.db.QueryRowContext(ctx, `SELECT code FROM referral_codes WHERE user_id = ?`, userID).Scan(&code); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get referral code: %w", err)
	}
	return code, nil
}

// InsertCode stores a candidate code. False means the user already has a
// code or the candidate collided with another user's.
func (r *ReferralRepository) InsertCode(ctx context.Context, userID int64, code string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `INSERT IGNORE INTO referral_codes (user_id, code) VALUES (?, ?)`, userID, code)
	if err != nil {
		return false, fmt.Errorf("insert referral code: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("referral code rows affected: %w", err)
	}
	return affected > 0, nil
}

// FindOwner resolves a code to its owner, 0 when the code is unknown.
func (r *ReferralRepository) FindOwner(ctx context.Context, code string) (int64, error) {
	var userID int64
	if err := r.db.QueryRowContext(ctx, `SELECT user_id FROM referral_codes WHERE code = ?`, code).Scan(&userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("find referral owner: %w", err)
	}
	return userID, nil
}

// Record links a referred user to the referrer and pays both bonuses.
// Two users cannot refer each other.
func (r *ReferralRepository) Record(ctx context.Context, referrerID, referredID int64, referrerBonus, referredBonus int) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var reverse int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM referrals WHERE referrer_id = ? AND referred_id = ? FOR UPDATE`, referredID, referrerID).Scan(&reverse)
	switch {
	case err == nil:
		return ErrReferralCircular
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check reverse referral: %w", err)
	}

	res, err := tx.ExecContext(ctx, `INSERT IGNORE INTO referrals (referrer_id, referred_id) VALUES (?, ?)`, referrerID, referredID)
	if err != nil {
		return fmt.Errorf("insert referral: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("referral rows affected: %w", err)
	}
	if affected == 0 {
		return ErrReferralExists
	}

	grants := []models.CreditTransaction{
		{UserID: referrerID, Kind: models.LedgerReferral, LifetimeDelta: referrerBonus, Reference: fmt.Sprintf("referral:%d:referrer", referredID)},
		{UserID: referredID, Kind: models.LedgerReferral, LifetimeDelta: referredBonus, Reference: fmt.Sprintf("referral:%d:referred", referredID)},
	}
	for _, g := range grants {
		if g.LifetimeDelta <= 0 {
			continue
		}
		if _, err := applyLedger(ctx, tx, g); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit referral: %w", err)
	}
	return nil
}
