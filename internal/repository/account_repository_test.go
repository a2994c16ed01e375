package repository

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userRow(id int64, authID, email string) *sqlmock.Rows {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return sqlmock.NewRows([]string{"id", "auth_id", "email", "telegram_chat_id", "monthly_credits", "lifetime_credits", "created_at", "updated_at"}).
		AddRow(id, authID, email, int64(0), 0, 5, now, now)
}

func TestEnsureCreatesUserOnFirstSight(t *testing.T) {
	db, mock := newMock(t)
	repo := NewUserRepository(db)

	mock.ExpectQuery(`FROM users WHERE auth_id = \?`).WithArgs("auth-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(`INSERT INTO users`).WithArgs("auth-1", "a@b.c").WillReturnResult(sqlmock.NewResult(9, 1))
	mock.ExpectQuery(`FROM users WHERE auth_id = \?`).WithArgs("auth-1").
		WillReturnRows(userRow(9, "auth-1", "a@b.c"))

	user, created, err := repo.Ensure(context.Background(), "auth-1", "a@b.c")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(9), user.ID)
	assert.Equal(t, 5, user.LifetimeCredits)
}

func TestEnsureRefreshesChangedEmail(t *testing.T) {
	db, mock := newMock(t)
	repo := NewUserRepository(db)

	mock.ExpectQuery(`FROM users WHERE auth_id = \?`).WithArgs("auth-1").
		WillReturnRows(userRow(9, "auth-1", "old@b.c"))
	mock.ExpectExec(`UPDATE users SET email`).WithArgs("new@b.c", int64(9)).WillReturnResult(sqlmock.NewResult(0, 1))

	user, created, err := repo.Ensure(context.Background(), "auth-1", "new@b.c")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "new@b.c", user.Email)
}

func TestApplySubscriptionExtendsPremium(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPremiumRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT IGNORE INTO credit_transactions`).
		WithArgs(int64(7), "", "subscription", 300, 0, "payment:11").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE users`).WithArgs(300, 0, int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO premium_users`).WithArgs(int64(7), int64(2), 30, 30).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := repo.ApplySubscription(context.Background(), 7, 2, 30, 300, "payment:11")
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestApplySubscriptionReplayIsNoop(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPremiumRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT IGNORE INTO credit_transactions`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	applied, err := repo.ApplySubscription(context.Background(), 7, 2, 30, 300, "payment:11")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestExpireClearsMonthlyWallet(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPremiumRepository(db)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expiredAt := now.Add(-time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status, expires_at FROM premium_users WHERE user_id = \? FOR UPDATE`).WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"status", "expires_at"}).AddRow("active", expiredAt))
	mock.ExpectQuery(`SELECT monthly_credits FROM users WHERE id = \? FOR UPDATE`).WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"monthly_credits"}).AddRow(120))
	mock.ExpectExec(`INSERT IGNORE INTO credit_transactions`).
		WithArgs(int64(7), "", "expire", -120, 0, "expire:7:"+strconv.FormatInt(expiredAt.Unix(), 10)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE users`).WithArgs(-120, 0, int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE premium_users SET status = 'expired'`).WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	expired, err := repo.Expire(context.Background(), 7, now)
	require.NoError(t, err)
	assert.True(t, expired)
}

func TestExpireSkipsRenewedPremium(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPremiumRepository(db)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status, expires_at FROM premium_users`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "expires_at"}).AddRow("active", now.Add(24*time.Hour)))
	mock.ExpectRollback()

	expired, err := repo.Expire(context.Background(), 7, now)
	require.NoError(t, err)
	assert.False(t, expired)
}

func TestReferralRecordPaysBothSides(t *testing.T) {
	db, mock := newMock(t)
	repo := NewReferralRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM referrals WHERE referrer_id = \? AND referred_id = \?`).WithArgs(int64(2), int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"1"}))
	mock.ExpectExec(`INSERT IGNORE INTO referrals`).WithArgs(int64(1), int64(2)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT IGNORE INTO credit_transactions`).
		WithArgs(int64(1), "", "referral", 0, 50, "referral:2:referrer").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE users`).WithArgs(0, 50, int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT IGNORE INTO credit_transactions`).
		WithArgs(int64(2), "", "referral", 0, 30, "referral:2:referred").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec(`UPDATE users`).WithArgs(0, 30, int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Record(context.Background(), 1, 2, 50, 30))
}

func TestReferralRecordRejectsMutualReferral(t *testing.T) {
	db, mock := newMock(t)
	repo := NewReferralRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM referrals WHERE referrer_id = \? AND referred_id = \?`).WithArgs(int64(2), int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectRollback()

	assert.ErrorIs(t, repo.Record(context.Background(), 1, 2, 50, 30), ErrReferralCircular)
}

func TestInsertCodeReportsCollision(t *testing.T) {
	db, mock := newMock(t)
	repo := NewReferralRepository(db)

	mock.ExpectExec(`INSERT IGNORE INTO referral_codes`).WithArgs(int64(4), "ABCD1234").WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := repo.InsertCode(context.Background(), 4, "ABCD1234")
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestFindOwnerUnknownCode(t *testing.T) {
	db, mock := newMock(t)
	repo := NewReferralRepository(db)

	mock.ExpectQuery(`SELECT user_id FROM referral_codes WHERE code = \?`).WithArgs("NOPE0000").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

	owner, err := repo.FindOwner(context.Background(), "NOPE0000")
	require.NoError(t, err)
	assert.Zero(t, owner)
}
