package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/arcano/internal/models"
)

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, auth_id, COALESCE(email, ''), COALESCE(telegram_chat_id, 0), monthly_credits, lifetime_credits, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.AuthID, &u.Email, &u.TelegramChatID, &u.MonthlyCredits, &u.LifetimeCredits, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepository) FindByAuthID(ctx context.Context, authID string) (*models.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE auth_id = ?`, authID)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// Ensure returns the user for an auth subject, creating the row on first sight.
func (r *UserRepository) Ensure(ctx context.Context, authID, email string) (*models.User, bool, error) {
	user, err := r.FindByAuthID(ctx, authID)
	if err != nil {
		return nil, false, err
	}
	if user != nil {
		if email != "" && email != user.Email {
			if err := r.updateEmail(ctx, user.ID, email); err != nil {
				return nil, false, err
			}
			user.Email = email
		}
		return user, false, nil
	}

	const query = `
INSERT INTO users (auth_id, email)
VALUES (?, NULLIF(?, ''))
ON DUPLICATE KEY UPDATE auth_id = auth_id`
	if _, err := r.db.ExecContext(ctx, query, authID, email); err != nil {
		return nil, false, fmt.Errorf("insert user: %w", err)
	}
	// Re-read so a concurrent first request resolves to the same row.
	created, err := r.FindByAuthID(ctx, authID)
	if err != nil {
		return nil, false, err
	}
	if created == nil {
		return nil, false, fmt.Errorf("user %s vanished after insert", authID)
	}
	return created, true, nil
}

func (r *UserRepository) updateEmail(ctx context.Context, userID int64, email string) error {
	const query = `UPDATE users SET email = NULLIF(?, ''), updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, email, userID); err != nil {
		return fmt.Errorf("update email: %w", err)
	}
	return nil
}

func (r *UserRepository) SetTelegramChatID(ctx context.Context, userID, chatID int64) error {
	const query = `UPDATE users SET telegram_chat_id = NULLIF(?, 0), updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, chatID, userID); err != nil {
		return fmt.Errorf("set telegram chat id: %w", err)
	}
	return nil
}

func (r *UserRepository) ListTelegramChatIDs(ctx context.Context) ([]int64, error) {
	const query = `SELECT telegram_chat_id FROM users WHERE telegram_chat_id IS NOT NULL`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list telegram chat ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan telegram chat id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
