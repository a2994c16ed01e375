package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/arcano/internal/models"
)

type CampaignRepository struct {
	db *sql.DB
}

func NewCampaignRepository(db *sql.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

const campaignColumns = `id, name, subject, status, total_recipients, sent_count, resume_attempts, COALESCE(last_error, ''), last_progress_at, created_at, updated_at`

func scanCampaign(row interface{ Scan(...any) error }) (*models.Campaign, error) {
	var c models.Campaign
	var progress sql.NullTime
	if err := row.Scan(&c.ID, &c.Name, &c.Subject, &c.Status, &c.TotalRecipients, &c.SentCount, &c.ResumeAttempts, &c.LastError, &progress, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.LastProgressAt = nullTimePtr(progress)
	return &c, nil
}

func (r *CampaignRepository) Create(ctx context.Context, c *models.Campaign) (*models.Campaign, error) {
	const query = `
INSERT INTO email_campaigns (name, subject, status, total_recipients)
VALUES (?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, c.Name, c.Subject, models.CampaignDraft, c.TotalRecipients)
	if err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("campaign last insert id: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*models.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM email_campaigns WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (r *CampaignRepository) List(ctx context.Context, limit int) ([]models.Campaign, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return r.list(ctx, `SELECT `+campaignColumns+` FROM email_campaigns ORDER BY id DESC LIMIT ?`, limit)
}

// MarkSending moves a draft into the sending state.
func (r *CampaignRepository) MarkSending(ctx context.Context, id int64, now time.Time) (bool, error) {
	const query = `
UPDATE email_campaigns
SET status = ?, last_progress_at = ?, resume_attempts = 0, last_error = NULL, updated_at = ?
WHERE id = ? AND status = ?`
	return r.exec(ctx, "mark campaign sending", query, models.CampaignSending, now, now, id, models.CampaignDraft)
}

// ReportProgress records a heartbeat from the sender. sent never goes down.
func (r *CampaignRepository) ReportProgress(ctx context.Context, id int64, sent int, done bool, now time.Time) (bool, error) {
	status := models.CampaignSending
	if done {
		status = models.CampaignSent
	}
	const query = `
UPDATE email_campaigns
SET sent_count = GREATEST(sent_count, ?), status = ?, last_progress_at = ?, updated_at = ?
WHERE id = ? AND status = ?`
	return r.exec(ctx, "report campaign progress", query, sent, status, now, now, id, models.CampaignSending)
}

// ListStalled returns sending campaigns with no heartbeat since before.
func (r *CampaignRepository) ListStalled(ctx context.Context, before time.Time) ([]models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM email_campaigns
WHERE status = ? AND (last_progress_at IS NULL OR last_progress_at < ?)
ORDER BY id ASC`
	return r.list(ctx, query, models.CampaignSending, before)
}

// ClaimResume counts a resume attempt and resets the heartbeat. The stall
// condition is re-checked so only one watchdog run claims a given stall.
func (r *CampaignRepository) ClaimResume(ctx context.Context, id int64, before, now time.Time) (bool, error) {
	const query = `
UPDATE email_campaigns
SET resume_attempts = resume_attempts + 1, last_progress_at = ?, updated_at = ?
WHERE id = ? AND status = ? AND (last_progress_at IS NULL OR last_progress_at < ?)`
	return r.exec(ctx, "claim campaign resume", query, now, now, id, models.CampaignSending, before)
}

func (r *CampaignRepository) MarkFailed(ctx context.Context, id int64, reason string, now time.Time) (bool, error) {
	const query = `
UPDATE email_campaigns
SET status = ?, last_error = ?, updated_at = ?
WHERE id = ? AND status = ?`
	return r.exec(ctx, "mark campaign failed", query, models.CampaignFailed, reason, now, id, models.CampaignSending)
}

func (r *CampaignRepository) exec(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s rows affected: %w", op, err)
	}
	return affected > 0, nil
}

func (r *CampaignRepository) list(ctx context.Context, query string, args ...any) ([]models.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
