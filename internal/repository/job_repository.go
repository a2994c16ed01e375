package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/digkill/arcano/internal/models"
)

var ErrActiveJobExists = errors.New("user already has an active job")

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, user_id, tool, status, cost, COALESCE(input_url, ''), COALESCE(output_url, ''), COALESCE(provider_task_id, ''), COALESCE(error_message, ''), refunded, created_at, queued_at, started_at, completed_at, updated_at`

func consumeReference(jobID string) string { return "job:" + jobID + ":consume" }
func refundReference(jobID string) string { return "job:" + jobID + ":refund" }

func scanJob(row interface{ Scan(...any) error }) (*models.Job, error) {
	var j models.Job
	var queued, started, completed sql.NullTime
	if err := row.Scan(&j.ID, &j.UserID, &j.Tool, &j.Status, &j.Cost, &j.InputURL, &j.OutputURL, &j.ProviderTaskID, &j.ErrorMessage, &j.Refunded, &j.CreatedAt, &queued, &started, &completed, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.QueuedAt = nullTimePtr(queued)
	j.StartedAt = nullTimePtr(started)
	j.CompletedAt = nullTimePtr(completed)
	return &j, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func activeStatusArgs() []any {
	args := make([]any, 0, len(models.ActiveStatuses))
	for _, s := range models.ActiveStatuses {
		args = append(args, s)
	}
	return args
}

// CreateWithDebit admits a new job: under the user's row lock it checks that
// no other job is active, debits the cost (monthly wallet first) and stores
// the job as pending together with its consume ledger entry.
func (r *JobRepository) CreateWithDebit(ctx context.Context, job *models.Job) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var monthly, lifetime int
	row := tx.QueryRowContext(ctx, `SELECT monthly_credits, lifetime_credits FROM users WHERE id = ? FOR UPDATE`, job.UserID)
	if err := row.Scan(&monthly, &lifetime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("user %d not found", job.UserID)
		}
		return fmt.Errorf("lock user: %w", err)
	}

	var active int
	countQuery := `SELECT COUNT(*) FROM ai_jobs WHERE user_id = ? AND status IN (` + placeholders(len(models.ActiveStatuses)) + `)`
	args := append([]any{job.UserID}, activeStatusArgs()...)
	if err := tx.QueryRowContext(ctx, countQuery, args...).Scan(&active); err != nil {
		return fmt.Errorf("count active jobs: %w", err)
	}
	if active > 0 {
		return ErrActiveJobExists
	}

	fromMonthly, fromLifetime, err := models.SplitDebit(job.Cost, monthly, lifetime)
	if err != nil {
		if errors.Is(err, models.ErrInsufficientBalance) {
			return ErrInsufficientCredits
		}
		return err
	}

	const insert = `
INSERT INTO ai_jobs (id, user_id, tool, status, cost, input_url)
VALUES (?, ?, ?, ?, ?, NULLIF(?, ''))`
	if _, err := tx.ExecContext(ctx, insert, job.ID, job.UserID, job.Tool, models.JobPending, job.Cost, job.InputURL); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	if job.Cost > 0 {
		applied, err := applyLedger(ctx, tx, models.CreditTransaction{
			UserID:        job.UserID,
			JobID:         job.ID,
			Kind:          models.LedgerConsume,
			MonthlyDelta:  -fromMonthly,
			LifetimeDelta: -fromLifetime,
			Reference:     consumeReference(job.ID),
		})
		if err != nil {
			return err
		}
		if !applied {
			return fmt.Errorf("job %s already debited", job.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit job admission: %w", err)
	}

	now := time.Now().UTC()
	job.Status = models.JobPending
	job.CreatedAt = now
	job.UpdatedAt = now
	return nil
}

// Transition moves a job to a new status when the lifecycle allows it. With
// upd.Refund set, a move into failed or cancelled also returns the job's
// credits to the wallets they were taken from, at most once per job.
// It reports false when the job was already past the requested state.
func (r *JobRepository) Transition(ctx context.Context, id string, to models.JobStatus, upd models.JobUpdate) (*models.Job, bool, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM ai_jobs WHERE id = ? FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("lock job: %w", err)
	}
	if !models.CanTransition(job.Status, to) {
		return job, false, nil
	}

	now := time.Now().UTC()
	job.Status = to
	job.UpdatedAt = now
	if upd.OutputURL != "" {
		job.OutputURL = upd.OutputURL
	}
	if upd.ProviderTaskID != "" {
		job.ProviderTaskID = upd.ProviderTaskID
	}
	if upd.ErrorMessage != "" {
		job.ErrorMessage = upd.ErrorMessage
	}
	switch {
	case to == models.JobQueued:
		job.QueuedAt = &now
	case to == models.JobRunning:
		job.StartedAt = &now
	case to.Terminal():
		job.CompletedAt = &now
	}

	const update = `
UPDATE ai_jobs
SET status = ?, output_url = NULLIF(?, ''), provider_task_id = NULLIF(?, ''), error_message = NULLIF(?, ''),
    queued_at = ?, started_at = ?, completed_at = ?, updated_at = ?
WHERE id = ?`
	if _, err := tx.ExecContext(ctx, update, job.Status, job.OutputURL, job.ProviderTaskID, job.ErrorMessage, job.QueuedAt, job.StartedAt, job.CompletedAt, job.UpdatedAt, job.ID); err != nil {
		return nil, false, fmt.Errorf("update job status: %w", err)
	}

	if upd.Refund && (to == models.JobFailed || to == models.JobCancelled) && job.Cost > 0 {
		refunded, err := refundJob(ctx, tx, job)
		if err != nil {
			return nil, false, err
		}
		job.Refunded = job.Refunded || refunded
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit job transition: %w", err)
	}
	return job, true, nil
}

// refundJob reverses the consume entry of a job inside the caller's tx.
func refundJob(ctx context.Context, tx *sql.Tx, job *models.Job) (bool, error) {
	var monthly, lifetime int
	row := tx.QueryRowContext(ctx, `SELECT monthly_delta, lifetime_delta FROM credit_transactions WHERE reference = ?`, consumeReference(job.ID))
	if err := row.Scan(&monthly, &lifetime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("load consume entry: %w", err)
	}

	applied, err := applyLedger(ctx, tx, models.CreditTransaction{
		UserID:        job.UserID,
		JobID:         job.ID,
		Kind:          models.LedgerRefund,
		MonthlyDelta:  -monthly,
		LifetimeDelta: -lifetime,
		Reference:     refundReference(job.ID),
	})
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE ai_jobs SET refunded = 1 WHERE id = ?`, job.ID); err != nil {
		return false, fmt.Errorf("mark job refunded: %w", err)
	}
	return true, nil
}

func (r *JobRepository) SetProviderTask(ctx context.Context, id, taskID string) error {
	const query = `UPDATE ai_jobs SET provider_task_id = ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, taskID, id); err != nil {
		return fmt.Errorf("set provider task: %w", err)
	}
	return nil
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	job, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM ai_jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (r *JobRepository) GetByProviderTask(ctx context.Context, taskID string) (*models.Job, error) {
	job, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM ai_jobs WHERE provider_task_id = ? LIMIT 1`, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job by provider task: %w", err)
	}
	return job, nil
}

// ActiveForUser returns the user's newest unfinished job, if any.
func (r *JobRepository) ActiveForUser(ctx context.Context, userID int64) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM ai_jobs WHERE user_id = ? AND status IN (` + placeholders(len(models.ActiveStatuses)) + `) ORDER BY created_at DESC LIMIT 1`
	args := append([]any{userID}, activeStatusArgs()...)
	job, err := scanJob(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active job: %w", err)
	}
	return job, nil
}

func (r *JobRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]models.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := `SELECT ` + jobColumns + ` FROM ai_jobs WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`
	return r.list(ctx, query, userID, limit)
}

// ListByStatus returns jobs in any of the given statuses whose last update
// is older than updatedBefore, oldest first.
func (r *JobRepository) ListByStatus(ctx context.Context, statuses []models.JobStatus, updatedBefore time.Time, limit int) ([]models.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + jobColumns + ` FROM ai_jobs WHERE status IN (` + placeholders(len(statuses)) + `) AND updated_at < ? ORDER BY updated_at ASC LIMIT ?`
	args := make([]any, 0, len(statuses)+2)
	for _, s := range statuses {
		args = append(args, s)
	}
	args = append(args, updatedBefore, limit)
	return r.list(ctx, query, args...)
}

func (r *JobRepository) list(ctx context.Context, query string, args ...any) ([]models.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}
