package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/arcano/internal/models"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

func jobRow(id string, status models.JobStatus, cost int) *sqlmock.Rows {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return sqlmock.NewRows([]string{
		"id", "user_id", "tool", "status", "cost", "input_url", "output_url", "provider_task_id",
		"error_message", "refunded", "created_at", "queued_at", "started_at", "completed_at", "updated_at",
	}).AddRow(id, int64(7), "upscaler", string(status), cost, "https://cdn/in.png", "", "task-1", "", false, now, nil, nil, nil, now)
}

func expectUserLock(mock sqlmock.Sqlmock, monthly, lifetime int) {
	mock.ExpectQuery(`SELECT monthly_credits, lifetime_credits FROM users WHERE id = \? FOR UPDATE`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"monthly_credits", "lifetime_credits"}).AddRow(monthly, lifetime))
}

func expectActiveCount(mock sqlmock.Sqlmock, n int) {
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM ai_jobs WHERE user_id = \? AND status IN \(\?, \?, \?\)`).
		WithArgs(int64(7), "pending", "queued", "running").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(n))
}

func TestCreateWithDebitSplitsAcrossWallets(t *testing.T) {
	db, mock := newMock(t)
	repo := NewJobRepository(db)

	mock.ExpectBegin()
	expectUserLock(mock, 3, 10)
	expectActiveCount(mock, 0)
	mock.ExpectExec(`INSERT INTO ai_jobs`).
		WithArgs("job-1", int64(7), "upscaler", "pending", 5, "https://cdn/in.png").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT IGNORE INTO credit_transactions`).
		WithArgs(int64(7), "job-1", "consume", -3, -2, "job:job-1:consume").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE users`).
		WithArgs(-3, -2, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job := &models.Job{ID: "job-1", UserID: 7, Tool: models.ToolUpscaler, Cost: 5, InputURL: "https://cdn/in.png"}
	require.NoError(t, repo.CreateWithDebit(context.Background(), job))
	assert.Equal(t, models.JobPending, job.Status)
}

func TestCreateWithDebitRejectsInsufficientCredits(t *testing.T) {
	db, mock := newMock(t)
	repo := NewJobRepository(db)

	mock.ExpectBegin()
	expectUserLock(mock, 1, 2)
	expectActiveCount(mock, 0)
	mock.ExpectRollback()

	err := repo.CreateWithDebit(context.Background(), &models.Job{ID: "job-1", UserID: 7, Tool: models.ToolUpscaler, Cost: 5})
	assert.ErrorIs(t, err, ErrInsufficientCredits)
}

func TestCreateWithDebitRejectsSecondActiveJob(t *testing.T) {
	db, mock := newMock(t)
	repo := NewJobRepository(db)

	mock.ExpectBegin()
	expectUserLock(mock, 100, 0)
	expectActiveCount(mock, 1)
	mock.ExpectRollback()

	err := repo.CreateWithDebit(context.Background(), &models.Job{ID: "job-2", UserID: 7, Tool: models.ToolUpscaler, Cost: 5})
	assert.ErrorIs(t, err, ErrActiveJobExists)
}

func TestTransitionFailedRefundsConsumeSplit(t *testing.T) {
	db, mock := newMock(t)
	repo := NewJobRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM ai_jobs WHERE id = \? FOR UPDATE`).WithArgs("job-1").WillReturnRows(jobRow("job-1", models.JobRunning, 5))
	mock.ExpectExec(`UPDATE ai_jobs\s+SET status`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT monthly_delta, lifetime_delta FROM credit_transactions WHERE reference = \?`).
		WithArgs("job:job-1:consume").
		WillReturnRows(sqlmock.NewRows([]string{"monthly_delta", "lifetime_delta"}).AddRow(-3, -2))
	mock.ExpectExec(`INSERT IGNORE INTO credit_transactions`).
		WithArgs(int64(7), "job-1", "refund", 3, 2, "job:job-1:refund").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec(`UPDATE users`).WithArgs(3, 2, int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE ai_jobs SET refunded = 1`).WithArgs("job-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job, changed, err := repo.Transition(context.Background(), "job-1", models.JobFailed, models.JobUpdate{ErrorMessage: "boom", Refund: true})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, "boom", job.ErrorMessage)
	assert.True(t, job.Refunded)
	assert.NotNil(t, job.CompletedAt)
}

func TestTransitionRefundIsAppliedOnce(t *testing.T) {
	db, mock := newMock(t)
	repo := NewJobRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM ai_jobs WHERE id = \? FOR UPDATE`).WithArgs("job-1").WillReturnRows(jobRow("job-1", models.JobQueued, 5))
	mock.ExpectExec(`UPDATE ai_jobs\s+SET status`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT monthly_delta, lifetime_delta FROM credit_transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"monthly_delta", "lifetime_delta"}).AddRow(-5, 0))
	mock.ExpectExec(`INSERT IGNORE INTO credit_transactions`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	job, changed, err := repo.Transition(context.Background(), "job-1", models.JobCancelled, models.JobUpdate{Refund: true})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, job.Refunded)
}

func TestTransitionLeavesTerminalJobAlone(t *testing.T) {
	db, mock := newMock(t)
	repo := NewJobRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM ai_jobs WHERE id = \? FOR UPDATE`).WithArgs("job-1").WillReturnRows(jobRow("job-1", models.JobCompleted, 5))
	mock.ExpectRollback()

	job, changed, err := repo.Transition(context.Background(), "job-1", models.JobFailed, models.JobUpdate{Refund: true})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.JobCompleted, job.Status)
}

func TestTransitionMissingJob(t *testing.T) {
	db, mock := newMock(t)
	repo := NewJobRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM ai_jobs WHERE id = \? FOR UPDATE`).WithArgs("nope").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	job, changed, err := repo.Transition(context.Background(), "nope", models.JobRunning, models.JobUpdate{})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Nil(t, job)
}

func TestListByStatusBuildsInClause(t *testing.T) {
	db, mock := newMock(t)
	repo := NewJobRepository(db)
	before := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`WHERE status IN \(\?, \?\) AND updated_at < \? ORDER BY updated_at ASC LIMIT \?`).
		WithArgs("queued", "running", before, 100).
		WillReturnRows(jobRow("job-1", models.JobQueued, 5))

	jobs, err := repo.ListByStatus(context.Background(), []models.JobStatus{models.JobQueued, models.JobRunning}, before, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "task-1", jobs[0].ProviderTaskID)
}
