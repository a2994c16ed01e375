package models

import (
	"errors"
	"time"
)

type Tool string

const (
	ToolUpscaler           Tool = "upscaler"
	ToolPoseChanger        Tool = "pose_changer"
	ToolClothingSwap       Tool = "clothing_swap"
	ToolCharacterGenerator Tool = "character_generator"
	ToolVideoUpscaler      Tool = "video_upscaler"
)

// Tools lists every tool in the order the catalogue shows them.
func Tools() []Tool {
	return []Tool{
		ToolUpscaler,
		ToolPoseChanger,
		ToolClothingSwap,
		ToolCharacterGenerator,
		ToolVideoUpscaler,
	}
}

func ParseTool(raw string) (Tool, bool) {
	for _, t := range Tools() {
		if string(t) == raw {
			return t, true
		}
	}
	return "", false
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// ActiveStatuses are the statuses that block a new submission.
var ActiveStatuses = []JobStatus{JobPending, JobQueued, JobRunning}

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

func (s JobStatus) Active() bool {
	return s == JobPending || s == JobQueued || s == JobRunning
}

// CanTransition reports whether a job may move from one status to another.
// Pending may skip ahead because the provider can report progress before
// the dispatcher has recorded the queued state.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobPending:
		return to == JobQueued || to == JobRunning || to == JobCompleted || to == JobFailed || to == JobCancelled
	case JobQueued:
		return to == JobRunning || to == JobCompleted || to == JobFailed || to == JobCancelled
	case JobRunning:
		return to == JobCompleted || to == JobFailed || to == JobCancelled
	default:
		return false
	}
}

type User struct {
	ID              int64     `json:"id"`
	AuthID          string    `json:"auth_id"`
	Email           string    `json:"email"`
	TelegramChatID  int64     `json:"telegram_chat_id,omitempty"`
	MonthlyCredits  int       `json:"monthly_credits"`
	LifetimeCredits int       `json:"lifetime_credits"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (u *User) Credits() int {
	return u.MonthlyCredits + u.LifetimeCredits
}

type Job struct {
	ID             string     `json:"id"`
	UserID         int64      `json:"user_id"`
	Tool           Tool       `json:"tool"`
	Status         JobStatus  `json:"status"`
	Cost           int        `json:"cost"`
	InputURL       string     `json:"input_url,omitempty"`
	OutputURL      string     `json:"output_url,omitempty"`
	ProviderTaskID string     `json:"provider_task_id,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	Refunded       bool       `json:"refunded"`
	CreatedAt      time.Time  `json:"created_at"`
	QueuedAt       *time.Time `json:"queued_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// JobUpdate carries the optional fields written alongside a status change.
type JobUpdate struct {
	OutputURL      string
	ProviderTaskID string
	ErrorMessage   string
	Refund         bool
}

type LedgerKind string

const (
	LedgerConsume      LedgerKind = "consume"
	LedgerRefund       LedgerKind = "refund"
	LedgerPurchase     LedgerKind = "purchase"
	LedgerSubscription LedgerKind = "subscription"
	LedgerPromo        LedgerKind = "promo"
	LedgerReferral     LedgerKind = "referral"
	LedgerGrant        LedgerKind = "grant"
	LedgerExpire       LedgerKind = "expire"
)

type CreditTransaction struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`
	JobID         string     `json:"job_id,omitempty"`
	Kind          LedgerKind `json:"kind"`
	MonthlyDelta  int        `json:"monthly_delta"`
	LifetimeDelta int        `json:"lifetime_delta"`
	Reference     string     `json:"reference"`
	CreatedAt     time.Time  `json:"created_at"`
}

var ErrInsufficientBalance = errors.New("insufficient balance")

// SplitDebit decides how a cost is drawn from the two wallets: monthly
// credits are spent first, the remainder comes from lifetime credits.
func SplitDebit(cost, monthly, lifetime int) (fromMonthly, fromLifetime int, err error) {
	if cost < 0 {
		return 0, 0, errors.New("negative cost")
	}
	if monthly < 0 {
		monthly = 0
	}
	if lifetime < 0 {
		lifetime = 0
	}
	if monthly+lifetime < cost {
		return 0, 0, ErrInsufficientBalance
	}
	fromMonthly = min(cost, monthly)
	fromLifetime = cost - fromMonthly
	return fromMonthly, fromLifetime, nil
}

type PlanKind string

const (
	PlanCredits      PlanKind = "credits"
	PlanSubscription PlanKind = "subscription"
)

type Plan struct {
	ID              int64     `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Kind            PlanKind  `json:"kind"`
	PeriodDays      int       `json:"period_days"`
	Currency        string    `json:"currency"`
	PriceMinorUnits int       `json:"price_minor_units"`
	Credits         int       `json:"credits"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type Payment struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	PlanID         *int64    `json:"plan_id,omitempty"`
	Provider       string    `json:"provider"`
	ProviderCharge string    `json:"provider_charge"`
	Currency       string    `json:"currency"`
	Amount         int       `json:"amount"`
	Status         string    `json:"status"`
	RawPayload     string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Premium struct {
	UserID    int64     `json:"user_id"`
	PlanID    int64     `json:"plan_id"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (p *Premium) ActiveAt(now time.Time) bool {
	return p != nil && p.Status == "active" && p.ExpiresAt.After(now)
}

type PromoCode struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	MaxUses   int       `json:"max_uses"`
	Uses      int       `json:"uses"`
	CreatedAt time.Time `json:"created_at"`
}

type ReferralCode struct {
	UserID int64  `json:"user_id"`
	Code   string `json:"code"`
}

type Referral struct {
	ID         int64     `json:"id"`
	ReferrerID int64     `json:"referrer_id"`
	ReferredID int64     `json:"referred_id"`
	CreatedAt  time.Time `json:"created_at"`
}

type CampaignStatus string

const (
	CampaignDraft   CampaignStatus = "draft"
	CampaignSending CampaignStatus = "sending"
	CampaignSent    CampaignStatus = "sent"
	CampaignFailed  CampaignStatus = "failed"
)

type Campaign struct {
	ID              int64          `json:"id"`
	Name            string         `json:"name"`
	Subject         string         `json:"subject"`
	Status          CampaignStatus `json:"status"`
	TotalRecipients int            `json:"total_recipients"`
	SentCount       int            `json:"sent_count"`
	ResumeAttempts  int            `json:"resume_attempts"`
	LastError       string         `json:"last_error,omitempty"`
	LastProgressAt  *time.Time     `json:"last_progress_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
