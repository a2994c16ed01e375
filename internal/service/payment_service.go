package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/arcano/internal/config"
	"github.com/digkill/arcano/internal/models"
)

const (
	providerYooKassa       = "yookassa"
	defaultYooKassaURL     = "https://api.yookassa.ru/v3/payments"
	yooKassaStatusSuccess  = "succeeded"
	paymentStatusPaid      = "paid"
	yooKassaErrorBodyLimit = 512
)

var (
	ErrPaymentsDisabled = errors.New("payments are not configured")
	ErrPaymentNotFound  = errors.New("payment not found")
)

type PaymentStore interface {
	Create(ctx context.Context, payment *models.Payment) error
	UpdateStatus(ctx context.Context, paymentID int64, status string, payload string) error
	MarkPaid(ctx context.Context, paymentID int64, payload string) (bool, error)
	FindByProviderCharge(ctx context.Context, provider, chargeID string) (*models.Payment, error)
}

type PlanGetter interface {
	GetByID(ctx context.Context, id int64) (*models.Plan, error)
}

type PaymentService struct {
	cfg      config.Config
	log      *slog.Logger
	payments PaymentStore
	plans    PlanGetter
	ledger   LedgerStore
	premium  PremiumStore
	client   *http.Client
	apiURL   string
}

// PaymentLink is returned to the client, which redirects the user to it.
type PaymentLink struct {
	PaymentID       string `json:"payment_id"`
	ConfirmationURL string `json:"confirmation_url"`
}

func NewPaymentService(cfg config.Config, log *slog.Logger, payments PaymentStore, plans PlanGetter, ledger LedgerStore, premium PremiumStore) *PaymentService {
	return &PaymentService{
		cfg:      cfg,
		log:      log,
		payments: payments,
		plans:    plans,
		ledger:   ledger,
		premium:  premium,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		apiURL: defaultYooKassaURL,
	}
}

// CreatePayment opens a YooKassa payment for the plan and records it as
// pending. Credits are only granted once the webhook confirms it.
func (s *PaymentService) CreatePayment(ctx context.Context, user *models.User, planID int64) (*PaymentLink, error) {
	if s.cfg.PaymentProvider != providerYooKassa || s.cfg.YooKassaShopID == "" || s.cfg.YooKassaSecretKey == "" {
		return nil, ErrPaymentsDisabled
	}
	plan, err := s.plans.GetByID(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	if plan == nil || !plan.IsActive {
		return nil, ErrPlanNotFound
	}

	payment, err := s.createYooKassaPayment(ctx, user, plan)
	if err != nil {
		return nil, err
	}

	pid := plan.ID
	record := &models.Payment{
		UserID:         user.ID,
		PlanID:         &pid,
		Provider:       providerYooKassa,
		ProviderCharge: payment.ID,
		Currency:       plan.Currency,
		Amount:         plan.PriceMinorUnits,
		Status:         payment.Status,
		RawPayload:     string(jsonMustMarshal(payment)),
	}
	if err := s.payments.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}
	s.log.Info("payment created", "user_id", user.ID, "plan_id", plan.ID, "payment_id", payment.ID)
	return &PaymentLink{PaymentID: payment.ID, ConfirmationURL: payment.Confirmation.URL}, nil
}

type yooPaymentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		Type string `json:"type"`
		URL  string `json:"confirmation_url"`
	} `json:"confirmation"`
	Amount struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	} `json:"amount"`
}

func (s *PaymentService) createYooKassaPayment(ctx context.Context, user *models.User, plan *models.Plan) (*yooPaymentResponse, error) {
	returnURL := s.cfg.YooKassaReturnURL
	if returnURL == "" {
		returnURL = s.cfg.PublicBaseURL
	}

	payload := map[string]any{
		"amount": map[string]string{
			"value":    fmt.Sprintf("%.2f", float64(plan.PriceMinorUnits)/100),
			"currency": plan.Currency,
		},
		"capture": true,
		"confirmation": map[string]string{
			"type":       "redirect",
			"return_url": returnURL,
		},
		"description": fmt.Sprintf("%s (%d credits)", plan.Title, plan.Credits),
		"metadata": map[string]any{
			"user_id": user.ID,
			"plan_id": plan.ID,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode yookassa request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build yookassa request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotence-Key", uuid.NewString())

	parsed, err := s.do(req)
	if err != nil {
		return nil, err
	}
	if parsed.ID == "" || parsed.Confirmation.URL == "" {
		return nil, fmt.Errorf("invalid yookassa response (missing id or confirmation url)")
	}
	if parsed.Status == "" {
		parsed.Status = "pending"
	}
	return parsed, nil
}

// fetchYooKassaPayment reads the payment back from the API. Webhooks are not
// signed, so the status they carry is confirmed this way before crediting.
func (s *PaymentService) fetchYooKassaPayment(ctx context.Context, id string) (*yooPaymentResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(s.apiURL, "/")+"/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("build yookassa request: %w", err)
	}
	return s.do(req)
}

func (s *PaymentService) do(req *http.Request) (*yooPaymentResponse, error) {
	req.SetBasicAuth(s.cfg.YooKassaShopID, s.cfg.YooKassaSecretKey)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yookassa request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, yooKassaErrorBodyLimit))
		return nil, fmt.Errorf("yookassa status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed yooPaymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode yookassa response: %w", err)
	}
	return &parsed, nil
}

// HandleYooKassaWebhook processes payment status updates. The plan is
// fulfilled before the payment is marked paid; both steps are idempotent so
// a redelivered webhook finishes whatever a failed attempt left undone.
func (s *PaymentService) HandleYooKassaWebhook(ctx context.Context, payload []byte) error {
	var evt struct {
		Event  string `json:"event"`
		Object struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"object"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	if evt.Object.ID == "" {
		return fmt.Errorf("%w: missing payment id", ErrInvalidWebhook)
	}

	pmt, err := s.payments.FindByProviderCharge(ctx, providerYooKassa, evt.Object.ID)
	if err != nil {
		return fmt.Errorf("find payment: %w", err)
	}
	if pmt == nil {
		return fmt.Errorf("%w: id=%s", ErrPaymentNotFound, evt.Object.ID)
	}
	if pmt.Status == paymentStatusPaid {
		return nil
	}

	remote, err := s.fetchYooKassaPayment(ctx, evt.Object.ID)
	if err != nil {
		return fmt.Errorf("verify payment: %w", err)
	}
	status := remote.Status
	if status == "" {
		status = evt.Object.Status
	}

	if status != yooKassaStatusSuccess {
		if err := s.payments.UpdateStatus(ctx, pmt.ID, status, string(payload)); err != nil {
			return fmt.Errorf("update payment status: %w", err)
		}
		return nil
	}

	if err := s.fulfil(ctx, pmt); err != nil {
		return err
	}
	marked, err := s.payments.MarkPaid(ctx, pmt.ID, string(payload))
	if err != nil {
		return fmt.Errorf("mark payment paid: %w", err)
	}
	if marked {
		s.log.Info("payment succeeded", "user_id", pmt.UserID, "payment_id", pmt.ProviderCharge)
	}
	return nil
}

func (s *PaymentService) fulfil(ctx context.Context, pmt *models.Payment) error {
	if pmt.PlanID == nil {
		return fmt.Errorf("payment %d missing plan_id", pmt.ID)
	}
	plan, err := s.plans.GetByID(ctx, *pmt.PlanID)
	if err != nil {
		return fmt.Errorf("get plan: %w", err)
	}
	if plan == nil {
		return fmt.Errorf("plan %d not found for payment %d", *pmt.PlanID, pmt.ID)
	}

	reference := "payment:" + pmt.ProviderCharge
	switch plan.Kind {
	case models.PlanSubscription:
		if _, err := s.premium.ApplySubscription(ctx, pmt.UserID, plan.ID, plan.PeriodDays, plan.Credits, reference); err != nil {
			return fmt.Errorf("apply subscription: %w", err)
		}
	default:
		if _, err := s.ledger.Grant(ctx, models.CreditTransaction{
			UserID:        pmt.UserID,
			Kind:          models.LedgerPurchase,
			LifetimeDelta: plan.Credits,
			Reference:     reference,
		}); err != nil {
			return fmt.Errorf("grant purchased credits: %w", err)
		}
	}
	return nil
}

func jsonMustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
