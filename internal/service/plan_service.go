package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/digkill/arcano/internal/config"
	"github.com/digkill/arcano/internal/models"
)

var ErrPlanNotFound = errors.New("plan not found")

type PlanStore interface {
	List(ctx context.Context, activeOnly bool) ([]models.Plan, error)
	GetDefault(ctx context.Context) (*models.Plan, error)
	GetByID(ctx context.Context, id int64) (*models.Plan, error)
	Create(ctx context.Context, plan *models.Plan) (*models.Plan, error)
	Update(ctx context.Context, plan *models.Plan) (*models.Plan, error)
	Delete(ctx context.Context, id int64) error
}

type PlanService struct {
	cfg  config.Config
	repo PlanStore
}

type CreatePlanInput struct {
	Title           string
	Description     string
	Kind            models.PlanKind
	PeriodDays      int
	Currency        string
	PriceMinorUnits int
	Credits         int
	IsActive        *bool
}

type UpdatePlanInput struct {
	Title           *string
	Description     *string
	PeriodDays      *int
	Currency        *string
	PriceMinorUnits *int
	Credits         *int
	IsActive        *bool
}

func NewPlanService(cfg config.Config, repo PlanStore) *PlanService {
	return &PlanService{cfg: cfg, repo: repo}
}

func (s *PlanService) EnsureDefaultPlan(ctx context.Context) error {
	plan, err := s.repo.GetDefault(ctx)
	if err != nil {
		return err
	}
	if plan != nil {
		return nil
	}
	defaultPlan := &models.Plan{
		Title:           "Credit pack",
		Description:     "One-off credit top-up",
		Kind:            models.PlanCredits,
		Currency:        s.cfg.PaymentCurrency,
		PriceMinorUnits: s.cfg.PaymentPriceMinorUnits,
		Credits:         s.cfg.PaymentCreditsPerPackage,
		IsActive:        true,
	}
	if _, err := s.repo.Create(ctx, defaultPlan); err != nil {
		return fmt.Errorf("create default plan: %w", err)
	}
	return nil
}

func (s *PlanService) List(ctx context.Context, activeOnly bool) ([]models.Plan, error) {
	return s.repo.List(ctx, activeOnly)
}

func (s *PlanService) Create(ctx context.Context, input CreatePlanInput) (*models.Plan, error) {
	if input.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if input.Kind == "" {
		input.Kind = models.PlanCredits
	}
	switch input.Kind {
	case models.PlanCredits:
		input.PeriodDays = 0
	case models.PlanSubscription:
		if input.PeriodDays <= 0 {
			return nil, fmt.Errorf("%w: subscription plans need period_days", ErrInvalidInput)
		}
	default:
		return nil, fmt.Errorf("%w: unknown plan kind %q", ErrInvalidInput, input.Kind)
	}
	if input.Currency == "" {
		input.Currency = s.cfg.PaymentCurrency
	}
	if input.PriceMinorUnits <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidInput)
	}
	if input.Credits <= 0 {
		return nil, fmt.Errorf("%w: credits must be positive", ErrInvalidInput)
	}
	isActive := true
	if input.IsActive != nil {
		isActive = *input.IsActive
	}
	plan := models.Plan{
		Title:           input.Title,
		Description:     input.Description,
		Kind:            input.Kind,
		PeriodDays:      input.PeriodDays,
		Currency:        input.Currency,
		PriceMinorUnits: input.PriceMinorUnits,
		Credits:         input.Credits,
		IsActive:        isActive,
	}
	return s.repo.Create(ctx, &plan)
}

func (s *PlanService) Update(ctx context.Context, id int64, input UpdatePlanInput) (*models.Plan, error) {
	existing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrPlanNotFound
	}
	if input.Title != nil {
		existing.Title = *input.Title
	}
	if input.Description != nil {
		existing.Description = *input.Description
	}
	if input.PeriodDays != nil && *input.PeriodDays > 0 && existing.Kind == models.PlanSubscription {
		existing.PeriodDays = *input.PeriodDays
	}
	if input.Currency != nil && *input.Currency != "" {
		existing.Currency = *input.Currency
	}
	if input.PriceMinorUnits != nil && *input.PriceMinorUnits > 0 {
		existing.PriceMinorUnits = *input.PriceMinorUnits
	}
	if input.Credits != nil && *input.Credits > 0 {
		existing.Credits = *input.Credits
	}
	if input.IsActive != nil {
		existing.IsActive = *input.IsActive
	}
	return s.repo.Update(ctx, existing)
}

func (s *PlanService) Delete(ctx context.Context, id int64) error {
	return s.repo.Delete(ctx, id)
}

func (s *PlanService) GetByID(ctx context.Context, id int64) (*models.Plan, error) {
	return s.repo.GetByID(ctx, id)
}
