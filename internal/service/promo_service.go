package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/digkill/arcano/internal/models"
	"github.com/digkill/arcano/internal/repository"
)

var (
	ErrPromoInvalid         = errors.New("promo code invalid")
	ErrPromoExhausted       = errors.New("promo code exhausted")
	ErrPromoAlreadyRedeemed = errors.New("promo code already redeemed")
	ErrPromoNotFound        = errors.New("promo code not found")
)

type PromoStore interface {
	GetByCode(ctx context.Context, code string) (*models.PromoCode, error)
	GetByID(ctx context.Context, id int64) (*models.PromoCode, error)
	List(ctx context.Context) ([]models.PromoCode, error)
	Create(ctx context.Context, promo *models.PromoCode) (*models.PromoCode, error)
	Update(ctx context.Context, promo *models.PromoCode) (*models.PromoCode, error)
	Delete(ctx context.Context, id int64) error
	Redeem(ctx context.Context, userID, promoID int64, bonus int) error
}

type PromoService struct {
	promos PromoStore
	bonus  int
}

func NewPromoService(promos PromoStore, bonus int) *PromoService {
	return &PromoService{promos: promos, bonus: bonus}
}

// Apply redeems a code for the user and returns the credited bonus.
func (s *PromoService) Apply(ctx context.Context, userID int64, code string) (int, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return 0, ErrPromoInvalid
	}
	promo, err := s.promos.GetByCode(ctx, code)
	if err != nil {
		return 0, fmt.Errorf("get promo: %w", err)
	}
	if promo == nil {
		return 0, ErrPromoInvalid
	}

	if err := s.promos.Redeem(ctx, userID, promo.ID, s.bonus); err != nil {
		switch {
		case errors.Is(err, repository.ErrPromoAlreadyRedeemed):
			return 0, ErrPromoAlreadyRedeemed
		case errors.Is(err, repository.ErrPromoExhausted):
			return 0, ErrPromoExhausted
		}
		return 0, err
	}
	return s.bonus, nil
}

func (s *PromoService) List(ctx context.Context) ([]models.PromoCode, error) {
	return s.promos.List(ctx)
}

func (s *PromoService) GetByID(ctx context.Context, id int64) (*models.PromoCode, error) {
	return s.promos.GetByID(ctx, id)
}

func (s *PromoService) Create(ctx context.Context, code string, maxUses int) (*models.PromoCode, error) {
	code = strings.TrimSpace(code)
	if code == "" || maxUses <= 0 {
		return nil, fmt.Errorf("%w: code and max_uses required", ErrInvalidInput)
	}
	return s.promos.Create(ctx, &models.PromoCode{Code: code, MaxUses: maxUses})
}

func (s *PromoService) Update(ctx context.Context, id int64, code string, maxUses, uses int) (*models.PromoCode, error) {
	existing, err := s.promos.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrPromoNotFound
	}
	if uses > maxUses {
		return nil, fmt.Errorf("%w: uses cannot exceed max_uses", ErrInvalidInput)
	}
	existing.Code = code
	existing.MaxUses = maxUses
	existing.Uses = uses
	return s.promos.Update(ctx, existing)
}

func (s *PromoService) Delete(ctx context.Context, id int64) error {
	return s.promos.Delete(ctx, id)
}
