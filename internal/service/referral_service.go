package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/digkill/arcano/internal/repository"
)

const (
	referralCodeLength   = 8
	referralCodeAttempts = 5
)

var (
	ErrReferralInvalid        = errors.New("referral code invalid")
	ErrReferralAlreadyApplied = errors.New("referral already applied")
)

type ReferralStore interface {
	CodeFor(ctx context.Context, userID int64) (string, error)
	InsertCode(ctx context.Context, userID int64, code string) (bool, error)
	FindOwner(ctx context.Context, code string) (int64, error)
	Record(ctx context.Context, referrerID, referredID int64, referrerBonus, referredBonus int) error
}

type ReferralService struct {
	store         ReferralStore
	referrerBonus int
	referredBonus int
	newCode       func() string
}

func NewReferralService(store ReferralStore, referrerBonus, referredBonus int) *ReferralService {
	return &ReferralService{
		store:         store,
		referrerBonus: referrerBonus,
		referredBonus: referredBonus,
		newCode:       randomReferralCode,
	}
}

func randomReferralCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(raw[:referralCodeLength])
}

// Code returns the user's referral code, issuing one on first use.
func (s *ReferralService) Code(ctx context.Context, userID int64) (string, error) {
	for range referralCodeAttempts {
		code, err := s.store.CodeFor(ctx, userID)
		if err != nil {
			return "", err
		}
		if code != "" {
			return code, nil
		}
		if _, err := s.store.InsertCode(ctx, userID, s.newCode()); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("issue referral code for user %d: too many collisions", userID)
}

// Apply credits both sides of a referral. A user can be referred once.
func (s *ReferralService) Apply(ctx context.Context, userID int64, code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return ErrReferralInvalid
	}
	owner, err := s.store.FindOwner(ctx, code)
	if err != nil {
		return err
	}
	if owner == 0 || owner == userID {
		return ErrReferralInvalid
	}
	if err := s.store.Record(ctx, owner, userID, s.referrerBonus, s.referredBonus); err != nil {
		if errors.Is(err, repository.ErrReferralExists) {
			return ErrReferralAlreadyApplied
		}
		if errors.Is(err, repository.ErrReferralCircular) {
			return ErrReferralInvalid
		}
		return err
	}
	return nil
}
