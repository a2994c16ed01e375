package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/arcano/internal/models"
)

var ErrUserNotFound = errors.New("user not found")

type UserStore interface {
	Ensure(ctx context.Context, authID, email string) (*models.User, bool, error)
	GetByID(ctx context.Context, id int64) (*models.User, error)
	SetTelegramChatID(ctx context.Context, userID, chatID int64) error
	ListTelegramChatIDs(ctx context.Context) ([]int64, error)
}

type LedgerStore interface {
	Grant(ctx context.Context, e models.CreditTransaction) (bool, error)
	History(ctx context.Context, userID int64, limit int) ([]models.CreditTransaction, error)
}

type PremiumStore interface {
	Get(ctx context.Context, userID int64) (*models.Premium, error)
	ApplySubscription(ctx context.Context, userID, planID int64, days, credits int, reference string) (bool, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]models.Premium, error)
	Expire(ctx context.Context, userID int64, now time.Time) (bool, error)
}

type UserService struct {
	log     *slog.Logger
	users   UserStore
	ledger  LedgerStore
	premium PremiumStore
	now     func() time.Time
}

// Profile is what the account page shows.
type Profile struct {
	User          *models.User    `json:"user"`
	Credits       int             `json:"credits"`
	Premium       *models.Premium `json:"premium,omitempty"`
	PremiumActive bool            `json:"premium_active"`
}

func NewUserService(log *slog.Logger, users UserStore, ledger LedgerStore, premium PremiumStore) *UserService {
	return &UserService{log: log, users: users, ledger: ledger, premium: premium, now: time.Now}
}

func (s *UserService) Ensure(ctx context.Context, authID, email string) (*models.User, bool, error) {
	user, created, err := s.users.Ensure(ctx, authID, email)
	if err != nil {
		return nil, false, fmt.Errorf("ensure user: %w", err)
	}
	if created {
		s.log.Info("user created", "user_id", user.ID)
	}
	return user, created, nil
}

func (s *UserService) Profile(ctx context.Context, userID int64) (*Profile, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	premium, err := s.premium.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Profile{
		User:          user,
		Credits:       user.Credits(),
		Premium:       premium,
		PremiumActive: premium.ActiveAt(s.now()),
	}, nil
}

func (s *UserService) LinkTelegram(ctx context.Context, userID, chatID int64) error {
	if chatID < 0 {
		return fmt.Errorf("%w: telegram chat id must be positive", ErrInvalidInput)
	}
	return s.users.SetTelegramChatID(ctx, userID, chatID)
}

func (s *UserService) History(ctx context.Context, userID int64, limit int) ([]models.CreditTransaction, error) {
	return s.ledger.History(ctx, userID, limit)
}

func (s *UserService) TelegramChatIDs(ctx context.Context) ([]int64, error) {
	ids, err := s.users.ListTelegramChatIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list telegram ids: %w", err)
	}
	return ids, nil
}

// GrantCredits is the back-office top-up. Monthly credits are cleared when
// the subscription lapses, lifetime credits stay.
func (s *UserService) GrantCredits(ctx context.Context, userID int64, amount int, monthly bool) (*models.User, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	entry := models.CreditTransaction{
		UserID:    userID,
		Kind:      models.LedgerGrant,
		Reference: "admin:" + uuid.NewString(),
	}
	if monthly {
		entry.MonthlyDelta = amount
	} else {
		entry.LifetimeDelta = amount
	}
	if _, err := s.ledger.Grant(ctx, entry); err != nil {
		return nil, err
	}
	s.log.Info("credits granted", "user_id", userID, "amount", amount, "monthly", monthly)
	return s.users.GetByID(ctx, userID)
}

// ExpireSubscriptions ends lapsed premium periods and clears their monthly
// credits. It returns how many subscriptions were expired.
func (s *UserService) ExpireSubscriptions(ctx context.Context) (int, error) {
	now := s.now().UTC()
	expired, err := s.premium.ListExpired(ctx, now, 200)
	if err != nil {
		return 0, err
	}
	count := 0
	var errs []error
	for _, p := range expired {
		ok, err := s.premium.Expire(ctx, p.UserID, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire user %d: %w", p.UserID, err))
			continue
		}
		if ok {
			count++
		}
	}
	if count > 0 {
		s.log.Info("subscriptions expired", "count", count)
	}
	return count, errors.Join(errs...)
}
