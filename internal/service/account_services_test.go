package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/arcano/internal/config"
	"github.com/digkill/arcano/internal/models"
	"github.com/digkill/arcano/internal/repository"
)

type fakePromoStore struct {
	mu       sync.Mutex
	promos   map[int64]*models.PromoCode
	redeemed map[[2]int64]bool
	grants   map[int64]int
}

func newFakePromoStore(promos ...models.PromoCode) *fakePromoStore {
	s := &fakePromoStore{promos: map[int64]*models.PromoCode{}, redeemed: map[[2]int64]bool{}, grants: map[int64]int{}}
	for _, p := range promos {
		s.promos[p.ID] = &p
	}
	return s
}

func (s *fakePromoStore) GetByCode(ctx context.Context, code string) (*models.PromoCode, error) {
	for _, p := range s.promos {
		if p.Code == code {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakePromoStore) GetByID(ctx context.Context, id int64) (*models.PromoCode, error) {
	p, ok := s.promos[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *fakePromoStore) List(ctx context.Context) ([]models.PromoCode, error) { return nil, nil }

func (s *fakePromoStore) Create(ctx context.Context, p *models.PromoCode) (*models.PromoCode, error) {
	p.ID = int64(len(s.promos) + 1)
	s.promos[p.ID] = p
	return p, nil
}

func (s *fakePromoStore) Update(ctx context.Context, p *models.PromoCode) (*models.PromoCode, error) {
	s.promos[p.ID] = p
	return p, nil
}

func (s *fakePromoStore) Delete(ctx context.Context, id int64) error {
	delete(s.promos, id)
	return nil
}

func (s *fakePromoStore) Redeem(ctx context.Context, userID, promoID int64, bonus int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.promos[promoID]
	if p.Uses >= p.MaxUses {
		return repository.ErrPromoExhausted
	}
	key := [2]int64{userID, promoID}
	if s.redeemed[key] {
		return repository.ErrPromoAlreadyRedeemed
	}
	s.redeemed[key] = true
	p.Uses++
	s.grants[userID] += bonus
	return nil
}

func TestPromoApply(t *testing.T) {
	store := newFakePromoStore(models.PromoCode{ID: 1, Code: "SPRING", MaxUses: 2})
	svc := NewPromoService(store, 100)
	ctx := context.Background()

	bonus, err := svc.Apply(ctx, 1, " SPRING ")
	require.NoError(t, err)
	assert.Equal(t, 100, bonus)
	assert.Equal(t, 100, store.grants[1])

	_, err = svc.Apply(ctx, 1, "SPRING")
	assert.ErrorIs(t, err, ErrPromoAlreadyRedeemed)

	_, err = svc.Apply(ctx, 2, "SPRING")
	require.NoError(t, err)
	_, err = svc.Apply(ctx, 3, "SPRING")
	assert.ErrorIs(t, err, ErrPromoExhausted)

	_, err = svc.Apply(ctx, 3, "WINTER")
	assert.ErrorIs(t, err, ErrPromoInvalid)
	_, err = svc.Apply(ctx, 3, "")
	assert.ErrorIs(t, err, ErrPromoInvalid)
}

func TestPromoUpdateValidation(t *testing.T) {
	store := newFakePromoStore(models.PromoCode{ID: 1, Code: "SPRING", MaxUses: 2})
	svc := NewPromoService(store, 100)
	ctx := context.Background()

	_, err := svc.Update(ctx, 1, "SPRING", 2, 3)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Update(ctx, 5, "X", 2, 0)
	assert.ErrorIs(t, err, ErrPromoNotFound)

	promo, err := svc.Update(ctx, 1, "SUMMER", 10, 1)
	require.NoError(t, err)
	assert.Equal(t, "SUMMER", promo.Code)
}

type fakeReferralStore struct {
	codes    map[int64]string
	inserts  int
	collide  int
	recorded map[int64]int64
}

func newFakeReferralStore() *fakeReferralStore {
	return &fakeReferralStore{codes: map[int64]string{}, recorded: map[int64]int64{}}
}

func (s *fakeReferralStore) CodeFor(ctx context.Context, userID int64) (string, error) {
	return s.codes[userID], nil
}

func (s *fakeReferralStore) InsertCode(ctx context.Context, userID int64, code string) (bool, error) {
	s.inserts++
	if s.collide > 0 {
		s.collide--
		return false, nil
	}
	s.codes[userID] = code
	return true, nil
}

func (s *fakeReferralStore) FindOwner(ctx context.Context, code string) (int64, error) {
	for id, c := range s.codes {
		if c == code {
			return id, nil
		}
	}
	return 0, nil
}

func (s *fakeReferralStore) Record(ctx context.Context, referrerID, referredID int64, referrerBonus, referredBonus int) error {
	if _, ok := s.recorded[referredID]; ok {
		return repository.ErrReferralExists
	}
	if s.recorded[referrerID] == referredID {
		return repository.ErrReferralCircular
	}
	s.recorded[referredID] = referrerID
	return nil
}

func TestReferralCodeIsStable(t *testing.T) {
	store := newFakeReferralStore()
	svc := NewReferralService(store, 50, 30)
	ctx := context.Background()

	code, err := svc.Code(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, code, referralCodeLength)
	assert.Regexp(t, `^[0-9A-F]+$`, code)

	again, err := svc.Code(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, code, again)
	assert.Equal(t, 1, store.inserts)
}

func TestReferralCodeRetriesCollisions(t *testing.T) {
	store := newFakeReferralStore()
	store.collide = 2
	svc := NewReferralService(store, 50, 30)

	code, err := svc.Code(context.Background(), 1)
	require.NoError(t, err)
	assert.NotEmpty(t, code)
	assert.Equal(t, 3, store.inserts)

	store.codes = map[int64]string{}
	store.collide = referralCodeAttempts
	_, err = svc.Code(context.Background(), 2)
	assert.Error(t, err)
}

func TestReferralApply(t *testing.T) {
	store := newFakeReferralStore()
	store.codes[1] = "ABCD1234"
	svc := NewReferralService(store, 50, 30)
	ctx := context.Background()

	assert.ErrorIs(t, svc.Apply(ctx, 1, "ABCD1234"), ErrReferralInvalid)
	assert.ErrorIs(t, svc.Apply(ctx, 2, "NOPE"), ErrReferralInvalid)

	require.NoError(t, svc.Apply(ctx, 2, "abcd1234"))
	assert.Equal(t, int64(1), store.recorded[2])
	assert.ErrorIs(t, svc.Apply(ctx, 2, "ABCD1234"), ErrReferralAlreadyApplied)
}

func TestReferralApplyRejectsMutualReferral(t *testing.T) {
	store := newFakeReferralStore()
	store.codes[1] = "AAAA1111"
	store.codes[2] = "BBBB2222"
	svc := NewReferralService(store, 50, 30)
	ctx := context.Background()

	require.NoError(t, svc.Apply(ctx, 1, "BBBB2222"))
	assert.ErrorIs(t, svc.Apply(ctx, 2, "AAAA1111"), ErrReferralInvalid)
	_, referred := store.recorded[2]
	assert.False(t, referred)
}

type fakePlanStore struct {
	plans map[int64]*models.Plan
}

func (s *fakePlanStore) List(ctx context.Context, activeOnly bool) ([]models.Plan, error) {
	var out []models.Plan
	for _, p := range s.plans {
		if !activeOnly || p.IsActive {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *fakePlanStore) GetDefault(ctx context.Context) (*models.Plan, error) {
	for _, p := range s.plans {
		if p.IsActive {
			return p, nil
		}
	}
	return nil, nil
}

func (s *fakePlanStore) GetByID(ctx context.Context, id int64) (*models.Plan, error) {
	return s.plans[id], nil
}

func (s *fakePlanStore) Create(ctx context.Context, p *models.Plan) (*models.Plan, error) {
	p.ID = int64(len(s.plans) + 1)
	s.plans[p.ID] = p
	return p, nil
}

func (s *fakePlanStore) Update(ctx context.Context, p *models.Plan) (*models.Plan, error) {
	s.plans[p.ID] = p
	return p, nil
}

func (s *fakePlanStore) Delete(ctx context.Context, id int64) error {
	if _, ok := s.plans[id]; !ok {
		return errors.New("missing")
	}
	delete(s.plans, id)
	return nil
}

func TestEnsureDefaultPlan(t *testing.T) {
	store := &fakePlanStore{plans: map[int64]*models.Plan{}}
	svc := NewPlanService(config.Config{PaymentCurrency: "RUB", PaymentPriceMinorUnits: 29900, PaymentCreditsPerPackage: 500}, store)
	ctx := context.Background()

	require.NoError(t, svc.EnsureDefaultPlan(ctx))
	require.NoError(t, svc.EnsureDefaultPlan(ctx))
	require.Len(t, store.plans, 1)
	assert.Equal(t, models.PlanCredits, store.plans[1].Kind)
	assert.Equal(t, 500, store.plans[1].Credits)
}

func TestCreatePlanValidation(t *testing.T) {
	store := &fakePlanStore{plans: map[int64]*models.Plan{}}
	svc := NewPlanService(config.Config{PaymentCurrency: "RUB"}, store)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreatePlanInput{Title: "Pro", Kind: models.PlanSubscription, PriceMinorUnits: 100, Credits: 10})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Create(ctx, CreatePlanInput{Title: "Odd", Kind: "lifetime", PriceMinorUnits: 100, Credits: 10})
	assert.ErrorIs(t, err, ErrInvalidInput)

	plan, err := svc.Create(ctx, CreatePlanInput{Title: "Pro", Kind: models.PlanSubscription, PeriodDays: 30, PriceMinorUnits: 100, Credits: 10})
	require.NoError(t, err)
	assert.Equal(t, "RUB", plan.Currency)
	assert.True(t, plan.IsActive)

	_, err = svc.Update(ctx, 99, UpdatePlanInput{})
	assert.ErrorIs(t, err, ErrPlanNotFound)
}
