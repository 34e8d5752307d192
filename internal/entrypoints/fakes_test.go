package entrypoints

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kinoclub/billing-engine/internal/gateway"
	"github.com/kinoclub/billing-engine/internal/pricing"
	"github.com/kinoclub/billing-engine/internal/subscriptions"
	"github.com/kinoclub/billing-engine/pkg/db/models"
	"github.com/kinoclub/billing-engine/pkg/enums"
	pkgerrors "github.com/kinoclub/billing-engine/pkg/errors"
	"github.com/kinoclub/billing-engine/pkg/logger"
)

var entryNow = time.Date(2025, 5, 2, 10, 0, 0, 0, time.UTC)

// fakeSubs scripts the lifecycle surface and records the calls the facade
// makes.
type fakeSubs struct {
	activated     *subscriptions.ActivateParams
	combined      *subscriptions.CombineParams
	cancelled     []uuid.UUID
	upgraded      []uuid.UUID
	upgradePeriod enums.PeriodType

	subs     map[uuid.UUID]*models.Subscription
	holdings []pricing.Holding

	activateResult *models.Subscription
	combineResult  *models.Subscription
	expandResult   *models.Subscription
	expandDelta    decimal.Decimal
	expandErr      error
}

func newFakeSubs() *fakeSubs {
	return &fakeSubs{subs: make(map[uuid.UUID]*models.Subscription)}
}

func (f *fakeSubs) Activate(_ context.Context, params subscriptions.ActivateParams) (*models.Subscription, error) {
	f.activated = &params
	return f.activateResult, nil
}

func (f *fakeSubs) Combine(_ context.Context, params subscriptions.CombineParams) (*models.Subscription, error) {
	f.combined = &params
	return f.combineResult, nil
}

func (f *fakeSubs) Cancel(_ context.Context, id uuid.UUID, requesterID int64) (*models.Subscription, error) {
	f.cancelled = append(f.cancelled, id)
	return f.subs[id], nil
}

func (f *fakeSubs) UpgradeToAll(_ context.Context, id uuid.UUID, requesterID int64, period enums.PeriodType, mode enums.EffectiveMode) (*models.Subscription, error) {
	f.upgraded = append(f.upgraded, id)
	f.upgradePeriod = period
	return f.subs[id], nil
}

func (f *fakeSubs) Expand(_ context.Context, id uuid.UUID, requesterID int64, newSize int) (*models.Subscription, decimal.Decimal, error) {
	if f.expandErr != nil {
		return nil, decimal.Zero, f.expandErr
	}
	return f.expandResult, f.expandDelta, nil
}

func (f *fakeSubs) GrantLifetime(_ context.Context, params subscriptions.GrantLifetimeParams) (*models.Subscription, error) {
	return nil, nil
}

func (f *fakeSubs) AddMember(context.Context, uuid.UUID, int64, int64, string) error { return nil }

func (f *fakeSubs) RemoveMember(context.Context, uuid.UUID, int64, int64) error { return nil }

func (f *fakeSubs) Members(context.Context, uuid.UUID) ([]models.GroupMember, error) {
	return nil, nil
}

func (f *fakeSubs) Get(_ context.Context, id uuid.UUID) (*models.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	return sub, nil
}

func (f *fakeSubs) Holdings(context.Context, int64, uuid.UUID) ([]pricing.Holding, error) {
	return f.holdings, nil
}

// fakeStore records billing rows written by the facade.
type fakeStore struct {
	subs     map[uuid.UUID]*models.Subscription
	attempts map[uuid.UUID]*models.ChargeAttempt
	catalog  []models.PlanCatalogEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		subs:     make(map[uuid.UUID]*models.Subscription),
		attempts: make(map[uuid.UUID]*models.ChargeAttempt),
	}
}

func (s *fakeStore) UpdateVersioned(_ context.Context, sub *models.Subscription) error {
	copied := *sub
	s.subs[sub.ID] = &copied
	return nil
}

func (s *fakeStore) CreateChargeAttempt(_ context.Context, attempt *models.ChargeAttempt) error {
	copied := *attempt
	s.attempts[attempt.ID] = &copied
	return nil
}

func (s *fakeStore) UpdateChargeAttempt(_ context.Context, attempt *models.ChargeAttempt) error {
	copied := *attempt
	s.attempts[attempt.ID] = &copied
	return nil
}

func (s *fakeStore) ListChargeAttempts(_ context.Context, subscriptionID uuid.UUID) ([]models.ChargeAttempt, error) {
	var out []models.ChargeAttempt
	for _, attempt := range s.attempts {
		if attempt.SubscriptionID == subscriptionID {
			out = append(out, *attempt)
		}
	}
	return out, nil
}

func (s *fakeStore) ListPlanCatalog(context.Context) ([]models.PlanCatalogEntry, error) {
	return s.catalog, nil
}

func (s *fakeStore) soleAttempt(t *testing.T) *models.ChargeAttempt {
	t.Helper()
	if len(s.attempts) != 1 {
		t.Fatalf("attempt rows = %d, want 1", len(s.attempts))
	}
	for _, attempt := range s.attempts {
		return attempt
	}
	return nil
}

// fakeGateway scripts one outcome per call and records requests.
type fakeGateway struct {
	chargeResult    *gateway.ChargeResult
	chargeErr       error
	recurringResult *gateway.ChargeResult
	recurringErr    error

	charges    []gateway.ChargeRequest
	recurrings []gateway.RecurringChargeRequest
}

func (g *fakeGateway) CreateCharge(_ context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	g.charges = append(g.charges, req)
	return g.chargeResult, g.chargeErr
}

func (g *fakeGateway) CreateRecurringCharge(_ context.Context, req gateway.RecurringChargeRequest) (*gateway.ChargeResult, error) {
	g.recurrings = append(g.recurrings, req)
	return g.recurringResult, g.recurringErr
}

func (g *fakeGateway) FetchCharge(context.Context, string) (*gateway.ChargeResult, error) {
	return nil, pkgerrors.New(pkgerrors.CodeInternal, "not scripted")
}

// fakeApplier records what outcomes the facade or webhook handed over.
type fakeApplier struct {
	applied []appliedOutcome
	err     error

	resolveSub     *models.Subscription
	resolveAttempt *models.ChargeAttempt
	resolveErr     error
}

type appliedOutcome struct {
	sub     *models.Subscription
	attempt *models.ChargeAttempt
	result  *gateway.ChargeResult
}

func (a *fakeApplier) Apply(_ context.Context, sub *models.Subscription, attempt *models.ChargeAttempt, result *gateway.ChargeResult) error {
	a.applied = append(a.applied, appliedOutcome{sub: sub, attempt: attempt, result: result})
	return a.err
}

func (a *fakeApplier) ResolveByKey(context.Context, uuid.UUID) (*models.Subscription, *models.ChargeAttempt, error) {
	if a.resolveErr != nil {
		return nil, nil, a.resolveErr
	}
	return a.resolveSub, a.resolveAttempt, nil
}

func testFacade(t *testing.T, subs *fakeSubs, store *fakeStore, gw *fakeGateway, applier *fakeApplier) *Service {
	t.Helper()
	table, err := pricing.LoadTable("")
	if err != nil {
		t.Fatalf("loading default pricing table: %v", err)
	}
	resolver, err := pricing.NewResolver(table)
	if err != nil {
		t.Fatalf("building resolver: %v", err)
	}
	svc, err := NewService(ServiceParams{
		Subs:     subs,
		Store:    store,
		Gateway:  gw,
		Applier:  applier,
		Resolver: resolver,
		Logger:   logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
	})
	if err != nil {
		t.Fatalf("building facade: %v", err)
	}
	return svc
}

func attemptFor(sub *models.Subscription, key uuid.UUID) *models.ChargeAttempt {
	return &models.ChargeAttempt{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		IdempotencyKey: key,
		Amount:         sub.Price,
		Currency:       "RUB",
		Status:         enums.ChargeStatusPending,
	}
}

func pendingSub() *models.Subscription {
	charge := entryNow.AddDate(0, 1, 0)
	return &models.Subscription{
		ID:           uuid.New(),
		OwnerID:      7,
		ChatID:       100,
		Kind:         enums.KindPersonal,
		PlanType:     enums.PlanRecommendations,
		PeriodType:   enums.PeriodMonth,
		Price:        decimal.NewFromInt(249),
		Status:       enums.SubscriptionStatusPending,
		NextChargeAt: &charge,
		ExpiresAt:    &charge,
		Version:      1,
	}
}
