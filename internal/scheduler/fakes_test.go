package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kinoclub/billing-engine/internal/gateway"
	"github.com/kinoclub/billing-engine/internal/notify"
	"github.com/kinoclub/billing-engine/pkg/db/models"
	"github.com/kinoclub/billing-engine/pkg/enums"
	pkgerrors "github.com/kinoclub/billing-engine/pkg/errors"
)

// fakeStore keeps subscriptions and attempts in memory behind a mutex so
// the renewal worker pool can hit it concurrently.
type fakeStore struct {
	mu       sync.Mutex
	subs     map[uuid.UUID]models.Subscription
	attempts map[uuid.UUID]models.ChargeAttempt
	seq      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		subs:     make(map[uuid.UUID]models.Subscription),
		attempts: make(map[uuid.UUID]models.ChargeAttempt),
	}
}

func (s *fakeStore) put(sub models.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.ID] = sub
}

func (s *fakeStore) get(id uuid.UUID) models.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[id]
}

func (s *fakeStore) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}

func (s *fakeStore) FindByID(_ context.Context, id uuid.UUID) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, nil
	}
	copied := sub
	return &copied, nil
}

func (s *fakeStore) UpdateVersioned(_ context.Context, sub *models.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.subs[sub.ID]
	if !ok || stored.Version != sub.Version {
		return pkgerrors.New(pkgerrors.CodeConflict, "subscription modified concurrently")
	}
	sub.Version++
	s.subs[sub.ID] = *sub
	return nil
}

func (s *fakeStore) ListDueForRenewal(_ context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Subscription
	for _, sub := range s.subs {
		if sub.Status != enums.SubscriptionStatusActive || sub.PaymentMethodToken == nil {
			continue
		}
		if sub.NextChargeAt == nil || sub.NextChargeAt.After(now) {
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

func (s *fakeStore) ListExpired(_ context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Subscription
	for _, sub := range s.subs {
		if sub.Status != enums.SubscriptionStatusActive {
			continue
		}
		if sub.ExpiresAt == nil || !sub.ExpiresAt.Before(now) {
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

func (s *fakeStore) ListDueForReminder(_ context.Context, now, until time.Time, limit int) ([]models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Subscription
	for _, sub := range s.subs {
		if sub.Status != enums.SubscriptionStatusActive || sub.PaymentMethodToken == nil {
			continue
		}
		if sub.NextChargeAt == nil || !sub.NextChargeAt.After(now) || sub.NextChargeAt.After(until) {
			continue
		}
		if sub.RemindedFor != nil && sub.RemindedFor.Equal(*sub.NextChargeAt) {
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

func (s *fakeStore) CreateChargeAttempt(_ context.Context, attempt *models.ChargeAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Unix(int64(s.seq), 0)
	}
	s.attempts[attempt.ID] = *attempt
	return nil
}

func (s *fakeStore) UpdateChargeAttempt(_ context.Context, attempt *models.ChargeAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[attempt.ID] = *attempt
	return nil
}

func (s *fakeStore) FindChargeAttemptByKey(_ context.Context, key uuid.UUID) (*models.ChargeAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.ChargeAttempt
	for id := range s.attempts {
		attempt := s.attempts[id]
		if attempt.IdempotencyKey != key {
			continue
		}
		if latest == nil || attempt.CreatedAt.After(latest.CreatedAt) {
			copied := attempt
			latest = &copied
		}
	}
	return latest, nil
}

// fakeLifecycle mirrors the real transition semantics closely enough for
// the jobs: renew from now, never compounding, clearing cycle state.
type fakeLifecycle struct {
	store *fakeStore
	now   func() time.Time
}

func (l *fakeLifecycle) Renew(_ context.Context, id uuid.UUID) (*models.Subscription, error) {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	sub := l.store.subs[id]
	if sub.Status != enums.SubscriptionStatusActive {
		return nil, pkgerrors.New(pkgerrors.CodePolicyViolation, "not active")
	}
	now := l.now()
	if sub.NextChargeAt == nil || !sub.NextChargeAt.After(now) {
		next := now.AddDate(0, 1, 0)
		sub.NextChargeAt = &next
		sub.ExpiresAt = &next
		sub.CycleKey = nil
		sub.ChargeAttemptsCycle = 0
		sub.Version++
		l.store.subs[id] = sub
	}
	copied := sub
	return &copied, nil
}

func (l *fakeLifecycle) Expire(_ context.Context, id uuid.UUID) (*models.Subscription, error) {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	sub := l.store.subs[id]
	sub.Status = enums.SubscriptionStatusExpired
	sub.CycleKey = nil
	sub.Version++
	l.store.subs[id] = sub
	copied := sub
	return &copied, nil
}

func (l *fakeLifecycle) MarkActive(_ context.Context, id uuid.UUID) (*models.Subscription, error) {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	sub := l.store.subs[id]
	if sub.Status == enums.SubscriptionStatusPending {
		sub.Status = enums.SubscriptionStatusActive
		now := l.now()
		next := now.AddDate(0, 1, 0)
		sub.ActivatedAt = now
		sub.NextChargeAt = &next
		sub.ExpiresAt = &next
		sub.Version++
		l.store.subs[id] = sub
	}
	copied := sub
	return &copied, nil
}

func (l *fakeLifecycle) ApplyPendingSwap(_ context.Context, id uuid.UUID) (*models.Subscription, error) {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	sub := l.store.subs[id]
	if sub.PendingPlanType != nil && sub.PendingPrice != nil {
		sub.PlanType = *sub.PendingPlanType
		sub.Price = *sub.PendingPrice
		if sub.PendingPeriodType != nil {
			sub.PeriodType = *sub.PendingPeriodType
		}
		sub.PendingPlanType = nil
		sub.PendingPrice = nil
		sub.PendingPeriodType = nil
		sub.Version++
		l.store.subs[id] = sub
	}
	copied := sub
	return &copied, nil
}

// fakeGateway replays scripted outcomes and records every request.
type fakeGateway struct {
	mu       sync.Mutex
	script   []func() (*gateway.ChargeResult, error)
	requests []gateway.RecurringChargeRequest
}

func (g *fakeGateway) CreateCharge(context.Context, gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	return nil, pkgerrors.New(pkgerrors.CodeInternal, "not scripted")
}

func (g *fakeGateway) CreateRecurringCharge(_ context.Context, req gateway.RecurringChargeRequest) (*gateway.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if len(g.script) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "not scripted")
	}
	next := g.script[0]
	g.script = g.script[1:]
	return next()
}

func (g *fakeGateway) FetchCharge(context.Context, string) (*gateway.ChargeResult, error) {
	return nil, pkgerrors.New(pkgerrors.CodeInternal, "not scripted")
}

func succeededResult(externalID string) func() (*gateway.ChargeResult, error) {
	return func() (*gateway.ChargeResult, error) {
		return &gateway.ChargeResult{ExternalID: externalID, Status: enums.ChargeStatusSucceeded}, nil
	}
}

func declinedError(message string) func() (*gateway.ChargeResult, error) {
	return func() (*gateway.ChargeResult, error) {
		return nil, pkgerrors.New(pkgerrors.CodeGatewayDeclined, message)
	}
}

func transientError() func() (*gateway.ChargeResult, error) {
	return func() (*gateway.ChargeResult, error) {
		return nil, pkgerrors.New(pkgerrors.CodeGatewayTransient, "processor unreachable")
	}
}

// fakeLease grants everything unless told otherwise.
type fakeLease struct {
	mu     sync.Mutex
	deny   bool
	leased []uuid.UUID
}

func (l *fakeLease) Acquire(_ context.Context, id uuid.UUID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deny {
		return false, nil
	}
	l.leased = append(l.leased, id)
	return true, nil
}

func (l *fakeLease) Release(context.Context, uuid.UUID) error { return nil }

// fakeNotifier records delivered events; fail makes every delivery error.
type fakeNotifier struct {
	mu        sync.Mutex
	fail      bool
	reminders []notify.ReminderEvent
	results   []notify.ChargeResultEvent
}

func (n *fakeNotifier) NotifyReminder(_ context.Context, event notify.ReminderEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return pkgerrors.New(pkgerrors.CodeDependency, "delivery failed")
	}
	n.reminders = append(n.reminders, event)
	return nil
}

func (n *fakeNotifier) NotifyChargeResult(_ context.Context, event notify.ChargeResultEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return pkgerrors.New(pkgerrors.CodeDependency, "delivery failed")
	}
	n.results = append(n.results, event)
	return nil
}

// fakeLock for the tick loop.
type fakeLock struct {
	deny     bool
	acquires int
}

func (l *fakeLock) Acquire(context.Context) (bool, error) {
	l.acquires++
	return !l.deny, nil
}

func (l *fakeLock) Release(context.Context) error { return nil }
