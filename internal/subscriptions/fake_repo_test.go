package subscriptions

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kinoclub/billing-engine/pkg/db/models"
	"github.com/kinoclub/billing-engine/pkg/enums"
	pkgerrors "github.com/kinoclub/billing-engine/pkg/errors"
)

// fakeRepo is an in-memory Repository. It stores values and hands out
// copies, so a loaded row only changes the store through an update, the
// same way the real database behaves.
type fakeRepo struct {
	subs     map[uuid.UUID]models.Subscription
	attempts map[uuid.UUID]models.ChargeAttempt
	members  map[uuid.UUID][]models.GroupMember
	catalog  []models.PlanCatalogEntry
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		subs:     make(map[uuid.UUID]models.Subscription),
		attempts: make(map[uuid.UUID]models.ChargeAttempt),
		members:  make(map[uuid.UUID][]models.GroupMember),
	}
}

func (r *fakeRepo) WithTx(tx *gorm.DB) Repository { return r }

func (r *fakeRepo) Create(_ context.Context, sub *models.Subscription) error {
	r.subs[sub.ID] = *sub
	return nil
}

func (r *fakeRepo) UpdateVersioned(_ context.Context, sub *models.Subscription) error {
	stored, ok := r.subs[sub.ID]
	if !ok || stored.Version != sub.Version {
		return pkgerrors.New(pkgerrors.CodeConflict, "subscription modified concurrently")
	}
	sub.Version++
	r.subs[sub.ID] = *sub
	return nil
}

func (r *fakeRepo) FindByID(_ context.Context, id uuid.UUID) (*models.Subscription, error) {
	sub, ok := r.subs[id]
	if !ok {
		return nil, nil
	}
	copied := sub
	return &copied, nil
}

func (r *fakeRepo) ListByOwner(_ context.Context, ownerID int64) ([]models.Subscription, error) {
	var out []models.Subscription
	for _, sub := range r.subs {
		if sub.OwnerID == ownerID {
			out = append(out, sub)
		}
	}
	sortSubs(out)
	return out, nil
}

func (r *fakeRepo) ListInScope(_ context.Context, chatID, ownerID int64, kind enums.Kind) ([]models.Subscription, error) {
	var out []models.Subscription
	for _, sub := range r.subs {
		if sub.ChatID == chatID && sub.OwnerID == ownerID && sub.Kind == kind {
			out = append(out, sub)
		}
	}
	sortSubs(out)
	return out, nil
}

func (r *fakeRepo) ListDueForRenewal(_ context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	var out []models.Subscription
	for _, sub := range r.subs {
		if sub.Status != enums.SubscriptionStatusActive || sub.PaymentMethodToken == nil {
			continue
		}
		if sub.NextChargeAt == nil || sub.NextChargeAt.After(now) {
			continue
		}
		out = append(out, sub)
	}
	sortSubs(out)
	return out, nil
}

func (r *fakeRepo) ListExpired(_ context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	var out []models.Subscription
	for _, sub := range r.subs {
		if sub.Status != enums.SubscriptionStatusActive {
			continue
		}
		if sub.ExpiresAt == nil || !sub.ExpiresAt.Before(now) {
			continue
		}
		out = append(out, sub)
	}
	sortSubs(out)
	return out, nil
}

func (r *fakeRepo) ListDueForReminder(_ context.Context, now, until time.Time, limit int) ([]models.Subscription, error) {
	var out []models.Subscription
	for _, sub := range r.subs {
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
	sortSubs(out)
	return out, nil
}

func (r *fakeRepo) CreateChargeAttempt(_ context.Context, attempt *models.ChargeAttempt) error {
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now()
	}
	r.attempts[attempt.ID] = *attempt
	return nil
}

func (r *fakeRepo) UpdateChargeAttempt(_ context.Context, attempt *models.ChargeAttempt) error {
	r.attempts[attempt.ID] = *attempt
	return nil
}

func (r *fakeRepo) FindChargeAttemptByKey(_ context.Context, key uuid.UUID) (*models.ChargeAttempt, error) {
	var latest *models.ChargeAttempt
	for id := range r.attempts {
		attempt := r.attempts[id]
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

func (r *fakeRepo) ListChargeAttempts(_ context.Context, subscriptionID uuid.UUID) ([]models.ChargeAttempt, error) {
	var out []models.ChargeAttempt
	for _, attempt := range r.attempts {
		if attempt.SubscriptionID == subscriptionID {
			out = append(out, attempt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *fakeRepo) AddMember(_ context.Context, member *models.GroupMember) error {
	for _, existing := range r.members[member.SubscriptionID] {
		if existing.UserID == member.UserID {
			return pkgerrors.New(pkgerrors.CodeConflict, "duplicate group member")
		}
	}
	r.members[member.SubscriptionID] = append(r.members[member.SubscriptionID], *member)
	return nil
}

func (r *fakeRepo) RemoveMember(_ context.Context, subscriptionID uuid.UUID, userID int64) error {
	members := r.members[subscriptionID]
	for i, member := range members {
		if member.UserID == userID {
			r.members[subscriptionID] = append(members[:i], members[i+1:]...)
			return nil
		}
	}
	return pkgerrors.New(pkgerrors.CodeNotFound, "group member not found")
}

func (r *fakeRepo) ListMembers(_ context.Context, subscriptionID uuid.UUID) ([]models.GroupMember, error) {
	return append([]models.GroupMember(nil), r.members[subscriptionID]...), nil
}

func (r *fakeRepo) CountMembers(_ context.Context, subscriptionID uuid.UUID) (int64, error) {
	return int64(len(r.members[subscriptionID])), nil
}

func (r *fakeRepo) ListPlanCatalog(_ context.Context) ([]models.PlanCatalogEntry, error) {
	return append([]models.PlanCatalogEntry(nil), r.catalog...), nil
}

func sortSubs(subs []models.Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].ID.String() < subs[j].ID.String()
	})
}

// fakeTx runs the callback without a real transaction; the fake repo is
// not transactional anyway.
type fakeTx struct{}

func (fakeTx) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}
