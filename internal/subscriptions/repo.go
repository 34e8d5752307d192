package subscriptions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kinoclub/billing-engine/pkg/db/models"
	"github.com/kinoclub/billing-engine/pkg/enums"
	pkgerrors "github.com/kinoclub/billing-engine/pkg/errors"
)

// Repository is the subscription store port. Subscription writes go through
// UpdateVersioned, which enforces single-writer semantics per row.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	Create(ctx context.Context, sub *models.Subscription) error
	UpdateVersioned(ctx context.Context, sub *models.Subscription) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]models.Subscription, error)
	ListInScope(ctx context.Context, chatID, ownerID int64, kind enums.Kind) ([]models.Subscription, error)
	ListDueForRenewal(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error)
	ListDueForReminder(ctx context.Context, now, until time.Time, limit int) ([]models.Subscription, error)

	CreateChargeAttempt(ctx context.Context, attempt *models.ChargeAttempt) error
	UpdateChargeAttempt(ctx context.Context, attempt *models.ChargeAttempt) error
	FindChargeAttemptByKey(ctx context.Context, key uuid.UUID) (*models.ChargeAttempt, error)
	ListChargeAttempts(ctx context.Context, subscriptionID uuid.UUID) ([]models.ChargeAttempt, error)

	AddMember(ctx context.Context, member *models.GroupMember) error
	RemoveMember(ctx context.Context, subscriptionID uuid.UUID, userID int64) error
	ListMembers(ctx context.Context, subscriptionID uuid.UUID) ([]models.GroupMember, error)
	CountMembers(ctx context.Context, subscriptionID uuid.UUID) (int64, error)

	ListPlanCatalog(ctx context.Context) ([]models.PlanCatalogEntry, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a subscription repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

// UpdateVersioned writes all fields guarded by the row version. A stale
// version writes nothing and surfaces a Conflict so the caller can reload.
func (r *repository) UpdateVersioned(ctx context.Context, sub *models.Subscription) error {
	current := sub.Version
	sub.Version = current + 1
	res := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ? AND version = ?", sub.ID, current).
		Select("*").
		Omit("id", "created_at").
		Updates(sub)
	if res.Error != nil {
		sub.Version = current
		return res.Error
	}
	if res.RowsAffected == 0 {
		sub.Version = current
		return pkgerrors.New(pkgerrors.CodeConflict, "subscription modified concurrently")
	}
	return nil
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&sub).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repository) ListByOwner(ctx context.Context, ownerID int64) ([]models.Subscription, error) {
	var subs []models.Subscription
	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repository) ListInScope(ctx context.Context, chatID, ownerID int64, kind enums.Kind) ([]models.Subscription, error) {
	var subs []models.Subscription
	if err := r.db.WithContext(ctx).
		Where("chat_id = ? AND owner_id = ? AND kind = ?", chatID, ownerID, kind).
		Order("created_at DESC").
		Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repository) ListDueForRenewal(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 250
	}
	var subs []models.Subscription
	if err := r.db.WithContext(ctx).
		Where("status = ?", enums.SubscriptionStatusActive).
		Where("payment_method_token IS NOT NULL").
		Where("next_charge_at IS NOT NULL AND next_charge_at <= ?", now).
		Order("next_charge_at ASC").
		Limit(limit).
		Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repository) ListExpired(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 250
	}
	var subs []models.Subscription
	if err := r.db.WithContext(ctx).
		Where("status = ?", enums.SubscriptionStatusActive).
		Where("expires_at IS NOT NULL AND expires_at < ?", now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repository) ListDueForReminder(ctx context.Context, now, until time.Time, limit int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 250
	}
	var subs []models.Subscription
	if err := r.db.WithContext(ctx).
		Where("status = ?", enums.SubscriptionStatusActive).
		Where("payment_method_token IS NOT NULL").
		Where("next_charge_at > ? AND next_charge_at <= ?", now, until).
		Where("reminded_for IS NULL OR reminded_for <> next_charge_at").
		Order("next_charge_at ASC").
		Limit(limit).
		Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repository) CreateChargeAttempt(ctx context.Context, attempt *models.ChargeAttempt) error {
	return r.db.WithContext(ctx).Create(attempt).Error
}

func (r *repository) UpdateChargeAttempt(ctx context.Context, attempt *models.ChargeAttempt) error {
	return r.db.WithContext(ctx).Save(attempt).Error
}

func (r *repository) FindChargeAttemptByKey(ctx context.Context, key uuid.UUID) (*models.ChargeAttempt, error) {
	var attempt models.ChargeAttempt
	if err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		Order("created_at DESC").
		First(&attempt).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &attempt, nil
}

func (r *repository) ListChargeAttempts(ctx context.Context, subscriptionID uuid.UUID) ([]models.ChargeAttempt, error) {
	var attempts []models.ChargeAttempt
	if err := r.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at DESC").
		Find(&attempts).Error; err != nil {
		return nil, err
	}
	return attempts, nil
}

func (r *repository) AddMember(ctx context.Context, member *models.GroupMember) error {
	return r.db.WithContext(ctx).Create(member).Error
}

func (r *repository) RemoveMember(ctx context.Context, subscriptionID uuid.UUID, userID int64) error {
	res := r.db.WithContext(ctx).
		Where("subscription_id = ? AND user_id = ?", subscriptionID, userID).
		Delete(&models.GroupMember{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, "group member not found")
	}
	return nil
}

func (r *repository) ListMembers(ctx context.Context, subscriptionID uuid.UUID) ([]models.GroupMember, error) {
	var members []models.GroupMember
	if err := r.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("added_at ASC").
		Find(&members).Error; err != nil {
		return nil, err
	}
	return members, nil
}

func (r *repository) CountMembers(ctx context.Context, subscriptionID uuid.UUID) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.GroupMember{}).
		Where("subscription_id = ?", subscriptionID).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repository) ListPlanCatalog(ctx context.Context) ([]models.PlanCatalogEntry, error) {
	var entries []models.PlanCatalogEntry
	if err := r.db.WithContext(ctx).
		Order("sort_order ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
