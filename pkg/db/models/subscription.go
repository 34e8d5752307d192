package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kinoclub/billing-engine/pkg/enums"
)

// Subscription persists one paid plan per (chat, owner, kind, plan type)
// scope. Price is fixed at creation/renewal time and never recomputed from
// the live pricing table. Version backs the optimistic single-writer check.
type Subscription struct {
	ID                 uuid.UUID                `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	OwnerID            int64                    `gorm:"column:owner_id;not null;index"`
	ChatID             int64                    `gorm:"column:chat_id;not null;index"`
	Kind               enums.Kind               `gorm:"column:kind;not null"`
	PlanType           enums.PlanType           `gorm:"column:plan_type;not null"`
	PeriodType         enums.PeriodType         `gorm:"column:period_type;not null"`
	Price              decimal.Decimal          `gorm:"column:price;type:numeric(12,2);not null"`
	GroupSize          *int                     `gorm:"column:group_size"`
	Status             enums.SubscriptionStatus `gorm:"column:status;not null;default:'pending'"`
	ActivatedAt        time.Time                `gorm:"column:activated_at"`
	NextChargeAt       *time.Time               `gorm:"column:next_charge_at;index"`
	ExpiresAt          *time.Time               `gorm:"column:expires_at;index"`
	CancelledAt        *time.Time               `gorm:"column:cancelled_at"`
	PaymentMethodToken *string                  `gorm:"column:payment_method_token"`

	// Open billing cycle bookkeeping. CycleKey is the idempotency key minted
	// once per cycle and reused across retries; ChargeAttemptsCycle counts
	// attempts against the max before the subscription expires.
	CycleKey            *uuid.UUID `gorm:"column:cycle_key;type:uuid"`
	ChargeAttemptsCycle int        `gorm:"column:charge_attempts_cycle;not null;default:0"`

	// RemindedFor is the NextChargeAt value the last pre-charge reminder
	// covered; it keeps overlapping ticks from sending duplicates.
	RemindedFor *time.Time `gorm:"column:reminded_for"`

	// Pending swap annotation: a deferred plan/price change applied
	// atomically right after the next successful renewal.
	PendingPlanType   *enums.PlanType   `gorm:"column:pending_plan_type"`
	PendingPrice      *decimal.Decimal  `gorm:"column:pending_price;type:numeric(12,2)"`
	PendingPeriodType *enums.PeriodType `gorm:"column:pending_period_type"`

	Version   int       `gorm:"column:version;not null;default:1"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// HasPendingSwap reports whether a deferred combine annotation is present.
func (s *Subscription) HasPendingSwap() bool {
	return s.PendingPlanType != nil && s.PendingPrice != nil
}
