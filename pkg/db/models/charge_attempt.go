package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kinoclub/billing-engine/pkg/enums"
)

// ChargeAttempt records one attempt against the gateway. A subscription
// accumulates many attempts across its life; attempts of the same billing
// cycle share one idempotency key so the gateway can deduplicate.
type ChargeAttempt struct {
	ID               uuid.UUID          `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	SubscriptionID   uuid.UUID          `gorm:"column:subscription_id;type:uuid;not null;index"`
	ExternalChargeID *string            `gorm:"column:external_charge_id;index"`
	IdempotencyKey   uuid.UUID          `gorm:"column:idempotency_key;type:uuid;not null;index"`
	Amount           decimal.Decimal    `gorm:"column:amount;type:numeric(12,2);not null"`
	Currency         string             `gorm:"column:currency;not null;default:'RUB'"`
	Status           enums.ChargeStatus `gorm:"column:status;not null;default:'pending'"`
	Message          *string            `gorm:"column:message"`
	CreatedAt        time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}
