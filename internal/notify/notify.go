package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kinoclub/billing-engine/pkg/enums"
)

// ReminderEvent warns the subscriber before an upcoming automatic charge.
type ReminderEvent struct {
	SubscriptionID uuid.UUID      `json:"subscription_id"`
	OwnerID        int64          `json:"owner_id"`
	ChatID         int64          `json:"chat_id"`
	PlanType       enums.PlanType `json:"plan_type"`
	Amount         string         `json:"amount"`
	Currency       string         `json:"currency"`
	ChargeAt       time.Time      `json:"charge_at"`
}

// ChargeResultEvent tells the subscriber how a charge ended. Retryable is
// set on failures the scheduler will try again within the same cycle, so
// the chat layer can soften the message.
type ChargeResultEvent struct {
	SubscriptionID  uuid.UUID          `json:"subscription_id"`
	OwnerID         int64              `json:"owner_id"`
	ChatID          int64              `json:"chat_id"`
	PlanType        enums.PlanType     `json:"plan_type"`
	Amount          string             `json:"amount"`
	Currency        string             `json:"currency"`
	Status          enums.ChargeStatus `json:"status"`
	Message         string             `json:"message,omitempty"`
	Retryable       bool               `json:"retryable"`
	ConfirmationURL string             `json:"confirmation_url,omitempty"`
}

// Notifier delivers billing events to the subscriber. Delivery is best
// effort: callers log failures and move on, billing state never depends on
// a notification landing.
type Notifier interface {
	NotifyReminder(ctx context.Context, event ReminderEvent) error
	NotifyChargeResult(ctx context.Context, event ChargeResultEvent) error
}

// Noop drops every notification. Used in tests and local runs without a
// Pub/Sub project.
type Noop struct{}

func (Noop) NotifyReminder(context.Context, ReminderEvent) error         { return nil }
func (Noop) NotifyChargeResult(context.Context, ChargeResultEvent) error { return nil }
