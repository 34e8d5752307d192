package gateway

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kinoclub/billing-engine/pkg/enums"
)

// ChargeRequest asks the processor for an attended charge: the payer
// confirms it through a checkout page. IdempotencyKey must stay the same
// across retries of the same billing cycle so the processor deduplicates.
type ChargeRequest struct {
	IdempotencyKey    uuid.UUID
	Amount            decimal.Decimal
	Currency          string
	Description       string
	SavePaymentMethod bool
	Metadata          map[string]string
}

// RecurringChargeRequest charges a saved payment method without the payer
// present.
type RecurringChargeRequest struct {
	IdempotencyKey     uuid.UUID
	Amount             decimal.Decimal
	Currency           string
	Description        string
	PaymentMethodToken string
	Metadata           map[string]string
}

// ChargeResult is the normalized processor outcome. Webhook deliveries and
// direct API responses both reduce to this shape.
type ChargeResult struct {
	ExternalID         string
	Status             enums.ChargeStatus
	PaymentMethodToken string
	ConfirmationURL    string
	Message            string
}

// Gateway is the payment processor port. Implementations translate failures
// into GatewayTransient (worth retrying within the cycle) or GatewayDeclined
// (counts against the cycle's attempt budget).
type Gateway interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	CreateRecurringCharge(ctx context.Context, req RecurringChargeRequest) (*ChargeResult, error)
	FetchCharge(ctx context.Context, externalID string) (*ChargeResult, error)
}
