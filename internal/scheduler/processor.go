package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kinoclub/billing-engine/internal/gateway"
	"github.com/kinoclub/billing-engine/internal/notify"
	"github.com/kinoclub/billing-engine/pkg/db/models"
	"github.com/kinoclub/billing-engine/pkg/enums"
	pkgerrors "github.com/kinoclub/billing-engine/pkg/errors"
	"github.com/kinoclub/billing-engine/pkg/logger"
	"github.com/kinoclub/billing-engine/pkg/metrics"
)

const defaultMaxChargeAttempts = 3

// Store is the slice of the subscription repository the billing jobs read
// and write.
type Store interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	UpdateVersioned(ctx context.Context, sub *models.Subscription) error
	ListDueForRenewal(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error)
	ListDueForReminder(ctx context.Context, now, until time.Time, limit int) ([]models.Subscription, error)
	CreateChargeAttempt(ctx context.Context, attempt *models.ChargeAttempt) error
	UpdateChargeAttempt(ctx context.Context, attempt *models.ChargeAttempt) error
	FindChargeAttemptByKey(ctx context.Context, key uuid.UUID) (*models.ChargeAttempt, error)
}

// Lifecycle is the slice of the subscription service the billing jobs
// drive.
type Lifecycle interface {
	Renew(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	Expire(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	MarkActive(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	ApplyPendingSwap(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
}

// ProcessorParams carries the processor dependencies.
type ProcessorParams struct {
	Store       Store
	Lifecycle   Lifecycle
	Notifier    notify.Notifier
	Metrics     *metrics.BillingMetrics
	Logger      *logger.Logger
	MaxAttempts int
}

// Processor applies a normalized charge outcome to a subscription. The
// renewal job and the payment webhook both funnel through it, so a result
// lands the same way no matter which side reported it first. Application is
// idempotent: a success for an already-renewed cycle changes nothing.
type Processor struct {
	store       Store
	lifecycle   Lifecycle
	notifier    notify.Notifier
	metrics     *metrics.BillingMetrics
	logg        *logger.Logger
	maxAttempts int
}

// NewProcessor validates dependencies and builds the processor.
func NewProcessor(params ProcessorParams) (*Processor, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if params.Lifecycle == nil {
		return nil, fmt.Errorf("lifecycle is required")
	}
	if params.Notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxChargeAttempts
	}
	return &Processor{
		store:       params.Store,
		lifecycle:   params.Lifecycle,
		notifier:    params.Notifier,
		metrics:     params.Metrics,
		logg:        params.Logger,
		maxAttempts: maxAttempts,
	}, nil
}

// Apply records the outcome on the attempt and moves the subscription.
func (p *Processor) Apply(ctx context.Context, sub *models.Subscription, attempt *models.ChargeAttempt, result *gateway.ChargeResult) error {
	ctx = p.logg.WithSubscriptionID(ctx, sub.ID.String())

	switch result.Status {
	case enums.ChargeStatusSucceeded:
		return p.applySuccess(ctx, sub, attempt, result)
	case enums.ChargeStatusFailed:
		return p.applyFailure(ctx, sub, attempt, result)
	default:
		return p.applyPending(ctx, attempt, result)
	}
}

func (p *Processor) applySuccess(ctx context.Context, sub *models.Subscription, attempt *models.ChargeAttempt, result *gateway.ChargeResult) error {
	if attempt.Status != enums.ChargeStatusSucceeded {
		attempt.Status = enums.ChargeStatusSucceeded
		if result.ExternalID != "" {
			attempt.ExternalChargeID = &result.ExternalID
		}
		if err := p.store.UpdateChargeAttempt(ctx, attempt); err != nil {
			return err
		}
	}

	// A late success for a closed subscription records the attempt but
	// moves nothing; reconciliation of stray captures is manual.
	if sub.Status != enums.SubscriptionStatusPending && sub.Status != enums.SubscriptionStatusActive {
		p.logg.Warn(ctx, "charge succeeded for a closed subscription")
		return nil
	}

	// A first attended charge both activates the subscription and saves
	// the payment method for future unattended cycles.
	if sub.Status == enums.SubscriptionStatusPending {
		activated, err := p.lifecycle.MarkActive(ctx, sub.ID)
		if err != nil {
			return err
		}
		*sub = *activated
	} else {
		renewed, err := p.lifecycle.Renew(ctx, sub.ID)
		if err != nil {
			return err
		}
		*sub = *renewed
	}

	if result.PaymentMethodToken != "" {
		token := result.PaymentMethodToken
		sub.PaymentMethodToken = &token
		if err := p.store.UpdateVersioned(ctx, sub); err != nil {
			return err
		}
	}

	swapped, err := p.lifecycle.ApplyPendingSwap(ctx, sub.ID)
	if err != nil {
		return err
	}
	*sub = *swapped

	p.metrics.IncChargeOutcome("succeeded")
	p.notifyResult(ctx, sub, attempt, enums.ChargeStatusSucceeded, "", false, result.ConfirmationURL)
	p.logg.Info(ctx, "charge succeeded")
	return nil
}

func (p *Processor) applyFailure(ctx context.Context, sub *models.Subscription, attempt *models.ChargeAttempt, result *gateway.ChargeResult) error {
	if attempt.Status != enums.ChargeStatusFailed {
		attempt.Status = enums.ChargeStatusFailed
		if result.ExternalID != "" {
			attempt.ExternalChargeID = &result.ExternalID
		}
		if result.Message != "" {
			msg := result.Message
			attempt.Message = &msg
		}
		if err := p.store.UpdateChargeAttempt(ctx, attempt); err != nil {
			return err
		}

		sub.ChargeAttemptsCycle++
		if err := p.store.UpdateVersioned(ctx, sub); err != nil {
			return err
		}
	}

	if sub.ChargeAttemptsCycle >= p.maxAttempts {
		expired, err := p.lifecycle.Expire(ctx, sub.ID)
		if err != nil {
			return err
		}
		*sub = *expired
		p.metrics.IncChargeOutcome("exhausted")
		p.notifyResult(ctx, sub, attempt, enums.ChargeStatusFailed, result.Message, false, "")
		p.logg.Warn(ctx, "charge attempts exhausted; subscription expired")
		return nil
	}

	p.metrics.IncChargeOutcome("declined")
	p.notifyResult(ctx, sub, attempt, enums.ChargeStatusFailed, result.Message, true, "")
	p.logg.Warn(ctx, "charge declined; will retry next tick")
	return nil
}

// ApplyTransient counts a network-level gateway failure against the cycle
// without failing the attempt row, so the next tick retries under the same
// key. Exhausting the watermark on transients alone still expires the
// subscription; a gateway that never answers cannot hold a row open forever.
func (p *Processor) ApplyTransient(ctx context.Context, sub *models.Subscription, attempt *models.ChargeAttempt, cause error) error {
	ctx = p.logg.WithSubscriptionID(ctx, sub.ID.String())

	sub.ChargeAttemptsCycle++
	if err := p.store.UpdateVersioned(ctx, sub); err != nil {
		return err
	}

	if sub.ChargeAttemptsCycle >= p.maxAttempts {
		expired, err := p.lifecycle.Expire(ctx, sub.ID)
		if err != nil {
			return err
		}
		*sub = *expired
		p.metrics.IncChargeOutcome("exhausted")
		p.notifyResult(ctx, sub, attempt, enums.ChargeStatusFailed, cause.Error(), false, "")
		p.logg.Warn(ctx, "charge attempts exhausted on transient failures; subscription expired")
		return nil
	}

	p.metrics.IncChargeOutcome("transient")
	p.logg.Warn(p.logg.WithField(ctx, "error", cause.Error()), "charge deferred on transient gateway failure")
	return nil
}

func (p *Processor) applyPending(ctx context.Context, attempt *models.ChargeAttempt, result *gateway.ChargeResult) error {
	if result.ExternalID != "" && attempt.ExternalChargeID == nil {
		attempt.ExternalChargeID = &result.ExternalID
		return p.store.UpdateChargeAttempt(ctx, attempt)
	}
	return nil
}

// ResolveByKey loads the attempt and subscription for an idempotency key,
// used by the webhook to route a processor callback. Returns NotFound when
// the key matches nothing.
func (p *Processor) ResolveByKey(ctx context.Context, key uuid.UUID) (*models.Subscription, *models.ChargeAttempt, error) {
	attempt, err := p.store.FindChargeAttemptByKey(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if attempt == nil {
		return nil, nil, pkgerrors.New(pkgerrors.CodeNotFound, "no charge attempt for idempotency key")
	}
	sub, err := p.store.FindByID(ctx, attempt.SubscriptionID)
	if err != nil {
		return nil, nil, err
	}
	if sub == nil {
		return nil, nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found for charge attempt")
	}
	return sub, attempt, nil
}

func (p *Processor) notifyResult(ctx context.Context, sub *models.Subscription, attempt *models.ChargeAttempt, status enums.ChargeStatus, message string, retryable bool, confirmationURL string) {
	event := notify.ChargeResultEvent{
		SubscriptionID:  sub.ID,
		OwnerID:         sub.OwnerID,
		ChatID:          sub.ChatID,
		PlanType:        sub.PlanType,
		Amount:          attempt.Amount.String(),
		Currency:        attempt.Currency,
		Status:          status,
		Message:         message,
		Retryable:       retryable,
		ConfirmationURL: confirmationURL,
	}
	if err := p.notifier.NotifyChargeResult(ctx, event); err != nil {
		p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), "charge result notification failed")
	}
}
