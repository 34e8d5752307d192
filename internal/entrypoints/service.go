package entrypoints

import (
	"context"
	"fmt"

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

// Subscriptions is the slice of the lifecycle service the chat layer drives.
type Subscriptions interface {
	Activate(ctx context.Context, params subscriptions.ActivateParams) (*models.Subscription, error)
	Combine(ctx context.Context, params subscriptions.CombineParams) (*models.Subscription, error)
	Cancel(ctx context.Context, id uuid.UUID, requesterID int64) (*models.Subscription, error)
	UpgradeToAll(ctx context.Context, id uuid.UUID, requesterID int64, period enums.PeriodType, mode enums.EffectiveMode) (*models.Subscription, error)
	Expand(ctx context.Context, id uuid.UUID, requesterID int64, newSize int) (*models.Subscription, decimal.Decimal, error)
	GrantLifetime(ctx context.Context, params subscriptions.GrantLifetimeParams) (*models.Subscription, error)
	AddMember(ctx context.Context, id uuid.UUID, requesterID, userID int64, displayName string) error
	RemoveMember(ctx context.Context, id uuid.UUID, requesterID, userID int64) error
	Members(ctx context.Context, id uuid.UUID) ([]models.GroupMember, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	Holdings(ctx context.Context, ownerID int64, exclude uuid.UUID) ([]pricing.Holding, error)
}

// Store is the slice of the repository the facade writes billing rows
// through.
type Store interface {
	UpdateVersioned(ctx context.Context, sub *models.Subscription) error
	CreateChargeAttempt(ctx context.Context, attempt *models.ChargeAttempt) error
	UpdateChargeAttempt(ctx context.Context, attempt *models.ChargeAttempt) error
	ListChargeAttempts(ctx context.Context, subscriptionID uuid.UUID) ([]models.ChargeAttempt, error)
	ListPlanCatalog(ctx context.Context) ([]models.PlanCatalogEntry, error)
}

// ChargeApplier lands a normalized gateway outcome the same way the renewal
// sweep does.
type ChargeApplier interface {
	Apply(ctx context.Context, sub *models.Subscription, attempt *models.ChargeAttempt, result *gateway.ChargeResult) error
}

// ServiceParams carries the facade dependencies.
type ServiceParams struct {
	Subs     Subscriptions
	Store    Store
	Gateway  gateway.Gateway
	Applier  ChargeApplier
	Resolver *pricing.Resolver
	Logger   *logger.Logger
	Currency string

	// StarsGateway is the optional Telegram Stars rail for attended
	// payments when the subscriber has no card.
	StarsGateway gateway.Gateway
}

// Service is the operation surface the chat layer calls. It owns the
// attended first-charge flow; unattended renewals belong to the scheduler.
type Service struct {
	subs     Subscriptions
	store    Store
	gateway  gateway.Gateway
	stars    gateway.Gateway
	applier  ChargeApplier
	resolver *pricing.Resolver
	logg     *logger.Logger
	currency string
}

// NewService validates dependencies and builds the facade.
func NewService(params ServiceParams) (*Service, error) {
	if params.Subs == nil {
		return nil, fmt.Errorf("subscriptions service is required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if params.Applier == nil {
		return nil, fmt.Errorf("charge applier is required")
	}
	if params.Resolver == nil {
		return nil, fmt.Errorf("pricing resolver is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	currency := params.Currency
	if currency == "" {
		currency = "RUB"
	}
	return &Service{
		subs:     params.Subs,
		store:    params.Store,
		gateway:  params.Gateway,
		stars:    params.StarsGateway,
		applier:  params.Applier,
		resolver: params.Resolver,
		logg:     params.Logger,
		currency: currency,
	}, nil
}

// PurchaseParams describes one purchase request from the chat layer.
type PurchaseParams struct {
	OwnerID          int64
	ChatID           int64
	OwnerDisplayName string
	Kind             enums.Kind
	PlanType         enums.PlanType
	PeriodType       enums.PeriodType
	GroupSize        *int

	// CombinePolicy must be set when the purchase collides with plans the
	// subscriber already holds in the same scope.
	CombinePolicy *enums.CombinePolicy

	// PaymentMethodToken skips the attended payment flow for subscribers
	// with a card already on file.
	PaymentMethodToken *string

	// PayWithStars routes the attended charge through the Telegram Stars
	// rail. Stars cannot charge unattended, so the subscription will need
	// a fresh attended payment every cycle.
	PayWithStars bool
}

// PurchaseResult is what the chat layer renders back to the subscriber.
type PurchaseResult struct {
	Subscription    *models.Subscription
	ConfirmationURL string
}

// PurchaseSubscription creates the subscription and, when no payment method
// is on file, opens an attended charge whose confirmation URL the chat
// layer shows. The subscription stays pending until the gateway confirms.
func (s *Service) PurchaseSubscription(ctx context.Context, params PurchaseParams) (*PurchaseResult, error) {
	if params.CombinePolicy != nil {
		sub, err := s.subs.Combine(ctx, subscriptions.CombineParams{
			OwnerID:            params.OwnerID,
			ChatID:             params.ChatID,
			OwnerDisplayName:   params.OwnerDisplayName,
			Kind:               params.Kind,
			NewPlanType:        params.PlanType,
			PeriodType:         params.PeriodType,
			GroupSize:          params.GroupSize,
			Policy:             *params.CombinePolicy,
			PaymentMethodToken: params.PaymentMethodToken,
		})
		if err != nil {
			return nil, err
		}
		return &PurchaseResult{Subscription: sub}, nil
	}

	awaitPayment := params.PaymentMethodToken == nil
	sub, err := s.subs.Activate(ctx, subscriptions.ActivateParams{
		OwnerID:            params.OwnerID,
		ChatID:             params.ChatID,
		OwnerDisplayName:   params.OwnerDisplayName,
		Kind:               params.Kind,
		PlanType:           params.PlanType,
		PeriodType:         params.PeriodType,
		GroupSize:          params.GroupSize,
		PaymentMethodToken: params.PaymentMethodToken,
		AwaitPayment:       awaitPayment,
	})
	if err != nil {
		return nil, err
	}
	if !awaitPayment {
		return &PurchaseResult{Subscription: sub}, nil
	}

	url, err := s.openInitialCharge(ctx, sub, params.PayWithStars)
	if err != nil {
		return nil, err
	}
	return &PurchaseResult{Subscription: sub, ConfirmationURL: url}, nil
}

// openInitialCharge mints the first cycle's idempotency key and asks the
// gateway for an attended payment that also saves the payment method.
func (s *Service) openInitialCharge(ctx context.Context, sub *models.Subscription, payWithStars bool) (string, error) {
	ctx = s.logg.WithSubscriptionID(ctx, sub.ID.String())

	rail := s.gateway
	savePaymentMethod := true
	if payWithStars {
		if s.stars == nil {
			return "", pkgerrors.New(pkgerrors.CodePolicyViolation, "stars payments are not enabled")
		}
		rail = s.stars
		savePaymentMethod = false
	}

	key := uuid.New()
	sub.CycleKey = &key
	if err := s.store.UpdateVersioned(ctx, sub); err != nil {
		return "", err
	}

	attempt := &models.ChargeAttempt{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		IdempotencyKey: key,
		Amount:         sub.Price,
		Currency:       s.currency,
		Status:         enums.ChargeStatusPending,
	}
	if err := s.store.CreateChargeAttempt(ctx, attempt); err != nil {
		return "", err
	}

	result, err := rail.CreateCharge(ctx, gateway.ChargeRequest{
		IdempotencyKey:    key,
		Amount:            sub.Price,
		Currency:          s.currency,
		Description:       fmt.Sprintf("Subscription: %s", sub.PlanType),
		SavePaymentMethod: savePaymentMethod,
		Metadata: map[string]string{
			"subscription_id": sub.ID.String(),
			"idempotency_key": key.String(),
		},
	})
	if err != nil {
		if pkgerrors.Is(err, pkgerrors.CodeGatewayDeclined) {
			declined := &gateway.ChargeResult{
				Status:  enums.ChargeStatusFailed,
				Message: pkgerrors.As(err).Message(),
			}
			if applyErr := s.applier.Apply(ctx, sub, attempt, declined); applyErr != nil {
				return "", applyErr
			}
		}
		return "", err
	}
	if err := s.applier.Apply(ctx, sub, attempt, result); err != nil {
		return "", err
	}
	return result.ConfirmationURL, nil
}

// CancelSubscription stops billing and drops the saved payment method. Only
// the owner may cancel; a repeated cancel is a no-op.
func (s *Service) CancelSubscription(ctx context.Context, id uuid.UUID, requesterID int64) error {
	_, err := s.subs.Cancel(ctx, id, requesterID)
	return err
}

// UpgradePlan moves a subscription to the full package. That is the only
// supported plan change; swapping between single-feature plans means buying
// the other plan outright.
func (s *Service) UpgradePlan(ctx context.Context, id uuid.UUID, requesterID int64, newPlanType enums.PlanType, mode enums.EffectiveMode) (*models.Subscription, error) {
	if newPlanType != enums.PlanAll {
		return nil, pkgerrors.New(pkgerrors.CodePolicyViolation, "only upgrades to the full package are supported")
	}
	if !mode.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid effective mode %q", mode))
	}
	sub, err := s.subs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.subs.UpgradeToAll(ctx, id, requesterID, sub.PeriodType, mode)
}

// ExpandResult reports the price delta the expansion charged.
type ExpandResult struct {
	Subscription *models.Subscription
	PriceDelta   decimal.Decimal
}

// ExpandGroup grows a group subscription and charges the base-price delta
// immediately against the saved payment method.
func (s *Service) ExpandGroup(ctx context.Context, id uuid.UUID, requesterID int64, newSize int) (*ExpandResult, error) {
	current, err := s.subs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.PaymentMethodToken == nil {
		return nil, pkgerrors.New(pkgerrors.CodePolicyViolation, "expanding requires a saved payment method")
	}

	sub, delta, err := s.subs.Expand(ctx, id, requesterID, newSize)
	if err != nil {
		return nil, err
	}
	if !delta.IsPositive() {
		return &ExpandResult{Subscription: sub, PriceDelta: delta}, nil
	}

	if err := s.chargeExpandDelta(ctx, sub, delta); err != nil {
		return nil, err
	}
	return &ExpandResult{Subscription: sub, PriceDelta: delta}, nil
}

// chargeExpandDelta runs a one-off charge for the expansion. The outcome is
// recorded on its own attempt and never moves the renewal schedule.
func (s *Service) chargeExpandDelta(ctx context.Context, sub *models.Subscription, delta decimal.Decimal) error {
	ctx = s.logg.WithSubscriptionID(ctx, sub.ID.String())

	key := uuid.New()
	attempt := &models.ChargeAttempt{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		IdempotencyKey: key,
		Amount:         delta,
		Currency:       s.currency,
		Status:         enums.ChargeStatusPending,
	}
	if err := s.store.CreateChargeAttempt(ctx, attempt); err != nil {
		return err
	}

	result, err := s.gateway.CreateRecurringCharge(ctx, gateway.RecurringChargeRequest{
		IdempotencyKey:     key,
		Amount:             delta,
		Currency:           s.currency,
		Description:        fmt.Sprintf("Group expansion: %s", sub.PlanType),
		PaymentMethodToken: *sub.PaymentMethodToken,
		Metadata: map[string]string{
			"subscription_id": sub.ID.String(),
			"purpose":         "group_expand",
		},
	})
	if err != nil {
		if pkgerrors.Is(err, pkgerrors.CodeGatewayDeclined) {
			attempt.Status = enums.ChargeStatusFailed
			message := pkgerrors.As(err).Message()
			attempt.Message = &message
			if updateErr := s.store.UpdateChargeAttempt(ctx, attempt); updateErr != nil {
				return updateErr
			}
		}
		return err
	}

	attempt.Status = result.Status
	if result.ExternalID != "" {
		attempt.ExternalChargeID = &result.ExternalID
	}
	return s.store.UpdateChargeAttempt(ctx, attempt)
}

// QuoteParams describes a price preview request.
type QuoteParams struct {
	OwnerID    int64
	Kind       enums.Kind
	PlanType   enums.PlanType
	PeriodType enums.PeriodType
	GroupSize  *int
}

// QuotePrice previews what a purchase would cost right now, including any
// cross-kind discount from the subscriber's current holdings. No side
// effects; the stored price is fixed at purchase time, not here.
func (s *Service) QuotePrice(ctx context.Context, params QuoteParams) (decimal.Decimal, error) {
	holdings, err := s.subs.Holdings(ctx, params.OwnerID, uuid.Nil)
	if err != nil {
		return decimal.Zero, err
	}
	groupSize := 0
	if params.GroupSize != nil {
		groupSize = *params.GroupSize
	}
	return s.resolver.Resolve(params.Kind, params.PlanType, params.PeriodType, groupSize, holdings)
}

// PlanOffer pairs a catalog entry with its personal monthly price for the
// plan picker.
type PlanOffer struct {
	Entry        models.PlanCatalogEntry
	MonthlyPrice decimal.Decimal
}

// ListPlans returns the plan catalog for the chat layer's picker.
func (s *Service) ListPlans(ctx context.Context) ([]PlanOffer, error) {
	entries, err := s.store.ListPlanCatalog(ctx)
	if err != nil {
		return nil, err
	}
	offers := make([]PlanOffer, 0, len(entries))
	for _, entry := range entries {
		price, err := s.resolver.Table().BasePrice(enums.KindPersonal, entry.PlanType, enums.PeriodMonth, 0)
		if err != nil {
			return nil, err
		}
		offers = append(offers, PlanOffer{Entry: entry, MonthlyPrice: price})
	}
	return offers, nil
}

// ChargeHistory lists every charge attempt for one subscription, newest
// first.
func (s *Service) ChargeHistory(ctx context.Context, id uuid.UUID) ([]models.ChargeAttempt, error) {
	return s.store.ListChargeAttempts(ctx, id)
}

// GrantLifetime creates a synthetic always-active subscription with no
// billing handle, used for complimentary access.
func (s *Service) GrantLifetime(ctx context.Context, params subscriptions.GrantLifetimeParams) (*models.Subscription, error) {
	return s.subs.GrantLifetime(ctx, params)
}

// InviteMember adds a member to a group subscription.
func (s *Service) InviteMember(ctx context.Context, id uuid.UUID, requesterID, userID int64, displayName string) error {
	return s.subs.AddMember(ctx, id, requesterID, userID, displayName)
}

// RemoveMember evicts a member from a group subscription.
func (s *Service) RemoveMember(ctx context.Context, id uuid.UUID, requesterID, userID int64) error {
	return s.subs.RemoveMember(ctx, id, requesterID, userID)
}

// Members lists a group subscription's occupants.
func (s *Service) Members(ctx context.Context, id uuid.UUID) ([]models.GroupMember, error) {
	return s.subs.Members(ctx, id)
}

// Subscription loads one subscription for display.
func (s *Service) Subscription(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	return s.subs.Get(ctx, id)
}
