package subscriptions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/kinoclub/billing-engine/internal/pricing"
	"github.com/kinoclub/billing-engine/pkg/db/models"
	"github.com/kinoclub/billing-engine/pkg/enums"
	pkgerrors "github.com/kinoclub/billing-engine/pkg/errors"
	"github.com/kinoclub/billing-engine/pkg/logger"
)

// TxRunner executes fn inside a database transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ServiceParams carries the service dependencies.
type ServiceParams struct {
	Repo     Repository
	Resolver *pricing.Resolver
	TxRunner TxRunner
	Logger   *logger.Logger
	Now      func() time.Time
}

// Service owns every subscription state transition. All writes go through
// versioned updates inside a transaction, so two overlapping mutations of
// the same row resolve to exactly one winner.
type Service struct {
	repo     Repository
	resolver *pricing.Resolver
	tx       TxRunner
	logg     *logger.Logger
	now      func() time.Time
}

// NewService validates dependencies and builds the service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if params.Resolver == nil {
		return nil, fmt.Errorf("pricing resolver is required")
	}
	if params.TxRunner == nil {
		return nil, fmt.Errorf("transaction runner is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	return &Service{
		repo:     params.Repo,
		resolver: params.Resolver,
		tx:       params.TxRunner,
		logg:     params.Logger,
		now:      params.Now,
	}, nil
}

// InForce reports whether the subscription grants access at the given
// instant. Active status alone is not enough: a subscription past its paid
// period stops granting access even before the expiry sweep flips its row.
func InForce(sub *models.Subscription, now time.Time) bool {
	if sub == nil {
		return false
	}
	if sub.Status != enums.SubscriptionStatusActive {
		return false
	}
	return sub.ExpiresAt == nil || sub.ExpiresAt.After(now)
}

// ActivateParams describes a new subscription purchase.
type ActivateParams struct {
	OwnerID            int64
	ChatID             int64
	OwnerDisplayName   string
	Kind               enums.Kind
	PlanType           enums.PlanType
	PeriodType         enums.PeriodType
	GroupSize          *int
	PaymentMethodToken *string

	// AwaitPayment creates the row as pending; MarkActive flips it once the
	// first charge confirms.
	AwaitPayment bool
}

func (p ActivateParams) validate() error {
	if !p.Kind.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid kind %q", p.Kind))
	}
	if !p.PlanType.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid plan type %q", p.PlanType))
	}
	if !p.PeriodType.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid period type %q", p.PeriodType))
	}
	if p.Kind == enums.KindGroup {
		if p.GroupSize == nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "group size is required for group subscriptions")
		}
		if size := *p.GroupSize; size != 2 && size != 5 && size != 10 {
			return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unsupported group size %d", size))
		}
	}
	return nil
}

// Activate creates a subscription, pricing it against the resolver at this
// instant. The resolved price is stored on the row and never recomputed.
func (s *Service) Activate(ctx context.Context, params ActivateParams) (*models.Subscription, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	now := s.now()

	var sub *models.Subscription
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		if err := s.ensurePlanFree(ctx, repo, params.ChatID, params.OwnerID, params.Kind, params.PlanType, uuid.Nil, now); err != nil {
			return err
		}

		holdings, err := s.holdingsFor(ctx, repo, params.OwnerID, uuid.Nil, now)
		if err != nil {
			return err
		}
		groupSize := 0
		if params.GroupSize != nil {
			groupSize = *params.GroupSize
		}
		price, err := s.resolver.Resolve(params.Kind, params.PlanType, params.PeriodType, groupSize, holdings)
		if err != nil {
			return err
		}

		status := enums.SubscriptionStatusActive
		if params.AwaitPayment {
			status = enums.SubscriptionStatusPending
		}

		sub = &models.Subscription{
			ID:                 uuid.New(),
			OwnerID:            params.OwnerID,
			ChatID:             params.ChatID,
			Kind:               params.Kind,
			PlanType:           params.PlanType,
			PeriodType:         params.PeriodType,
			Price:              price,
			GroupSize:          params.GroupSize,
			Status:             status,
			ActivatedAt:        now,
			PaymentMethodToken: params.PaymentMethodToken,
			Version:            1,
		}
		applyChargeDates(sub, now)

		if err := repo.Create(ctx, sub); err != nil {
			return err
		}

		if params.Kind == enums.KindGroup {
			member := &models.GroupMember{
				ID:             uuid.New(),
				SubscriptionID: sub.ID,
				UserID:         params.OwnerID,
				DisplayName:    params.OwnerDisplayName,
			}
			if err := repo.AddMember(ctx, member); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithSubscriptionID(s.logg.WithOwnerID(ctx, sub.OwnerID), sub.ID.String())
	s.logg.Info(logCtx, "subscription activated")
	return sub, nil
}

// MarkActive flips a pending subscription to active once its first charge
// confirms. Charge dates restart from confirmation time, not creation time.
func (s *Service) MarkActive(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	now := s.now()
	var sub *models.Subscription
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		loaded, err := s.mustFind(ctx, repo, id)
		if err != nil {
			return err
		}
		if loaded.Status == enums.SubscriptionStatusActive {
			sub = loaded
			return nil
		}
		if loaded.Status != enums.SubscriptionStatusPending {
			return pkgerrors.New(pkgerrors.CodePolicyViolation,
				fmt.Sprintf("cannot activate subscription in status %q", loaded.Status))
		}
		loaded.Status = enums.SubscriptionStatusActive
		loaded.ActivatedAt = now
		applyChargeDates(loaded, now)
		if err := repo.UpdateVersioned(ctx, loaded); err != nil {
			return err
		}
		sub = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Renew advances the paid period to now plus one period length. Late
// renewals therefore never compound lateness into the next cycle. Renewing
// a subscription that is not yet due is a no-op, which makes a duplicated
// success signal for the same cycle harmless.
func (s *Service) Renew(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	now := s.now()
	var sub *models.Subscription
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		loaded, err := s.mustFind(ctx, repo, id)
		if err != nil {
			return err
		}
		if loaded.Status != enums.SubscriptionStatusActive {
			return pkgerrors.New(pkgerrors.CodePolicyViolation,
				fmt.Sprintf("cannot renew subscription in status %q", loaded.Status))
		}
		if loaded.PeriodType.IsLifetime() {
			return pkgerrors.New(pkgerrors.CodePolicyViolation, "lifetime subscriptions do not renew")
		}
		if loaded.NextChargeAt != nil && loaded.NextChargeAt.After(now) {
			sub = loaded
			return nil
		}
		applyChargeDates(loaded, now)
		loaded.CycleKey = nil
		loaded.ChargeAttemptsCycle = 0
		if err := repo.UpdateVersioned(ctx, loaded); err != nil {
			return err
		}
		sub = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Cancel deactivates the subscription and drops its payment method so the
// scheduler never charges it again. Only the owner may cancel. The row and
// its group members are kept for history.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, requesterID int64) (*models.Subscription, error) {
	now := s.now()
	var sub *models.Subscription
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		loaded, err := s.mustFind(ctx, repo, id)
		if err != nil {
			return err
		}
		if loaded.OwnerID != requesterID {
			return pkgerrors.New(pkgerrors.CodeUnauthorized, "only the owner can cancel a subscription")
		}
		if loaded.Status == enums.SubscriptionStatusCancelled {
			sub = loaded
			return nil
		}
		if err := s.cancelInTx(ctx, repo, loaded, now); err != nil {
			return err
		}
		sub = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithSubscriptionID(ctx, id.String())
	s.logg.Info(logCtx, "subscription cancelled")
	return sub, nil
}

// Expire flips an active subscription whose paid period ran out. Used by
// the expiry sweep and by the charge processor when a cycle exhausts its
// attempts.
func (s *Service) Expire(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	var sub *models.Subscription
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		loaded, err := s.mustFind(ctx, repo, id)
		if err != nil {
			return err
		}
		if loaded.Status == enums.SubscriptionStatusExpired {
			sub = loaded
			return nil
		}
		if loaded.Status != enums.SubscriptionStatusActive {
			return pkgerrors.New(pkgerrors.CodePolicyViolation,
				fmt.Sprintf("cannot expire subscription in status %q", loaded.Status))
		}
		loaded.Status = enums.SubscriptionStatusExpired
		loaded.CycleKey = nil
		if err := repo.UpdateVersioned(ctx, loaded); err != nil {
			return err
		}
		sub = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithSubscriptionID(ctx, id.String())
	s.logg.Info(logCtx, "subscription expired")
	return sub, nil
}

// UpgradeToAll swaps a single-feature plan for the full package. The plan
// and price change immediately under both modes; the mode only decides
// whether the paid period restarts now or the current one runs out first.
func (s *Service) UpgradeToAll(ctx context.Context, id uuid.UUID, requesterID int64, period enums.PeriodType, mode enums.EffectiveMode) (*models.Subscription, error) {
	if !period.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid period type %q", period))
	}
	if !mode.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid effective mode %q", mode))
	}
	now := s.now()

	var sub *models.Subscription
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		loaded, err := s.mustFind(ctx, repo, id)
		if err != nil {
			return err
		}
		if loaded.OwnerID != requesterID {
			return pkgerrors.New(pkgerrors.CodeUnauthorized, "only the owner can upgrade a subscription")
		}
		if !InForce(loaded, now) {
			return pkgerrors.New(pkgerrors.CodePolicyViolation, "subscription is not in force")
		}
		if loaded.PlanType.IsPackage() {
			return pkgerrors.New(pkgerrors.CodePolicyViolation, "subscription already covers everything")
		}
		if err := s.ensurePlanFree(ctx, repo, loaded.ChatID, loaded.OwnerID, loaded.Kind, enums.PlanAll, loaded.ID, now); err != nil {
			return err
		}

		holdings, err := s.holdingsFor(ctx, repo, loaded.OwnerID, loaded.ID, now)
		if err != nil {
			return err
		}
		groupSize := 0
		if loaded.GroupSize != nil {
			groupSize = *loaded.GroupSize
		}
		price, err := s.resolver.Resolve(loaded.Kind, enums.PlanAll, period, groupSize, holdings)
		if err != nil {
			return err
		}

		loaded.PlanType = enums.PlanAll
		loaded.Price = price
		loaded.PeriodType = period
		if mode == enums.EffectiveImmediate || period.IsLifetime() {
			applyChargeDates(loaded, now)
			loaded.CycleKey = nil
			loaded.ChargeAttemptsCycle = 0
		}
		if err := repo.UpdateVersioned(ctx, loaded); err != nil {
			return err
		}
		sub = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithSubscriptionID(ctx, id.String())
	s.logg.Info(logCtx, "subscription upgraded to full package")
	return sub, nil
}

// Expand grows a group subscription to a larger seat count. The stored
// price moves by the base-price delta between the two sizes, so an earlier
// cross-kind discount survives the expansion. The returned delta is what
// the caller should charge immediately.
func (s *Service) Expand(ctx context.Context, id uuid.UUID, requesterID int64, newSize int) (*models.Subscription, decimal.Decimal, error) {
	if newSize != 5 && newSize != 10 {
		return nil, decimal.Zero, pkgerrors.New(pkgerrors.CodeValidation,
			fmt.Sprintf("cannot expand to group size %d", newSize))
	}
	now := s.now()

	var (
		sub   *models.Subscription
		delta decimal.Decimal
	)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		loaded, err := s.mustFind(ctx, repo, id)
		if err != nil {
			return err
		}
		if loaded.OwnerID != requesterID {
			return pkgerrors.New(pkgerrors.CodeUnauthorized, "only the owner can expand a group")
		}
		if loaded.Kind != enums.KindGroup || loaded.GroupSize == nil {
			return pkgerrors.New(pkgerrors.CodePolicyViolation, "only group subscriptions can expand")
		}
		if !InForce(loaded, now) {
			return pkgerrors.New(pkgerrors.CodePolicyViolation, "subscription is not in force")
		}
		if loaded.HasPendingSwap() {
			return pkgerrors.New(pkgerrors.CodeConflict,
				"a deferred plan change is pending; expand after it applies")
		}
		currentSize := *loaded.GroupSize
		if newSize <= currentSize {
			return pkgerrors.New(pkgerrors.CodePolicyViolation,
				fmt.Sprintf("cannot shrink group from %d to %d seats", currentSize, newSize))
		}

		oldBase, err := s.resolver.Table().BasePrice(enums.KindGroup, loaded.PlanType, loaded.PeriodType, currentSize)
		if err != nil {
			return err
		}
		newBase, err := s.resolver.Table().BasePrice(enums.KindGroup, loaded.PlanType, loaded.PeriodType, newSize)
		if err != nil {
			return err
		}
		delta = newBase.Sub(oldBase)

		loaded.GroupSize = &newSize
		loaded.Price = loaded.Price.Add(delta)
		if err := repo.UpdateVersioned(ctx, loaded); err != nil {
			return err
		}
		sub = loaded
		return nil
	})
	if err != nil {
		return nil, decimal.Zero, err
	}

	logCtx := s.logg.WithSubscriptionID(ctx, id.String())
	s.logg.Info(s.logg.WithField(logCtx, "group_size", newSize), "group subscription expanded")
	return sub, delta, nil
}

// CombineParams describes a purchase that overlaps existing single-feature
// plans in the same scope.
type CombineParams struct {
	OwnerID            int64
	ChatID             int64
	OwnerDisplayName   string
	Kind               enums.Kind
	NewPlanType        enums.PlanType
	PeriodType         enums.PeriodType
	GroupSize          *int
	Policy             enums.CombinePolicy
	PaymentMethodToken *string
}

// Combine resolves a purchase that collides with plans the subscriber
// already holds in the same scope. pay_now replaces them with a fresh plan
// immediately; upgrade_all folds them into the full package immediately;
// defer annotates the earliest-renewing plan and applies the swap right
// after its next successful renewal.
func (s *Service) Combine(ctx context.Context, params CombineParams) (*models.Subscription, error) {
	if !params.Policy.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid combine policy %q", params.Policy))
	}
	if !params.NewPlanType.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid plan type %q", params.NewPlanType))
	}
	if !params.PeriodType.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid period type %q", params.PeriodType))
	}
	now := s.now()

	var sub *models.Subscription
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		scoped, err := repo.ListInScope(ctx, params.ChatID, params.OwnerID, params.Kind)
		if err != nil {
			return err
		}
		var existing []*models.Subscription
		for i := range scoped {
			candidate := &scoped[i]
			if !InForce(candidate, now) || candidate.PlanType.IsPackage() {
				continue
			}
			if candidate.PlanType == params.NewPlanType {
				return pkgerrors.New(pkgerrors.CodePolicyViolation,
					fmt.Sprintf("plan %q is already active in this chat", params.NewPlanType))
			}
			existing = append(existing, candidate)
		}
		if len(existing) == 0 {
			return pkgerrors.New(pkgerrors.CodePolicyViolation, "no overlapping plans to combine")
		}

		switch params.Policy {
		case enums.CombinePayNow:
			sub, err = s.combinePayNow(ctx, repo, params, existing, now)
		case enums.CombineUpgradeAll:
			sub, err = s.combineUpgradeAll(ctx, repo, params, existing, now)
		case enums.CombineDefer:
			sub, err = s.combineDefer(ctx, repo, params, existing, now)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithOwnerID(ctx, params.OwnerID)
	s.logg.Info(s.logg.WithField(logCtx, "policy", params.Policy.String()), "overlapping plans combined")
	return sub, nil
}

func (s *Service) combinePayNow(ctx context.Context, repo Repository, params CombineParams, existing []*models.Subscription, now time.Time) (*models.Subscription, error) {
	for _, old := range existing {
		if err := s.cancelInTx(ctx, repo, old, now); err != nil {
			return nil, err
		}
	}

	holdings, err := s.holdingsFor(ctx, repo, params.OwnerID, uuid.Nil, now)
	if err != nil {
		return nil, err
	}
	groupSize := 0
	if params.GroupSize != nil {
		groupSize = *params.GroupSize
	}
	price, err := s.resolver.Resolve(params.Kind, params.NewPlanType, params.PeriodType, groupSize, holdings)
	if err != nil {
		return nil, err
	}

	sub := &models.Subscription{
		ID:                 uuid.New(),
		OwnerID:            params.OwnerID,
		ChatID:             params.ChatID,
		Kind:               params.Kind,
		PlanType:           params.NewPlanType,
		PeriodType:         params.PeriodType,
		Price:              price,
		GroupSize:          params.GroupSize,
		Status:             enums.SubscriptionStatusActive,
		ActivatedAt:        now,
		PaymentMethodToken: params.PaymentMethodToken,
		Version:            1,
	}
	applyChargeDates(sub, now)
	if err := repo.Create(ctx, sub); err != nil {
		return nil, err
	}

	if params.Kind == enums.KindGroup {
		member := &models.GroupMember{
			ID:             uuid.New(),
			SubscriptionID: sub.ID,
			UserID:         params.OwnerID,
			DisplayName:    params.OwnerDisplayName,
		}
		if err := repo.AddMember(ctx, member); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

func (s *Service) combineUpgradeAll(ctx context.Context, repo Repository, params CombineParams, existing []*models.Subscription, now time.Time) (*models.Subscription, error) {
	primary := earliestDue(existing)
	for _, old := range existing {
		if old.ID == primary.ID {
			continue
		}
		if err := s.cancelInTx(ctx, repo, old, now); err != nil {
			return nil, err
		}
	}

	holdings, err := s.holdingsFor(ctx, repo, params.OwnerID, primary.ID, now)
	if err != nil {
		return nil, err
	}
	groupSize := 0
	if primary.GroupSize != nil {
		groupSize = *primary.GroupSize
	}
	price, err := s.resolver.Resolve(primary.Kind, enums.PlanAll, params.PeriodType, groupSize, holdings)
	if err != nil {
		return nil, err
	}

	primary.PlanType = enums.PlanAll
	primary.Price = price
	primary.PeriodType = params.PeriodType
	applyChargeDates(primary, now)
	primary.CycleKey = nil
	primary.ChargeAttemptsCycle = 0
	if err := repo.UpdateVersioned(ctx, primary); err != nil {
		return nil, err
	}
	return primary, nil
}

func (s *Service) combineDefer(ctx context.Context, repo Repository, params CombineParams, existing []*models.Subscription, now time.Time) (*models.Subscription, error) {
	primary := earliestDue(existing)
	if primary.NextChargeAt == nil {
		return nil, pkgerrors.New(pkgerrors.CodePolicyViolation,
			"no renewing plan to defer the change onto")
	}
	if primary.HasPendingSwap() {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "a deferred plan change is already pending")
	}

	holdings, err := s.holdingsFor(ctx, repo, params.OwnerID, primary.ID, now)
	if err != nil {
		return nil, err
	}
	groupSize := 0
	if primary.GroupSize != nil {
		groupSize = *primary.GroupSize
	}
	price, err := s.resolver.Resolve(primary.Kind, params.NewPlanType, params.PeriodType, groupSize, holdings)
	if err != nil {
		return nil, err
	}

	newPlan := params.NewPlanType
	newPeriod := params.PeriodType
	primary.PendingPlanType = &newPlan
	primary.PendingPrice = &price
	primary.PendingPeriodType = &newPeriod
	if err := repo.UpdateVersioned(ctx, primary); err != nil {
		return nil, err
	}
	return primary, nil
}

// ApplyPendingSwap executes a deferred combine right after a successful
// renewal: the annotated plan and price replace the current ones and every
// other in-force single-feature plan in the scope is retired. No-op when no
// swap is pending.
func (s *Service) ApplyPendingSwap(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	now := s.now()
	var sub *models.Subscription
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		loaded, err := s.mustFind(ctx, repo, id)
		if err != nil {
			return err
		}
		if !loaded.HasPendingSwap() {
			sub = loaded
			return nil
		}

		loaded.PlanType = *loaded.PendingPlanType
		loaded.Price = *loaded.PendingPrice
		if loaded.PendingPeriodType != nil {
			loaded.PeriodType = *loaded.PendingPeriodType
		}
		loaded.PendingPlanType = nil
		loaded.PendingPrice = nil
		loaded.PendingPeriodType = nil
		if err := repo.UpdateVersioned(ctx, loaded); err != nil {
			return err
		}

		scoped, err := repo.ListInScope(ctx, loaded.ChatID, loaded.OwnerID, loaded.Kind)
		if err != nil {
			return err
		}
		for i := range scoped {
			other := &scoped[i]
			if other.ID == loaded.ID || !InForce(other, now) || other.PlanType.IsPackage() {
				continue
			}
			if err := s.cancelInTx(ctx, repo, other, now); err != nil {
				return err
			}
		}
		sub = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithSubscriptionID(ctx, id.String())
	s.logg.Info(logCtx, "deferred plan change applied")
	return sub, nil
}

// AddMember enrolls a user into a group subscription up to its seat count.
func (s *Service) AddMember(ctx context.Context, id uuid.UUID, requesterID, userID int64, displayName string) error {
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		loaded, err := s.mustFind(ctx, repo, id)
		if err != nil {
			return err
		}
		if loaded.OwnerID != requesterID {
			return pkgerrors.New(pkgerrors.CodeUnauthorized, "only the owner can manage group members")
		}
		if loaded.Kind != enums.KindGroup || loaded.GroupSize == nil {
			return pkgerrors.New(pkgerrors.CodePolicyViolation, "not a group subscription")
		}
		members, err := repo.ListMembers(ctx, id)
		if err != nil {
			return err
		}
		for _, member := range members {
			if member.UserID == userID {
				return pkgerrors.New(pkgerrors.CodePolicyViolation, "user is already a member")
			}
		}
		if len(members) >= *loaded.GroupSize {
			return pkgerrors.New(pkgerrors.CodePolicyViolation,
				fmt.Sprintf("group is full (%d seats)", *loaded.GroupSize))
		}
		return repo.AddMember(ctx, &models.GroupMember{
			ID:             uuid.New(),
			SubscriptionID: id,
			UserID:         userID,
			DisplayName:    displayName,
		})
	})
}

// RemoveMember drops a user from a group subscription. The owner's own seat
// cannot be removed; cancelling the subscription is the way out.
func (s *Service) RemoveMember(ctx context.Context, id uuid.UUID, requesterID, userID int64) error {
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		loaded, err := s.mustFind(ctx, repo, id)
		if err != nil {
			return err
		}
		if loaded.OwnerID != requesterID {
			return pkgerrors.New(pkgerrors.CodeUnauthorized, "only the owner can manage group members")
		}
		if userID == loaded.OwnerID {
			return pkgerrors.New(pkgerrors.CodePolicyViolation, "the owner cannot leave their own group")
		}
		return repo.RemoveMember(ctx, id, userID)
	})
}

// Members lists the group roster.
func (s *Service) Members(ctx context.Context, id uuid.UUID) ([]models.GroupMember, error) {
	return s.repo.ListMembers(ctx, id)
}

// GrantLifetimeParams describes an operator-issued permanent subscription.
type GrantLifetimeParams struct {
	OwnerID          int64
	ChatID           int64
	OwnerDisplayName string
	Kind             enums.Kind
	PlanType         enums.PlanType
	GroupSize        *int
}

// GrantLifetime issues a zero-price lifetime subscription, bypassing the
// gateway entirely. Used for promotions and goodwill credits.
func (s *Service) GrantLifetime(ctx context.Context, params GrantLifetimeParams) (*models.Subscription, error) {
	activate := ActivateParams{
		OwnerID:          params.OwnerID,
		ChatID:           params.ChatID,
		OwnerDisplayName: params.OwnerDisplayName,
		Kind:             params.Kind,
		PlanType:         params.PlanType,
		PeriodType:       enums.PeriodLifetime,
		GroupSize:        params.GroupSize,
	}
	if err := activate.validate(); err != nil {
		return nil, err
	}
	now := s.now()

	var sub *models.Subscription
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := s.ensurePlanFree(ctx, repo, params.ChatID, params.OwnerID, params.Kind, params.PlanType, uuid.Nil, now); err != nil {
			return err
		}
		sub = &models.Subscription{
			ID:          uuid.New(),
			OwnerID:     params.OwnerID,
			ChatID:      params.ChatID,
			Kind:        params.Kind,
			PlanType:    params.PlanType,
			PeriodType:  enums.PeriodLifetime,
			Price:       decimal.Zero,
			GroupSize:   params.GroupSize,
			Status:      enums.SubscriptionStatusActive,
			ActivatedAt: now,
			Version:     1,
		}
		if err := repo.Create(ctx, sub); err != nil {
			return err
		}
		if params.Kind == enums.KindGroup {
			return repo.AddMember(ctx, &models.GroupMember{
				ID:             uuid.New(),
				SubscriptionID: sub.ID,
				UserID:         params.OwnerID,
				DisplayName:    params.OwnerDisplayName,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithSubscriptionID(s.logg.WithOwnerID(ctx, sub.OwnerID), sub.ID.String())
	s.logg.Info(logCtx, "lifetime subscription granted")
	return sub, nil
}

// Get loads a subscription or reports NotFound.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	return s.mustFind(ctx, s.repo, id)
}

// ListByOwner returns every subscription the user owns, newest first.
func (s *Service) ListByOwner(ctx context.Context, ownerID int64) ([]models.Subscription, error) {
	return s.repo.ListByOwner(ctx, ownerID)
}

// Holdings snapshots the owner's other in-force subscriptions for pricing.
func (s *Service) Holdings(ctx context.Context, ownerID int64, exclude uuid.UUID) ([]pricing.Holding, error) {
	return s.holdingsFor(ctx, s.repo, ownerID, exclude, s.now())
}

func (s *Service) mustFind(ctx context.Context, repo Repository, id uuid.UUID) (*models.Subscription, error) {
	sub, err := repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	return sub, nil
}

func (s *Service) ensurePlanFree(ctx context.Context, repo Repository, chatID, ownerID int64, kind enums.Kind, plan enums.PlanType, exclude uuid.UUID, now time.Time) error {
	scoped, err := repo.ListInScope(ctx, chatID, ownerID, kind)
	if err != nil {
		return err
	}
	for i := range scoped {
		existing := &scoped[i]
		if existing.ID == exclude {
			continue
		}
		if existing.PlanType == plan && InForce(existing, now) {
			return pkgerrors.New(pkgerrors.CodePolicyViolation,
				fmt.Sprintf("plan %q is already active in this chat", plan))
		}
	}
	return nil
}

func (s *Service) holdingsFor(ctx context.Context, repo Repository, ownerID int64, exclude uuid.UUID, now time.Time) ([]pricing.Holding, error) {
	subs, err := repo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	var holdings []pricing.Holding
	for i := range subs {
		sub := &subs[i]
		if sub.ID == exclude || !InForce(sub, now) {
			continue
		}
		holdings = append(holdings, pricing.Holding{Kind: sub.Kind, Plan: sub.PlanType})
	}
	return holdings, nil
}

func (s *Service) cancelInTx(ctx context.Context, repo Repository, sub *models.Subscription, now time.Time) error {
	cancelledAt := now
	sub.Status = enums.SubscriptionStatusCancelled
	sub.CancelledAt = &cancelledAt
	sub.PaymentMethodToken = nil
	sub.CycleKey = nil
	sub.PendingPlanType = nil
	sub.PendingPrice = nil
	sub.PendingPeriodType = nil
	return repo.UpdateVersioned(ctx, sub)
}

// applyChargeDates resets the paid period to start now. Lifetime periods
// carry no charge dates at all.
func applyChargeDates(sub *models.Subscription, now time.Time) {
	next, ok := sub.PeriodType.Advance(now)
	if !ok {
		sub.NextChargeAt = nil
		sub.ExpiresAt = nil
		return
	}
	sub.NextChargeAt = &next
	sub.ExpiresAt = &next
}

// earliestDue picks the subscription whose renewal comes first. Rows without
// a charge date sort last.
func earliestDue(subs []*models.Subscription) *models.Subscription {
	best := subs[0]
	for _, candidate := range subs[1:] {
		if candidate.NextChargeAt == nil {
			continue
		}
		if best.NextChargeAt == nil || candidate.NextChargeAt.Before(*best.NextChargeAt) {
			best = candidate
		}
	}
	return best
}
