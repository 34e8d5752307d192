package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kinoclub/billing-engine/internal/gateway"
	"github.com/kinoclub/billing-engine/pkg/db/models"
	"github.com/kinoclub/billing-engine/pkg/enums"
	pkgerrors "github.com/kinoclub/billing-engine/pkg/errors"
	"github.com/kinoclub/billing-engine/pkg/logger"
)

const (
	defaultRenewalLimit   = 250
	defaultRenewalWorkers = 8
)

// RenewalJobParams carries the renewal job dependencies.
type RenewalJobParams struct {
	Store     Store
	Gateway   gateway.Gateway
	Processor *Processor
	Lease     Lease
	Logger    *logger.Logger
	Currency  string
	Limit     int
	Workers   int
	Now       func() time.Time
}

// RenewalJob charges every subscription whose paid period has run out. Due
// rows fan out over a worker pool; each row is leased, re-checked, and
// charged with its cycle's idempotency key, so retries of a cycle can never
// double-charge.
type RenewalJob struct {
	store     Store
	gateway   gateway.Gateway
	processor *Processor
	lease     Lease
	logg      *logger.Logger
	currency  string
	limit     int
	workers   int
	now       func() time.Time
}

// NewRenewalJob validates dependencies and builds the job.
func NewRenewalJob(params RenewalJobParams) (*RenewalJob, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if params.Processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if params.Lease == nil {
		return nil, fmt.Errorf("lease is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultRenewalLimit
	}
	workers := params.Workers
	if workers <= 0 {
		workers = defaultRenewalWorkers
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	currency := params.Currency
	if currency == "" {
		currency = "RUB"
	}
	return &RenewalJob{
		store:     params.Store,
		gateway:   params.Gateway,
		processor: params.Processor,
		lease:     params.Lease,
		logg:      params.Logger,
		currency:  currency,
		limit:     limit,
		workers:   workers,
		now:       now,
	}, nil
}

// Name implements Job.
func (j *RenewalJob) Name() string { return "subscription_renewal" }

// Run implements Job.
func (j *RenewalJob) Run(ctx context.Context) error {
	due, err := j.store.ListDueForRenewal(ctx, j.now(), j.limit)
	if err != nil {
		return fmt.Errorf("listing due subscriptions: %w", err)
	}
	if len(due) == 0 {
		return nil
	}
	j.logg.Info(j.logg.WithField(ctx, "due", len(due)), "renewal sweep starting")

	work := make(chan uuid.UUID)
	var wg sync.WaitGroup
	for range j.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range work {
				j.processOne(ctx, id)
			}
		}()
	}
	for _, sub := range due {
		select {
		case <-ctx.Done():
			close(work)
			wg.Wait()
			return ctx.Err()
		case work <- sub.ID:
		}
	}
	close(work)
	wg.Wait()
	return nil
}

func (j *RenewalJob) processOne(ctx context.Context, id uuid.UUID) {
	ctx = j.logg.WithSubscriptionID(ctx, id.String())

	acquired, err := j.lease.Acquire(ctx, id)
	if err != nil {
		j.logg.Error(ctx, "lease acquire failed", err)
		return
	}
	if !acquired {
		j.logg.Info(ctx, "subscription leased elsewhere; skipping")
		return
	}
	defer func() {
		if err := j.lease.Release(ctx, id); err != nil {
			j.logg.Error(ctx, "lease release failed", err)
		}
	}()

	if err := j.renewOne(ctx, id); err != nil {
		j.logg.Error(ctx, "renewal failed", err)
	}
}

func (j *RenewalJob) renewOne(ctx context.Context, id uuid.UUID) error {
	// Reload under the lease: the listing snapshot may be stale by now.
	sub, err := j.store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if sub == nil || sub.Status != enums.SubscriptionStatusActive || sub.PaymentMethodToken == nil {
		return nil
	}
	now := j.now()
	if sub.NextChargeAt == nil || sub.NextChargeAt.After(now) {
		return nil
	}

	// The cycle key is minted once per billing cycle and reused on every
	// retry, so the gateway collapses duplicates.
	if sub.CycleKey == nil {
		key := uuid.New()
		sub.CycleKey = &key
		if err := j.store.UpdateVersioned(ctx, sub); err != nil {
			return err
		}
	}
	cycleKey := *sub.CycleKey

	attempt, err := j.store.FindChargeAttemptByKey(ctx, cycleKey)
	if err != nil {
		return err
	}
	if attempt != nil && attempt.Status == enums.ChargeStatusSucceeded {
		// An earlier run charged successfully but crashed before moving
		// the subscription. Re-apply without touching the gateway.
		return j.processor.Apply(ctx, sub, attempt, &gateway.ChargeResult{
			ExternalID: derefString(attempt.ExternalChargeID),
			Status:     enums.ChargeStatusSucceeded,
		})
	}
	if attempt != nil && attempt.Status == enums.ChargeStatusFailed {
		// The cycle's last outcome was a decline; this tick retries the
		// charge under the same key.
		attempt.Status = enums.ChargeStatusPending
		attempt.Message = nil
		if err := j.store.UpdateChargeAttempt(ctx, attempt); err != nil {
			return err
		}
	}
	if attempt == nil {
		attempt = &models.ChargeAttempt{
			ID:             uuid.New(),
			SubscriptionID: sub.ID,
			IdempotencyKey: cycleKey,
			Amount:         sub.Price,
			Currency:       j.currency,
			Status:         enums.ChargeStatusPending,
		}
		if err := j.store.CreateChargeAttempt(ctx, attempt); err != nil {
			return err
		}
	}

	result, err := j.gateway.CreateRecurringCharge(ctx, gateway.RecurringChargeRequest{
		IdempotencyKey:     cycleKey,
		Amount:             sub.Price,
		Currency:           attempt.Currency,
		Description:        fmt.Sprintf("Subscription renewal: %s", sub.PlanType),
		PaymentMethodToken: *sub.PaymentMethodToken,
		Metadata: map[string]string{
			"subscription_id": sub.ID.String(),
			"idempotency_key": cycleKey.String(),
		},
	})
	if err != nil {
		if pkgerrors.Is(err, pkgerrors.CodeGatewayDeclined) {
			declined := &gateway.ChargeResult{
				Status:  enums.ChargeStatusFailed,
				Message: pkgerrors.As(err).Message(),
			}
			return j.processor.Apply(ctx, sub, attempt, declined)
		}
		if pkgerrors.Is(err, pkgerrors.CodeGatewayTransient) {
			return j.processor.ApplyTransient(ctx, sub, attempt, err)
		}
		return err
	}
	return j.processor.Apply(ctx, sub, attempt, result)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
