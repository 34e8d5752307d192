package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/kinoclub/billing-engine/pkg/logger"
)

const defaultExpiryLimit = 250

// ExpiryJobParams carries the expiry job dependencies.
type ExpiryJobParams struct {
	Store       Store
	Lifecycle   Lifecycle
	Logger      *logger.Logger
	Limit       int
	MaxAttempts int
	Now         func() time.Time
}

// ExpiryJob flips active subscriptions whose paid period lapsed without a
// way to renew: no saved payment method, or a cycle that burned through its
// attempt budget. Rows mid-retry are left to the renewal job.
type ExpiryJob struct {
	store       Store
	lifecycle   Lifecycle
	logg        *logger.Logger
	limit       int
	maxAttempts int
	now         func() time.Time
}

// NewExpiryJob validates dependencies and builds the job.
func NewExpiryJob(params ExpiryJobParams) (*ExpiryJob, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if params.Lifecycle == nil {
		return nil, fmt.Errorf("lifecycle is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultExpiryLimit
	}
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxChargeAttempts
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &ExpiryJob{
		store:       params.Store,
		lifecycle:   params.Lifecycle,
		logg:        params.Logger,
		limit:       limit,
		maxAttempts: maxAttempts,
		now:         now,
	}, nil
}

// Name implements Job.
func (j *ExpiryJob) Name() string { return "subscription_expiry" }

// Run implements Job.
func (j *ExpiryJob) Run(ctx context.Context) error {
	lapsed, err := j.store.ListExpired(ctx, j.now(), j.limit)
	if err != nil {
		return fmt.Errorf("listing lapsed subscriptions: %w", err)
	}
	for i := range lapsed {
		sub := &lapsed[i]
		// Renewal still owns rows with a saved payment method until the
		// cycle's attempts are exhausted.
		if sub.PaymentMethodToken != nil && sub.ChargeAttemptsCycle < j.maxAttempts {
			continue
		}
		subCtx := j.logg.WithSubscriptionID(ctx, sub.ID.String())
		if _, err := j.lifecycle.Expire(subCtx, sub.ID); err != nil {
			j.logg.Error(subCtx, "expiry failed", err)
		}
	}
	return nil
}
