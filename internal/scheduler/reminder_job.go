package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/kinoclub/billing-engine/internal/notify"
	"github.com/kinoclub/billing-engine/pkg/logger"
)

const (
	defaultReminderLimit  = 250
	defaultReminderWindow = 24 * time.Hour
)

// ReminderJobParams carries the reminder job dependencies.
type ReminderJobParams struct {
	Store    Store
	Notifier notify.Notifier
	Logger   *logger.Logger
	Window   time.Duration
	Limit    int
	Now      func() time.Time
}

// ReminderJob warns subscribers whose automatic charge falls inside the
// upcoming window. The charge date itself is the watermark: once a reminder
// for it went out, overlapping ticks skip the row until renewal moves the
// date.
type ReminderJob struct {
	store    Store
	notifier notify.Notifier
	logg     *logger.Logger
	window   time.Duration
	limit    int
	now      func() time.Time
}

// NewReminderJob validates dependencies and builds the job.
func NewReminderJob(params ReminderJobParams) (*ReminderJob, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if params.Notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	window := params.Window
	if window <= 0 {
		window = defaultReminderWindow
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultReminderLimit
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &ReminderJob{
		store:    params.Store,
		notifier: params.Notifier,
		logg:     params.Logger,
		window:   window,
		limit:    limit,
		now:      now,
	}, nil
}

// Name implements Job.
func (j *ReminderJob) Name() string { return "charge_reminder" }

// Run implements Job.
func (j *ReminderJob) Run(ctx context.Context) error {
	now := j.now()
	upcoming, err := j.store.ListDueForReminder(ctx, now, now.Add(j.window), j.limit)
	if err != nil {
		return fmt.Errorf("listing upcoming charges: %w", err)
	}
	for i := range upcoming {
		sub := &upcoming[i]
		subCtx := j.logg.WithSubscriptionID(ctx, sub.ID.String())

		event := notify.ReminderEvent{
			SubscriptionID: sub.ID,
			OwnerID:        sub.OwnerID,
			ChatID:         sub.ChatID,
			PlanType:       sub.PlanType,
			Amount:         sub.Price.String(),
			Currency:       "RUB",
			ChargeAt:       *sub.NextChargeAt,
		}
		if err := j.notifier.NotifyReminder(subCtx, event); err != nil {
			// Watermark stays unset; the next tick tries again.
			j.logg.Warn(j.logg.WithField(subCtx, "error", err.Error()), "reminder delivery failed")
			continue
		}

		sub.RemindedFor = sub.NextChargeAt
		if err := j.store.UpdateVersioned(subCtx, sub); err != nil {
			j.logg.Error(subCtx, "reminder watermark update failed", err)
		}
	}
	return nil
}
