package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	pkgerrors "github.com/kinoclub/billing-engine/pkg/errors"
	"github.com/kinoclub/billing-engine/pkg/logger"
)

const (
	eventTypeReminder     = "billing.reminder"
	eventTypeChargeResult = "billing.charge_result"

	defaultPublishTimeout = 15 * time.Second
)

// Publisher is the seam over the Pub/Sub topic handle, kept narrow so tests
// can fake it.
type Publisher interface {
	Publish(ctx context.Context, msg *gcppubsub.Message) PublishResult
}

// PublishResult resolves to the server-assigned message ID.
type PublishResult interface {
	Get(ctx context.Context) (string, error)
}

// NewGCPPublisher adapts a Pub/Sub v2 publisher to the seam.
func NewGCPPublisher(p *gcppubsub.Publisher) Publisher {
	if p == nil {
		return nil
	}
	return &gcpPublisher{pub: p}
}

type gcpPublisher struct {
	pub *gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) PublishResult {
	return p.pub.Publish(ctx, msg)
}

// PubSubNotifierParams carries the notifier dependencies.
type PubSubNotifierParams struct {
	Publisher Publisher
	Logger    *logger.Logger
	Timeout   time.Duration
}

// PubSubNotifier publishes billing events to the notification topic. The
// chat layer subscribes and turns them into messages to the subscriber.
type PubSubNotifier struct {
	pub     Publisher
	logg    *logger.Logger
	timeout time.Duration
}

// NewPubSubNotifier validates dependencies and builds the notifier.
func NewPubSubNotifier(params PubSubNotifierParams) (*PubSubNotifier, error) {
	if params.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &PubSubNotifier{
		pub:     params.Publisher,
		logg:    params.Logger,
		timeout: timeout,
	}, nil
}

func (n *PubSubNotifier) NotifyReminder(ctx context.Context, event ReminderEvent) error {
	return n.publish(ctx, eventTypeReminder, event.SubscriptionID.String(), event)
}

func (n *PubSubNotifier) NotifyChargeResult(ctx context.Context, event ChargeResultEvent) error {
	return n.publish(ctx, eventTypeChargeResult, event.SubscriptionID.String(), event)
}

func (n *PubSubNotifier) publish(ctx context.Context, eventType, subscriptionID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encoding notification payload")
	}

	msg := &gcppubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event_type":      eventType,
			"subscription_id": subscriptionID,
			"published_at":    time.Now().UTC().Format(time.RFC3339Nano),
		},
	}

	publishCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	result := n.pub.Publish(publishCtx, msg)
	if result == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "publisher returned no result")
	}
	if _, err := result.Get(publishCtx); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "publishing notification")
	}

	logCtx := n.logg.WithFields(ctx, map[string]any{
		"event_type":      eventType,
		"subscription_id": subscriptionID,
	})
	n.logg.Info(logCtx, "notification published")
	return nil
}
