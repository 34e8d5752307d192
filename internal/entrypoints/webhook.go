package entrypoints

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kinoclub/billing-engine/internal/gateway"
	"github.com/kinoclub/billing-engine/pkg/db/models"
	"github.com/kinoclub/billing-engine/pkg/enums"
	pkgerrors "github.com/kinoclub/billing-engine/pkg/errors"
	"github.com/kinoclub/billing-engine/pkg/logger"
)

// Resolver routes a gateway callback to the attempt it settles.
type Resolver interface {
	ResolveByKey(ctx context.Context, key uuid.UUID) (*models.Subscription, *models.ChargeAttempt, error)
	Apply(ctx context.Context, sub *models.Subscription, attempt *models.ChargeAttempt, result *gateway.ChargeResult) error
}

// AttemptStore is the narrow write surface one-off charges settle through.
type AttemptStore interface {
	UpdateChargeAttempt(ctx context.Context, attempt *models.ChargeAttempt) error
}

// WebhookHandlerParams carries the webhook handler dependencies.
type WebhookHandlerParams struct {
	Resolver Resolver
	Store    AttemptStore
	Logger   *logger.Logger
}

// WebhookHandler ingests payment processor callbacks. Outcomes land through
// the same processor the renewal sweep uses, so a webhook and a sweep
// reporting the same charge settle identically.
type WebhookHandler struct {
	resolver Resolver
	store    AttemptStore
	logg     *logger.Logger
	validate *validator.Validate
}

// NewWebhookHandler validates dependencies and builds the handler.
func NewWebhookHandler(params WebhookHandlerParams) (*WebhookHandler, error) {
	if params.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("attempt store is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &WebhookHandler{
		resolver: params.Resolver,
		store:    params.Store,
		logg:     params.Logger,
		validate: validator.New(),
	}, nil
}

// Register mounts the webhook routes.
func (h *WebhookHandler) Register(r chi.Router) {
	r.Post("/webhooks/yookassa", h.handlePaymentEvent)
}

type webhookPayload struct {
	Event  string `json:"event" validate:"required"`
	Object struct {
		ID     string `json:"id" validate:"required"`
		Status string `json:"status" validate:"required"`
		Amount struct {
			Value    string `json:"value"`
			Currency string `json:"currency"`
		} `json:"amount"`
		PaymentMethod struct {
			ID    string `json:"id"`
			Saved bool   `json:"saved"`
		} `json:"payment_method"`
		CancellationDetails struct {
			Reason string `json:"reason"`
		} `json:"cancellation_details"`
		Metadata map[string]string `json:"metadata"`
	} `json:"object" validate:"required"`
}

func (h *WebhookHandler) handlePaymentEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	rawKey, ok := payload.Object.Metadata["idempotency_key"]
	if !ok {
		// Not a charge this engine opened; acknowledge so the processor
		// stops retrying delivery.
		h.logg.Warn(ctx, "payment event without idempotency key; ignoring")
		w.WriteHeader(http.StatusOK)
		return
	}
	key, err := uuid.Parse(rawKey)
	if err != nil {
		http.Error(w, "invalid idempotency key", http.StatusBadRequest)
		return
	}

	result := normalizePaymentEvent(payload)
	sub, attempt, err := h.resolver.ResolveByKey(ctx, key)
	if err != nil {
		if pkgerrors.Is(err, pkgerrors.CodeNotFound) {
			h.logg.Warn(h.logg.WithField(ctx, "idempotency_key", rawKey), "payment event matches no charge attempt")
			w.WriteHeader(http.StatusOK)
			return
		}
		h.logg.Error(ctx, "resolving payment event failed", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	ctx = h.logg.WithSubscriptionID(ctx, sub.ID.String())

	// One-off charges settle on their attempt only; they must not touch
	// the renewal schedule.
	if payload.Object.Metadata["purpose"] == "group_expand" {
		attempt.Status = result.Status
		if result.ExternalID != "" {
			attempt.ExternalChargeID = &result.ExternalID
		}
		if err := h.store.UpdateChargeAttempt(ctx, attempt); err != nil {
			h.logg.Error(ctx, "settling one-off charge failed", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.resolver.Apply(ctx, sub, attempt, result); err != nil {
		h.logg.Error(ctx, "applying payment event failed", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func normalizePaymentEvent(payload webhookPayload) *gateway.ChargeResult {
	result := &gateway.ChargeResult{
		ExternalID: payload.Object.ID,
		Message:    payload.Object.CancellationDetails.Reason,
	}
	switch payload.Object.Status {
	case "succeeded":
		result.Status = enums.ChargeStatusSucceeded
	case "canceled":
		result.Status = enums.ChargeStatusFailed
	default:
		result.Status = enums.ChargeStatusPending
	}
	if payload.Object.PaymentMethod.Saved {
		result.PaymentMethodToken = payload.Object.PaymentMethod.ID
	}
	return result
}
