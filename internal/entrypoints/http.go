package entrypoints

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kinoclub/billing-engine/internal/subscriptions"
	"github.com/kinoclub/billing-engine/pkg/db/models"
	"github.com/kinoclub/billing-engine/pkg/enums"
	pkgerrors "github.com/kinoclub/billing-engine/pkg/errors"
	"github.com/kinoclub/billing-engine/pkg/logger"
)

// APIHandlerParams carries the API handler dependencies.
type APIHandlerParams struct {
	Facade *Service
	Logger *logger.Logger
}

// APIHandler is the JSON surface the chat layer calls.
type APIHandler struct {
	facade   *Service
	logg     *logger.Logger
	validate *validator.Validate
}

// NewAPIHandler validates dependencies and builds the handler.
func NewAPIHandler(params APIHandlerParams) (*APIHandler, error) {
	if params.Facade == nil {
		return nil, fmt.Errorf("facade is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &APIHandler{
		facade:   params.Facade,
		logg:     params.Logger,
		validate: validator.New(),
	}, nil
}

// Register mounts the API routes.
func (h *APIHandler) Register(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/subscriptions", h.purchase)
		r.Get("/subscriptions/{id}", h.getSubscription)
		r.Delete("/subscriptions/{id}", h.cancel)
		r.Post("/subscriptions/{id}/upgrade", h.upgrade)
		r.Post("/subscriptions/{id}/expand", h.expand)
		r.Get("/subscriptions/{id}/charges", h.chargeHistory)
		r.Get("/subscriptions/{id}/members", h.listMembers)
		r.Post("/subscriptions/{id}/members", h.inviteMember)
		r.Delete("/subscriptions/{id}/members/{userID}", h.removeMember)
		r.Post("/quotes", h.quote)
		r.Get("/plans", h.listPlans)
		r.Post("/grants", h.grantLifetime)
	})
}

type subscriptionResponse struct {
	ID                  uuid.UUID        `json:"id"`
	OwnerID             int64            `json:"owner_id"`
	ChatID              int64            `json:"chat_id"`
	Kind                enums.Kind       `json:"kind"`
	PlanType            enums.PlanType   `json:"plan_type"`
	PeriodType          enums.PeriodType `json:"period_type"`
	Price               string           `json:"price"`
	GroupSize           *int             `json:"group_size,omitempty"`
	Status              string           `json:"status"`
	NextChargeAt        *time.Time       `json:"next_charge_at,omitempty"`
	ExpiresAt           *time.Time       `json:"expires_at,omitempty"`
	HasPaymentMethod    bool             `json:"has_payment_method"`
	ChargeAttemptsCycle int              `json:"charge_attempts_cycle"`
	PendingPlanType     *enums.PlanType  `json:"pending_plan_type,omitempty"`
}

func toSubscriptionResponse(sub *models.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:                  sub.ID,
		OwnerID:             sub.OwnerID,
		ChatID:              sub.ChatID,
		Kind:                sub.Kind,
		PlanType:            sub.PlanType,
		PeriodType:          sub.PeriodType,
		Price:               sub.Price.String(),
		GroupSize:           sub.GroupSize,
		Status:              sub.Status.String(),
		NextChargeAt:        sub.NextChargeAt,
		ExpiresAt:           sub.ExpiresAt,
		HasPaymentMethod:    sub.PaymentMethodToken != nil,
		ChargeAttemptsCycle: sub.ChargeAttemptsCycle,
		PendingPlanType:     sub.PendingPlanType,
	}
}

type purchaseRequest struct {
	OwnerID          int64  `json:"owner_id" validate:"required"`
	ChatID           int64  `json:"chat_id" validate:"required"`
	OwnerDisplayName string `json:"owner_display_name"`
	Kind             string `json:"kind" validate:"required"`
	PlanType         string `json:"plan_type" validate:"required"`
	PeriodType       string `json:"period_type" validate:"required"`
	GroupSize        *int   `json:"group_size,omitempty"`
	CombinePolicy    string `json:"combine_policy,omitempty"`
	PayWithStars     bool   `json:"pay_with_stars,omitempty"`
}

func (h *APIHandler) purchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if !h.decode(w, r, &req) {
		return
	}

	kind, err := enums.ParseKind(req.Kind)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	plan, err := enums.ParsePlanType(req.PlanType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	period, err := enums.ParsePeriodType(req.PeriodType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	params := PurchaseParams{
		OwnerID:          req.OwnerID,
		ChatID:           req.ChatID,
		OwnerDisplayName: req.OwnerDisplayName,
		Kind:             kind,
		PlanType:         plan,
		PeriodType:       period,
		GroupSize:        req.GroupSize,
		PayWithStars:     req.PayWithStars,
	}
	if req.CombinePolicy != "" {
		policy, err := enums.ParseCombinePolicy(req.CombinePolicy)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		params.CombinePolicy = &policy
	}

	result, err := h.facade.PurchaseSubscription(r.Context(), params)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{
		"subscription":     toSubscriptionResponse(result.Subscription),
		"confirmation_url": result.ConfirmationURL,
	})
}

func (h *APIHandler) getSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := h.subscriptionID(w, r)
	if !ok {
		return
	}
	sub, err := h.facade.Subscription(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

func (h *APIHandler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.subscriptionID(w, r)
	if !ok {
		return
	}
	requesterID, ok := h.requesterID(w, r)
	if !ok {
		return
	}
	if err := h.facade.CancelSubscription(r.Context(), id, requesterID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type upgradeRequest struct {
	RequesterID   int64  `json:"requester_id" validate:"required"`
	PlanType      string `json:"plan_type" validate:"required"`
	EffectiveMode string `json:"effective_mode" validate:"required"`
}

func (h *APIHandler) upgrade(w http.ResponseWriter, r *http.Request) {
	id, ok := h.subscriptionID(w, r)
	if !ok {
		return
	}
	var req upgradeRequest
	if !h.decode(w, r, &req) {
		return
	}
	plan, err := enums.ParsePlanType(req.PlanType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	mode, err := enums.ParseEffectiveMode(req.EffectiveMode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sub, err := h.facade.UpgradePlan(r.Context(), id, req.RequesterID, plan, mode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

type expandRequest struct {
	RequesterID int64 `json:"requester_id" validate:"required"`
	GroupSize   int   `json:"group_size" validate:"required"`
}

func (h *APIHandler) expand(w http.ResponseWriter, r *http.Request) {
	id, ok := h.subscriptionID(w, r)
	if !ok {
		return
	}
	var req expandRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.facade.ExpandGroup(r.Context(), id, req.RequesterID, req.GroupSize)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"subscription": toSubscriptionResponse(result.Subscription),
		"price_delta":  result.PriceDelta.String(),
	})
}

func (h *APIHandler) chargeHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.subscriptionID(w, r)
	if !ok {
		return
	}
	attempts, err := h.facade.ChargeHistory(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	type attemptResponse struct {
		ID        uuid.UUID `json:"id"`
		Amount    string    `json:"amount"`
		Currency  string    `json:"currency"`
		Status    string    `json:"status"`
		Message   *string   `json:"message,omitempty"`
		CreatedAt time.Time `json:"created_at"`
	}
	out := make([]attemptResponse, 0, len(attempts))
	for _, attempt := range attempts {
		out = append(out, attemptResponse{
			ID:        attempt.ID,
			Amount:    attempt.Amount.String(),
			Currency:  attempt.Currency,
			Status:    attempt.Status.String(),
			Message:   attempt.Message,
			CreatedAt: attempt.CreatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *APIHandler) listMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := h.subscriptionID(w, r)
	if !ok {
		return
	}
	members, err := h.facade.Members(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, members)
}

type inviteMemberRequest struct {
	RequesterID int64  `json:"requester_id" validate:"required"`
	UserID      int64  `json:"user_id" validate:"required"`
	DisplayName string `json:"display_name"`
}

func (h *APIHandler) inviteMember(w http.ResponseWriter, r *http.Request) {
	id, ok := h.subscriptionID(w, r)
	if !ok {
		return
	}
	var req inviteMemberRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.facade.InviteMember(r.Context(), id, req.RequesterID, req.UserID, req.DisplayName); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) removeMember(w http.ResponseWriter, r *http.Request) {
	id, ok := h.subscriptionID(w, r)
	if !ok {
		return
	}
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		h.writeError(w, r, pkgerrors.New(pkgerrors.CodeValidation, "invalid user id"))
		return
	}
	requesterID, ok := h.requesterID(w, r)
	if !ok {
		return
	}
	if err := h.facade.RemoveMember(r.Context(), id, requesterID, userID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type quoteRequest struct {
	OwnerID    int64  `json:"owner_id" validate:"required"`
	Kind       string `json:"kind" validate:"required"`
	PlanType   string `json:"plan_type" validate:"required"`
	PeriodType string `json:"period_type" validate:"required"`
	GroupSize  *int   `json:"group_size,omitempty"`
}

func (h *APIHandler) quote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if !h.decode(w, r, &req) {
		return
	}
	kind, err := enums.ParseKind(req.Kind)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	plan, err := enums.ParsePlanType(req.PlanType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	period, err := enums.ParsePeriodType(req.PeriodType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	price, err := h.facade.QuotePrice(r.Context(), QuoteParams{
		OwnerID:    req.OwnerID,
		Kind:       kind,
		PlanType:   plan,
		PeriodType: period,
		GroupSize:  req.GroupSize,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"price": price.String()})
}

func (h *APIHandler) listPlans(w http.ResponseWriter, r *http.Request) {
	offers, err := h.facade.ListPlans(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	type offerResponse struct {
		PlanType     enums.PlanType `json:"plan_type"`
		Title        string         `json:"title"`
		Features     []string       `json:"features"`
		MonthlyPrice string         `json:"monthly_price"`
	}
	out := make([]offerResponse, 0, len(offers))
	for _, offer := range offers {
		out = append(out, offerResponse{
			PlanType:     offer.Entry.PlanType,
			Title:        offer.Entry.Title,
			Features:     offer.Entry.Features,
			MonthlyPrice: offer.MonthlyPrice.String(),
		})
	}
	h.writeJSON(w, http.StatusOK, out)
}

type grantRequest struct {
	OwnerID          int64  `json:"owner_id" validate:"required"`
	ChatID           int64  `json:"chat_id" validate:"required"`
	OwnerDisplayName string `json:"owner_display_name"`
	Kind             string `json:"kind" validate:"required"`
	PlanType         string `json:"plan_type" validate:"required"`
	GroupSize        *int   `json:"group_size,omitempty"`
}

func (h *APIHandler) grantLifetime(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if !h.decode(w, r, &req) {
		return
	}
	kind, err := enums.ParseKind(req.Kind)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	plan, err := enums.ParsePlanType(req.PlanType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sub, err := h.facade.GrantLifetime(r.Context(), subscriptions.GrantLifetimeParams{
		OwnerID:          req.OwnerID,
		ChatID:           req.ChatID,
		OwnerDisplayName: req.OwnerDisplayName,
		Kind:             kind,
		PlanType:         plan,
		GroupSize:        req.GroupSize,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toSubscriptionResponse(sub))
}

func (h *APIHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, r, pkgerrors.New(pkgerrors.CodeValidation, "malformed request body"))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeError(w, r, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid request"))
		return false
	}
	return true
}

func (h *APIHandler) subscriptionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, pkgerrors.New(pkgerrors.CodeValidation, "invalid subscription id"))
		return uuid.Nil, false
	}
	return id, true
}

func (h *APIHandler) requesterID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	requesterID, err := strconv.ParseInt(r.URL.Query().Get("requester_id"), 10, 64)
	if err != nil {
		h.writeError(w, r, pkgerrors.New(pkgerrors.CodeValidation, "requester_id query parameter is required"))
		return 0, false
	}
	return requesterID, true
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logg.Error(context.Background(), "encoding response failed", err)
	}
}

func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	coded := pkgerrors.As(err)
	status := statusForCode(coded.Code())
	if status >= http.StatusInternalServerError {
		h.logg.Error(r.Context(), "request failed", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	payload := map[string]any{
		"error": map[string]any{
			"code":    string(coded.Code()),
			"message": coded.Message(),
		},
	}
	if encodeErr := json.NewEncoder(w).Encode(payload); encodeErr != nil {
		h.logg.Error(r.Context(), "encoding error response failed", encodeErr)
	}
}

func statusForCode(code pkgerrors.Code) int {
	switch code {
	case pkgerrors.CodeValidation:
		return http.StatusBadRequest
	case pkgerrors.CodeUnauthorized:
		return http.StatusForbidden
	case pkgerrors.CodeNotFound:
		return http.StatusNotFound
	case pkgerrors.CodeConflict:
		return http.StatusConflict
	case pkgerrors.CodePolicyViolation:
		return http.StatusUnprocessableEntity
	case pkgerrors.CodeGatewayDeclined:
		return http.StatusPaymentRequired
	case pkgerrors.CodeGatewayTransient, pkgerrors.CodeDependency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
