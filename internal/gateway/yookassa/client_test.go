package yookassa

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kinoclub/billing-engine/internal/gateway"
	"github.com/kinoclub/billing-engine/pkg/config"
	"github.com/kinoclub/billing-engine/pkg/enums"
	pkgerrors "github.com/kinoclub/billing-engine/pkg/errors"
	"github.com/kinoclub/billing-engine/pkg/logger"
)

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	client, err := NewClient(config.GatewayConfig{
		BaseURL:   serverURL,
		ShopID:    "shop-1",
		SecretKey: "secret-1",
		Currency:  "RUB",
		Timeout:   5 * time.Second,
		ReturnURL: "https://t.me/kinoclub_bot",
	}, logger.New(logger.Options{ServiceName: "test", Output: io.Discard}))
	if err != nil {
		t.Fatalf("building client: %v", err)
	}
	return client
}

func TestCreateRecurringChargeSucceeded(t *testing.T) {
	key := uuid.New()
	var gotAuthUser, gotIdempotence string
	var gotBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuthUser, _, _ = r.BasicAuth()
		gotIdempotence = r.Header.Get("Idempotence-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "pay_123",
			"status": "succeeded",
			"paid":   true,
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	result, err := client.CreateRecurringCharge(context.Background(), gateway.RecurringChargeRequest{
		IdempotencyKey:     key,
		Amount:             decimal.NewFromInt(249),
		Currency:           "RUB",
		PaymentMethodToken: "pm_777",
	})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if result.Status != enums.ChargeStatusSucceeded || result.ExternalID != "pay_123" {
		t.Errorf("result = %+v, want succeeded pay_123", result)
	}
	if gotAuthUser != "shop-1" {
		t.Errorf("basic auth user = %q, want shop id", gotAuthUser)
	}
	if gotIdempotence != key.String() {
		t.Errorf("Idempotence-Key = %q, want the cycle key", gotIdempotence)
	}
	if gotBody["payment_method_id"] != "pm_777" {
		t.Errorf("payment_method_id = %v, want pm_777", gotBody["payment_method_id"])
	}
	if amount, ok := gotBody["amount"].(map[string]any); !ok || amount["value"] != "249.00" {
		t.Errorf("amount = %v, want 249.00", gotBody["amount"])
	}
}

func TestCreateChargeReturnsConfirmationURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "pay_456",
			"status": "pending",
			"confirmation": map[string]any{
				"type":             "redirect",
				"confirmation_url": "https://yookassa.example/confirm/456",
			},
			"payment_method": map[string]any{"id": "pm_saved", "saved": true},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	result, err := client.CreateCharge(context.Background(), gateway.ChargeRequest{
		IdempotencyKey:    uuid.New(),
		Amount:            decimal.NewFromInt(299),
		Currency:          "RUB",
		SavePaymentMethod: true,
	})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if result.Status != enums.ChargeStatusPending {
		t.Errorf("status = %s, want pending until the payer confirms", result.Status)
	}
	if result.ConfirmationURL != "https://yookassa.example/confirm/456" {
		t.Errorf("confirmation url = %q", result.ConfirmationURL)
	}
	if result.PaymentMethodToken != "pm_saved" {
		t.Errorf("token = %q, want the saved method id", result.PaymentMethodToken)
	}
}

func TestCanceledPaymentMapsToFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "pay_789",
			"status": "canceled",
			"cancellation_details": map[string]any{
				"party":  "yoo_money",
				"reason": "insufficient_funds",
			},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	result, err := client.CreateRecurringCharge(context.Background(), gateway.RecurringChargeRequest{
		IdempotencyKey:     uuid.New(),
		Amount:             decimal.NewFromInt(249),
		Currency:           "RUB",
		PaymentMethodToken: "pm_777",
	})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if result.Status != enums.ChargeStatusFailed {
		t.Errorf("status = %s, want failed", result.Status)
	}
	if result.Message != "insufficient_funds" {
		t.Errorf("message = %q, want the cancellation reason", result.Message)
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.CreateRecurringCharge(context.Background(), gateway.RecurringChargeRequest{
		IdempotencyKey:     uuid.New(),
		Amount:             decimal.NewFromInt(249),
		Currency:           "RUB",
		PaymentMethodToken: "pm_777",
	})
	if !pkgerrors.Is(err, pkgerrors.CodeGatewayTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestClientErrorIsDeclined(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"type":        "error",
			"code":        "invalid_request",
			"description": "payment method expired",
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.CreateRecurringCharge(context.Background(), gateway.RecurringChargeRequest{
		IdempotencyKey:     uuid.New(),
		Amount:             decimal.NewFromInt(249),
		Currency:           "RUB",
		PaymentMethodToken: "pm_777",
	})
	if !pkgerrors.Is(err, pkgerrors.CodeGatewayDeclined) {
		t.Fatalf("err = %v, want declined", err)
	}
	typed := pkgerrors.As(err)
	if typed.Message() != "payment method expired" {
		t.Errorf("message = %q, want the processor description", typed.Message())
	}
}

func TestUnreachableProcessorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.FetchCharge(context.Background(), "pay_123")
	if !pkgerrors.Is(err, pkgerrors.CodeGatewayTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestFetchChargeHitsPaymentPath(t *testing.T) {
	var gotPath, gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "pay_123", "status": "succeeded"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	result, err := client.FetchCharge(context.Background(), "pay_123")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotMethod != http.MethodGet || gotPath != "/v3/payments/pay_123" {
		t.Errorf("request = %s %s, want GET /v3/payments/pay_123", gotMethod, gotPath)
	}
	if result.Status != enums.ChargeStatusSucceeded {
		t.Errorf("status = %s, want succeeded", result.Status)
	}
}

func TestRecurringChargeRequiresToken(t *testing.T) {
	client := newTestClient(t, "http://127.0.0.1:0")
	_, err := client.CreateRecurringCharge(context.Background(), gateway.RecurringChargeRequest{
		IdempotencyKey: uuid.New(),
		Amount:         decimal.NewFromInt(249),
		Currency:       "RUB",
	})
	if !pkgerrors.Is(err, pkgerrors.CodeValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
}
