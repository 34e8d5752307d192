package entrypoints

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kinoclub/billing-engine/pkg/enums"
	pkgerrors "github.com/kinoclub/billing-engine/pkg/errors"
	"github.com/kinoclub/billing-engine/pkg/logger"
)

func testWebhookServer(t *testing.T, applier *fakeApplier, store *fakeStore) *httptest.Server {
	t.Helper()
	handler, err := NewWebhookHandler(WebhookHandlerParams{
		Resolver: applier,
		Store:    store,
		Logger:   logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
	})
	if err != nil {
		t.Fatalf("building webhook handler: %v", err)
	}
	router := chi.NewRouter()
	handler.Register(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func postEvent(t *testing.T, server *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(server.URL+"/webhooks/yookassa", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("posting event: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func succeededEventBody(key uuid.UUID) string {
	return fmt.Sprintf(`{
		"event": "payment.succeeded",
		"object": {
			"id": "pay_1",
			"status": "succeeded",
			"amount": {"value": "249.00", "currency": "RUB"},
			"payment_method": {"id": "pm_1", "saved": true},
			"metadata": {"idempotency_key": %q}
		}
	}`, key)
}

func TestWebhookAppliesSucceededPayment(t *testing.T) {
	sub := pendingSub()
	key := uuid.New()
	applier := &fakeApplier{resolveSub: sub, resolveAttempt: attemptFor(sub, key)}
	server := testWebhookServer(t, applier, newFakeStore())

	resp := postEvent(t, server, succeededEventBody(key))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(applier.applied) != 1 {
		t.Fatalf("outcomes applied = %d, want 1", len(applier.applied))
	}
	applied := applier.applied[0]
	if applied.result.Status != enums.ChargeStatusSucceeded {
		t.Fatalf("status = %s, want succeeded", applied.result.Status)
	}
	if applied.result.ExternalID != "pay_1" {
		t.Fatalf("external id = %q", applied.result.ExternalID)
	}
	if applied.result.PaymentMethodToken != "pm_1" {
		t.Fatalf("saved payment method not forwarded")
	}
}

func TestWebhookMapsCanceledToFailedWithReason(t *testing.T) {
	sub := pendingSub()
	key := uuid.New()
	applier := &fakeApplier{resolveSub: sub, resolveAttempt: attemptFor(sub, key)}
	server := testWebhookServer(t, applier, newFakeStore())

	body := fmt.Sprintf(`{
		"event": "payment.canceled",
		"object": {
			"id": "pay_2",
			"status": "canceled",
			"cancellation_details": {"reason": "insufficient_funds"},
			"metadata": {"idempotency_key": %q}
		}
	}`, key)
	resp := postEvent(t, server, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	applied := applier.applied[0]
	if applied.result.Status != enums.ChargeStatusFailed || applied.result.Message != "insufficient_funds" {
		t.Fatalf("decline not normalized: %+v", applied.result)
	}
}

func TestWebhookAcknowledgesUnknownKey(t *testing.T) {
	applier := &fakeApplier{resolveErr: pkgerrors.New(pkgerrors.CodeNotFound, "no charge attempt for idempotency key")}
	server := testWebhookServer(t, applier, newFakeStore())

	resp := postEvent(t, server, succeededEventBody(uuid.New()))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unknown keys must be acknowledged, got %d", resp.StatusCode)
	}
	if len(applier.applied) != 0 {
		t.Fatalf("nothing should be applied for an unknown key")
	}
}

func TestWebhookIgnoresEventsWithoutKey(t *testing.T) {
	applier := &fakeApplier{}
	server := testWebhookServer(t, applier, newFakeStore())

	body := `{
		"event": "payment.succeeded",
		"object": {"id": "pay_3", "status": "succeeded", "metadata": {}}
	}`
	resp := postEvent(t, server, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("foreign events must be acknowledged, got %d", resp.StatusCode)
	}
	if len(applier.applied) != 0 {
		t.Fatalf("foreign events must not be applied")
	}
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	server := testWebhookServer(t, &fakeApplier{}, newFakeStore())

	resp := postEvent(t, server, `{"event": "payment.succeeded"`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWebhookSettlesOneOffChargeWithoutRenewing(t *testing.T) {
	sub := pendingSub()
	sub.Status = enums.SubscriptionStatusActive
	key := uuid.New()
	attempt := attemptFor(sub, key)
	applier := &fakeApplier{resolveSub: sub, resolveAttempt: attempt}
	store := newFakeStore()
	server := testWebhookServer(t, applier, store)

	body := fmt.Sprintf(`{
		"event": "payment.succeeded",
		"object": {
			"id": "pay_4",
			"status": "succeeded",
			"metadata": {"idempotency_key": %q, "purpose": "group_expand"}
		}
	}`, key)
	resp := postEvent(t, server, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(applier.applied) != 0 {
		t.Fatalf("one-off charges must not run the renewal path")
	}
	stored := store.attempts[attempt.ID]
	if stored == nil || stored.Status != enums.ChargeStatusSucceeded {
		t.Fatalf("one-off attempt not settled")
	}
}
