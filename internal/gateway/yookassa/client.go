package yookassa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/kinoclub/billing-engine/internal/gateway"
	"github.com/kinoclub/billing-engine/pkg/config"
	"github.com/kinoclub/billing-engine/pkg/enums"
	pkgerrors "github.com/kinoclub/billing-engine/pkg/errors"
	"github.com/kinoclub/billing-engine/pkg/logger"
)

const paymentsPath = "/v3/payments"

// Client talks to the YooKassa payments API over HTTPS with shop basic
// auth. The Idempotence-Key header carries the cycle key, so replays of the
// same cycle return the original payment instead of charging twice.
type Client struct {
	httpClient *http.Client
	baseURL    string
	shopID     string
	secretKey  string
	returnURL  string
	logg       *logger.Logger
}

// NewClient validates the shop credentials and builds the client.
func NewClient(cfg config.GatewayConfig, logg *logger.Logger) (*Client, error) {
	if cfg.ShopID == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("gateway shop id and secret key are required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway base url is required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		shopID:     cfg.ShopID,
		secretKey:  cfg.SecretKey,
		returnURL:  cfg.ReturnURL,
		logg:       logg,
	}, nil
}

type amountPayload struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type confirmationPayload struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type paymentMethodPayload struct {
	ID    string `json:"id,omitempty"`
	Saved bool   `json:"saved,omitempty"`
}

type cancellationPayload struct {
	Party  string `json:"party,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type createPaymentPayload struct {
	Amount            amountPayload        `json:"amount"`
	Capture           bool                 `json:"capture"`
	Description       string               `json:"description,omitempty"`
	Confirmation      *confirmationPayload `json:"confirmation,omitempty"`
	PaymentMethodID   string               `json:"payment_method_id,omitempty"`
	SavePaymentMethod bool                 `json:"save_payment_method,omitempty"`
	Metadata          map[string]string    `json:"metadata,omitempty"`
}

type paymentResponse struct {
	ID                  string                `json:"id"`
	Status              string                `json:"status"`
	Paid                bool                  `json:"paid"`
	Confirmation        *confirmationPayload  `json:"confirmation,omitempty"`
	PaymentMethod       *paymentMethodPayload `json:"payment_method,omitempty"`
	CancellationDetails *cancellationPayload  `json:"cancellation_details,omitempty"`
	Description         string                `json:"description,omitempty"`
}

type errorResponse struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

// CreateCharge starts an attended payment. The payer finishes it on the
// returned confirmation URL; the final status arrives by webhook.
func (c *Client) CreateCharge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	payload := createPaymentPayload{
		Amount: amountPayload{
			Value:    req.Amount.StringFixed(2),
			Currency: req.Currency,
		},
		Capture:           true,
		Description:       req.Description,
		SavePaymentMethod: req.SavePaymentMethod,
		Metadata:          req.Metadata,
	}
	if c.returnURL != "" {
		payload.Confirmation = &confirmationPayload{Type: "redirect", ReturnURL: c.returnURL}
	}
	return c.createPayment(ctx, req.IdempotencyKey.String(), payload)
}

// CreateRecurringCharge charges a saved payment method without the payer.
func (c *Client) CreateRecurringCharge(ctx context.Context, req gateway.RecurringChargeRequest) (*gateway.ChargeResult, error) {
	if req.PaymentMethodToken == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment method token is required")
	}
	payload := createPaymentPayload{
		Amount: amountPayload{
			Value:    req.Amount.StringFixed(2),
			Currency: req.Currency,
		},
		Capture:         true,
		Description:     req.Description,
		PaymentMethodID: req.PaymentMethodToken,
		Metadata:        req.Metadata,
	}
	return c.createPayment(ctx, req.IdempotencyKey.String(), payload)
}

// FetchCharge reads the current state of a payment.
func (c *Client) FetchCharge(ctx context.Context, externalID string) (*gateway.ChargeResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+paymentsPath+"/"+externalID, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "building payment fetch request")
	}
	httpReq.SetBasicAuth(c.shopID, c.secretKey)
	return c.do(httpReq)
}

func (c *Client) createPayment(ctx context.Context, idempotenceKey string, payload createPaymentPayload) (*gateway.ChargeResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encoding payment payload")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+paymentsPath, bytes.NewReader(body))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "building payment request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotence-Key", idempotenceKey)
	httpReq.SetBasicAuth(c.shopID, c.secretKey)
	return c.do(httpReq)
}

func (c *Client) do(req *http.Request) (*gateway.ChargeResult, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayTransient, err, "payment processor unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayTransient, err, "reading processor response")
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, pkgerrors.New(pkgerrors.CodeGatewayTransient,
			fmt.Sprintf("processor returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		var apiErr errorResponse
		msg := fmt.Sprintf("processor returned %d", resp.StatusCode)
		if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Description != "" {
			msg = apiErr.Description
		}
		c.logg.Warn(c.logg.WithField(req.Context(), "gateway_code", apiErr.Code), "payment declined by processor")
		return nil, pkgerrors.New(pkgerrors.CodeGatewayDeclined, msg)
	}

	var payment paymentResponse
	if err := json.Unmarshal(raw, &payment); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayTransient, err, "decoding processor response")
	}
	if payment.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeGatewayTransient, "processor response missing payment id")
	}
	return normalize(payment), nil
}

// normalize reduces the processor's payment statuses to the three the
// billing engine tracks. waiting_for_capture never occurs with capture=true
// but maps to pending anyway.
func normalize(payment paymentResponse) *gateway.ChargeResult {
	result := &gateway.ChargeResult{
		ExternalID: payment.ID,
	}
	switch payment.Status {
	case "succeeded":
		result.Status = enums.ChargeStatusSucceeded
	case "canceled":
		result.Status = enums.ChargeStatusFailed
		if payment.CancellationDetails != nil {
			result.Message = payment.CancellationDetails.Reason
		}
	default:
		result.Status = enums.ChargeStatusPending
	}
	if payment.PaymentMethod != nil && payment.PaymentMethod.Saved {
		result.PaymentMethodToken = payment.PaymentMethod.ID
	}
	if payment.Confirmation != nil {
		result.ConfirmationURL = payment.Confirmation.ConfirmationURL
	}
	return result
}
