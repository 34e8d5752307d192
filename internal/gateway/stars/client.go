package stars

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kinoclub/billing-engine/internal/gateway"
	"github.com/kinoclub/billing-engine/pkg/config"
	"github.com/kinoclub/billing-engine/pkg/enums"
	pkgerrors "github.com/kinoclub/billing-engine/pkg/errors"
	"github.com/kinoclub/billing-engine/pkg/logger"
)

// Client implements the payment-URL rail on Telegram Stars. Every charge is
// attended: the bot hands the payer an invoice link and the outcome comes
// back through the chat layer's webhook. Stars has no saved payment
// methods, so recurring charges are a policy violation on this rail.
type Client struct {
	httpClient *http.Client
	apiBase    string
	botToken   string
	logg       *logger.Logger
}

// NewClient validates the bot token and builds the client.
func NewClient(cfg config.GatewayConfig, logg *logger.Logger) (*Client, error) {
	if cfg.StarsBotToken == "" {
		return nil, fmt.Errorf("stars bot token is required")
	}
	if cfg.StarsAPIBase == "" {
		return nil, fmt.Errorf("stars api base is required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		apiBase:    cfg.StarsAPIBase,
		botToken:   cfg.StarsBotToken,
		logg:       logg,
	}, nil
}

type invoicePrice struct {
	Label  string `json:"label"`
	Amount int64  `json:"amount"`
}

type createInvoiceLinkPayload struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Payload     string         `json:"payload"`
	Currency    string         `json:"currency"`
	Prices      []invoicePrice `json:"prices"`
}

type invoiceLinkResponse struct {
	OK          bool   `json:"ok"`
	Result      string `json:"result"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
}

// CreateCharge creates a Stars invoice link. The idempotency key rides in
// the invoice payload and comes back with the chat layer's payment
// confirmation, which is how the engine correlates the result.
func (c *Client) CreateCharge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	payload := createInvoiceLinkPayload{
		Title:       req.Description,
		Description: req.Description,
		Payload:     req.IdempotencyKey.String(),
		Currency:    "XTR",
		Prices: []invoicePrice{{
			Label:  req.Description,
			Amount: req.Amount.IntPart(),
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encoding invoice payload")
	}

	url := fmt.Sprintf("%s/bot%s/createInvoiceLink", c.apiBase, c.botToken)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "building invoice request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayTransient, err, "chat platform unreachable")
	}
	defer resp.Body.Close()

	var decoded invoiceLinkResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayTransient, err, "decoding invoice response")
	}
	if !decoded.OK {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, pkgerrors.New(pkgerrors.CodeGatewayTransient, decoded.Description)
		}
		return nil, pkgerrors.New(pkgerrors.CodeGatewayDeclined, decoded.Description)
	}

	return &gateway.ChargeResult{
		ExternalID:      req.IdempotencyKey.String(),
		Status:          enums.ChargeStatusPending,
		ConfirmationURL: decoded.Result,
	}, nil
}

// CreateRecurringCharge is unsupported: Stars cannot charge without the
// payer present.
func (c *Client) CreateRecurringCharge(ctx context.Context, req gateway.RecurringChargeRequest) (*gateway.ChargeResult, error) {
	return nil, pkgerrors.New(pkgerrors.CodePolicyViolation,
		"the stars rail does not support unattended charges")
}

// FetchCharge is unsupported: outcomes only arrive via the chat layer's
// payment confirmation.
func (c *Client) FetchCharge(ctx context.Context, externalID string) (*gateway.ChargeResult, error) {
	return nil, pkgerrors.New(pkgerrors.CodePolicyViolation,
		"the stars rail does not expose charge lookups")
}
