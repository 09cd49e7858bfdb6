package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nebulachat/NebulaChat/internal/pkg/env"
)

// ErrGatewayUnavailable marks transport-level or server-side gateway failures.
// Callers treat it as transient; createSubscription recovers via the
// degraded-mode fallback grant instead of surfacing it.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

// Client talks to the external payment provider. It is stateless relative to
// a single call and treated as an unreliable remote peer.
type Client struct {
	APIKey    string
	BaseURL   string
	ReturnURL string

	HTTPClient *http.Client
}

// NewClientFromEnv builds a gateway client from PAYMENT_* env keys. An empty
// API key means the gateway is not configured; createSubscription then runs
// its direct-grant fallback, which tests force via this same flag.
func NewClientFromEnv() *Client {
	base := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/")
	returnURL := strings.TrimSpace(env.GetEnv("PAYMENT_RETURN_URL", ""))
	if returnURL == "" && base != "" {
		returnURL = base + "/payment/callback"
	}

	return &Client{
		APIKey:    strings.TrimSpace(env.GetEnv("PAYMENT_API_KEY", "")),
		BaseURL:   strings.TrimRight(env.GetEnv("PAYMENT_BASE_URL", "https://api.paygate.example.com/v1"), "/"),
		ReturnURL: returnURL,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Configured reports whether gateway credentials are present.
func (c *Client) Configured() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

// CreatePayment opens a checkout at the provider and returns the payment id
// plus the redirect URL the user must visit.
func (c *Client) CreatePayment(ctx context.Context, in CreatePaymentInput) (*Payment, error) {
	if !c.Configured() {
		return nil, ErrGatewayUnavailable
	}

	payload := map[string]any{
		"amount":      map[string]any{"value": formatAmount(in.AmountCents), "currency": in.Currency},
		"capture":     true,
		"description": in.Description,
		"confirmation": map[string]any{
			"type":       "redirect",
			"return_url": in.ReturnURL,
		},
		"metadata": map[string]any{
			"user_id":     strconv.FormatUint(uint64(in.UserID), 10),
			"payment_ref": in.PaymentRef,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/payments", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	// The provider dedupes create calls on this key, so a retried request
	// cannot open a second checkout for the same reference.
	req.Header.Set("Idempotence-Key", in.PaymentRef)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status=%d", ErrGatewayUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("payment create failed: status=%d body=%s", resp.StatusCode, string(raw))
	}

	var out struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		Confirmation struct {
			ConfirmationURL string `json:"confirmation_url"`
		} `json:"confirmation"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.ID) == "" {
		return nil, errors.New("payment create response missing id")
	}

	return &Payment{
		ID:          out.ID,
		RedirectURL: out.Confirmation.ConfirmationURL,
		Status:      NormalizeStatus(out.Status),
	}, nil
}

// GetPaymentStatus queries the provider for the current state of a payment.
func (c *Client) GetPaymentStatus(ctx context.Context, paymentID string) (Status, error) {
	if !c.Configured() {
		return StatusUnknown, ErrGatewayUnavailable
	}
	id := strings.TrimSpace(paymentID)
	if id == "" {
		return StatusUnknown, errors.New("payment id is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/payments/"+url.PathEscape(id), nil)
	if err != nil {
		return StatusUnknown, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return StatusUnknown, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 500 {
		return StatusUnknown, fmt.Errorf("%w: status=%d", ErrGatewayUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return StatusUnknown, fmt.Errorf("payment status failed: status=%d body=%s", resp.StatusCode, string(raw))
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return StatusUnknown, err
	}
	return NormalizeStatus(out.Status), nil
}

func formatAmount(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}
