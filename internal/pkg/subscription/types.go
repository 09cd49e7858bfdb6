package subscription

import "time"

// CreateResult is the outcome of a purchase attempt: either a redirect to the
// provider checkout, or an immediate degraded-mode grant.
type CreateResult struct {
	Granted     bool       `json:"granted"`
	RedirectURL string     `json:"redirect_url,omitempty"`
	PaymentRef  string     `json:"payment_ref"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`
}

// EventInput is the normalized input for payment event persistence. The
// unique (provider, event id) pair is the idempotency marker consulted before
// any business effect is applied.
type EventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PaymentRef      string
	PayloadJSON     string
	SignatureValid  bool
}

// Config carries purchase pricing and the checkout return URL.
type Config struct {
	AmountCents int64
	Currency    string
	ReturnURL   string
}
