package billing

import (
	"context"
	"net/http"
)

// CheckoutResponse is returned to the caller initiating a credit purchase.
type CheckoutResponse struct {
	Provider string `json:"provider"`
	URL      string `json:"url,omitempty"`
}

// CreditGranter applies a completed purchase to a key's balance. It is
// satisfied by the key store so billing never needs to import it directly.
type CreditGranter interface {
	GrantCredits(ctx context.Context, keyID string, credits int64) error
}

// Provider is the seam between the gateway and a payment processor. Only
// one-time "buy a credit bundle" purchases are modeled; there is no
// recurring subscription concept in this domain.
type Provider interface {
	Name() string
	CreateCheckout(ctx context.Context, keyID, bundle string) (CheckoutResponse, error)
	CreatePortal(ctx context.Context, customerID string) (string, error)
	VerifyWebhook(r *http.Request, body []byte) ([]byte, error)
	HandleWebhook(ctx context.Context, granter CreditGranter, body []byte) error
}
