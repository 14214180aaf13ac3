package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

type StripeProvider struct {
	svc           *Service
	webhookSecret string
}

func NewStripeProvider(svc *Service, webhookSecret string) *StripeProvider {
	return &StripeProvider{svc: svc, webhookSecret: webhookSecret}
}

func (p *StripeProvider) Name() string { return "stripe" }

func (p *StripeProvider) CreateCheckout(ctx context.Context, keyID, bundle string) (CheckoutResponse, error) {
	url, err := p.svc.CreateCheckoutSession(keyID, bundle)
	if err != nil {
		return CheckoutResponse{}, err
	}
	return CheckoutResponse{Provider: p.Name(), URL: url}, nil
}

func (p *StripeProvider) CreatePortal(ctx context.Context, customerID string) (string, error) {
	return p.svc.CreatePortalSession(customerID)
}

// VerifyWebhook checks the Stripe-Signature header against the raw body
// and returns the verified payload, unchanged, on success.
func (p *StripeProvider) VerifyWebhook(r *http.Request, body []byte) ([]byte, error) {
	sig := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(body, sig, p.webhookSecret)
	if err != nil {
		return nil, err
	}
	return event.Data.Raw, nil
}

// HandleWebhook parses a checkout.session.completed event, resolves the
// credit bundle from its metadata, and grants the credits to the key that
// initiated the purchase.
func (p *StripeProvider) HandleWebhook(ctx context.Context, granter CreditGranter, body []byte) error {
	var event stripe.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return err
	}
	if event.Type != "checkout.session.completed" {
		return nil
	}
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return err
	}
	keyID := sess.Metadata["key_id"]
	bundle := sess.Metadata["bundle"]
	if keyID == "" || bundle == "" {
		return errors.New("checkout session missing key_id or bundle metadata")
	}
	credits, ok := CreditsForBundle(bundle)
	if !ok {
		return errors.New("unknown credit bundle in checkout session metadata")
	}
	return granter.GrantCredits(ctx, keyID, credits)
}
