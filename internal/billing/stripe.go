package billing

import (
	"errors"

	"github.com/rajasatyajit/toolgate/config"
	"github.com/rajasatyajit/toolgate/internal/database"
	stripe "github.com/stripe/stripe-go/v76"
	portal "github.com/stripe/stripe-go/v76/billingportal/session"
	"github.com/stripe/stripe-go/v76/checkout/session"
)

// creditBundles maps a bundle code to its Stripe price and the number of
// credits it grants once payment succeeds. Credits are applied to the
// key's balance by the webhook handler, not by the checkout call itself.
var creditBundles = map[string]int64{
	"small":  1000,
	"medium": 10000,
	"large":  100000,
}

// Service wraps the Stripe SDK for the one-shot "buy a credit bundle" flow.
// Unlike a subscription billing service, there is no recurring plan here:
// a successful checkout credits the key's balance once.
type Service struct {
	cfg config.BillingConfig
	db  *database.DB
}

func NewService(cfg config.BillingConfig, db *database.DB) *Service {
	stripe.Key = cfg.StripeSecretKey
	return &Service{cfg: cfg, db: db}
}

func (s *Service) priceForBundle(bundle string) (string, error) {
	switch bundle {
	case "small":
		if s.cfg.PriceCreditsSmall == "" {
			return "", errors.New("price not configured for bundle: small")
		}
		return s.cfg.PriceCreditsSmall, nil
	case "medium":
		if s.cfg.PriceCreditsMedium == "" {
			return "", errors.New("price not configured for bundle: medium")
		}
		return s.cfg.PriceCreditsMedium, nil
	case "large":
		if s.cfg.PriceCreditsLarge == "" {
			return "", errors.New("price not configured for bundle: large")
		}
		return s.cfg.PriceCreditsLarge, nil
	default:
		return "", errors.New("invalid credit bundle code")
	}
}

// CreateCheckoutSession starts a one-time payment checkout for the given
// key and credit bundle. keyID and bundle travel in session metadata so
// the webhook handler can credit the right key once payment completes.
func (s *Service) CreateCheckoutSession(keyID, bundle string) (string, error) {
	price, err := s.priceForBundle(bundle)
	if err != nil {
		return "", err
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(s.cfg.CheckoutSuccessURL),
		CancelURL:         stripe.String(s.cfg.CheckoutCancelURL),
		ClientReferenceID: stripe.String(keyID),
		Metadata: map[string]string{
			"key_id": keyID,
			"bundle": bundle,
		},
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(price), Quantity: stripe.Int64(1)},
		},
	}
	sess, err := session.New(params)
	if err != nil {
		return "", err
	}
	return sess.URL, nil
}

func (s *Service) CreatePortalSession(stripeCustomerID string) (string, error) {
	if stripeCustomerID == "" {
		return "", errors.New("missing stripe_customer_id")
	}
	ps, err := portal.New(&stripe.BillingPortalSessionParams{
		Customer:  stripe.String(stripeCustomerID),
		ReturnURL: stripe.String(s.cfg.PortalReturnURL),
	})
	if err != nil {
		return "", err
	}
	return ps.URL, nil
}

// CreditsForBundle returns the credit grant for a bundle code, used by the
// webhook handler after a checkout.session.completed event.
func CreditsForBundle(bundle string) (int64, bool) {
	credits, ok := creditBundles[bundle]
	return credits, ok
}
