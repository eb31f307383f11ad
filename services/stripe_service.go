package services

import (
	"context"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// providerTimeout bounds every call to the payment provider so a slow
// provider response cannot hold a webhook reply into the provider's own
// retry window.
const providerTimeout = 5 * time.Second

// StripeService wraps the Stripe client behind the PaymentProvider
// interface. One instance lives for the whole process and is handed to the
// billing service by main.
type StripeService struct {
	sc *client.API
}

func NewStripeService(apiKey string) *StripeService {
	httpClient := &http.Client{Timeout: providerTimeout}
	return &StripeService{
		sc: client.New(apiKey, stripe.NewBackends(httpClient)),
	}
}

func (s *StripeService) GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	return s.sc.CheckoutSessions.Get(id, params)
}

func (s *StripeService) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	params.Context = ctx
	return s.sc.CheckoutSessions.New(params)
}

func (s *StripeService) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	return s.sc.Subscriptions.Get(id, params)
}

func (s *StripeService) CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	params.Context = ctx
	return s.sc.BillingPortalSessions.New(params)
}
