package handlers

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"marginaliaAPI/internal/config"
	"marginaliaAPI/internal/types/subscription"
	"marginaliaAPI/middleware"
	"marginaliaAPI/services"
)

const (
	testWebhookSecret = "whsec_test_secret"
	testOwnerID       = "user_abc123"
)

// fakeStore is an in-memory services.SubscriptionStore with injectable
// failures.
type fakeStore struct {
	records   map[string]*subscription.Subscription
	processed map[string]bool

	upsertErr      error
	readErr        error
	isProcessedErr error
	markErr        error

	upsertCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:   make(map[string]*subscription.Subscription),
		processed: make(map[string]bool),
	}
}

func (f *fakeStore) UpsertByOwner(_ context.Context, rec *subscription.Subscription) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upsertCalls++
	cp := *rec
	if existing, ok := f.records[rec.OwnerID]; ok {
		cp.CreatedAt = existing.CreatedAt
		if cp.TrialEndsAt == 0 {
			cp.TrialEndsAt = existing.TrialEndsAt
		}
	} else {
		cp.CreatedAt = rec.UpdatedAt
	}
	f.records[rec.OwnerID] = &cp
	return nil
}

func (f *fakeStore) UpdateByCustomer(_ context.Context, rec *subscription.Subscription) (bool, error) {
	for owner, existing := range f.records {
		if existing.ProviderCustomerID == rec.ProviderCustomerID {
			up := *existing
			up.ProviderSubscriptionID = rec.ProviderSubscriptionID
			up.PriceID = rec.PriceID
			up.Status = rec.Status
			up.CurrentPeriodEnd = rec.CurrentPeriodEnd
			if rec.TrialEndsAt != 0 {
				up.TrialEndsAt = rec.TrialEndsAt
			}
			up.CancelAtPeriodEnd = rec.CancelAtPeriodEnd
			up.UpdatedAt = rec.UpdatedAt
			f.records[owner] = &up
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ExpireByCustomer(_ context.Context, providerCustomerID string, updatedAt int64) (bool, error) {
	for owner, existing := range f.records {
		if existing.ProviderCustomerID == providerCustomerID {
			up := *existing
			up.Status = subscription.StatusExpired
			up.CancelAtPeriodEnd = false
			up.UpdatedAt = updatedAt
			f.records[owner] = &up
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) GetByOwner(_ context.Context, ownerID string) (*subscription.Subscription, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	rec, ok := f.records[ownerID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	if f.isProcessedErr != nil {
		return false, f.isProcessedErr
	}
	return f.processed[eventID], nil
}

func (f *fakeStore) MarkEventProcessed(_ context.Context, eventID, _ string) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.processed[eventID] = true
	return nil
}

// fakeProvider is an in-memory services.PaymentProvider.
type fakeProvider struct {
	sessions map[string]*stripe.CheckoutSession
	subs     map[string]*stripe.Subscription

	sessionErr error
	subErr     error

	checkoutParams *stripe.CheckoutSessionParams
	checkoutURL    string
	portalURL      string
	getSubCalls    int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		sessions:    make(map[string]*stripe.CheckoutSession),
		subs:        make(map[string]*stripe.Subscription),
		checkoutURL: "https://pay.test/c/session",
		portalURL:   "https://pay.test/p/session",
	}
}

func (f *fakeProvider) GetCheckoutSession(_ context.Context, id string) (*stripe.CheckoutSession, error) {
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	sess, ok := f.sessions[id]
	if !ok {
		return nil, errors.New("no such checkout session")
	}
	return sess, nil
}

func (f *fakeProvider) CreateCheckoutSession(_ context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.checkoutParams = params
	return &stripe.CheckoutSession{ID: "cs_test_created", URL: f.checkoutURL}, nil
}

func (f *fakeProvider) GetSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	f.getSubCalls++
	if f.subErr != nil {
		return nil, f.subErr
	}
	sub, ok := f.subs[id]
	if !ok {
		return nil, errors.New("no such subscription")
	}
	return sub, nil
}

func (f *fakeProvider) CreatePortalSession(_ context.Context, _ *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	return &stripe.BillingPortalSession{URL: f.portalURL}, nil
}

// providerSession is the fixture the fake provider serves for
// GetCheckoutSession.
func providerSession(id, owner string) *stripe.CheckoutSession {
	sess := &stripe.CheckoutSession{
		ID:           id,
		Mode:         stripe.CheckoutSessionModeSubscription,
		Customer:     &stripe.Customer{ID: "cus_123"},
		Subscription: &stripe.Subscription{ID: "sub_456"},
		Metadata:     map[string]string{},
	}
	if owner != "" {
		sess.Metadata["user_id"] = owner
	}
	return sess
}

// providerSub is the fixture the fake provider serves for GetSubscription.
func providerSub(status string, currentPeriodEnd int64) *stripe.Subscription {
	return &stripe.Subscription{
		ID:               "sub_456",
		Status:           stripe.SubscriptionStatus(status),
		Customer:         &stripe.Customer{ID: "cus_123"},
		CurrentPeriodEnd: currentPeriodEnd,
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{Price: &stripe.Price{ID: "price_monthly"}},
			},
		},
	}
}

func newBillingEnv(provider services.PaymentProvider) (*fakeStore, *services.BillingService) {
	store := newFakeStore()
	svc := services.NewBillingService(store, provider, config.Config{
		CheckoutSuccessURL: "https://app.test/billing/success",
		CheckoutCancelURL:  "https://app.test/billing/cancel",
		PortalReturnURL:    "https://app.test/settings",
	})
	return store, svc
}

// authedRequest carries the owner id the auth middleware would have set.
func authedRequest(method, target string, body []byte) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	ctx := context.WithValue(req.Context(), middleware.OwnerIDKey, testOwnerID)
	return req.WithContext(ctx)
}

// signedWebhookRequest signs the payload the way the provider does.
func signedWebhookRequest(payload []byte, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	ts := time.Now()
	sig := webhook.ComputeSignature(ts, payload, secret)
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(sig)))
	return req
}

func eventPayload(id, eventType string, object map[string]interface{}) []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"api_version": stripe.APIVersion,
		"type":        eventType,
		"data":        map[string]interface{}{"object": object},
	})
	return payload
}

// eventPayloadWithoutData builds a signable event body that carries no
// data member at all.
func eventPayloadWithoutData(id, eventType string) []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"api_version": stripe.APIVersion,
		"type":        eventType,
	})
	return payload
}

func checkoutSessionObject(owner string) map[string]interface{} {
	obj := map[string]interface{}{
		"id":           "cs_test_evt",
		"object":       "checkout.session",
		"mode":         "subscription",
		"customer":     "cus_123",
		"subscription": "sub_456",
	}
	if owner != "" {
		obj["metadata"] = map[string]string{"user_id": owner}
	}
	return obj
}

func subscriptionObject(status string, currentPeriodEnd int64) map[string]interface{} {
	return map[string]interface{}{
		"id":                   "sub_456",
		"object":               "subscription",
		"status":               status,
		"customer":             "cus_123",
		"current_period_end":   currentPeriodEnd,
		"cancel_at_period_end": false,
		"items": map[string]interface{}{
			"object": "list",
			"data": []interface{}{
				map[string]interface{}{
					"object": "subscription_item",
					"price":  map[string]interface{}{"id": "price_monthly", "object": "price"},
				},
			},
		},
	}
}
