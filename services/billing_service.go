package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v76"

	"marginaliaAPI/internal/billing"
	"marginaliaAPI/internal/config"
	"marginaliaAPI/internal/types/subscription"
	"marginaliaAPI/utils"
)

// metadataOwnerKey is the metadata field carrying the app user id on
// checkout sessions and on the subscriptions they create.
const metadataOwnerKey = "user_id"

var (
	// ErrNotConfigured means the payment provider credentials are absent.
	ErrNotConfigured = errors.New("payment provider not configured")
	// ErrOwnershipMismatch means the checkout session belongs to someone
	// other than the authenticated caller.
	ErrOwnershipMismatch = errors.New("checkout session owner mismatch")
	// ErrSessionNotEligible means the session is not a subscription-mode
	// checkout with resolvable customer and subscription references.
	ErrSessionNotEligible = errors.New("checkout session not eligible")
	// ErrNoSubscription means the owner has no subscription record.
	ErrNoSubscription = errors.New("no subscription for owner")
)

// SubscriptionStore is the datastore surface the billing service needs.
type SubscriptionStore interface {
	UpsertByOwner(ctx context.Context, rec *subscription.Subscription) error
	UpdateByCustomer(ctx context.Context, rec *subscription.Subscription) (bool, error)
	ExpireByCustomer(ctx context.Context, providerCustomerID string, updatedAt int64) (bool, error)
	GetByOwner(ctx context.Context, ownerID string) (*subscription.Subscription, error)
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// PaymentProvider is the synchronous surface of the payment provider.
// *StripeService implements it; tests substitute fakes.
type PaymentProvider interface {
	GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error)
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
}

// BillingService reconciles subscription state between the payment provider
// and the datastore. Both the webhook path and the synchronous confirmation
// path converge here on the same canonical upsert.
type BillingService struct {
	store    SubscriptionStore
	provider PaymentProvider

	successURL string
	cancelURL  string
	returnURL  string

	now func() time.Time
}

// NewBillingService wires the datastore and payment provider. provider may
// be nil when the provider credentials are absent; provider-dependent
// operations then fail with ErrNotConfigured instead of panicking.
func NewBillingService(store SubscriptionStore, provider PaymentProvider, cfg config.Config) *BillingService {
	return &BillingService{
		store:      store,
		provider:   provider,
		successURL: cfg.CheckoutSuccessURL,
		cancelURL:  cfg.CheckoutCancelURL,
		returnURL:  cfg.PortalReturnURL,
		now:        time.Now,
	}
}

func (s *BillingService) configured() bool {
	return s.provider != nil
}

// canonicalRecord recomputes the full subscription record from the
// provider's current truth. Every reconciliation path funnels through here,
// so webhook/confirm ordering cannot make the paths diverge.
func (s *BillingService) canonicalRecord(ownerID, customerID string, sub *stripe.Subscription) *subscription.Subscription {
	rec := &subscription.Subscription{
		OwnerID:                ownerID,
		ProviderCustomerID:     customerID,
		ProviderSubscriptionID: sub.ID,
		Status:                 billing.MapProviderStatus(string(sub.Status)),
		CurrentPeriodEnd:       billing.SecondsToMillis(sub.CurrentPeriodEnd),
		TrialEndsAt:            billing.SecondsToMillis(sub.TrialEnd),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		UpdatedAt:              s.now().UnixMilli(),
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		rec.PriceID = sub.Items.Data[0].Price.ID
	}
	return rec
}

// HandleCheckoutCompleted reconciles a completed checkout event. Events
// without owner metadata, non-subscription checkouts, and structurally
// incomplete payloads are acknowledged without side effects: a provider
// retry cannot fix malformed upstream data.
func (s *BillingService) HandleCheckoutCompleted(ctx context.Context, session *stripe.CheckoutSession) error {
	ownerID := session.Metadata[metadataOwnerKey]
	if ownerID == "" {
		log.Warn().
			Str("session_id", utils.TruncateID(session.ID)).
			Msg("checkout completed without owner metadata, skipping")
		return nil
	}
	if session.Mode != stripe.CheckoutSessionModeSubscription {
		log.Warn().
			Str("session_id", utils.TruncateID(session.ID)).
			Str("mode", string(session.Mode)).
			Msg("checkout completed for non-subscription mode, skipping")
		return nil
	}
	if session.Customer == nil || session.Customer.ID == "" ||
		session.Subscription == nil || session.Subscription.ID == "" {
		log.Warn().
			Str("session_id", utils.TruncateID(session.ID)).
			Msg("checkout completed without customer or subscription reference, skipping")
		return nil
	}
	if !s.configured() {
		return ErrNotConfigured
	}

	// The event payload alone is not enough: trial end, period end and
	// price live on the subscription object.
	sub, err := s.provider.GetSubscription(ctx, session.Subscription.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch subscription %s: %w", utils.TruncateID(session.Subscription.ID), err)
	}

	rec := s.canonicalRecord(ownerID, session.Customer.ID, sub)
	if err := s.store.UpsertByOwner(ctx, rec); err != nil {
		return err
	}

	log.Info().
		Str("owner_id", ownerID).
		Str("status", string(rec.Status)).
		Str("subscription_id", utils.TruncateID(rec.ProviderSubscriptionID)).
		Msg("subscription reconciled from checkout")
	return nil
}

// HandleSubscriptionUpserted reconciles created/updated subscription events.
// The payload carries everything needed; no secondary provider read. The
// record is keyed by provider customer id because ownership was established
// by the earlier checkout reconciliation.
func (s *BillingService) HandleSubscriptionUpserted(ctx context.Context, sub *stripe.Subscription) error {
	if sub.Customer == nil || sub.Customer.ID == "" {
		log.Warn().
			Str("subscription_id", utils.TruncateID(sub.ID)).
			Msg("subscription event without customer reference, skipping")
		return nil
	}

	rec := s.canonicalRecord("", sub.Customer.ID, sub)
	found, err := s.store.UpdateByCustomer(ctx, rec)
	if err != nil {
		return err
	}
	if !found {
		// The checkout event establishing ownership has not landed yet.
		// Safe to skip: that path recomputes full state when it arrives.
		log.Warn().
			Str("customer_id", utils.TruncateID(sub.Customer.ID)).
			Msg("subscription event for unknown customer, skipping")
		return nil
	}

	log.Info().
		Str("customer_id", utils.TruncateID(sub.Customer.ID)).
		Str("status", string(rec.Status)).
		Msg("subscription reconciled from provider event")
	return nil
}

// HandleSubscriptionDeleted marks the customer's subscription expired.
// Other fields stay as they were so the read side can still tell a lapsed
// trial from a lapsed paid subscription.
func (s *BillingService) HandleSubscriptionDeleted(ctx context.Context, sub *stripe.Subscription) error {
	if sub.Customer == nil || sub.Customer.ID == "" {
		log.Warn().
			Str("subscription_id", utils.TruncateID(sub.ID)).
			Msg("subscription deletion without customer reference, skipping")
		return nil
	}

	found, err := s.store.ExpireByCustomer(ctx, sub.Customer.ID, s.now().UnixMilli())
	if err != nil {
		return err
	}
	if !found {
		log.Warn().
			Str("customer_id", utils.TruncateID(sub.Customer.ID)).
			Msg("subscription deletion for unknown customer, skipping")
		return nil
	}

	log.Info().
		Str("customer_id", utils.TruncateID(sub.Customer.ID)).
		Msg("subscription expired from provider event")
	return nil
}

// ConfirmCheckout is the synchronous confirmation path: the client calls it
// right after the checkout redirect, before the webhook may have landed. It
// re-derives the same canonical record from the provider's read API and
// applies the same upsert as the webhook path.
func (s *BillingService) ConfirmCheckout(ctx context.Context, ownerID, sessionID string) (billing.Access, *subscription.Subscription, error) {
	if !s.configured() {
		return billing.Access{}, nil, ErrNotConfigured
	}

	session, err := s.provider.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return billing.Access{}, nil, fmt.Errorf("failed to fetch checkout session %s: %w", utils.TruncateID(sessionID), err)
	}
	if session.Mode != stripe.CheckoutSessionModeSubscription ||
		session.Customer == nil || session.Customer.ID == "" ||
		session.Subscription == nil || session.Subscription.ID == "" {
		return billing.Access{}, nil, ErrSessionNotEligible
	}

	sub, err := s.provider.GetSubscription(ctx, session.Subscription.ID)
	if err != nil {
		return billing.Access{}, nil, fmt.Errorf("failed to fetch subscription %s: %w", utils.TruncateID(session.Subscription.ID), err)
	}

	// This path is reachable with a guessed session id, so ownership is a
	// hard check. Session metadata wins over subscription metadata.
	sessionOwner := session.Metadata[metadataOwnerKey]
	if sessionOwner == "" {
		sessionOwner = sub.Metadata[metadataOwnerKey]
	}
	if sessionOwner != ownerID {
		log.Warn().
			Str("owner_id", ownerID).
			Str("session_id", utils.TruncateID(sessionID)).
			Msg("checkout confirmation rejected: owner mismatch")
		return billing.Access{}, nil, ErrOwnershipMismatch
	}

	rec := s.canonicalRecord(ownerID, session.Customer.ID, sub)
	if err := s.store.UpsertByOwner(ctx, rec); err != nil {
		return billing.Access{}, nil, err
	}

	stored, err := s.store.GetByOwner(ctx, ownerID)
	if err != nil {
		return billing.Access{}, nil, err
	}

	log.Info().
		Str("owner_id", ownerID).
		Str("status", string(rec.Status)).
		Msg("subscription reconciled from checkout confirmation")
	return billing.Evaluate(stored, s.now()), stored, nil
}

// CreateCheckout opens a subscription-mode checkout session, applying the
// trial policy over the owner's trial history and stamping owner metadata
// on both the session and the subscription it will create.
func (s *BillingService) CreateCheckout(ctx context.Context, ownerID, priceID string) (string, error) {
	if !s.configured() {
		return "", ErrNotConfigured
	}

	rec, err := s.store.GetByOwner(ctx, ownerID)
	if err != nil {
		return "", err
	}

	var trialEndsAt int64
	var customerID string
	if rec != nil {
		trialEndsAt = rec.TrialEndsAt
		customerID = rec.ProviderCustomerID
	}
	trial := billing.TrialForCheckout(s.now(), trialEndsAt)

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(s.successURL),
		CancelURL:  stripe.String(s.cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{metadataOwnerKey: ownerID},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{metadataOwnerKey: ownerID},
		},
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	switch {
	case trial.TrialEndUnix > 0:
		params.SubscriptionData.TrialEnd = stripe.Int64(trial.TrialEndUnix)
	case trial.TrialPeriodDays > 0:
		params.SubscriptionData.TrialPeriodDays = stripe.Int64(trial.TrialPeriodDays)
	}

	session, err := s.provider.CreateCheckoutSession(ctx, params)
	if err != nil {
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	log.Info().
		Str("owner_id", ownerID).
		Str("session_id", utils.TruncateID(session.ID)).
		Msg("checkout session created")
	return session.URL, nil
}

// CreatePortal opens a billing-portal session for the owner's provider
// customer.
func (s *BillingService) CreatePortal(ctx context.Context, ownerID string) (string, error) {
	if !s.configured() {
		return "", ErrNotConfigured
	}

	rec, err := s.store.GetByOwner(ctx, ownerID)
	if err != nil {
		return "", err
	}
	if rec == nil || rec.ProviderCustomerID == "" {
		return "", ErrNoSubscription
	}

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(rec.ProviderCustomerID),
		ReturnURL: stripe.String(s.returnURL),
	}
	ps, err := s.provider.CreatePortalSession(ctx, params)
	if err != nil {
		return "", fmt.Errorf("failed to create portal session: %w", err)
	}
	return ps.URL, nil
}

// Access returns the read-side access decision plus the backing record.
func (s *BillingService) Access(ctx context.Context, ownerID string) (billing.Access, *subscription.Subscription, error) {
	rec, err := s.store.GetByOwner(ctx, ownerID)
	if err != nil {
		return billing.Access{}, nil, err
	}
	return billing.Evaluate(rec, s.now()), rec, nil
}

// EventProcessed is the ledger read. Callers decide failure semantics; the
// webhook ingestor fails open.
func (s *BillingService) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	return s.store.IsEventProcessed(ctx, eventID)
}

// MarkEventProcessed is the ledger write. The webhook ingestor treats it as
// best effort.
func (s *BillingService) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	return s.store.MarkEventProcessed(ctx, eventID, eventType)
}
