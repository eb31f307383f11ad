package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"marginaliaAPI/middleware"
	"marginaliaAPI/services"
	"marginaliaAPI/utils"
)

// maxWebhookBody caps the event payload read; provider events are small.
const maxWebhookBody = 65536

type WebhookHandler struct {
	billingService *services.BillingService
	webhookSecret  string
}

func NewWebhookHandler(billingService *services.BillingService, webhookSecret string) *WebhookHandler {
	return &WebhookHandler{
		billingService: billingService,
		webhookSecret:  webhookSecret,
	}
}

// HandleProviderWebhook ingests payment provider events: verify the
// signature, dedupe against the ledger, route to the billing service, ack.
// Responses stay generic; diagnostic detail goes to the log only.
func (h *WebhookHandler) HandleProviderWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if h.webhookSecret == "" {
		// Fail closed: without the secret nothing can be verified, and a
		// 5xx keeps the provider retrying until the deployment is fixed.
		log.Error().Msg("webhook secret not configured, refusing event")
		middleware.RecordWebhookEvent("unknown", "misconfigured")
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		log.Warn().Err(err).Msg("failed to read webhook body")
		middleware.RecordWebhookEvent("unknown", "rejected")
		respondWithError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	// Missing and malformed signatures take the same path so the response
	// never hints at which part of the check failed.
	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		log.Warn().Err(err).Msg("webhook signature verification failed")
		middleware.RecordWebhookEvent("unknown", "rejected")
		respondWithError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	// Fail open on a broken ledger read: the upserts are idempotent, so a
	// reprocessed event is cheaper than a dropped one.
	processed, err := h.billingService.EventProcessed(ctx, event.ID)
	if err != nil {
		log.Error().Err(err).
			Str("event_id", utils.TruncateID(event.ID)).
			Msg("event ledger read failed, processing anyway")
	}
	if processed {
		log.Info().
			Str("event_id", utils.TruncateID(event.ID)).
			Str("event_type", string(event.Type)).
			Msg("duplicate event, skipping")
		middleware.RecordWebhookEvent(string(event.Type), "duplicate")
		respondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	if err := h.route(ctx, event); err != nil {
		// No ledger mark here: the provider retries and gets another shot.
		log.Error().Err(err).
			Str("event_id", utils.TruncateID(event.ID)).
			Str("event_type", string(event.Type)).
			Msg("event handling failed")
		middleware.RecordWebhookEvent(string(event.Type), "failed")
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.markProcessed(ctx, event)
	middleware.RecordWebhookEvent(string(event.Type), "processed")
	respondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// route dispatches one verified event. Payloads that fail to decode after
// signature verification are a schema problem a retry cannot fix, so they
// are logged and acknowledged instead of erroring.
func (h *WebhookHandler) route(ctx context.Context, event stripe.Event) error {
	// Signature verification does not require a data object, so a signed
	// but data-less event can reach this far.
	if event.Data == nil {
		logUndecodableEvent(event, errors.New("event carries no data object"))
		return nil
	}

	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			logUndecodableEvent(event, err)
			return nil
		}
		return h.billingService.HandleCheckoutCompleted(ctx, &session)

	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			logUndecodableEvent(event, err)
			return nil
		}
		return h.billingService.HandleSubscriptionUpserted(ctx, &sub)

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			logUndecodableEvent(event, err)
			return nil
		}
		return h.billingService.HandleSubscriptionDeleted(ctx, &sub)

	case "invoice.payment_succeeded", "invoice.payment_failed":
		// Payment outcomes reach us through subscription status updates;
		// the invoice itself carries nothing to reconcile.
		log.Debug().
			Str("event_type", string(event.Type)).
			Msg("invoice event acknowledged")
		return nil

	default:
		log.Debug().
			Str("event_type", string(event.Type)).
			Msg("unhandled event type acknowledged")
		return nil
	}
}

// markProcessed records the event in the dedupe ledger. Best effort: a lost
// write risks one redundant reprocess, which the idempotent upserts absorb.
func (h *WebhookHandler) markProcessed(ctx context.Context, event stripe.Event) {
	if err := h.billingService.MarkEventProcessed(ctx, event.ID, string(event.Type)); err != nil {
		log.Error().Err(err).
			Str("event_id", utils.TruncateID(event.ID)).
			Msg("failed to record event in ledger")
	}
}

func logUndecodableEvent(event stripe.Event, err error) {
	log.Error().Err(err).
		Str("event_id", utils.TruncateID(event.ID)).
		Str("event_type", string(event.Type)).
		Msg("failed to decode event payload, skipping")
}
