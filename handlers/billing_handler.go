package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"marginaliaAPI/internal/types/subscription"
	"marginaliaAPI/middleware"
	"marginaliaAPI/services"
)

type BillingHandler struct {
	billingService *services.BillingService
	validate       *validator.Validate
}

func NewBillingHandler(billingService *services.BillingService) *BillingHandler {
	return &BillingHandler{
		billingService: billingService,
		validate:       validator.New(),
	}
}

// CreateCheckout opens a provider checkout session for the authenticated
// user and returns its redirect URL.
func (h *BillingHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	ownerID, ok := middleware.GetOwnerID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	var req subscription.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	url, err := h.billingService.CreateCheckout(ctx, ownerID, req.PriceID)
	if err != nil {
		if errors.Is(err, services.ErrNotConfigured) {
			respondWithError(w, http.StatusServiceUnavailable, "Billing is temporarily unavailable")
			return
		}
		log.Error().Err(err).Str("owner_id", ownerID).Msg("failed to create checkout session")
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	respondWithJSON(w, http.StatusOK, subscription.CheckoutResponse{CheckoutURL: url})
}

// ConfirmCheckout reconciles a just-completed checkout session for the
// authenticated user, without waiting for the webhook to land.
func (h *BillingHandler) ConfirmCheckout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	ownerID, ok := middleware.GetOwnerID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	var req subscription.ConfirmCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	// Rejects anything that is not shaped like a checkout session id before
	// it ever reaches the provider.
	if err := h.validate.Struct(req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	access, _, err := h.billingService.ConfirmCheckout(ctx, ownerID, req.SessionID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNotConfigured):
			respondWithError(w, http.StatusServiceUnavailable, "Billing is temporarily unavailable")
		case errors.Is(err, services.ErrOwnershipMismatch):
			middleware.RecordCheckoutConfirm("mismatch")
			respondWithError(w, http.StatusForbidden, "Forbidden")
		case errors.Is(err, services.ErrSessionNotEligible):
			respondWithError(w, http.StatusBadRequest, "Invalid request")
		default:
			log.Error().Err(err).Str("owner_id", ownerID).Msg("failed to confirm checkout")
			middleware.RecordCheckoutConfirm("failed")
			respondWithError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	middleware.RecordCheckoutConfirm("synced")
	respondWithJSON(w, http.StatusOK, subscription.ConfirmCheckoutResponse{
		Synced:    true,
		HasAccess: access.HasAccess,
		Status:    access.Status,
	})
}

// GetSubscription returns the authenticated user's access decision plus the
// record fields a settings screen renders.
func (h *BillingHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ownerID, ok := middleware.GetOwnerID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	access, rec, err := h.billingService.Access(ctx, ownerID)
	if err != nil {
		log.Error().Err(err).Str("owner_id", ownerID).Msg("failed to read subscription")
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	resp := subscription.AccessResponse{
		HasAccess:     access.HasAccess,
		Status:        access.Status,
		Reason:        string(access.Reason),
		DaysRemaining: access.DaysRemaining,
		IsUrgent:      access.IsUrgent,
	}
	if rec != nil {
		resp.CancelAtPeriodEnd = rec.CancelAtPeriodEnd
		resp.CurrentPeriodEnd = rec.CurrentPeriodEnd
		resp.TrialEndsAt = rec.TrialEndsAt
		resp.PriceID = rec.PriceID
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// CreatePortal opens a provider billing-portal session so the user can
// manage payment methods and cancellation.
func (h *BillingHandler) CreatePortal(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	ownerID, ok := middleware.GetOwnerID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	url, err := h.billingService.CreatePortal(ctx, ownerID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNoSubscription):
			respondWithError(w, http.StatusNotFound, "No subscription found")
		case errors.Is(err, services.ErrNotConfigured):
			respondWithError(w, http.StatusServiceUnavailable, "Billing is temporarily unavailable")
		default:
			log.Error().Err(err).Str("owner_id", ownerID).Msg("failed to create portal session")
			respondWithError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	respondWithJSON(w, http.StatusOK, subscription.PortalResponse{PortalURL: url})
}
