package subscription

// Status is the app-side subscription state. Provider statuses are folded
// into this set by billing.MapProviderStatus and nothing else assigns it.
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
)

// Subscription mirrors one user's billing state from the payment provider.
// Timestamps are unix milliseconds; zero means the provider never sent one.
type Subscription struct {
	ID                     string `json:"id" db:"id"`
	OwnerID                string `json:"ownerId" db:"owner_id"`
	ProviderCustomerID     string `json:"providerCustomerId" db:"provider_customer_id"`
	ProviderSubscriptionID string `json:"providerSubscriptionId" db:"provider_subscription_id"`
	PriceID                string `json:"priceId" db:"price_id"`
	Status                 Status `json:"status" db:"status"`
	CurrentPeriodEnd       int64  `json:"currentPeriodEnd" db:"current_period_end"`
	TrialEndsAt            int64  `json:"trialEndsAt" db:"trial_ends_at"`
	CancelAtPeriodEnd      bool   `json:"cancelAtPeriodEnd" db:"cancel_at_period_end"`
	CreatedAt              int64  `json:"createdAt" db:"created_at"`
	UpdatedAt              int64  `json:"updatedAt" db:"updated_at"`
}

type CheckoutRequest struct {
	PriceID string `json:"priceId" validate:"required"`
}

type CheckoutResponse struct {
	CheckoutURL string `json:"checkoutUrl"`
}

type ConfirmCheckoutRequest struct {
	SessionID string `json:"sessionId" validate:"required,startswith=cs_"`
}

type ConfirmCheckoutResponse struct {
	Synced    bool   `json:"synced"`
	HasAccess bool   `json:"hasAccess"`
	Status    Status `json:"status"`
}

type PortalResponse struct {
	PortalURL string `json:"portalUrl"`
}

type AccessResponse struct {
	HasAccess         bool   `json:"hasAccess"`
	Status            Status `json:"status,omitempty"`
	Reason            string `json:"reason,omitempty"`
	DaysRemaining     int    `json:"daysRemaining,omitempty"`
	IsUrgent          bool   `json:"isUrgent,omitempty"`
	CancelAtPeriodEnd bool   `json:"cancelAtPeriodEnd,omitempty"`
	CurrentPeriodEnd  int64  `json:"currentPeriodEnd,omitempty"`
	TrialEndsAt       int64  `json:"trialEndsAt,omitempty"`
	PriceID           string `json:"priceId,omitempty"`
}
