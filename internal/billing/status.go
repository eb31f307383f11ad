package billing

import "marginaliaAPI/internal/types/subscription"

// MapProviderStatus folds the provider's subscription status vocabulary
// into the app's five states. Anything unrecognized maps to expired so a
// provider state we have never seen can never grant access.
func MapProviderStatus(providerStatus string) subscription.Status {
	switch providerStatus {
	case "trialing":
		return subscription.StatusTrialing
	case "active":
		return subscription.StatusActive
	case "past_due":
		return subscription.StatusPastDue
	case "canceled", "unpaid", "incomplete", "incomplete_expired":
		return subscription.StatusExpired
	case "paused":
		// Not terminal: a paused subscription can resume.
		// TODO: give paused its own state; folding it into canceled
		// conflates pause-with-resume and scheduled termination.
		return subscription.StatusCanceled
	default:
		return subscription.StatusExpired
	}
}
