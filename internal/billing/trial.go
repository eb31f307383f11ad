package billing

import "time"

// DefaultTrialDays is the trial length granted to users who never had one.
const DefaultTrialDays = 7

// CheckoutTrial tells the provider how to bill a new checkout session.
// At most one field is set; the zero value means billing starts now.
type CheckoutTrial struct {
	// TrialEndUnix is the absolute instant billing starts, in provider
	// seconds. Set when a previously granted trial is still running.
	TrialEndUnix int64
	// TrialPeriodDays requests a fresh full-length trial.
	TrialPeriodDays int64
}

// TrialForCheckout decides trial parameters for a new checkout from the
// user's trial history (trialEndsAt in unix milliseconds, zero = never
// granted). The decision is three-way: a still-running trial is honored
// at its original end instant rather than restarted, no history grants
// the full default trial, and an elapsed trial grants nothing.
func TrialForCheckout(now time.Time, trialEndsAt int64) CheckoutTrial {
	switch {
	case trialEndsAt > now.UnixMilli():
		return CheckoutTrial{TrialEndUnix: MillisToSeconds(trialEndsAt)}
	case trialEndsAt == 0:
		return CheckoutTrial{TrialPeriodDays: DefaultTrialDays}
	default:
		return CheckoutTrial{}
	}
}
