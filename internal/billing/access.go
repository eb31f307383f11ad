package billing

import (
	"time"

	"marginaliaAPI/internal/types/subscription"
)

const urgentTrialDays = 3

const dayMs int64 = 24 * 60 * 60 * 1000

type AccessReason string

const (
	ReasonNoSubscription      AccessReason = "no_subscription"
	ReasonTrialExpired        AccessReason = "trial_expired"
	ReasonSubscriptionExpired AccessReason = "subscription_expired"
)

// Access is the read-side premium decision over a Subscription record.
type Access struct {
	HasAccess     bool
	Status        subscription.Status
	DaysRemaining int
	IsUrgent      bool
	Reason        AccessReason
}

// Evaluate decides premium access from the stored record at the given
// instant. A nil record means the user never completed a checkout.
func Evaluate(rec *subscription.Subscription, now time.Time) Access {
	if rec == nil {
		return Access{Reason: ReasonNoSubscription}
	}
	nowMs := now.UnixMilli()
	switch rec.Status {
	case subscription.StatusTrialing:
		days := daysUntil(rec.TrialEndsAt, nowMs)
		return Access{
			HasAccess:     true,
			Status:        rec.Status,
			DaysRemaining: days,
			IsUrgent:      days <= urgentTrialDays,
		}
	case subscription.StatusActive:
		return Access{HasAccess: true, Status: rec.Status}
	case subscription.StatusCanceled:
		// Scheduled to end but paid through the current period.
		if rec.CurrentPeriodEnd > nowMs {
			return Access{
				HasAccess:     true,
				Status:        rec.Status,
				DaysRemaining: daysUntil(rec.CurrentPeriodEnd, nowMs),
			}
		}
	}
	return Access{Status: rec.Status, Reason: expiryReason(rec)}
}

// daysUntil is ceil((target-now)/day) in whole days, never negative.
func daysUntil(targetMs, nowMs int64) int {
	left := targetMs - nowMs
	if left <= 0 {
		return 0
	}
	return int((left + dayMs - 1) / dayMs)
}

// expiryReason blames the trial when one was granted and no paid period
// ever outlived it; otherwise the paid subscription lapsed.
func expiryReason(rec *subscription.Subscription) AccessReason {
	if rec.TrialEndsAt > 0 && rec.CurrentPeriodEnd <= rec.TrialEndsAt {
		return ReasonTrialExpired
	}
	return ReasonSubscriptionExpired
}
