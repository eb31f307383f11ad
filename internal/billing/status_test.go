package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"marginaliaAPI/internal/types/subscription"
)

func TestMapProviderStatus(t *testing.T) {
	cases := []struct {
		name     string
		provider string
		want     subscription.Status
	}{
		{"trialing", "trialing", subscription.StatusTrialing},
		{"active", "active", subscription.StatusActive},
		{"past_due", "past_due", subscription.StatusPastDue},
		{"canceled is terminal", "canceled", subscription.StatusExpired},
		{"unpaid", "unpaid", subscription.StatusExpired},
		{"incomplete", "incomplete", subscription.StatusExpired},
		{"incomplete_expired", "incomplete_expired", subscription.StatusExpired},
		{"paused is not terminal", "paused", subscription.StatusCanceled},
		{"unknown future status", "hibernating", subscription.StatusExpired},
		{"empty", "", subscription.StatusExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, MapProviderStatus(tc.provider))
		})
	}
}

func TestMapProviderStatusIsStable(t *testing.T) {
	for i := 0; i < 3; i++ {
		assert.Equal(t, subscription.StatusCanceled, MapProviderStatus("paused"))
	}
}
