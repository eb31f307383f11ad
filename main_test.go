package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marginaliaAPI/handlers"
)

// testRouter builds the real routing topology with a stubbed health check.
// No billing handler runs in these tests: the client API rejects at the
// rate limiter or the auth middleware first.
func testRouter() http.Handler {
	health := func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
	return buildRouter(handlers.NewWebhookHandler(nil, ""), handlers.NewBillingHandler(nil), health)
}

func TestShutdownSignalTrap(t *testing.T) {
	require.Contains(t, shutdownSignals, os.Interrupt)
	require.Contains(t, shutdownSignals, syscall.SIGTERM)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, shutdownSignals...)
	defer signal.Stop(sigChan)

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case sig := <-sigChan:
		assert.Equal(t, syscall.SIGTERM, sig)
	case <-time.After(2 * time.Second):
		t.Fatal("SIGTERM was not trapped")
	}
}

func TestOperationalRoutesBypassRateLimit(t *testing.T) {
	router := testRouter()
	const client = "203.0.113.9:51111"

	send := func(method, target string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, nil)
		req.RemoteAddr = client
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	// Exhaust the per-IP budget on the client-facing API.
	throttled := 0
	for i := 0; i < 60; i++ {
		if send(http.MethodGet, "/api/v1/billing/subscription").Code == http.StatusTooManyRequests {
			throttled++
		}
	}
	require.NotZero(t, throttled, "client API is rate limited")

	// The same client still reaches the health and metrics endpoints.
	assert.Equal(t, http.StatusOK, send(http.MethodGet, "/health").Code)
	assert.NotEqual(t, http.StatusTooManyRequests, send(http.MethodGet, "/metrics").Code)

	t.Setenv("METRICS_USER", "ops")
	t.Setenv("METRICS_PASS", "scrape")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = client
	req.SetBasicAuth("ops", "scrape")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}
