package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/architeacher/svc-commerce-core/internal/config"
	"github.com/architeacher/svc-commerce-core/internal/domain"
	"github.com/architeacher/svc-commerce-core/internal/infrastructure"
)

func testLogger() *infrastructure.Logger {
	return infrastructure.New(config.LoggingConfig{Level: "disabled", Format: "json"})
}

func gatewayConfig(baseURL string) config.PaymentGatewayConfig {
	return config.PaymentGatewayConfig{
		BaseURL:       baseURL,
		Timeout:       2 * time.Second,
		MaxRetries:    0,
		RetryWaitTime: 10 * time.Millisecond,
		CircuitBreaker: config.CircuitBreakerConfig{
			ErrorThresholdPercentage: 50,
			VolumeThreshold:          3,
			RollingCountTimeout:      10 * time.Second,
			ResetTimeout:             time.Minute,
			HalfOpenMaxRequests:      1,
		},
	}
}

func TestChargeSuccess(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/charges", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "o-1", body["orderId"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"paymentId": "pay-1", "status": "succeeded"})
	}))
	defer server.Close()

	client := NewPaymentGatewayClient(gatewayConfig(server.URL), testLogger())

	paymentID, err := client.Charge(context.Background(), "o-1", 100)

	require.NoError(t, err)
	assert.Equal(t, "pay-1", paymentID)
}

func TestChargeDecline(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]any{"reason": "insufficient funds"})
	}))
	defer server.Close()

	client := NewPaymentGatewayClient(gatewayConfig(server.URL), testLogger())

	_, err := client.Charge(context.Background(), "o-1", 100)

	require.ErrorIs(t, err, domain.ErrPaymentDeclined)
	assert.Contains(t, err.Error(), "insufficient funds")
}

func TestChargeServerErrorIsTransport(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewPaymentGatewayClient(gatewayConfig(server.URL), testLogger())

	_, err := client.Charge(context.Background(), "o-1", 100)

	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrPaymentDeclined)
	assert.NotErrorIs(t, err, domain.ErrCircuitOpen)
}

func TestCircuitOpensAfterSustainedFailures(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewPaymentGatewayClient(gatewayConfig(server.URL), testLogger())

	// Trip the breaker: volume threshold 3 with a 50% error threshold.
	for range 3 {
		_, err := client.Charge(context.Background(), "o-1", 100)
		require.Error(t, err)
	}

	hitsBeforeOpen := hits.Load()

	_, err := client.Charge(context.Background(), "o-1", 100)

	require.ErrorIs(t, err, domain.ErrCircuitOpen, "the breaker rejects without calling the provider")
	assert.Equal(t, hitsBeforeOpen, hits.Load(), "no request reaches the provider while open")
}

func TestDeclineDoesNotTripTheBreaker(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]any{"reason": "blocked card"})
	}))
	defer server.Close()

	client := NewPaymentGatewayClient(gatewayConfig(server.URL), testLogger())

	for range 10 {
		_, err := client.Charge(context.Background(), "o-1", 100)
		require.ErrorIs(t, err, domain.ErrPaymentDeclined)
	}
}
