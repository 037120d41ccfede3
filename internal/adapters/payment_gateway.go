package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"github.com/architeacher/svc-commerce-core/internal/config"
	"github.com/architeacher/svc-commerce-core/internal/domain"
	"github.com/architeacher/svc-commerce-core/internal/infrastructure"
)

type (
	// PaymentGatewayClient performs the synchronous charge call against the
	// payment provider. The circuit breaker isolates the saga from a
	// struggling provider: while open, calls fail fast with
	// domain.ErrCircuitOpen and the caller treats that as retryable upstream.
	PaymentGatewayClient struct {
		client         *resty.Client
		circuitBreaker *gobreaker.CircuitBreaker
		logger         *infrastructure.Logger
		config         config.PaymentGatewayConfig
	}

	chargeRequest struct {
		OrderID string `json:"orderId"`
		Amount  int64  `json:"amount"`
	}

	chargeResponse struct {
		PaymentID string `json:"paymentId"`
		Status    string `json:"status"`
		Reason    string `json:"reason,omitempty"`
	}

	chargeResult struct {
		paymentID string
		declined  bool
		reason    string
	}
)

func NewPaymentGatewayClient(cfg config.PaymentGatewayConfig, logger *infrastructure.Logger) *PaymentGatewayClient {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(cfg.RetryWaitTime)

	cbSettings := gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: cfg.CircuitBreaker.HalfOpenMaxRequests,
		Interval:    cfg.CircuitBreaker.RollingCountTimeout,
		Timeout:     cfg.CircuitBreaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)

			return counts.Requests >= cfg.CircuitBreaker.VolumeThreshold &&
				failureRatio*100 >= float64(cfg.CircuitBreaker.ErrorThresholdPercentage)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info().
				Str("name", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}

	return &PaymentGatewayClient{
		client:         client,
		circuitBreaker: gobreaker.NewCircuitBreaker(cbSettings),
		logger:         logger,
		config:         cfg,
	}
}

// Charge attempts the charge and returns the provider's payment id. A decline
// is a valid provider answer: it maps to domain.ErrPaymentDeclined without
// counting against the breaker. Transport failures and provider 5xx count as
// breaker failures.
func (c *PaymentGatewayClient) Charge(ctx context.Context, orderID string, amount int64) (string, error) {
	result, err := c.circuitBreaker.Execute(func() (any, error) {
		return c.charge(ctx, orderID, amount)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.logger.Warn().Str("order_id", orderID).Msg("payment gateway circuit breaker is open")

			return "", fmt.Errorf("%w: payment gateway", domain.ErrCircuitOpen)
		}

		return "", err
	}

	charge := result.(*chargeResult)
	if charge.declined {
		return "", fmt.Errorf("%w: %s", domain.ErrPaymentDeclined, charge.reason)
	}

	return charge.paymentID, nil
}

func (c *PaymentGatewayClient) charge(ctx context.Context, orderID string, amount int64) (*chargeResult, error) {
	var body chargeResponse

	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(chargeRequest{OrderID: orderID, Amount: amount}).
		SetResult(&body).
		SetError(&body).
		Post("/charges")
	if err != nil {
		return nil, domain.NewTransportError("charge", err)
	}

	switch {
	case resp.StatusCode() == http.StatusOK || resp.StatusCode() == http.StatusCreated:
		return &chargeResult{paymentID: body.PaymentID}, nil
	case resp.StatusCode() == http.StatusPaymentRequired || resp.StatusCode() == http.StatusUnprocessableEntity:
		reason := body.Reason
		if reason == "" {
			reason = "declined by provider"
		}

		return &chargeResult{declined: true, reason: reason}, nil
	default:
		return nil, domain.NewTransportError("charge",
			fmt.Errorf("unexpected status %d from payment gateway", resp.StatusCode()))
	}
}
