package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/architeacher/svc-commerce-core/internal/domain"
)

func TestRegistryValidate(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()

	tests := []struct {
		name      string
		eventType domain.EventType
		payload   string
		wantErr   bool
	}{
		{
			name:      "valid order payload",
			eventType: domain.EventOrderCreated,
			payload:   `{"orderId": "o-1", "userId": "u-1", "productIds": ["p-1"], "quantities": [2], "amount": 100}`,
			wantErr:   false,
		},
		{
			name:      "legacy wrapped order payload passes the union",
			eventType: domain.EventOrderCreated,
			payload:   `{"order": {"orderId": "o-1"}}`,
			wantErr:   false,
		},
		{
			name:      "order payload missing the order id",
			eventType: domain.EventOrderCreated,
			payload:   `{"userId": "u-1"}`,
			wantErr:   true,
		},
		{
			name:      "zero quantity is rejected",
			eventType: domain.EventOrderCreated,
			payload:   `{"orderId": "o-1", "quantities": [0]}`,
			wantErr:   true,
		},
		{
			name:      "valid reserve payload",
			eventType: domain.EventReserve,
			payload:   `{"orderId": "o-1", "productId": "p-1", "quantity": 1}`,
			wantErr:   false,
		},
		{
			name:      "reserve payload missing quantity",
			eventType: domain.EventReserve,
			payload:   `{"productId": "p-1"}`,
			wantErr:   true,
		},
		{
			name:      "reserve with zero quantity",
			eventType: domain.EventReserve,
			payload:   `{"productId": "p-1", "quantity": 0}`,
			wantErr:   true,
		},
		{
			name:      "valid payment payload",
			eventType: domain.EventPaymentSucceeded,
			payload:   `{"orderId": "o-1", "paymentId": "pay-1", "amount": 100}`,
			wantErr:   false,
		},
		{
			name:      "negative amount is rejected",
			eventType: domain.EventPaymentInitiated,
			payload:   `{"orderId": "o-1", "amount": -1}`,
			wantErr:   true,
		},
		{
			name:      "valid product payload",
			eventType: domain.EventProductCreated,
			payload:   `{"productId": "p-1", "name": "widget", "stock": 10}`,
			wantErr:   false,
		},
		{
			name:      "valid seckill payload",
			eventType: domain.EventSeckillOrderWon,
			payload:   `{"userId": "u-1", "productId": "p-1", "price": 100, "quantity": 1, "timestamp": 1717243200}`,
			wantErr:   false,
		},
		{
			name:      "seckill payload missing the user",
			eventType: domain.EventSeckillOrderWon,
			payload:   `{"productId": "p-1", "price": 100, "quantity": 1}`,
			wantErr:   true,
		},
		{
			name:      "unknown event type passes untouched",
			eventType: domain.EventType("SOMETHING_ELSE"),
			payload:   `{"whatever": true}`,
			wantErr:   false,
		},
		{
			name:      "invalid JSON",
			eventType: domain.EventOrderCreated,
			payload:   `{"orderId": `,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := registry.Validate(tt.eventType, []byte(tt.payload))

			if tt.wantErr {
				assert.Error(t, err)
				assert.ErrorIs(t, err, domain.ErrValidation)

				return
			}

			assert.NoError(t, err)
		})
	}
}

func TestRegistryCoversCanonicalEventTypes(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()

	canonical := []domain.EventType{
		domain.EventProductCreated, domain.EventProductDeleted,
		domain.EventOrderCreated, domain.EventOrderConfirmed,
		domain.EventOrderCancelled, domain.EventOrderTimeout,
		domain.EventReserve, domain.EventRelease, domain.EventRestock,
		domain.EventInventoryReserved, domain.EventInventoryReserveFail,
		domain.EventStockReserved,
		domain.EventPaymentInitiated, domain.EventPaymentSucceeded,
		domain.EventPaymentFailed, domain.EventPaymentCancel,
		domain.EventSeckillOrderWon,
	}

	for _, eventType := range canonical {
		_, ok := registry.schemas[eventType]
		assert.True(t, ok, "missing schema for %s", eventType)
	}
}
