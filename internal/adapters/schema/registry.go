package schema

import (
	"encoding/json"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/architeacher/svc-commerce-core/internal/domain"
)

// Registry holds a declarative schema per event type. Validation failures on
// publish are programmer errors and abort the publish; on consume they route
// the message to the DLQ, since bad data cannot be fixed by redelivery.
type Registry struct {
	schemas map[domain.EventType]*openapi3.Schema
}

// NewRegistry declares the schemas for the canonical event types. Where older
// producers still emit a wrapped payload, the schema accepts the union of both
// shapes once; the transport's normalization has already unwrapped the outer
// envelope by the time validation runs.
func NewRegistry() *Registry {
	r := &Registry{
		schemas: make(map[domain.EventType]*openapi3.Schema),
	}

	orderPayload := openapi3.NewObjectSchema().
		WithProperty("orderId", openapi3.NewStringSchema().WithMinLength(1)).
		WithProperty("userId", openapi3.NewStringSchema()).
		WithProperty("productIds", openapi3.NewArraySchema().WithItems(openapi3.NewStringSchema())).
		WithProperty("quantities", openapi3.NewArraySchema().WithItems(openapi3.NewIntegerSchema().WithMin(1))).
		WithProperty("amount", openapi3.NewInt64Schema().WithMin(0)).
		WithProperty("reason", openapi3.NewStringSchema())
	orderPayload.Required = []string{"orderId"}

	// Older order producers wrapped the payload one level deeper.
	wrappedOrderPayload := openapi3.NewObjectSchema().WithProperty("order", orderPayload)
	wrappedOrderPayload.Required = []string{"order"}

	orderSchema := openapi3.NewOneOfSchema(orderPayload, wrappedOrderPayload)

	stockPayload := openapi3.NewObjectSchema().
		WithProperty("orderId", openapi3.NewStringSchema()).
		WithProperty("productId", openapi3.NewStringSchema().WithMinLength(1)).
		WithProperty("quantity", openapi3.NewIntegerSchema().WithMin(1)).
		WithProperty("reason", openapi3.NewStringSchema())
	stockPayload.Required = []string{"productId", "quantity"}

	paymentPayload := openapi3.NewObjectSchema().
		WithProperty("orderId", openapi3.NewStringSchema().WithMinLength(1)).
		WithProperty("paymentId", openapi3.NewStringSchema()).
		WithProperty("amount", openapi3.NewInt64Schema().WithMin(0)).
		WithProperty("reason", openapi3.NewStringSchema())
	paymentPayload.Required = []string{"orderId", "amount"}

	productPayload := openapi3.NewObjectSchema().
		WithProperty("productId", openapi3.NewStringSchema().WithMinLength(1)).
		WithProperty("name", openapi3.NewStringSchema()).
		WithProperty("stock", openapi3.NewIntegerSchema().WithMin(0))
	productPayload.Required = []string{"productId"}

	seckillPayload := openapi3.NewObjectSchema().
		WithProperty("userId", openapi3.NewStringSchema().WithMinLength(1)).
		WithProperty("productId", openapi3.NewStringSchema().WithMinLength(1)).
		WithProperty("price", openapi3.NewInt64Schema().WithMin(0)).
		WithProperty("quantity", openapi3.NewIntegerSchema().WithMin(1)).
		WithProperty("timestamp", openapi3.NewInt64Schema())
	seckillPayload.Required = []string{"userId", "productId", "price", "quantity"}

	for _, eventType := range []domain.EventType{
		domain.EventOrderCreated, domain.EventOrderConfirmed,
		domain.EventOrderCancelled, domain.EventOrderTimeout,
		domain.EventInventoryReserved, domain.EventInventoryReserveFail,
		domain.EventStockReserved,
	} {
		r.Register(eventType, orderSchema)
	}

	for _, eventType := range []domain.EventType{
		domain.EventReserve, domain.EventRelease, domain.EventRestock,
	} {
		r.Register(eventType, stockPayload)
	}

	for _, eventType := range []domain.EventType{
		domain.EventPaymentInitiated, domain.EventPaymentSucceeded,
		domain.EventPaymentFailed, domain.EventPaymentCancel,
	} {
		r.Register(eventType, paymentPayload)
	}

	r.Register(domain.EventProductCreated, productPayload)
	r.Register(domain.EventProductDeleted, productPayload)
	r.Register(domain.EventSeckillOrderWon, seckillPayload)

	return r
}

// Register declares or replaces the schema for an event type.
func (r *Registry) Register(eventType domain.EventType, schema *openapi3.Schema) {
	r.schemas[eventType] = schema
}

// Validate checks data against the schema declared for eventType. Event types
// without a declared schema pass untouched.
func (r *Registry) Validate(eventType domain.EventType, data []byte) error {
	schema, ok := r.schemas[eventType]
	if !ok {
		return nil
	}

	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return &domain.ValidationError{
			EventType: string(eventType),
			Reasons:   []string{"payload is not valid JSON: " + err.Error()},
		}
	}

	if err := schema.VisitJSON(value); err != nil {
		return &domain.ValidationError{
			EventType: string(eventType),
			Reasons:   []string{err.Error()},
		}
	}

	return nil
}
