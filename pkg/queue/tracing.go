package queue

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const traceparentHeader = "traceparent"

func init() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

// amqpHeaderCarrier adapts amqp.Table to the otel TextMapCarrier so the W3C
// trace context travels in message headers.
type amqpHeaderCarrier amqp.Table

func (c amqpHeaderCarrier) Get(key string) string {
	if value, ok := c[key].(string); ok {
		return value
	}

	return ""
}

func (c amqpHeaderCarrier) Set(key, value string) {
	c[key] = value
}

func (c amqpHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}

	return keys
}

// InjectTraceContext writes the active span context into headers and returns
// the serialized traceparent for the event metadata.
func InjectTraceContext(ctx context.Context, headers amqp.Table) string {
	otel.GetTextMapPropagator().Inject(ctx, amqpHeaderCarrier(headers))

	if value, ok := headers[traceparentHeader].(string); ok {
		return value
	}

	return ""
}

// ExtractTraceContext restores the span context carried in headers, so the
// consumer handler continues the publisher's trace.
func ExtractTraceContext(ctx context.Context, headers amqp.Table) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, amqpHeaderCarrier(headers))
}
