package queue

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func testSpanContext(t *testing.T) trace.SpanContext {
	t.Helper()

	traceID, err := trace.TraceIDFromHex("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	spanID, err := trace.SpanIDFromHex("0123456789abcdef")
	require.NoError(t, err)

	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
}

func TestInjectTraceContext(t *testing.T) {
	t.Parallel()

	ctx := trace.ContextWithSpanContext(context.Background(), testSpanContext(t))
	headers := amqp.Table{}

	traceparent := InjectTraceContext(ctx, headers)

	assert.Equal(t, "00-0123456789abcdef0123456789abcdef-0123456789abcdef-01", traceparent)
	assert.Equal(t, traceparent, headers[traceparentHeader])
}

func TestInjectTraceContextWithoutActiveSpan(t *testing.T) {
	t.Parallel()

	headers := amqp.Table{}

	traceparent := InjectTraceContext(context.Background(), headers)

	assert.Empty(t, traceparent)
}

func TestExtractTraceContextRoundTrip(t *testing.T) {
	t.Parallel()

	spanCtx := testSpanContext(t)
	headers := amqp.Table{}
	InjectTraceContext(trace.ContextWithSpanContext(context.Background(), spanCtx), headers)

	restored := trace.SpanContextFromContext(ExtractTraceContext(context.Background(), headers))

	assert.Equal(t, spanCtx.TraceID(), restored.TraceID())
	assert.Equal(t, spanCtx.SpanID(), restored.SpanID())
	assert.True(t, restored.IsRemote())
}

func TestExtractTraceContextWithoutHeaders(t *testing.T) {
	t.Parallel()

	restored := trace.SpanContextFromContext(ExtractTraceContext(context.Background(), amqp.Table{}))

	assert.False(t, restored.IsValid())
}
