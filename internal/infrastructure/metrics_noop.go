package infrastructure

import (
	"context"
	"net/http"
)

// NoOpMetrics keeps call sites unconditional when telemetry is disabled.
type NoOpMetrics struct{}

func (m *NoOpMetrics) RecordOutboxPublish(context.Context, bool, string) {}

func (m *NoOpMetrics) RecordConsumedMessage(context.Context, string, bool) {}

func (m *NoOpMetrics) RecordDeadLetter(context.Context, string, string) {}

func (m *NoOpMetrics) RecordSagaTimeout(context.Context, string) {}

func (m *NoOpMetrics) Handler() http.Handler {
	return http.NotFoundHandler()
}

func (m *NoOpMetrics) Shutdown(context.Context) error {
	return nil
}
