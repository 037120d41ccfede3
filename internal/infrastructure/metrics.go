package infrastructure

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/architeacher/svc-commerce-core/internal/config"
)

const metricsNamespace = "commerce_core"

type (
	Metrics interface {
		RecordOutboxPublish(ctx context.Context, success bool, eventType string)
		RecordConsumedMessage(ctx context.Context, queue string, success bool)
		RecordDeadLetter(ctx context.Context, queue, reason string)
		RecordSagaTimeout(ctx context.Context, eventType string)
		Handler() http.Handler
		Shutdown(ctx context.Context) error
	}

	OTELMetrics struct {
		meterProvider *sdkmetric.MeterProvider
		meter         metric.Meter
		logger        *Logger

		outboxPublishedTotal metric.Int64Counter
		outboxFailedTotal    metric.Int64Counter
		consumedTotal        metric.Int64Counter
		consumerErrorTotal   metric.Int64Counter
		deadLetteredTotal    metric.Int64Counter
		sagaTimeoutTotal     metric.Int64Counter
	}
)

func NewMetrics(ctx context.Context, cfg config.ServiceConfig, logger *Logger) (Metrics, error) {
	if !cfg.Telemetry.Metrics.Enabled {
		logger.Info().Msg("metrics disabled, using NoOp implementation")

		return &NoOpMetrics{}, nil
	}

	return NewOTELMetrics(ctx, cfg, logger)
}

func NewOTELMetrics(ctx context.Context, cfg config.ServiceConfig, logger *Logger) (*OTELMetrics, error) {
	endpoint := fmt.Sprintf("%s:%s", cfg.Telemetry.OtelGRPCHost, cfg.Telemetry.OtelGRPCPort)

	conn, err := grpc.NewClient(
		endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to OTEL collector: %w", err)
	}

	exporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.AppConfig.ServiceName),
			semconv.ServiceVersionKey.String(cfg.AppConfig.ServiceVersion),
			semconv.ServiceInstanceIDKey.String(cfg.AppConfig.CommitSHA),
			semconv.DeploymentEnvironmentKey.String(cfg.AppConfig.Env),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(meterProvider)

	meter := meterProvider.Meter(
		metricsNamespace,
		metric.WithInstrumentationVersion(cfg.AppConfig.ServiceVersion),
	)

	provider := &OTELMetrics{
		meterProvider: meterProvider,
		meter:         meter,
		logger:        logger,
	}

	if err := provider.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return provider, nil
}

func (m *OTELMetrics) initializeMetrics() error {
	var err error

	if m.outboxPublishedTotal, err = m.meter.Int64Counter(
		metricsNamespace+"_outbox_published_total",
		metric.WithDescription("Outbox events published to the broker"),
	); err != nil {
		return err
	}

	if m.outboxFailedTotal, err = m.meter.Int64Counter(
		metricsNamespace+"_outbox_failed_total",
		metric.WithDescription("Outbox publish attempts that failed"),
	); err != nil {
		return err
	}

	if m.consumedTotal, err = m.meter.Int64Counter(
		metricsNamespace+"_consumed_total",
		metric.WithDescription("Messages acknowledged by consumers"),
	); err != nil {
		return err
	}

	if m.consumerErrorTotal, err = m.meter.Int64Counter(
		metricsNamespace+"_consumer_error_total",
		metric.WithDescription("Consumer handler failures"),
	); err != nil {
		return err
	}

	if m.deadLetteredTotal, err = m.meter.Int64Counter(
		metricsNamespace+"_dead_lettered_total",
		metric.WithDescription("Messages routed to a dead-letter queue"),
	); err != nil {
		return err
	}

	if m.sagaTimeoutTotal, err = m.meter.Int64Counter(
		metricsNamespace+"_saga_timeout_total",
		metric.WithDescription("Saga legs expired by the timeout worker"),
	); err != nil {
		return err
	}

	return nil
}

func (m *OTELMetrics) RecordOutboxPublish(ctx context.Context, success bool, eventType string) {
	attrs := metric.WithAttributes(attribute.String("event_type", eventType))

	if success {
		m.outboxPublishedTotal.Add(ctx, 1, attrs)

		return
	}

	m.outboxFailedTotal.Add(ctx, 1, attrs)
}

func (m *OTELMetrics) RecordConsumedMessage(ctx context.Context, queue string, success bool) {
	attrs := metric.WithAttributes(attribute.String("queue", queue))

	if success {
		m.consumedTotal.Add(ctx, 1, attrs)

		return
	}

	m.consumerErrorTotal.Add(ctx, 1, attrs)
}

func (m *OTELMetrics) RecordDeadLetter(ctx context.Context, queue, reason string) {
	m.deadLetteredTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("reason", reason),
	))
}

func (m *OTELMetrics) RecordSagaTimeout(ctx context.Context, eventType string) {
	m.sagaTimeoutTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *OTELMetrics) Handler() http.Handler {
	return promhttp.Handler()
}

func (m *OTELMetrics) Shutdown(ctx context.Context) error {
	return m.meterProvider.Shutdown(ctx)
}
