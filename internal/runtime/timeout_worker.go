package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/architeacher/svc-commerce-core/internal/adapters/repos"
	"github.com/architeacher/svc-commerce-core/internal/config"
	"github.com/architeacher/svc-commerce-core/internal/domain"
	"github.com/architeacher/svc-commerce-core/internal/infrastructure"
	"github.com/architeacher/svc-commerce-core/internal/ports"
	"github.com/architeacher/svc-commerce-core/pkg/queue"
)

// Ensure TimeoutWorker implements the BackgroundProcessor interface
var _ ports.BackgroundProcessor = (*TimeoutWorker)(nil)

// TimeoutWorker detects saga legs whose awaited reply never arrived and
// injects the mapped compensation event. Saga-level timeouts live here rather
// than in per-call cancellation because the awaited event may arrive at a
// different process entirely.
type TimeoutWorker struct {
	outboxRepo ports.OutboxRepository
	queue      eventPublisher
	metrics    infrastructure.Metrics
	logger     *infrastructure.Logger
	cfg        config.TimeoutWorkerConfig
	exchange   string
}

func NewTimeoutWorker(
	outboxRepo ports.OutboxRepository,
	queue eventPublisher,
	metrics infrastructure.Metrics,
	logger *infrastructure.Logger,
	cfg config.TimeoutWorkerConfig,
	exchange string,
) *TimeoutWorker {
	return &TimeoutWorker{
		outboxRepo: outboxRepo,
		queue:      queue,
		metrics:    metrics,
		logger:     logger,
		cfg:        cfg,
		exchange:   exchange,
	}
}

func (w *TimeoutWorker) Start(ctx context.Context) error {
	w.logger.Info().Msg("starting timeout worker")

	if err := w.queue.DeclareExchange(w.exchange, "topic", true, false); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	ticker := time.NewTicker(w.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("timeout worker shutting down")

			return ctx.Err()

		case <-ticker.C:
			if err := w.processExpiredEvents(ctx); err != nil {
				w.logger.Error().Err(err).Msg("failed to process expired events")
			}
		}
	}
}

func (w *TimeoutWorker) processExpiredEvents(ctx context.Context) error {
	events, err := w.outboxRepo.ClaimExpired(ctx, time.Now().UTC(), w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to claim expired events: %w", err)
	}

	if len(events) == 0 {
		return nil
	}

	w.logger.Info().Int("count", len(events)).Msg("processing expired saga legs")

	for _, event := range events {
		// One event's failure must not abort the batch.
		if err := w.handleExpiredEvent(ctx, event); err != nil {
			w.logger.Error().
				Err(err).
				Str("event_id", event.EventID).
				Str("event_type", string(event.EventType)).
				Msg("failed to compensate expired event")
		}
	}

	return nil
}

func (w *TimeoutWorker) handleExpiredEvent(ctx context.Context, event *domain.OutboxEvent) error {
	errDetails := fmt.Sprintf("saga leg expired at %s before the awaited reply arrived", event.ExpiresAt.Format(time.RFC3339))

	if err := w.outboxRepo.MarkTimedOut(ctx, event.EventID, errDetails); err != nil {
		if errors.Is(err, domain.ErrAlreadyClaimed) {
			// The publisher or another worker won the row; nothing to do.
			return nil
		}

		return err
	}

	w.metrics.RecordSagaTimeout(ctx, string(event.EventType))

	compensationType, ok := domain.CompensationEvents[event.EventType]
	if !ok {
		w.logger.Info().
			Str("event_id", event.EventID).
			Str("event_type", string(event.EventType)).
			Msg("no compensation mapped for expired event")

		return nil
	}

	payload := event.CompensationData
	if len(payload) == 0 {
		payload = event.Payload
	}

	msg := queue.Message{
		Type: string(compensationType),
		Data: payload,
		Metadata: queue.Metadata{
			EventID:       domain.CompensationEventID(event.EventID),
			CorrelationID: event.CorrelationID,
			Timestamp:     time.Now().UTC(),
			Source:        event.Source,
		},
	}

	if err := w.queue.Publish(ctx, w.exchange, string(compensationType), msg); err != nil {
		return fmt.Errorf("failed to publish compensation %s: %w", compensationType, err)
	}

	w.logger.Info().
		Str("event_id", event.EventID).
		Str("event_type", string(event.EventType)).
		Str("compensation", string(compensationType)).
		Str("correlation_id", event.CorrelationID).
		Msg("compensation event published")

	return nil
}

// TimeoutWorkerCtx is the process lifecycle of the timeout worker service.
type TimeoutWorkerCtx struct {
	worker  *TimeoutWorker
	logger  *infrastructure.Logger
	queue   infrastructure.Queue
	storage *infrastructure.Storage
	metrics infrastructure.Metrics

	shutdownChannel chan os.Signal
	ctx             context.Context
	cancelFunc      context.CancelFunc
}

func NewTimeoutWorkerCtx() *TimeoutWorkerCtx {
	return &TimeoutWorkerCtx{
		shutdownChannel: make(chan os.Signal, 1),
	}
}

func (c *TimeoutWorkerCtx) Run() {
	c.build()
	c.start()
	c.wait()
	c.shutdown()
}

func (c *TimeoutWorkerCtx) build() {
	c.ctx, c.cancelFunc = context.WithCancel(context.Background())

	cfg, err := config.Init()
	if err != nil {
		panic(fmt.Errorf("failed to load configuration: %w", err))
	}

	c.logger = infrastructure.New(cfg.Logging)

	config.NewLoader(cfg).WatchConfigSignals(c.ctx)

	c.storage, err = infrastructure.NewStorage(cfg.Storage)
	if err != nil {
		c.logger.Fatal().Err(err).Msg("failed to initialize storage")
	}

	c.metrics, err = infrastructure.NewMetrics(c.ctx, *cfg, c.logger)
	if err != nil {
		c.logger.Fatal().Err(err).Msg("failed to initialize metrics")
	}

	c.queue = newBrokerQueue(cfg.Broker, c.logger)

	if err := c.queue.Connect(); err != nil {
		c.logger.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}

	outboxRepo := repos.NewOutboxRepository(c.storage, cfg.Outbox.ClaimTimeout)

	c.worker = NewTimeoutWorker(outboxRepo, c.queue, c.metrics, c.logger, cfg.TimeoutWorker, cfg.Broker.ExchangeName)
}

func (c *TimeoutWorkerCtx) start() {
	c.logger.Info().Msg("starting timeout worker service")

	go func() {
		if err := c.worker.Start(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Fatal().Err(err).Msg("timeout worker failed")
		}
	}()

	go watchFatal(c.queue, c.logger)
}

func (c *TimeoutWorkerCtx) wait() {
	signal.Notify(c.shutdownChannel, syscall.SIGINT, syscall.SIGTERM)
	<-c.shutdownChannel
}

func (c *TimeoutWorkerCtx) shutdown() {
	c.logger.Info().Msg("received shutdown signal")
	defer c.cleanup()

	c.cancelFunc()
	c.logger.Info().Msg("timeout worker service stopped")
}

func (c *TimeoutWorkerCtx) cleanup() {
	c.logger.Info().Msg("cleaning up resources...")

	if c.queue != nil {
		if err := c.queue.Close(); err != nil {
			c.logger.Error().Err(err).Msg("failed to close queue")
		}
	}

	if c.storage != nil {
		if err := c.storage.Close(); err != nil {
			c.logger.Error().Err(err).Msg("failed to close storage")
		}
	}

	c.logger.Info().Msg("cleanup completed")
}
