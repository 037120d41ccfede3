package runtime

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/architeacher/svc-commerce-core/internal/adapters/repos"
	"github.com/architeacher/svc-commerce-core/internal/adapters/schema"
	"github.com/architeacher/svc-commerce-core/internal/config"
	"github.com/architeacher/svc-commerce-core/internal/domain"
	"github.com/architeacher/svc-commerce-core/internal/infrastructure"
	"github.com/architeacher/svc-commerce-core/internal/ports"
	"github.com/architeacher/svc-commerce-core/pkg/queue"
)

// Ensure OutboxProcessor implements the BackgroundProcessor interface
var _ ports.BackgroundProcessor = (*OutboxProcessor)(nil)

// eventPublisher is the slice of the transport the worker loops need.
type eventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg queue.Message) error
	DeclareExchange(name, kind string, durable, autoDelete bool) error
}

// OutboxProcessor drives staged events to the broker. It tolerates crashing
// at any point: an event published but not yet marked PUBLISHED is published
// again on the next tick, and consumers absorb the duplicate through their
// idempotency keys.
type OutboxProcessor struct {
	outboxRepo ports.OutboxRepository
	registry   ports.SchemaRegistry
	queue      eventPublisher
	metrics    infrastructure.Metrics
	logger     *infrastructure.Logger
	cfg        config.OutboxConfig
	exchange   string
}

func NewOutboxProcessor(
	outboxRepo ports.OutboxRepository,
	registry ports.SchemaRegistry,
	queue eventPublisher,
	metrics infrastructure.Metrics,
	logger *infrastructure.Logger,
	cfg config.OutboxConfig,
	exchange string,
) *OutboxProcessor {
	return &OutboxProcessor{
		outboxRepo: outboxRepo,
		registry:   registry,
		queue:      queue,
		metrics:    metrics,
		logger:     logger,
		cfg:        cfg,
		exchange:   exchange,
	}
}

func (p *OutboxProcessor) Start(ctx context.Context) error {
	p.logger.Info().Msg("starting outbox processor")

	if err := p.queue.DeclareExchange(p.exchange, "topic", true, false); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	cleanupTicker := time.NewTicker(p.cfg.CleanupEvery)
	defer cleanupTicker.Stop()

	// The poll timer is jittered so a fleet of publishers does not thunder
	// against the store in lockstep.
	timer := time.NewTimer(p.jitteredInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("outbox processor shutting down")

			return ctx.Err()

		case <-cleanupTicker.C:
			if err := p.cleanup(ctx); err != nil {
				p.logger.Error().Err(err).Msg("failed to clean up published events")
			}

		case <-timer.C:
			if err := p.processPendingEvents(ctx); err != nil {
				p.logger.Error().Err(err).Msg("failed to process pending events")
			}

			timer.Reset(p.jitteredInterval())
		}
	}
}

func (p *OutboxProcessor) jitteredInterval() time.Duration {
	interval := p.cfg.PollInterval

	return interval + time.Duration(rand.Int63n(int64(interval/4)+1))
}

func (p *OutboxProcessor) processPendingEvents(ctx context.Context) error {
	events, err := p.outboxRepo.ClaimPending(ctx, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to claim pending events: %w", err)
	}

	if len(events) == 0 {
		return nil
	}

	p.logger.Debug().Int("count", len(events)).Msg("processing pending outbox events")

	for _, event := range events {
		if err := p.processEvent(ctx, event); err != nil {
			p.logger.Error().
				Err(err).
				Str("event_id", event.EventID).
				Msg("failed to process pending event")
		}
	}

	return nil
}

func (p *OutboxProcessor) processEvent(ctx context.Context, event *domain.OutboxEvent) error {
	if err := p.registry.Validate(event.EventType, event.Payload); err != nil {
		// A payload that never validated is a programmer error; retrying the
		// publish cannot fix it.
		p.metrics.RecordOutboxPublish(ctx, false, string(event.EventType))

		if markErr := p.outboxRepo.MarkPermanentlyFailed(ctx, event.EventID, err.Error()); markErr != nil {
			p.logger.Error().Err(markErr).Str("event_id", event.EventID).
				Msg("failed to mark invalid event as failed")
		}

		return err
	}

	msg := queue.Message{
		Type: string(event.EventType),
		Data: event.Payload,
		Metadata: queue.Metadata{
			EventID:       event.EventID,
			CorrelationID: event.CorrelationID,
			Timestamp:     event.CreatedAt,
			Source:        event.Source,
		},
	}

	if err := p.queue.Publish(ctx, p.exchange, event.Destination, msg); err != nil {
		p.handlePublishFailure(ctx, event, err)

		return fmt.Errorf("failed to publish event: %w", err)
	}

	if err := p.outboxRepo.MarkPublished(ctx, event.EventID); err != nil {
		if errors.Is(err, domain.ErrAlreadyClaimed) {
			// Another owner moved the row to a terminal state first; the
			// duplicate send is absorbed by consumer idempotency.
			p.logger.Warn().Str("event_id", event.EventID).
				Msg("event published but already in a terminal state")

			return nil
		}

		return fmt.Errorf("failed to mark event as published: %w", err)
	}

	p.metrics.RecordOutboxPublish(ctx, true, string(event.EventType))

	p.logger.Debug().
		Str("event_id", event.EventID).
		Str("event_type", string(event.EventType)).
		Str("destination", event.Destination).
		Msg("successfully published outbox event")

	return nil
}

func (p *OutboxProcessor) handlePublishFailure(ctx context.Context, event *domain.OutboxEvent, publishErr error) {
	p.metrics.RecordOutboxPublish(ctx, false, string(event.EventType))

	errorDetails := publishErr.Error()

	if event.AttemptCount >= p.cfg.MaxAttempts {
		maxErr := &domain.MaxAttemptsExceededError{
			EventID:  event.EventID,
			Attempts: event.AttemptCount,
			Cap:      p.cfg.MaxAttempts,
		}

		if err := p.outboxRepo.MarkPermanentlyFailed(ctx, event.EventID, errorDetails); err != nil {
			p.logger.Error().Err(err).Str("event_id", event.EventID).
				Msg("failed to mark event as permanently failed")

			return
		}

		p.logger.Warn().
			Str("event_id", event.EventID).
			Int("attempt_count", event.AttemptCount).
			Msg(maxErr.Error())

		return
	}

	if err := p.outboxRepo.MarkFailed(ctx, event.EventID, errorDetails); err != nil {
		p.logger.Error().Err(err).Str("event_id", event.EventID).
			Msg("failed to record publish failure")

		return
	}

	p.logger.Debug().
		Str("event_id", event.EventID).
		Int("attempt_count", event.AttemptCount+1).
		Msg("event left pending for retry")
}

func (p *OutboxProcessor) cleanup(ctx context.Context) error {
	horizon := time.Now().UTC().Add(-p.cfg.Retention())

	deleted, err := p.outboxRepo.Cleanup(ctx, horizon)
	if err != nil {
		return err
	}

	if deleted > 0 {
		p.logger.Info().Int("deleted", int(deleted)).Msg("cleaned up published outbox events")
	}

	return nil
}

// PublisherCtx is the process lifecycle of the outbox publisher service.
type PublisherCtx struct {
	processor *OutboxProcessor
	logger    *infrastructure.Logger
	queue     infrastructure.Queue
	storage   *infrastructure.Storage
	metrics   infrastructure.Metrics

	shutdownChannel chan os.Signal
	ctx             context.Context
	cancelFunc      context.CancelFunc
}

func NewPublisher() *PublisherCtx {
	return &PublisherCtx{
		shutdownChannel: make(chan os.Signal, 1),
	}
}

func (c *PublisherCtx) Run() {
	c.build()
	c.start()
	c.wait()
	c.shutdown()
}

func (c *PublisherCtx) build() {
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

	c.processor = NewOutboxProcessor(
		outboxRepo,
		schema.NewRegistry(),
		c.queue,
		c.metrics,
		c.logger,
		cfg.Outbox,
		cfg.Broker.ExchangeName,
	)
}

func (c *PublisherCtx) start() {
	c.logger.Info().Msg("starting outbox publisher service")

	go func() {
		if err := c.processor.Start(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Fatal().Err(err).Msg("outbox processor failed")
		}
	}()

	go watchFatal(c.queue, c.logger)
}

func (c *PublisherCtx) wait() {
	signal.Notify(c.shutdownChannel, syscall.SIGINT, syscall.SIGTERM)
	<-c.shutdownChannel
}

func (c *PublisherCtx) shutdown() {
	c.logger.Info().Msg("received shutdown signal")
	defer c.cleanup()

	c.cancelFunc()
	c.logger.Info().Msg("outbox publisher service stopped")
}

func (c *PublisherCtx) cleanup() {
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

func newBrokerQueue(cfg config.BrokerConfig, logger *infrastructure.Logger) infrastructure.Queue {
	return queue.NewRabbitMQQueue(
		queue.Config{URL: cfg.URL},
		queue.WithLogger(queue.NewLoggerAdapter(logger.Logger)),
		queue.WithReconnectDelay(cfg.ReconnectDelay),
		queue.WithMaxReconnects(cfg.MaxReconnects),
	)
}

// watchFatal exits the process when the broker connection is lost beyond the
// reconnect budget; the supervisor restarts it with a clean slate.
func watchFatal(q infrastructure.Queue, logger *infrastructure.Logger) {
	if err, ok := <-q.NotifyFatal(); ok {
		logger.Fatal().Err(err).Msg("broker connection lost beyond recovery")
	}
}
