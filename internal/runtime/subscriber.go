package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/architeacher/svc-commerce-core/internal/adapters"
	"github.com/architeacher/svc-commerce-core/internal/adapters/repos"
	"github.com/architeacher/svc-commerce-core/internal/adapters/schema"
	"github.com/architeacher/svc-commerce-core/internal/config"
	"github.com/architeacher/svc-commerce-core/internal/domain"
	"github.com/architeacher/svc-commerce-core/internal/infrastructure"
	"github.com/architeacher/svc-commerce-core/internal/service"
	"github.com/architeacher/svc-commerce-core/internal/shared/backoff"
	"github.com/architeacher/svc-commerce-core/pkg/queue"
)

// Role selects which service's consumers a subscriber process runs.
type Role string

const (
	RoleOrder     Role = "order"
	RoleInventory Role = "inventory"
	RolePayment   Role = "payment"
)

// consumerSpec binds one queue to one handler with its routing keys.
type consumerSpec struct {
	queueName   string
	consumerTag string
	routingKeys []string
	handler     queue.MessageHandler
}

// SubscriberCtx is the process lifecycle of a consumer service.
type SubscriberCtx struct {
	role      Role
	consumers []consumerSpec

	cfg         *config.ServiceConfig
	logger      *infrastructure.Logger
	queue       infrastructure.Queue
	storage     *infrastructure.Storage
	cacheClient *infrastructure.KeydbClient
	metrics     infrastructure.Metrics
	registry    *schema.Registry

	shutdownChannel chan os.Signal
	ctx             context.Context
	cancelFunc      context.CancelFunc
}

func NewSubscriber(role Role) *SubscriberCtx {
	return &SubscriberCtx{
		role:            role,
		shutdownChannel: make(chan os.Signal, 1),
	}
}

func (c *SubscriberCtx) Run() {
	c.build()
	c.start()
	c.wait()
	c.shutdown()
}

func (c *SubscriberCtx) build() {
	c.ctx, c.cancelFunc = context.WithCancel(context.Background())

	cfg, err := config.Init()
	if err != nil {
		panic(fmt.Errorf("failed to load configuration: %w", err))
	}
	c.cfg = cfg

	c.logger = infrastructure.New(cfg.Logging)

	config.NewLoader(cfg).WatchConfigSignals(c.ctx)

	c.storage, err = infrastructure.NewStorage(cfg.Storage)
	if err != nil {
		c.logger.Fatal().Err(err).Msg("failed to initialize storage")
	}

	c.cacheClient = infrastructure.NewKeyDBClient(cfg.Cache, c.logger)
	if err := c.cacheClient.Ping(c.ctx); err != nil {
		c.logger.Fatal().Err(err).Msg("failed to connect to the idempotency store")
	}

	c.metrics, err = infrastructure.NewMetrics(c.ctx, *cfg, c.logger)
	if err != nil {
		c.logger.Fatal().Err(err).Msg("failed to initialize metrics")
	}

	c.registry = schema.NewRegistry()

	c.queue = newBrokerQueue(cfg.Broker, c.logger)

	if err := c.queue.Connect(); err != nil {
		c.logger.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}

	c.consumers = c.buildConsumers()

	for _, consumer := range c.consumers {
		if err := c.queue.DeclareConsumerTopology(cfg.Broker.ExchangeName, consumer.queueName, consumer.routingKeys); err != nil {
			c.logger.Fatal().Err(err).Str("queue", consumer.queueName).Msg("failed to declare consumer topology")
		}
	}
}

func (c *SubscriberCtx) buildConsumers() []consumerSpec {
	outboxRepo := repos.NewOutboxRepository(c.storage, c.cfg.Outbox.ClaimTimeout)
	idempotency := repos.NewIdempotencyRepository(c.cacheClient)

	switch c.role {
	case RoleOrder:
		orderService := service.NewOrderService(
			c.storage,
			repos.NewOrderRepository(c.storage),
			outboxRepo,
			idempotency,
			c.cfg.Saga,
			c.cfg.Cache.IdempotencyTTL,
			c.logger,
		)

		return []consumerSpec{
			{
				queueName:   service.OrderEventsQueue,
				consumerTag: "order-worker",
				routingKeys: []string{
					string(domain.EventInventoryReserved),
					string(domain.EventStockReserved),
					string(domain.EventInventoryReserveFail),
					string(domain.EventPaymentSucceeded),
					string(domain.EventPaymentFailed),
					string(domain.EventOrderTimeout),
				},
				handler: orderService.ProcessOrderEvent,
			},
			{
				queueName:   service.OrderSeckillQueue,
				consumerTag: "order-seckill-worker",
				routingKeys: []string{string(domain.EventSeckillOrderWon)},
				handler:     orderService.ProcessSeckillWin,
			},
		}

	case RoleInventory:
		inventoryService := service.NewInventoryService(
			c.storage,
			repos.NewStockRepository(c.storage),
			outboxRepo,
			idempotency,
			c.cfg.Cache.IdempotencyTTL,
			c.logger,
		)

		return []consumerSpec{
			{
				queueName:   service.InventoryEventsQueue,
				consumerTag: "inventory-worker",
				routingKeys: []string{
					string(domain.EventOrderCreated),
					string(domain.EventReserve),
					string(domain.EventRelease),
					string(domain.EventRestock),
					string(domain.EventPaymentSucceeded),
				},
				handler: inventoryService.ProcessInventoryEvent,
			},
			{
				queueName:   service.ProductsQueue,
				consumerTag: "products-worker",
				routingKeys: []string{
					string(domain.EventProductCreated),
					string(domain.EventProductDeleted),
				},
				handler: inventoryService.ProcessProductEvent,
			},
		}

	case RolePayment:
		paymentService := service.NewPaymentService(
			c.storage,
			repos.NewPaymentRepository(c.storage),
			outboxRepo,
			adapters.NewPaymentGatewayClient(c.cfg.PaymentGateway, c.logger),
			idempotency,
			c.cfg.Cache.IdempotencyTTL,
			c.logger,
		)

		return []consumerSpec{
			{
				queueName:   service.PaymentEventsQueue,
				consumerTag: "payment-worker",
				routingKeys: []string{
					string(domain.EventPaymentInitiated),
					string(domain.EventPaymentCancel),
				},
				handler: paymentService.ProcessPaymentEvent,
			},
		}

	default:
		c.logger.Fatal().Str("role", string(c.role)).Msg("unknown subscriber role")

		return nil
	}
}

func (c *SubscriberCtx) start() {
	c.logger.Info().Str("role", string(c.role)).Msg("starting subscriber service")

	backoffStrategy := newConsumerBackoff(c.cfg.Broker.ConsumerRetry)

	for _, consumer := range c.consumers {
		go func() {
			err := c.queue.Consume(c.ctx, consumer.queueName, consumer.consumerTag,
				c.instrument(consumer.queueName, consumer.handler),
				queue.WithPrefetchCount(c.cfg.Broker.PrefetchCount),
				queue.WithMaxRetries(c.cfg.Broker.ConsumerRetry.MaxRetries),
				queue.WithRetryBackoff(backoffStrategy),
				queue.WithRetryableClassifier(domain.IsRetryable),
				queue.WithSchemaValidation(func(eventType string, data []byte) error {
					return c.registry.Validate(domain.EventType(eventType), data)
				}),
				queue.WithDeadLetterHook(func(reason string) {
					c.metrics.RecordDeadLetter(c.ctx, consumer.queueName, reason)
				}),
				queue.WithConsumingLogger(queue.NewLoggerAdapter(c.logger.Logger)),
				queue.WithErrorHandler(func(err error) {
					c.metrics.RecordConsumedMessage(c.ctx, consumer.queueName, false)
					c.logger.Error().Err(err).Str("queue", consumer.queueName).Msg("consumer error")
				}),
			)

			if err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Fatal().Err(err).Str("queue", consumer.queueName).Msg("consumer failed")
			}
		}()
	}

	go watchFatal(c.queue, c.logger)
}

func newConsumerBackoff(cfg config.ConsumerRetry) func(retries int) time.Duration {
	strategy := backoff.NewExponentialStrategy(config.BackoffConfig{
		BaseDelay:  cfg.BaseDelay,
		Multiplier: 2,
		Jitter:     0.2,
		MaxDelay:   cfg.MaxDelay,
	})

	return strategy.Backoff
}

// instrument wraps a handler with the consumed-message metric.
func (c *SubscriberCtx) instrument(queueName string, handler queue.MessageHandler) queue.MessageHandler {
	return func(ctx context.Context, msg queue.Message, ctrl *queue.MsgController) error {
		err := handler(ctx, msg, ctrl)
		if err == nil {
			c.metrics.RecordConsumedMessage(ctx, queueName, true)
		}

		return err
	}
}

func (c *SubscriberCtx) wait() {
	signal.Notify(c.shutdownChannel, syscall.SIGINT, syscall.SIGTERM)
	<-c.shutdownChannel
}

func (c *SubscriberCtx) shutdown() {
	c.logger.Info().Msg("received shutdown signal")
	defer c.cleanup()

	c.cancelFunc()
	c.logger.Info().Msg("subscriber service stopped")
}

func (c *SubscriberCtx) cleanup() {
	c.logger.Info().Msg("cleaning up resources...")

	if c.queue != nil {
		c.queue.Close()
	}

	if c.cacheClient != nil {
		c.cacheClient.Close()
	}

	if c.storage != nil {
		c.storage.Close()
	}

	c.logger.Info().Msg("cleanup completed")
}
