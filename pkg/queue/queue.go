package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultReconnectDelay = 5 * time.Second
	maxReconnectDelay     = 60 * time.Second
	defaultMaxReconnects  = 5
	defaultConfirmTimeout = 5 * time.Second
)

var (
	// ErrNotConnected is returned when an operation requires an open connection.
	ErrNotConnected = errors.New("not connected to broker")

	// ErrPublishNacked is returned when the broker refuses a confirmed publish.
	ErrPublishNacked = errors.New("publish nacked by broker")
)

// Queue represents the main queue interface for publishing and consuming messages
type Queue interface {
	// Publisher operations
	Publish(ctx context.Context, exchange, routingKey string, msg Message) error
	PublishWithOptions(ctx context.Context, exchange, routingKey string, msg Message, opts ...publisherOption) error

	// Consumer operations
	Consume(ctx context.Context, queue, consumer string, handler MessageHandler, opts ...consumerOption) error
	StartConsumer(ctx context.Context, queue, consumer string, handler MessageHandler, opts ...consumerOption) (<-chan error, error)

	// Infrastructure operations
	DeclareExchange(name, kind string, durable, autoDelete bool) error
	DeclareConsumerTopology(exchange, queueName string, routingKeys []string) error

	// Connection management
	Connect() error
	Close() error
	IsConnected() bool
	NotifyFatal() <-chan error
}

// MessageHandler defines the function signature for message processing. The
// returned error decides the disposition: nil acknowledges, a retryable error
// schedules redelivery, a permanent one dead-letters.
type MessageHandler func(ctx context.Context, msg Message, ctrl *MsgController) error

// RabbitMQQueue implements the Queue interface using RabbitMQ
type RabbitMQQueue struct {
	config         Config
	conn           *amqp.Connection
	channel        *ChannelWrapper
	logger         Logger
	mutex          sync.RWMutex
	reconnectDelay time.Duration
	maxReconnects  int
	confirmTimeout time.Duration
	fatalChan      chan error
	closed         bool
}

// NewRabbitMQQueue creates a new RabbitMQ queue implementation
func NewRabbitMQQueue(config Config, opts ...connectionOption) *RabbitMQQueue {
	options := &connectionOptions{
		reconnectDelay: &[]time.Duration{defaultReconnectDelay}[0],
		maxReconnects:  &[]int{defaultMaxReconnects}[0],
		confirmTimeout: &[]time.Duration{defaultConfirmTimeout}[0],
	}

	for _, opt := range opts {
		opt(options)
	}

	return &RabbitMQQueue{
		config:         config,
		reconnectDelay: *options.reconnectDelay,
		maxReconnects:  *options.maxReconnects,
		confirmTimeout: *options.confirmTimeout,
		logger:         options.logger,
		fatalChan:      make(chan error, 1),
	}
}

// Connect establishes a connection to RabbitMQ and puts the channel into
// confirm mode so publishes are acknowledged by the broker.
func (q *RabbitMQQueue) Connect() error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.conn != nil && !q.conn.IsClosed() {
		return nil // Already connected
	}

	conn, amqpCh, err := q.dial()
	if err != nil {
		return err
	}

	q.conn = conn

	if q.channel == nil {
		q.channel = &ChannelWrapper{
			amqpChan:       amqpCh,
			logger:         q.logger,
			mutex:          &sync.Mutex{},
			confirmTimeout: q.confirmTimeout,
			reconnectDelay: q.reconnectDelay,
		}
	} else {
		q.channel.swap(amqpCh)
	}

	go q.monitorConnection(conn)

	if q.logger != nil {
		q.logger.Info().Msg("successfully connected to RabbitMQ")
	}

	return nil
}

func (q *RabbitMQQueue) dial() (*amqp.Connection, amqpChannel, error) {
	conn, err := amqp.Dial(q.config.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	amqpCh, err := conn.Channel()
	if err != nil {
		conn.Close()

		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := amqpCh.Confirm(false); err != nil {
		conn.Close()

		return nil, nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	return conn, amqpCh, nil
}

// monitorConnection redials with bounded exponential backoff after the broker
// drops the connection. Exhausting the attempt budget surfaces a fatal error
// for the supervisor to act on.
func (q *RabbitMQQueue) monitorConnection(conn *amqp.Connection) {
	closeErr, ok := <-conn.NotifyClose(make(chan *amqp.Error, 1))
	if !ok || q.isShuttingDown() {
		return
	}

	if q.logger != nil {
		q.logger.Error().Err(closeErr).Msg("connection to RabbitMQ lost, reconnecting")
	}

	delay := q.reconnectDelay

	for attempt := 1; attempt <= q.maxReconnects; attempt++ {
		time.Sleep(delay)

		if q.isShuttingDown() {
			return
		}

		newConn, amqpCh, err := q.dial()
		if err == nil {
			q.mutex.Lock()
			q.conn = newConn
			q.channel.swap(amqpCh)
			q.mutex.Unlock()

			if q.logger != nil {
				q.logger.Info().Int("attempt", attempt).Msg("reconnected to RabbitMQ")
			}

			go q.monitorConnection(newConn)

			return
		}

		if q.logger != nil {
			q.logger.Error().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}

	q.fatalChan <- fmt.Errorf("gave up reconnecting after %d attempts: %w", q.maxReconnects, closeErr)
}

func (q *RabbitMQQueue) isShuttingDown() bool {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	return q.closed
}

// NotifyFatal exposes unrecoverable connection failures. The receiving runtime
// is expected to exit non-zero so the supervisor restarts the process.
func (q *RabbitMQQueue) NotifyFatal() <-chan error {
	return q.fatalChan
}

// Close closes the connection to RabbitMQ
func (q *RabbitMQQueue) Close() error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.closed = true

	if q.channel != nil {
		q.channel.Close()
	}

	if q.conn != nil && !q.conn.IsClosed() {
		return q.conn.Close()
	}

	return nil
}

// IsConnected returns true if connected to RabbitMQ
func (q *RabbitMQQueue) IsConnected() bool {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	return q.conn != nil && !q.conn.IsClosed()
}

// DeclareExchange declares an exchange
func (q *RabbitMQQueue) DeclareExchange(name, kind string, durable, autoDelete bool) error {
	if !q.IsConnected() {
		return ErrNotConnected
	}

	return q.channel.exchangeDeclare(name, kind, durable, autoDelete, false, false, nil)
}

// DeclareConsumerTopology declares the full consumer topology for a work
// queue: the durable queue itself, its dead-letter queue, and a wait queue
// whose expired messages are routed back into the work queue for retries.
func (q *RabbitMQQueue) DeclareConsumerTopology(exchange, queueName string, routingKeys []string) error {
	if !q.IsConnected() {
		return ErrNotConnected
	}

	if err := q.channel.exchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	if _, err := q.channel.queueDeclare(queueName, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queueName + deadLetterQueueSuffix,
	}); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	if _, err := q.channel.queueDeclare(queueName+deadLetterQueueSuffix, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue for %s: %w", queueName, err)
	}

	if _, err := q.channel.queueDeclare(queueName+retryQueueSuffix, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queueName,
	}); err != nil {
		return fmt.Errorf("failed to declare retry queue for %s: %w", queueName, err)
	}

	for _, key := range routingKeys {
		if err := q.channel.queueBind(queueName, key, exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s to %s with key %s: %w", queueName, exchange, key, err)
		}
	}

	return nil
}

// Publish publishes a message to an exchange with default options
func (q *RabbitMQQueue) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	return q.PublishWithOptions(ctx, exchange, routingKey, msg)
}

// PublishWithOptions serializes the envelope, injects the active trace
// context into the headers and metadata, and publishes persistently, waiting
// for the broker's confirm.
func (q *RabbitMQQueue) PublishWithOptions(ctx context.Context, exchange, routingKey string, msg Message, opts ...publisherOption) error {
	if !q.IsConnected() {
		return ErrNotConnected
	}

	options := defaultPublisherOptions()
	for _, opt := range opts {
		opt(&options)
	}

	if msg.Metadata.Timestamp.IsZero() {
		msg.Metadata.Timestamp = time.Now().UTC()
	}

	if options.source != "" {
		msg.Metadata.Source = options.source
	}

	headers := amqp.Table{
		eventTypeHeader: msg.Type,
	}

	if traceparent := InjectTraceContext(ctx, headers); traceparent != "" {
		msg.Metadata.Traceparent = traceparent
	}

	body, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, options.timeout)
	defer cancel()

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp.Persistent, // Make message persistent
		Timestamp:     msg.Metadata.Timestamp,
		MessageId:     msg.Metadata.EventID,
		CorrelationId: msg.Metadata.CorrelationID,
		Type:          msg.Type,
		Headers:       headers,
	}

	return q.channel.publishWithConfirm(ctx, exchange, routingKey, false, false, publishing)
}

// Consume consumes messages from a queue (blocking)
func (q *RabbitMQQueue) Consume(ctx context.Context, queue, consumer string, handler MessageHandler, opts ...consumerOption) error {
	errChan, err := q.StartConsumer(ctx, queue, consumer, handler, opts...)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errChan:
		return err
	}
}

// StartConsumer starts consuming messages from a queue (non-blocking). Each
// delivery is normalized to the canonical envelope, validated when a schema
// validator is configured, and dispatched to the handler with the publisher's
// trace context restored. Handler errors are retried with backoff up to the
// retry budget, then dead-lettered; validation failures dead-letter directly.
func (q *RabbitMQQueue) StartConsumer(ctx context.Context, queue, consumer string, handler MessageHandler, opts ...consumerOption) (<-chan error, error) {
	if !q.IsConnected() {
		return nil, ErrNotConnected
	}

	options := defaultConsumerOptions()
	for _, opt := range opts {
		opt(&options)
	}

	if err := q.channel.qos(options.prefetchCount, 0, false); err != nil {
		return nil, fmt.Errorf("failed to apply prefetch limit: %w", err)
	}

	deliveries := q.channel.consume(queue, consumer, false, false, false, false, nil)
	errChan := make(chan error, 1)

	go func() {
		defer close(errChan)

		msgCtrl := &MsgController{
			ch:         q.channel,
			queueName:  queue,
			maxRetries: options.maxRetries,
			backoff:    options.backoff,
		}

		for {
			select {
			case <-ctx.Done():
				errChan <- ctx.Err()

				return
			case delivery, ok := <-deliveries:
				if !ok {
					errChan <- fmt.Errorf("delivery channel closed")

					return
				}

				q.handleDelivery(ctx, delivery, handler, msgCtrl, &options)
			}
		}
	}()

	return errChan, nil
}

func (q *RabbitMQQueue) handleDelivery(
	ctx context.Context,
	delivery amqp.Delivery,
	handler MessageHandler,
	msgCtrl *MsgController,
	options *consumerOptions,
) {
	msgCtx := ExtractTraceContext(ctx, delivery.Headers)

	msg, err := NormalizeMessage(delivery.Body, delivery)
	if err != nil {
		if q.logger != nil {
			q.logger.Error().Err(err).Str("queue", msgCtrl.queueName).Msg("failed to normalize message")
		}
		options.errHandler(err)
		delivery.Reject(false) // broker routes to the DLQ

		return
	}

	msg.amqpDelivery = NewAmqpDeliveryAdapter(delivery)

	if options.validate != nil {
		if err := options.validate(msg.Type, msg.Data); err != nil {
			if q.logger != nil {
				q.logger.Error().Err(err).
					Str("queue", msgCtrl.queueName).
					Str("event_type", msg.Type).
					Msg("payload failed schema validation")
			}
			options.errHandler(err)
			if dlqErr := msgCtrl.DeadLetter(msg, err.Error()); dlqErr != nil {
				q.logDeliveryError(dlqErr, msgCtrl.queueName, "failed to dead-letter invalid message")

				return
			}
			options.onDeadLetter(err.Error())

			return
		}
	}

	err = handler(msgCtx, msg, msgCtrl)
	if err == nil {
		if ackErr := msgCtrl.Ack(msg); ackErr != nil {
			q.logDeliveryError(ackErr, msgCtrl.queueName, "failed to ack message")
		}

		return
	}

	options.errHandler(err)

	if !options.isRetryable(err) {
		if dlqErr := msgCtrl.DeadLetter(msg, err.Error()); dlqErr != nil {
			q.logDeliveryError(dlqErr, msgCtrl.queueName, "failed to dead-letter message")

			return
		}
		options.onDeadLetter(err.Error())

		return
	}

	retryErr := msgCtrl.Retry(msg)
	switch {
	case retryErr == nil:
	case errors.Is(retryErr, ErrRetryCountExceeded):
		options.onDeadLetter(retryErr.Error())
	default:
		q.logDeliveryError(retryErr, msgCtrl.queueName, "failed to schedule message retry")
		// The delivery stays unacked; the broker redelivers it.
		msg.amqpDelivery.Nack(false, true)
	}
}

func (q *RabbitMQQueue) logDeliveryError(err error, queue, msg string) {
	if q.logger != nil {
		q.logger.Error().Err(err).Str("queue", queue).Msg(msg)
	}
}
