package queue

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// channel is used mainly to be able to generate mocks for the Channel behavior.
type channel interface {
	io.Closer

	exchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	queueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	queueBind(name, key, exchange string, noWait bool, args amqp.Table) error

	publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	publishWithConfirm(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) <-chan amqp.Delivery

	qos(prefetchCount, prefetchSize int, global bool) error
	cancel(consumer string, noWait bool) error
}

// amqpChannel is used mainly to be able to generate mocks for the AMQP behavior.
//
//nolint:interfacebloat // necessary for complete AMQP channel interface
type amqpChannel interface {
	io.Closer

	Cancel(consumer string, noWait bool) error
	Confirm(noWait bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
}

// ChannelWrapper is a wrapper around amqp091-go.Channel, providing a mechanism
// to survive channel swaps on reconnection.
type ChannelWrapper struct {
	amqpChan amqpChannel

	logger Logger

	mutex    *sync.Mutex
	canceled atomic.Bool
	closed   atomic.Bool

	confirmTimeout time.Duration
	reconnectDelay time.Duration
}

// Close is a wrapper around amqp091-go.Channel.Close method, which closes a channel.
func (ch *ChannelWrapper) Close() error {
	defer ch.mutex.Unlock()
	ch.mutex.Lock()

	if ch.isClosed() {
		return amqp.ErrClosed
	}

	ch.closed.Store(true)

	return ch.amqpChan.Close()
}

// swap replaces the underlying AMQP channel after a reconnect.
func (ch *ChannelWrapper) swap(amqpChan amqpChannel) {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	ch.amqpChan = amqpChan
}

func (ch *ChannelWrapper) cancel(consumer string, noWait bool) error {
	defer ch.mutex.Unlock()
	ch.mutex.Lock()

	err := ch.amqpChan.Cancel(consumer, noWait)
	if err != nil {
		return err
	}

	ch.canceled.Store(true)

	return nil
}

//nolint:revive // This method uses same number of arguments as amqp091 Channel.consume.
func (ch *ChannelWrapper) consume(
	queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table,
) <-chan amqp.Delivery {
	deliveries := make(chan amqp.Delivery)

	go func() {
		for {
			ch.mutex.Lock()
			d, err := ch.amqpChan.Consume(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
			ch.mutex.Unlock()
			if err != nil {
				if ch.logger != nil {
					ch.logger.Error().Err(err).Str("queue", queue).Msg("failed to consume messages")
				}
				time.Sleep(ch.reconnectDelay)

				continue
			}

			for msg := range d {
				deliveries <- msg
			}

			// sleep before isClosed call. closed flag may not set before sleep.
			time.Sleep(ch.reconnectDelay)

			if ch.isClosed() || ch.isCanceled() {
				close(deliveries)

				return
			}
		}
	}()

	return deliveries
}

//nolint:revive // This method has the same arguments as Channel.ExchangeDeclare from amqp091-go lib.
func (ch *ChannelWrapper) exchangeDeclare(
	name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table,
) error {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	return ch.amqpChan.ExchangeDeclare(name, kind, durable, autoDelete, internal, noWait, args)
}

func (ch *ChannelWrapper) publish(
	exchange, key string, mandatory, immediate bool, msg amqp.Publishing,
) error {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	return ch.amqpChan.Publish(exchange, key, mandatory, immediate, msg)
}

// publishWithConfirm publishes and waits for the broker's publisher confirm.
// A nack or a confirm timeout is an error; the caller retries via its own loop.
func (ch *ChannelWrapper) publishWithConfirm(
	ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing,
) error {
	ch.mutex.Lock()
	confirmation, err := ch.amqpChan.PublishWithDeferredConfirmWithContext(ctx, exchange, key, mandatory, immediate, msg)
	ch.mutex.Unlock()
	if err != nil {
		return err
	}

	if confirmation == nil {
		// Channel not in confirm mode; the publish already succeeded.
		return nil
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, ch.confirmTimeout)
	defer waitCancel()

	acked, err := confirmation.WaitContext(waitCtx)
	if err != nil {
		return err
	}

	if !acked {
		return ErrPublishNacked
	}

	return nil
}

func (ch *ChannelWrapper) queueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	defer ch.mutex.Unlock()
	ch.mutex.Lock()

	return ch.amqpChan.QueueBind(name, key, exchange, noWait, args)
}

func (ch *ChannelWrapper) queueDeclare(
	name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table,
) (amqp.Queue, error) {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	return ch.amqpChan.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}

func (ch *ChannelWrapper) qos(prefetchCount, prefetchSize int, global bool) error {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	return ch.amqpChan.Qos(prefetchCount, prefetchSize, global)
}

func (ch *ChannelWrapper) isClosed() bool {
	return ch.closed.Load()
}

func (ch *ChannelWrapper) isCanceled() bool {
	return ch.canceled.Load()
}
