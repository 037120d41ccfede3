package queue

import (
	"time"
)

type connectionOptions struct {
	reconnectDelay *time.Duration
	maxReconnects  *int
	confirmTimeout *time.Duration
	logger         Logger
}

type connectionOption func(options *connectionOptions)

// WithLogger returns a connectionOption which sets the logger when a connection is created.
func WithLogger(l Logger) connectionOption {
	return func(o *connectionOptions) {
		o.logger = l
	}
}

// WithReconnectDelay returns a connectionOption which sets the base delay
// between reconnection attempts. The delay doubles per attempt up to
// maxReconnectDelay.
func WithReconnectDelay(delay time.Duration) connectionOption {
	return func(o *connectionOptions) {
		o.reconnectDelay = &delay
	}
}

// WithMaxReconnects returns a connectionOption which bounds reconnection
// attempts before the connection is surfaced as fatal.
func WithMaxReconnects(attempts int) connectionOption {
	return func(o *connectionOptions) {
		o.maxReconnects = &attempts
	}
}

// WithConfirmTimeout returns a connectionOption which bounds the wait for a
// publisher confirm.
func WithConfirmTimeout(timeout time.Duration) connectionOption {
	return func(o *connectionOptions) {
		o.confirmTimeout = &timeout
	}
}

// publisherOptions configure a publish call.
type publisherOptions struct {
	timeout time.Duration
	source  string
}

type publisherOption func(options *publisherOptions)

const (
	publishingTimeout = 3 * time.Second
)

// WithPublishingTimeout returns a publisherOption which sets the timeout used when
// publishing the message.
func WithPublishingTimeout(d time.Duration) publisherOption {
	return func(o *publisherOptions) {
		o.timeout = d
	}
}

// WithSource returns a publisherOption which stamps the metadata source field,
// e.g. "seckill" for flash-sale orders.
func WithSource(source string) publisherOption {
	return func(o *publisherOptions) {
		o.source = source
	}
}

func defaultPublisherOptions() publisherOptions {
	return publisherOptions{
		timeout: publishingTimeout,
	}
}

type consumerOptions struct {
	prefetchCount int
	maxRetries    int
	backoff       func(retries int) time.Duration
	validate      func(eventType string, data []byte) error
	isRetryable   func(err error) bool
	onDeadLetter  func(reason string)
	errHandler    func(error)
	logger        Logger
}

type consumerOption func(*consumerOptions)

// WithPrefetchCount returns a consumerOption which bounds the number of
// unacknowledged deliveries in flight for this consumer.
func WithPrefetchCount(count int) consumerOption {
	return func(o *consumerOptions) {
		o.prefetchCount = count
	}
}

// WithMaxRetries returns a consumerOption which bounds handler redeliveries
// before the message is dead-lettered.
func WithMaxRetries(maxRetries int) consumerOption {
	return func(o *consumerOptions) {
		o.maxRetries = maxRetries
	}
}

// WithRetryBackoff returns a consumerOption which computes the redelivery
// delay from the retry count.
func WithRetryBackoff(backoff func(retries int) time.Duration) consumerOption {
	return func(o *consumerOptions) {
		o.backoff = backoff
	}
}

// WithSchemaValidation returns a consumerOption which validates each payload
// before the handler runs. A validation failure dead-letters the message
// without retrying; bad data cannot be fixed by redelivery.
func WithSchemaValidation(validate func(eventType string, data []byte) error) consumerOption {
	return func(o *consumerOptions) {
		o.validate = validate
	}
}

// WithRetryableClassifier returns a consumerOption which decides whether a
// handler error warrants redelivery. Non-retryable errors dead-letter.
func WithRetryableClassifier(isRetryable func(err error) bool) consumerOption {
	return func(o *consumerOptions) {
		o.isRetryable = isRetryable
	}
}

// WithDeadLetterHook returns a consumerOption which observes every message
// routed to the DLQ, e.g. to feed a metric.
func WithDeadLetterHook(hook func(reason string)) consumerOption {
	return func(o *consumerOptions) {
		o.onDeadLetter = hook
	}
}

// WithErrorHandler returns a consumerOption which sets a handler for errors that occur when consuming messages.
func WithErrorHandler(handler func(error)) consumerOption {
	return func(o *consumerOptions) {
		o.errHandler = handler
	}
}

// WithConsumingLogger returns a consumerOption which sets the logger when consuming messages.
func WithConsumingLogger(logger Logger) consumerOption {
	return func(o *consumerOptions) {
		o.logger = logger
	}
}

func defaultConsumerOptions() consumerOptions {
	return consumerOptions{
		prefetchCount: 10,
		maxRetries:    3,
		backoff: func(retries int) time.Duration {
			delay := time.Second << retries
			if delay > 30*time.Second {
				delay = 30 * time.Second
			}

			return delay
		},
		isRetryable:  func(error) bool { return true },
		onDeadLetter: func(string) {},
		errHandler:   func(_ error) {},
	}
}
