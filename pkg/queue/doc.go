// Package queue provides a resilient publish/subscribe facade over an AMQP
// 0-9-1 broker.
//
// Messages travel in a canonical JSON envelope {type, data, metadata} with the
// event identifier, the saga correlation identifier and the W3C trace context
// carried in both the envelope metadata and the AMQP message properties.
//
// Publishing is persistent and confirmed: the channel runs in confirm mode and
// Publish does not return before the broker acknowledges the message.
//
// Consuming declares a durable work queue with an attached dead-letter queue
// and a retry wait queue. Handler errors classified as retryable are
// re-published onto the wait queue with a per-message TTL computed from a
// backoff strategy; expiring there routes the message back into the work
// queue. Permanent failures and exhausted retry budgets land in the DLQ with
// the failure reason recorded in the headers.
//
// Connection loss triggers bounded exponential reconnection; exhausting the
// attempt budget is surfaced through NotifyFatal so the process supervisor
// can restart the service.
package queue
