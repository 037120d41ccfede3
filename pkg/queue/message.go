package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	retryCountHeader    = "x-retry-count"
	failureReasonHeader = "x-failure-reason"
	eventTypeHeader     = "x-event-type"

	retryQueueSuffix      = ".retry"
	deadLetterQueueSuffix = ".dlq"
)

var (
	// ErrRetryCountExceeded describes that a message has reached the maximum allowed retry count.
	ErrRetryCountExceeded = errors.New("retries count exceeded")

	// ErrMalformedMessage describes a delivery whose body is not valid JSON.
	ErrMalformedMessage = errors.New("malformed message body")
)

// delivery interface for testing purposes
type delivery interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
	Reject(requeue bool) error
	GetHeaders() amqp.Table
	GetBody() []byte
}

// amqpDeliveryAdapter adapts amqp.Delivery to our delivery interface
type amqpDeliveryAdapter struct {
	amqp.Delivery
}

func (a *amqpDeliveryAdapter) GetHeaders() amqp.Table {
	return a.Headers
}

func (a *amqpDeliveryAdapter) GetBody() []byte {
	return a.Body
}

// NewAmqpDeliveryAdapter creates a new adapter for amqp.Delivery
func NewAmqpDeliveryAdapter(d amqp.Delivery) delivery {
	return &amqpDeliveryAdapter{Delivery: d}
}

type (
	// Metadata carries the identifiers that stitch a saga together across
	// services, plus the trace context of the publishing span.
	Metadata struct {
		EventID       string    `json:"eventId"`
		CorrelationID string    `json:"correlationId"`
		Traceparent   string    `json:"traceparent,omitempty"`
		Timestamp     time.Time `json:"timestamp"`
		Source        string    `json:"source,omitempty"`
	}

	// Message is the canonical wire envelope: {type, data, metadata}.
	Message struct {
		Type     string          `json:"type"`
		Data     json.RawMessage `json:"data"`
		Metadata Metadata        `json:"metadata"`

		amqpDelivery delivery
	}
)

func (m *Message) marshal() ([]byte, error) {
	content, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("could not marshal message: %w", err)
	}

	return content, nil
}

// Unmarshal parses the data field of the receiver message into target.
func (m *Message) Unmarshal(target any) error {
	if err := json.Unmarshal(m.Data, target); err != nil {
		return fmt.Errorf("could not unmarshal into target: %w", err)
	}

	return nil
}

// RetryCount returns the current number of retries for the receiver message.
func (m *Message) RetryCount() int {
	if m.amqpDelivery == nil {
		return 0
	}

	val, ok := m.amqpDelivery.GetHeaders()[retryCountHeader]
	if !ok {
		return 0
	}

	switch v := val.(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// NormalizeMessage turns a raw delivery body into one canonical envelope.
// Two shapes are accepted: the enveloped {type,data,metadata} form, and the
// older flattened form where the body is the bare payload and the identifiers
// travel in message properties. The flattened form is normalized so every
// consumer sees a single record shape.
func NormalizeMessage(body []byte, d amqp.Delivery) (Message, error) {
	if !json.Valid(body) {
		return Message{}, ErrMalformedMessage
	}

	var envelope struct {
		Type     *string         `json:"type"`
		Data     json.RawMessage `json:"data"`
		Metadata *Metadata       `json:"metadata"`
	}

	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Type != nil && envelope.Data != nil {
		msg := Message{
			Type: *envelope.Type,
			Data: envelope.Data,
		}
		if envelope.Metadata != nil {
			msg.Metadata = *envelope.Metadata
		}

		fillMetadataFromDelivery(&msg, d)

		return msg, nil
	}

	// Flattened legacy shape: the whole body is the payload.
	msg := Message{
		Data: json.RawMessage(body),
	}

	if eventType, ok := d.Headers[eventTypeHeader].(string); ok {
		msg.Type = eventType
	} else if d.Type != "" {
		msg.Type = d.Type
	} else {
		msg.Type = d.RoutingKey
	}

	fillMetadataFromDelivery(&msg, d)

	return msg, nil
}

func fillMetadataFromDelivery(msg *Message, d amqp.Delivery) {
	if msg.Metadata.EventID == "" {
		msg.Metadata.EventID = d.MessageId
	}

	if msg.Metadata.CorrelationID == "" {
		msg.Metadata.CorrelationID = d.CorrelationId
	}

	if msg.Metadata.Timestamp.IsZero() {
		msg.Metadata.Timestamp = d.Timestamp
	}

	if msg.Metadata.Traceparent == "" {
		if tp, ok := d.Headers[traceparentHeader].(string); ok {
			msg.Metadata.Traceparent = tp
		}
	}
}

// MsgController controls the disposition of consumed messages: positive
// acknowledgement, delayed retry through the wait queue, or dead-lettering.
type MsgController struct {
	ch         channel
	queueName  string
	maxRetries int
	backoff    func(retries int) time.Duration
}

// Ack is used to positively acknowledge a consumed message.
func (ctrl *MsgController) Ack(m Message) error {
	return m.amqpDelivery.Ack(false)
}

// Reject negatively acknowledges a message without requeueing. The broker
// routes it to the queue's dead-letter exchange.
func (ctrl *MsgController) Reject(m Message) error {
	return m.amqpDelivery.Reject(false)
}

// Retry re-publishes the message onto the queue's wait queue with a
// per-message TTL, so the broker redelivers it to the work queue after the
// backoff delay. Exceeding the retry budget dead-letters instead.
func (ctrl *MsgController) Retry(m Message) error {
	retryCount := m.RetryCount()
	if retryCount >= ctrl.maxRetries {
		if err := ctrl.DeadLetter(m, ErrRetryCountExceeded.Error()); err != nil {
			return err
		}

		return ErrRetryCountExceeded
	}

	body, err := m.marshal()
	if err != nil {
		return err
	}

	delay := ctrl.backoff(retryCount)

	// The default exchange routes by queue name; expiring in the wait queue
	// dead-letters the message back into the work queue.
	err = ctrl.ch.publish(
		"",
		ctrl.queueName+retryQueueSuffix,
		false,
		false,
		amqp.Publishing{
			ContentType:   "application/json",
			Body:          body,
			DeliveryMode:  amqp.Persistent,
			MessageId:     m.Metadata.EventID,
			CorrelationId: m.Metadata.CorrelationID,
			Type:          m.Type,
			Expiration:    fmt.Sprintf("%d", delay.Milliseconds()),
			Headers: amqp.Table{
				retryCountHeader: int32(retryCount + 1),
			},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to re-publish message for retry: %w", err)
	}

	if err := m.amqpDelivery.Ack(false); err != nil {
		return fmt.Errorf("failed to ack the message: %w", err)
	}

	return nil
}

// DeadLetter publishes the message to the queue's DLQ with the failure reason
// recorded in the headers, then acknowledges the original delivery.
func (ctrl *MsgController) DeadLetter(m Message, reason string) error {
	body := m.amqpDelivery.GetBody()

	err := ctrl.ch.publish(
		"",
		ctrl.queueName+deadLetterQueueSuffix,
		false,
		false,
		amqp.Publishing{
			ContentType:   "application/json",
			Body:          body,
			DeliveryMode:  amqp.Persistent,
			MessageId:     m.Metadata.EventID,
			CorrelationId: m.Metadata.CorrelationID,
			Type:          m.Type,
			Headers: amqp.Table{
				failureReasonHeader: reason,
				retryCountHeader:    int32(m.RetryCount()),
			},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message to DLQ: %w", err)
	}

	if err := m.amqpDelivery.Ack(false); err != nil {
		return fmt.Errorf("failed to ack the message: %w", err)
	}

	return nil
}
