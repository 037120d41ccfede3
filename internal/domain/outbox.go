package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxStatus is the lifecycle of an outbox row. Status only moves forward:
// PENDING is the single non-terminal state, the rest are terminal.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "PENDING"
	OutboxStatusPublished OutboxStatus = "PUBLISHED"
	OutboxStatusFailed    OutboxStatus = "FAILED"
	OutboxStatusTimeout   OutboxStatus = "TIMEOUT"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s OutboxStatus) IsTerminal() bool {
	return s == OutboxStatusPublished || s == OutboxStatusFailed || s == OutboxStatusTimeout
}

// CanTransitionTo reports whether s may move to next.
func (s OutboxStatus) CanTransitionTo(next OutboxStatus) bool {
	return s == OutboxStatusPending && next.IsTerminal()
}

// OutboxEvent is a domain event staged in the same transaction as the business
// mutation it describes, published asynchronously by the outbox processor.
type OutboxEvent struct {
	ID            uuid.UUID
	EventID       string
	CorrelationID string
	EventType     EventType
	Destination   string
	Payload       json.RawMessage
	Status        OutboxStatus
	AttemptCount  int
	LastError     *string
	// Source marks the entry path of the saga, e.g. "seckill"; it travels in
	// the envelope metadata.
	Source        string
	CreatedAt     time.Time
	PublishedAt   *time.Time
	ExpiresAt     *time.Time
	// CompensationData snapshots whatever is needed to reverse this step if
	// the awaited reply never arrives.
	CompensationData json.RawMessage
}

// IsExpired reports whether the saga-leg deadline has passed. A deadline
// exactly equal to now is not yet expired.
func (e *OutboxEvent) IsExpired(now time.Time) bool {
	return e.ExpiresAt != nil && e.ExpiresAt.Before(now)
}

// CompensationEvents maps an original event type to the compensation emitted
// when its saga leg times out.
var CompensationEvents = map[EventType]EventType{
	EventReserve:          EventRelease,
	EventOrderCreated:     EventOrderTimeout,
	EventPaymentInitiated: EventPaymentCancel,
}

// CompensationEventID derives the deterministic identifier of a synthesized
// compensation so redeliveries collapse on the consumer side.
func CompensationEventID(originalEventID string) string {
	return originalEventID + "-timeout-comp"
}
