// Package service holds the per-workflow consumer handlers that together form
// the saga coordinator. There is no central saga object: each handler commits
// its local step and stages the follow-up event in the same transaction, and
// the correlation identifier is the join key across services.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/architeacher/svc-commerce-core/internal/domain"
	"github.com/architeacher/svc-commerce-core/internal/ports"
)

// Queue names of the default topology. Each has an associated <queue>.dlq.
const (
	OrderEventsQueue     = "q.order.events"
	InventoryEventsQueue = "q.inventory.events"
	PaymentEventsQueue   = "q.payment.events"
	ProductsQueue        = "q.products"
	OrderSeckillQueue    = "q.order-seckill"
)

// Consumer names key the idempotency store per service.
const (
	OrderConsumer     = "order-service"
	InventoryConsumer = "inventory-service"
	PaymentConsumer   = "payment-service"
)

// stagedEvent describes an outbox event to write next to a business mutation.
type stagedEvent struct {
	eventType     domain.EventType
	correlationID string
	payload       any
	expiresAt     *time.Time
	compensation  any
	source        string
}

// stageOutboxEvent serializes and stages an event inside the caller's
// transaction. The destination is the event type; the topic exchange fans it
// out to every queue bound to that routing key.
func stageOutboxEvent(ctx context.Context, tx *sqlx.Tx, outboxRepo ports.OutboxRepository, staged stagedEvent) error {
	payload, err := json.Marshal(staged.payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", staged.eventType, err)
	}

	event := &domain.OutboxEvent{
		CorrelationID: staged.correlationID,
		EventType:     staged.eventType,
		Destination:   string(staged.eventType),
		Payload:       payload,
		Status:        domain.OutboxStatusPending,
		Source:        staged.source,
		CreatedAt:     time.Now().UTC(),
		ExpiresAt:     staged.expiresAt,
	}

	if staged.compensation != nil {
		compensation, err := json.Marshal(staged.compensation)
		if err != nil {
			return fmt.Errorf("failed to marshal %s compensation data: %w", staged.eventType, err)
		}
		event.CompensationData = compensation
	}

	return outboxRepo.StageInTx(ctx, tx, event)
}

func encodePayload(payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return data, nil
}

func deadline(after time.Duration) *time.Time {
	t := time.Now().UTC().Add(after)

	return &t
}
