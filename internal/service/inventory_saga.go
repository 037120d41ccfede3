package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/architeacher/svc-commerce-core/internal/domain"
	"github.com/architeacher/svc-commerce-core/internal/infrastructure"
	"github.com/architeacher/svc-commerce-core/internal/ports"
	"github.com/architeacher/svc-commerce-core/pkg/queue"
)

// InventoryService owns the stock leg of the saga. Reservations are recorded
// per order so later events carrying only the order id can be resolved back
// to product lines.
type InventoryService struct {
	storage        ports.TxRunner
	stockRepo      ports.StockRepository
	outboxRepo     ports.OutboxRepository
	idempotency    ports.IdempotencyStore
	logger         *infrastructure.Logger
	idempotencyTTL time.Duration
}

func NewInventoryService(
	storage ports.TxRunner,
	stockRepo ports.StockRepository,
	outboxRepo ports.OutboxRepository,
	idempotency ports.IdempotencyStore,
	idempotencyTTL time.Duration,
	logger *infrastructure.Logger,
) *InventoryService {
	return &InventoryService{
		storage:        storage,
		stockRepo:      stockRepo,
		outboxRepo:     outboxRepo,
		idempotency:    idempotency,
		logger:         logger,
		idempotencyTTL: idempotencyTTL,
	}
}

// ProcessInventoryEvent handles the deliveries of q.inventory.events.
func (s *InventoryService) ProcessInventoryEvent(ctx context.Context, msg queue.Message, _ *queue.MsgController) error {
	switch domain.EventType(msg.Type) {
	case domain.EventOrderCreated:
		return s.handleOrderCreated(ctx, msg)
	case domain.EventReserve:
		return s.handleReserve(ctx, msg)
	case domain.EventRelease:
		return s.handleRelease(ctx, msg)
	case domain.EventRestock:
		return s.handleRestock(ctx, msg)
	case domain.EventPaymentSucceeded:
		return s.handlePaymentSucceeded(ctx, msg)
	default:
		s.logger.Debug().Str("event_type", msg.Type).Msg("ignoring event type")

		return nil
	}
}

// ProcessProductEvent handles the deliveries of q.products.
func (s *InventoryService) ProcessProductEvent(ctx context.Context, msg queue.Message, _ *queue.MsgController) error {
	var payload domain.ProductEventPayload
	if err := msg.Unmarshal(&payload); err != nil {
		return &domain.ValidationError{EventType: msg.Type, Reasons: []string{err.Error()}}
	}

	switch domain.EventType(msg.Type) {
	case domain.EventProductCreated:
		key := fmt.Sprintf("inv:product-created:%s", payload.ProductID)
		if processed, err := s.idempotency.IsProcessed(ctx, InventoryConsumer, key); err != nil {
			return err
		} else if processed {
			return nil
		}

		err := s.storage.WithTx(ctx, func(tx *sqlx.Tx) error {
			return s.stockRepo.CreateInTx(ctx, tx, &domain.Stock{
				ProductID: payload.ProductID,
				Available: payload.Stock,
				UpdatedAt: time.Now().UTC(),
			})
		})
		if err != nil {
			return err
		}

		s.remember(ctx, key)

		return nil

	case domain.EventProductDeleted:
		key := fmt.Sprintf("inv:product-deleted:%s", payload.ProductID)
		if processed, err := s.idempotency.IsProcessed(ctx, InventoryConsumer, key); err != nil {
			return err
		} else if processed {
			return nil
		}

		err := s.storage.WithTx(ctx, func(tx *sqlx.Tx) error {
			return s.stockRepo.DeleteInTx(ctx, tx, payload.ProductID)
		})
		if err != nil {
			return err
		}

		s.remember(ctx, key)

		return nil

	default:
		s.logger.Debug().Str("event_type", msg.Type).Msg("ignoring event type")

		return nil
	}
}

// handleOrderCreated reserves every order line atomically: either all lines
// are reserved and INVENTORY_RESERVED is staged, or nothing is touched and
// INVENTORY_RESERVE_FAILED reports why. The failure is a business outcome,
// not a transport error; it is acknowledged, never retried.
func (s *InventoryService) handleOrderCreated(ctx context.Context, msg queue.Message) error {
	var payload domain.OrderEventPayload
	if err := msg.Unmarshal(&payload); err != nil {
		return &domain.ValidationError{EventType: msg.Type, Reasons: []string{err.Error()}}
	}

	if len(payload.ProductIDs) == 0 || len(payload.ProductIDs) != len(payload.Quantities) {
		return &domain.ValidationError{
			EventType: msg.Type,
			Reasons:   []string{"productIds and quantities must be non-empty and of equal length"},
		}
	}

	key := fmt.Sprintf("inv:reserve:%s", payload.OrderID)
	if processed, err := s.idempotency.IsProcessed(ctx, InventoryConsumer, key); err != nil {
		return err
	} else if processed {
		s.logger.Debug().Str("idempotency_key", key).Msg("reservation already applied")

		return nil
	}

	err := s.storage.WithTx(ctx, func(tx *sqlx.Tx) error {
		for i, productID := range payload.ProductIDs {
			if err := s.stockRepo.ReserveInTx(ctx, tx, productID, payload.Quantities[i]); err != nil {
				return err
			}

			if err := s.stockRepo.CreateReservationInTx(ctx, tx, domain.Reservation{
				OrderID:   payload.OrderID,
				ProductID: productID,
				Quantity:  payload.Quantities[i],
			}); err != nil {
				return err
			}
		}

		reserved := payload
		reserved.Reason = ""

		return stageOutboxEvent(ctx, tx, s.outboxRepo, stagedEvent{
			eventType:     domain.EventInventoryReserved,
			correlationID: msg.Metadata.CorrelationID,
			payload:       reserved,
		})
	})

	if err != nil {
		if errors.Is(err, domain.ErrInsufficientStock) || errors.Is(err, domain.ErrStockNotFound) {
			return s.stageReserveFailed(ctx, msg, payload, err, key)
		}

		return err
	}

	s.remember(ctx, key)

	s.logger.Info().
		Str("order_id", payload.OrderID).
		Str("correlation_id", msg.Metadata.CorrelationID).
		Msg("stock reserved")

	return nil
}

func (s *InventoryService) stageReserveFailed(ctx context.Context, msg queue.Message, payload domain.OrderEventPayload, cause error, key string) error {
	failed := payload
	failed.Reason = cause.Error()

	err := s.storage.WithTx(ctx, func(tx *sqlx.Tx) error {
		return stageOutboxEvent(ctx, tx, s.outboxRepo, stagedEvent{
			eventType:     domain.EventInventoryReserveFail,
			correlationID: msg.Metadata.CorrelationID,
			payload:       failed,
		})
	})
	if err != nil {
		return err
	}

	s.remember(ctx, key)

	s.logger.Info().
		Str("order_id", payload.OrderID).
		Str("correlation_id", msg.Metadata.CorrelationID).
		Str("reason", failed.Reason).
		Msg("stock reservation failed")

	return nil
}

// handleReserve applies a single-line RESERVE command, e.g. a pre-reservation
// issued by the seckill pipeline.
func (s *InventoryService) handleReserve(ctx context.Context, msg queue.Message) error {
	var payload domain.StockEventPayload
	if err := msg.Unmarshal(&payload); err != nil {
		return &domain.ValidationError{EventType: msg.Type, Reasons: []string{err.Error()}}
	}

	if payload.OrderID == "" {
		return &domain.ValidationError{
			EventType: msg.Type,
			Reasons:   []string{"a reservation must reference the order that owns it"},
		}
	}

	orderShaped := domain.OrderEventPayload{
		OrderID:    payload.OrderID,
		ProductIDs: []string{payload.ProductID},
		Quantities: []int{payload.Quantity},
	}

	reserveMsg := msg
	data, err := encodePayload(orderShaped)
	if err != nil {
		return err
	}
	reserveMsg.Data = data

	return s.handleOrderCreated(ctx, reserveMsg)
}

// handleRelease frees a reservation. The first RELEASE for an order releases
// every recorded line; later duplicates find no reservation rows and are
// acknowledged as already applied.
func (s *InventoryService) handleRelease(ctx context.Context, msg queue.Message) error {
	var payload domain.StockEventPayload
	if err := msg.Unmarshal(&payload); err != nil {
		return &domain.ValidationError{EventType: msg.Type, Reasons: []string{err.Error()}}
	}

	key := fmt.Sprintf("inv:release:%s", payload.OrderID)
	if payload.OrderID == "" {
		key = fmt.Sprintf("inv:release:%s", msg.Metadata.EventID)
	}

	if processed, err := s.idempotency.IsProcessed(ctx, InventoryConsumer, key); err != nil {
		return err
	} else if processed {
		return nil
	}

	err := s.storage.WithTx(ctx, func(tx *sqlx.Tx) error {
		if payload.OrderID == "" {
			// Direct release without an owning order.
			return s.stockRepo.ReleaseInTx(ctx, tx, payload.ProductID, payload.Quantity)
		}

		reservations, err := s.stockRepo.ReservationsForUpdateInTx(ctx, tx, payload.OrderID)
		if err != nil {
			return err
		}

		if len(reservations) == 0 {
			s.logger.Debug().Str("order_id", payload.OrderID).Msg("no reservation to release")

			return nil
		}

		for _, reservation := range reservations {
			if err := s.stockRepo.ReleaseInTx(ctx, tx, reservation.ProductID, reservation.Quantity); err != nil {
				return err
			}
		}

		return s.stockRepo.DeleteReservationsInTx(ctx, tx, payload.OrderID)
	})
	if err != nil {
		return err
	}

	s.remember(ctx, key)

	return nil
}

func (s *InventoryService) handleRestock(ctx context.Context, msg queue.Message) error {
	var payload domain.StockEventPayload
	if err := msg.Unmarshal(&payload); err != nil {
		return &domain.ValidationError{EventType: msg.Type, Reasons: []string{err.Error()}}
	}

	key := fmt.Sprintf("inv:restock:%s", msg.Metadata.EventID)
	if processed, err := s.idempotency.IsProcessed(ctx, InventoryConsumer, key); err != nil {
		return err
	} else if processed {
		return nil
	}

	err := s.storage.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.stockRepo.RestockInTx(ctx, tx, payload.ProductID, payload.Quantity)
	})
	if err != nil {
		return err
	}

	s.remember(ctx, key)

	return nil
}

// handlePaymentSucceeded converts the order's reservation into consumption.
func (s *InventoryService) handlePaymentSucceeded(ctx context.Context, msg queue.Message) error {
	var payload domain.PaymentEventPayload
	if err := msg.Unmarshal(&payload); err != nil {
		return &domain.ValidationError{EventType: msg.Type, Reasons: []string{err.Error()}}
	}

	key := fmt.Sprintf("inv:consume:%s", payload.OrderID)
	if processed, err := s.idempotency.IsProcessed(ctx, InventoryConsumer, key); err != nil {
		return err
	} else if processed {
		return nil
	}

	err := s.storage.WithTx(ctx, func(tx *sqlx.Tx) error {
		reservations, err := s.stockRepo.ReservationsForUpdateInTx(ctx, tx, payload.OrderID)
		if err != nil {
			return err
		}

		if len(reservations) == 0 {
			s.logger.Debug().Str("order_id", payload.OrderID).Msg("no reservation to consume")

			return nil
		}

		for _, reservation := range reservations {
			if err := s.stockRepo.ConsumeInTx(ctx, tx, reservation.ProductID, reservation.Quantity); err != nil {
				return err
			}
		}

		return s.stockRepo.DeleteReservationsInTx(ctx, tx, payload.OrderID)
	})
	if err != nil {
		return err
	}

	s.remember(ctx, key)

	return nil
}

func (s *InventoryService) remember(ctx context.Context, key string) {
	if _, err := s.idempotency.MarkProcessed(ctx, InventoryConsumer, key, s.idempotencyTTL); err != nil {
		s.logger.Warn().Err(err).Str("idempotency_key", key).Msg("failed to record idempotency key")
	}
}
