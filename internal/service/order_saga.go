package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/architeacher/svc-commerce-core/internal/config"
	"github.com/architeacher/svc-commerce-core/internal/domain"
	"github.com/architeacher/svc-commerce-core/internal/infrastructure"
	"github.com/architeacher/svc-commerce-core/internal/ports"
	"github.com/architeacher/svc-commerce-core/pkg/queue"
)

type (
	// OrderService owns the order leg of the saga: it creates orders, stages
	// ORDER_CREATED, and reacts to the inventory and payment outcomes that
	// drive the order to CONFIRMED or CANCELLED.
	OrderService struct {
		storage        ports.TxRunner
		orderRepo      ports.OrderRepository
		outboxRepo     ports.OutboxRepository
		idempotency    ports.IdempotencyStore
		logger         *infrastructure.Logger
		sagaCfg        config.SagaConfig
		idempotencyTTL time.Duration
	}

	CreateOrderCommand struct {
		UserID     string
		ProductIDs []string
		Quantities []int
		Amount     int64
	}
)

func NewOrderService(
	storage ports.TxRunner,
	orderRepo ports.OrderRepository,
	outboxRepo ports.OutboxRepository,
	idempotency ports.IdempotencyStore,
	sagaCfg config.SagaConfig,
	idempotencyTTL time.Duration,
	logger *infrastructure.Logger,
) *OrderService {
	return &OrderService{
		storage:        storage,
		orderRepo:      orderRepo,
		outboxRepo:     outboxRepo,
		idempotency:    idempotency,
		logger:         logger,
		sagaCfg:        sagaCfg,
		idempotencyTTL: idempotencyTTL,
	}
}

// CreateOrder persists the order and stages ORDER_CREATED in one transaction.
// Either both are durable or neither is.
func (s *OrderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (*domain.Order, error) {
	if len(cmd.ProductIDs) == 0 || len(cmd.ProductIDs) != len(cmd.Quantities) {
		return nil, fmt.Errorf("product ids and quantities must be non-empty and of equal length")
	}

	now := time.Now().UTC()
	order := &domain.Order{
		ID:            uuid.New(),
		CorrelationID: uuid.NewString(),
		UserID:        cmd.UserID,
		ProductIDs:    cmd.ProductIDs,
		Quantities:    cmd.Quantities,
		Amount:        cmd.Amount,
		Status:        domain.OrderStatusCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := s.storage.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.orderRepo.CreateInTx(ctx, tx, order); err != nil {
			return err
		}

		payload := orderPayload(order, "")

		return stageOutboxEvent(ctx, tx, s.outboxRepo, stagedEvent{
			eventType:     domain.EventOrderCreated,
			correlationID: order.CorrelationID,
			payload:       payload,
			expiresAt:     deadline(s.sagaCfg.OrderTimeout),
			compensation:  payload,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("order_id", order.ID.String()).
		Str("correlation_id", order.CorrelationID).
		Msg("order created")

	return order, nil
}

// ProcessOrderEvent handles the deliveries of q.order.events.
func (s *OrderService) ProcessOrderEvent(ctx context.Context, msg queue.Message, _ *queue.MsgController) error {
	switch domain.EventType(msg.Type) {
	case domain.EventInventoryReserved, domain.EventStockReserved:
		return s.handleStockReserved(ctx, msg)
	case domain.EventInventoryReserveFail:
		return s.handleReserveFailed(ctx, msg)
	case domain.EventPaymentSucceeded:
		return s.handlePaymentSucceeded(ctx, msg)
	case domain.EventPaymentFailed:
		return s.handlePaymentFailed(ctx, msg)
	case domain.EventOrderTimeout:
		return s.handleOrderTimeout(ctx, msg)
	default:
		s.logger.Debug().Str("event_type", msg.Type).Msg("ignoring event type")

		return nil
	}
}

// ProcessSeckillWin handles q.order-seckill. The win carries pre-validated
// intent: the order is created directly in PENDING and joins the normal flow
// from ORDER_CREATED onward.
func (s *OrderService) ProcessSeckillWin(ctx context.Context, msg queue.Message, _ *queue.MsgController) error {
	var payload domain.SeckillWonPayload
	if err := msg.Unmarshal(&payload); err != nil {
		return &domain.ValidationError{EventType: msg.Type, Reasons: []string{err.Error()}}
	}

	key := fmt.Sprintf("seckill:%s:%s:%d", payload.UserID, payload.ProductID, payload.Timestamp)
	if processed, err := s.idempotency.IsProcessed(ctx, OrderConsumer, key); err != nil {
		return err
	} else if processed {
		s.logger.Debug().Str("idempotency_key", key).Msg("seckill win already applied")

		return nil
	}

	now := time.Now().UTC()
	order := &domain.Order{
		ID:            uuid.New(),
		CorrelationID: msg.Metadata.CorrelationID,
		UserID:        payload.UserID,
		ProductIDs:    []string{payload.ProductID},
		Quantities:    []int{payload.Quantity},
		Amount:        payload.Price * int64(payload.Quantity),
		Status:        domain.OrderStatusPending,
		Source:        domain.SourceSeckill,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if order.CorrelationID == "" {
		order.CorrelationID = uuid.NewString()
	}

	err := s.storage.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.orderRepo.CreateInTx(ctx, tx, order); err != nil {
			return err
		}

		eventPayload := orderPayload(order, "")

		return stageOutboxEvent(ctx, tx, s.outboxRepo, stagedEvent{
			eventType:     domain.EventOrderCreated,
			correlationID: order.CorrelationID,
			payload:       eventPayload,
			expiresAt:     deadline(s.sagaCfg.OrderTimeout),
			compensation:  eventPayload,
			source:        domain.SourceSeckill,
		})
	})
	if err != nil {
		return err
	}

	s.remember(ctx, key)

	s.logger.Info().
		Str("order_id", order.ID.String()).
		Str("correlation_id", order.CorrelationID).
		Msg("seckill order created")

	return nil
}

func (s *OrderService) handleStockReserved(ctx context.Context, msg queue.Message) error {
	var payload domain.OrderEventPayload
	if err := msg.Unmarshal(&payload); err != nil {
		return &domain.ValidationError{EventType: msg.Type, Reasons: []string{err.Error()}}
	}

	key := fmt.Sprintf("order:resv:%s", payload.OrderID)
	if processed, err := s.idempotency.IsProcessed(ctx, OrderConsumer, key); err != nil {
		return err
	} else if processed {
		s.logger.Debug().Str("idempotency_key", key).Msg("reservation already applied")

		return nil
	}

	order, err := s.orderRepo.Get(ctx, payload.OrderID)
	if err != nil {
		return err
	}

	if order.Status.IsTerminal() {
		s.remember(ctx, key)

		return nil
	}

	paymentPayload := domain.PaymentEventPayload{
		OrderID: order.ID.String(),
		Amount:  order.Amount,
	}

	err = s.storage.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.orderRepo.UpdateStatusInTx(ctx, tx, order.ID.String(), domain.OrderStatusStockReserved); err != nil {
			return err
		}

		return stageOutboxEvent(ctx, tx, s.outboxRepo, stagedEvent{
			eventType:     domain.EventPaymentInitiated,
			correlationID: msg.Metadata.CorrelationID,
			payload:       paymentPayload,
			expiresAt:     deadline(s.sagaCfg.PaymentTimeout),
			compensation:  paymentPayload,
		})
	})
	if err != nil {
		return err
	}

	s.remember(ctx, key)

	return nil
}

func (s *OrderService) handleReserveFailed(ctx context.Context, msg queue.Message) error {
	var payload domain.OrderEventPayload
	if err := msg.Unmarshal(&payload); err != nil {
		return &domain.ValidationError{EventType: msg.Type, Reasons: []string{err.Error()}}
	}

	key := fmt.Sprintf("order:resv-failed:%s", payload.OrderID)

	return s.cancelOrder(ctx, msg, payload.OrderID, key, payload.Reason, false)
}

func (s *OrderService) handlePaymentSucceeded(ctx context.Context, msg queue.Message) error {
	var payload domain.PaymentEventPayload
	if err := msg.Unmarshal(&payload); err != nil {
		return &domain.ValidationError{EventType: msg.Type, Reasons: []string{err.Error()}}
	}

	key := fmt.Sprintf("order:confirm:%s", payload.OrderID)
	if processed, err := s.idempotency.IsProcessed(ctx, OrderConsumer, key); err != nil {
		return err
	} else if processed {
		return nil
	}

	order, err := s.orderRepo.Get(ctx, payload.OrderID)
	if err != nil {
		return err
	}

	if order.Status.IsTerminal() {
		s.remember(ctx, key)

		return nil
	}

	err = s.storage.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.orderRepo.UpdateStatusInTx(ctx, tx, order.ID.String(), domain.OrderStatusConfirmed); err != nil {
			return err
		}

		return stageOutboxEvent(ctx, tx, s.outboxRepo, stagedEvent{
			eventType:     domain.EventOrderConfirmed,
			correlationID: msg.Metadata.CorrelationID,
			payload:       orderPayload(order, ""),
		})
	})
	if err != nil {
		return err
	}

	s.remember(ctx, key)

	s.logger.Info().
		Str("order_id", order.ID.String()).
		Str("correlation_id", msg.Metadata.CorrelationID).
		Msg("order confirmed")

	return nil
}

func (s *OrderService) handlePaymentFailed(ctx context.Context, msg queue.Message) error {
	var payload domain.PaymentEventPayload
	if err := msg.Unmarshal(&payload); err != nil {
		return &domain.ValidationError{EventType: msg.Type, Reasons: []string{err.Error()}}
	}

	key := fmt.Sprintf("order:payfail:%s", payload.OrderID)

	return s.cancelOrder(ctx, msg, payload.OrderID, key, payload.Reason, true)
}

func (s *OrderService) handleOrderTimeout(ctx context.Context, msg queue.Message) error {
	var payload domain.OrderEventPayload
	if err := msg.Unmarshal(&payload); err != nil {
		return &domain.ValidationError{EventType: msg.Type, Reasons: []string{err.Error()}}
	}

	key := fmt.Sprintf("order:timeout:%s", payload.OrderID)

	return s.cancelOrder(ctx, msg, payload.OrderID, key, "order timed out", true)
}

// cancelOrder moves the order to CANCELLED and, when the stock may have been
// reserved, stages a RELEASE per order line. The inventory side treats a
// RELEASE without a matching reservation as already released, so over-staging
// is harmless.
func (s *OrderService) cancelOrder(ctx context.Context, msg queue.Message, orderID, key, reason string, releaseStock bool) error {
	if processed, err := s.idempotency.IsProcessed(ctx, OrderConsumer, key); err != nil {
		return err
	} else if processed {
		return nil
	}

	order, err := s.orderRepo.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			s.logger.Warn().Str("order_id", orderID).Msg("cancellation for unknown order")
			s.remember(ctx, key)

			return nil
		}

		return err
	}

	if order.Status.IsTerminal() {
		s.remember(ctx, key)

		return nil
	}

	err = s.storage.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.orderRepo.UpdateStatusInTx(ctx, tx, order.ID.String(), domain.OrderStatusCancelled); err != nil {
			return err
		}

		if err := stageOutboxEvent(ctx, tx, s.outboxRepo, stagedEvent{
			eventType:     domain.EventOrderCancelled,
			correlationID: msg.Metadata.CorrelationID,
			payload:       orderPayload(order, reason),
		}); err != nil {
			return err
		}

		if !releaseStock {
			return nil
		}

		for i, productID := range order.ProductIDs {
			if err := stageOutboxEvent(ctx, tx, s.outboxRepo, stagedEvent{
				eventType:     domain.EventRelease,
				correlationID: msg.Metadata.CorrelationID,
				payload: domain.StockEventPayload{
					OrderID:   order.ID.String(),
					ProductID: productID,
					Quantity:  order.Quantities[i],
					Reason:    reason,
				},
			}); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	s.remember(ctx, key)

	s.logger.Info().
		Str("order_id", order.ID.String()).
		Str("correlation_id", msg.Metadata.CorrelationID).
		Str("reason", reason).
		Msg("order cancelled")

	return nil
}

func (s *OrderService) remember(ctx context.Context, key string) {
	if _, err := s.idempotency.MarkProcessed(ctx, OrderConsumer, key, s.idempotencyTTL); err != nil {
		s.logger.Warn().Err(err).Str("idempotency_key", key).Msg("failed to record idempotency key")
	}
}

func orderPayload(order *domain.Order, reason string) domain.OrderEventPayload {
	return domain.OrderEventPayload{
		OrderID:    order.ID.String(),
		UserID:     order.UserID,
		ProductIDs: order.ProductIDs,
		Quantities: order.Quantities,
		Amount:     order.Amount,
		Reason:     reason,
	}
}
