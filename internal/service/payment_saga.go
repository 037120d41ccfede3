package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/architeacher/svc-commerce-core/internal/domain"
	"github.com/architeacher/svc-commerce-core/internal/infrastructure"
	"github.com/architeacher/svc-commerce-core/internal/ports"
	"github.com/architeacher/svc-commerce-core/pkg/queue"
)

// PaymentService owns the charge leg of the saga. The gateway call is
// synchronous and circuit-broken: an open circuit or a transport failure is
// returned as a retryable error so the delivery is redelivered with backoff,
// while a provider decline becomes a PAYMENT_FAILED event and is acknowledged.
type PaymentService struct {
	storage        ports.TxRunner
	paymentRepo    ports.PaymentRepository
	outboxRepo     ports.OutboxRepository
	gateway        ports.PaymentGateway
	idempotency    ports.IdempotencyStore
	logger         *infrastructure.Logger
	idempotencyTTL time.Duration
}

func NewPaymentService(
	storage ports.TxRunner,
	paymentRepo ports.PaymentRepository,
	outboxRepo ports.OutboxRepository,
	gateway ports.PaymentGateway,
	idempotency ports.IdempotencyStore,
	idempotencyTTL time.Duration,
	logger *infrastructure.Logger,
) *PaymentService {
	return &PaymentService{
		storage:        storage,
		paymentRepo:    paymentRepo,
		outboxRepo:     outboxRepo,
		gateway:        gateway,
		idempotency:    idempotency,
		logger:         logger,
		idempotencyTTL: idempotencyTTL,
	}
}

// ProcessPaymentEvent handles the deliveries of q.payment.events.
func (s *PaymentService) ProcessPaymentEvent(ctx context.Context, msg queue.Message, _ *queue.MsgController) error {
	switch domain.EventType(msg.Type) {
	case domain.EventPaymentInitiated:
		return s.handlePaymentInitiated(ctx, msg)
	case domain.EventPaymentCancel:
		return s.handlePaymentCancel(ctx, msg)
	default:
		s.logger.Debug().Str("event_type", msg.Type).Msg("ignoring event type")

		return nil
	}
}

func (s *PaymentService) handlePaymentInitiated(ctx context.Context, msg queue.Message) error {
	var payload domain.PaymentEventPayload
	if err := msg.Unmarshal(&payload); err != nil {
		return &domain.ValidationError{EventType: msg.Type, Reasons: []string{err.Error()}}
	}

	key := fmt.Sprintf("pay:charge:%s", payload.OrderID)
	if processed, err := s.idempotency.IsProcessed(ctx, PaymentConsumer, key); err != nil {
		return err
	} else if processed {
		s.logger.Debug().Str("idempotency_key", key).Msg("charge already applied")

		return nil
	}

	payment, err := s.paymentRepo.GetByOrderID(ctx, payload.OrderID)
	if err != nil && !errors.Is(err, domain.ErrPaymentNotFound) {
		return err
	}

	if payment != nil && payment.Status != domain.PaymentStatusInitiated {
		// A previous run already settled this charge but died before
		// recording the idempotency key.
		s.remember(ctx, key)

		return nil
	}

	if payment == nil {
		now := time.Now().UTC()
		payment = &domain.Payment{
			ID:            uuid.New(),
			OrderID:       payload.OrderID,
			CorrelationID: msg.Metadata.CorrelationID,
			Amount:        payload.Amount,
			Status:        domain.PaymentStatusInitiated,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		err = s.storage.WithTx(ctx, func(tx *sqlx.Tx) error {
			return s.paymentRepo.CreateInTx(ctx, tx, payment)
		})
		if err != nil {
			return err
		}
	}

	paymentID, err := s.gateway.Charge(ctx, payload.OrderID, payload.Amount)
	switch {
	case err == nil:
		return s.settle(ctx, msg, payload, key, paymentID)

	case errors.Is(err, domain.ErrPaymentDeclined):
		return s.decline(ctx, msg, payload, key, err)

	default:
		// Circuit open or transport failure: redeliver with backoff.
		return err
	}
}

func (s *PaymentService) settle(ctx context.Context, msg queue.Message, payload domain.PaymentEventPayload, key, paymentID string) error {
	err := s.storage.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.paymentRepo.UpdateStatusInTx(ctx, tx, payload.OrderID, domain.PaymentStatusSucceeded); err != nil {
			return err
		}

		return stageOutboxEvent(ctx, tx, s.outboxRepo, stagedEvent{
			eventType:     domain.EventPaymentSucceeded,
			correlationID: msg.Metadata.CorrelationID,
			payload: domain.PaymentEventPayload{
				OrderID:   payload.OrderID,
				PaymentID: paymentID,
				Amount:    payload.Amount,
			},
		})
	})
	if err != nil {
		return err
	}

	s.remember(ctx, key)

	s.logger.Info().
		Str("order_id", payload.OrderID).
		Str("correlation_id", msg.Metadata.CorrelationID).
		Msg("payment succeeded")

	return nil
}

func (s *PaymentService) decline(ctx context.Context, msg queue.Message, payload domain.PaymentEventPayload, key string, cause error) error {
	err := s.storage.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.paymentRepo.UpdateStatusInTx(ctx, tx, payload.OrderID, domain.PaymentStatusFailed); err != nil {
			return err
		}

		return stageOutboxEvent(ctx, tx, s.outboxRepo, stagedEvent{
			eventType:     domain.EventPaymentFailed,
			correlationID: msg.Metadata.CorrelationID,
			payload: domain.PaymentEventPayload{
				OrderID: payload.OrderID,
				Amount:  payload.Amount,
				Reason:  cause.Error(),
			},
		})
	})
	if err != nil {
		return err
	}

	s.remember(ctx, key)

	s.logger.Info().
		Str("order_id", payload.OrderID).
		Str("correlation_id", msg.Metadata.CorrelationID).
		Str("reason", cause.Error()).
		Msg("payment declined")

	return nil
}

// handlePaymentCancel aborts an in-flight charge after its saga leg expired.
// A charge that already succeeded is left alone; undoing it is a refund,
// which is an operator concern, not a compensation this worker may invent.
func (s *PaymentService) handlePaymentCancel(ctx context.Context, msg queue.Message) error {
	var payload domain.PaymentEventPayload
	if err := msg.Unmarshal(&payload); err != nil {
		return &domain.ValidationError{EventType: msg.Type, Reasons: []string{err.Error()}}
	}

	key := fmt.Sprintf("pay:cancel:%s", payload.OrderID)
	if processed, err := s.idempotency.IsProcessed(ctx, PaymentConsumer, key); err != nil {
		return err
	} else if processed {
		return nil
	}

	payment, err := s.paymentRepo.GetByOrderID(ctx, payload.OrderID)
	if err != nil && !errors.Is(err, domain.ErrPaymentNotFound) {
		return err
	}

	if payment != nil && payment.Status == domain.PaymentStatusSucceeded {
		s.logger.Warn().
			Str("order_id", payload.OrderID).
			Msg("cancel received for a settled payment, leaving it untouched")
		s.remember(ctx, key)

		return nil
	}

	err = s.storage.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.paymentRepo.UpdateStatusInTx(ctx, tx, payload.OrderID, domain.PaymentStatusCancelled); err != nil {
			return err
		}

		return stageOutboxEvent(ctx, tx, s.outboxRepo, stagedEvent{
			eventType:     domain.EventPaymentFailed,
			correlationID: msg.Metadata.CorrelationID,
			payload: domain.PaymentEventPayload{
				OrderID: payload.OrderID,
				Amount:  payload.Amount,
				Reason:  "payment cancelled",
			},
		})
	})
	if err != nil {
		return err
	}

	s.remember(ctx, key)

	s.logger.Info().
		Str("order_id", payload.OrderID).
		Str("correlation_id", msg.Metadata.CorrelationID).
		Msg("payment cancelled")

	return nil
}

func (s *PaymentService) remember(ctx context.Context, key string) {
	if _, err := s.idempotency.MarkProcessed(ctx, PaymentConsumer, key, s.idempotencyTTL); err != nil {
		s.logger.Warn().Err(err).Str("idempotency_key", key).Msg("failed to record idempotency key")
	}
}
