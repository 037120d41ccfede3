package ports

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/architeacher/svc-commerce-core/internal/domain"
)

type (
	// OutboxRepository persists staged events. Staging enlists in the caller's
	// transaction; either the business write and the event are both durable or
	// neither is.
	OutboxRepository interface {
		StageInTx(ctx context.Context, tx *sqlx.Tx, event *domain.OutboxEvent) error
		// ClaimPending returns PENDING events ordered by creation time. Claims
		// are cooperative between concurrent publishers; a row claimed by a
		// crashed publisher becomes claimable again after the claim timeout.
		ClaimPending(ctx context.Context, limit int) ([]*domain.OutboxEvent, error)
		// ClaimExpired returns PENDING events whose expires_at lies strictly
		// before now, oldest first.
		ClaimExpired(ctx context.Context, now time.Time, limit int) ([]*domain.OutboxEvent, error)
		MarkPublished(ctx context.Context, eventID string) error
		MarkFailed(ctx context.Context, eventID, errorDetails string) error
		MarkPermanentlyFailed(ctx context.Context, eventID, errorDetails string) error
		MarkTimedOut(ctx context.Context, eventID, errorDetails string) error
		// Cleanup removes PUBLISHED events older than the given horizon and
		// reports how many rows were deleted.
		Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
	}

	OrderRepository interface {
		CreateInTx(ctx context.Context, tx *sqlx.Tx, order *domain.Order) error
		// UpdateStatusInTx performs a guarded transition; it fails when the
		// order is absent or already in a terminal state.
		UpdateStatusInTx(ctx context.Context, tx *sqlx.Tx, orderID string, status domain.OrderStatus) error
		Get(ctx context.Context, orderID string) (*domain.Order, error)
	}

	StockRepository interface {
		CreateInTx(ctx context.Context, tx *sqlx.Tx, stock *domain.Stock) error
		DeleteInTx(ctx context.Context, tx *sqlx.Tx, productID string) error
		// ReserveInTx moves quantity from available to reserved; it reports
		// domain.ErrInsufficientStock when availability does not cover it.
		ReserveInTx(ctx context.Context, tx *sqlx.Tx, productID string, quantity int) error
		// ReleaseInTx moves quantity back from reserved to available; when
		// quantity exceeds the reserved amount nothing moves and it reports
		// domain.ErrStockNotFound.
		ReleaseInTx(ctx context.Context, tx *sqlx.Tx, productID string, quantity int) error
		// ConsumeInTx burns a reservation after payment succeeded.
		ConsumeInTx(ctx context.Context, tx *sqlx.Tx, productID string, quantity int) error
		RestockInTx(ctx context.Context, tx *sqlx.Tx, productID string, quantity int) error
		Get(ctx context.Context, productID string) (*domain.Stock, error)

		CreateReservationInTx(ctx context.Context, tx *sqlx.Tx, reservation domain.Reservation) error
		// ReservationsForUpdateInTx locks and returns the reservation rows of
		// an order so release/consume can resolve order id to product lines.
		ReservationsForUpdateInTx(ctx context.Context, tx *sqlx.Tx, orderID string) ([]domain.Reservation, error)
		DeleteReservationsInTx(ctx context.Context, tx *sqlx.Tx, orderID string) error
	}

	PaymentRepository interface {
		CreateInTx(ctx context.Context, tx *sqlx.Tx, payment *domain.Payment) error
		UpdateStatusInTx(ctx context.Context, tx *sqlx.Tx, orderID string, status domain.PaymentStatus) error
		GetByOrderID(ctx context.Context, orderID string) (*domain.Payment, error)
	}
)
