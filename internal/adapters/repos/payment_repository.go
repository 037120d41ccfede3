package repos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/architeacher/svc-commerce-core/internal/domain"
	"github.com/architeacher/svc-commerce-core/internal/infrastructure"
)

const paymentsTable = "payments"

type (
	PaymentRepository struct {
		storage *infrastructure.Storage
	}

	paymentRow struct {
		ID            string    `db:"id"`
		OrderID       string    `db:"order_id"`
		CorrelationID string    `db:"correlation_id"`
		Amount        int64     `db:"amount"`
		Status        string    `db:"status"`
		CreatedAt     time.Time `db:"created_at"`
		UpdatedAt     time.Time `db:"updated_at"`
	}
)

func NewPaymentRepository(storage *infrastructure.Storage) *PaymentRepository {
	return &PaymentRepository{storage: storage}
}

func (r *PaymentRepository) CreateInTx(ctx context.Context, tx *sqlx.Tx, payment *domain.Payment) error {
	query, args, err := psql.Insert(paymentsTable).
		Columns("id", "order_id", "correlation_id", "amount", "status", "created_at", "updated_at").
		Values(payment.ID, payment.OrderID, payment.CorrelationID, payment.Amount,
			payment.Status, payment.CreatedAt, payment.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}

	return nil
}

func (r *PaymentRepository) UpdateStatusInTx(ctx context.Context, tx *sqlx.Tx, orderID string, status domain.PaymentStatus) error {
	query, args, err := psql.Update(paymentsTable).
		Set("status", status).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"order_id": orderID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update payment status: %w", err)
	}

	return nil
}

func (r *PaymentRepository) GetByOrderID(ctx context.Context, orderID string) (*domain.Payment, error) {
	query, args, err := psql.Select("id", "order_id", "correlation_id", "amount", "status", "created_at", "updated_at").
		From(paymentsTable).
		Where(sq.Eq{"order_id": orderID}).
		OrderBy("created_at DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	var row paymentRow
	if err := r.storage.DB().GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: order %s", domain.ErrPaymentNotFound, orderID)
		}

		return nil, fmt.Errorf("failed to query payment: %w", err)
	}

	id, err := uuid.Parse(row.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse payment id: %w", err)
	}

	return &domain.Payment{
		ID:            id,
		OrderID:       row.OrderID,
		CorrelationID: row.CorrelationID,
		Amount:        row.Amount,
		Status:        domain.PaymentStatus(row.Status),
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}, nil
}
