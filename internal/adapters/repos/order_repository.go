package repos

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/architeacher/svc-commerce-core/internal/domain"
	"github.com/architeacher/svc-commerce-core/internal/infrastructure"
)

const ordersTable = "orders"

type (
	OrderRepository struct {
		storage *infrastructure.Storage
	}

	orderRow struct {
		ID            string    `db:"id"`
		CorrelationID string    `db:"correlation_id"`
		UserID        string    `db:"user_id"`
		ProductIDs    []byte    `db:"product_ids"`
		Quantities    []byte    `db:"quantities"`
		Amount        int64     `db:"amount"`
		Status        string    `db:"status"`
		Source        string    `db:"source"`
		CreatedAt     time.Time `db:"created_at"`
		UpdatedAt     time.Time `db:"updated_at"`
	}
)

func NewOrderRepository(storage *infrastructure.Storage) *OrderRepository {
	return &OrderRepository{storage: storage}
}

func (r *OrderRepository) CreateInTx(ctx context.Context, tx *sqlx.Tx, order *domain.Order) error {
	productIDs, err := json.Marshal(order.ProductIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal product ids: %w", err)
	}

	quantities, err := json.Marshal(order.Quantities)
	if err != nil {
		return fmt.Errorf("failed to marshal quantities: %w", err)
	}

	query, args, err := psql.Insert(ordersTable).
		Columns("id", "correlation_id", "user_id", "product_ids", "quantities",
			"amount", "status", "source", "created_at", "updated_at").
		Values(order.ID, order.CorrelationID, order.UserID, productIDs, quantities,
			order.Amount, order.Status, order.Source, order.CreatedAt, order.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	return nil
}

// UpdateStatusInTx performs a guarded transition: terminal orders are left
// untouched, so a late PAYMENT_SUCCEEDED cannot resurrect a cancelled order.
func (r *OrderRepository) UpdateStatusInTx(ctx context.Context, tx *sqlx.Tx, orderID string, status domain.OrderStatus) error {
	query, args, err := psql.Update(ordersTable).
		Set("status", status).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.And{
			sq.Eq{"id": orderID},
			sq.NotEq{"status": []domain.OrderStatus{domain.OrderStatusConfirmed, domain.OrderStatusCancelled}},
		}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update query: %w", err)
	}

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}

	return nil
}

func (r *OrderRepository) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	query, args, err := psql.Select("id", "correlation_id", "user_id", "product_ids", "quantities",
		"amount", "status", "source", "created_at", "updated_at").
		From(ordersTable).
		Where(sq.Eq{"id": orderID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	var row orderRow
	if err := r.storage.DB().GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
		}

		return nil, fmt.Errorf("failed to query order: %w", err)
	}

	return convertRowToOrder(row)
}

func convertRowToOrder(row orderRow) (*domain.Order, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse order id: %w", err)
	}

	var productIDs []string
	if err := json.Unmarshal(row.ProductIDs, &productIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal product ids: %w", err)
	}

	var quantities []int
	if err := json.Unmarshal(row.Quantities, &quantities); err != nil {
		return nil, fmt.Errorf("failed to unmarshal quantities: %w", err)
	}

	return &domain.Order{
		ID:            id,
		CorrelationID: row.CorrelationID,
		UserID:        row.UserID,
		ProductIDs:    productIDs,
		Quantities:    quantities,
		Amount:        row.Amount,
		Status:        domain.OrderStatus(row.Status),
		Source:        row.Source,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}, nil
}
