package repos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/architeacher/svc-commerce-core/internal/domain"
	"github.com/architeacher/svc-commerce-core/internal/infrastructure"
)

const (
	stocksTable       = "stocks"
	reservationsTable = "stock_reservations"
)

type (
	// StockRepository keeps the available/reserved counter pair per product.
	// All mutations are guarded UPDATEs so counters never go negative even
	// under concurrent consumers.
	StockRepository struct {
		storage *infrastructure.Storage
	}

	stockRow struct {
		ProductID string    `db:"product_id"`
		Available int       `db:"available"`
		Reserved  int       `db:"reserved"`
		UpdatedAt time.Time `db:"updated_at"`
	}

	reservationRow struct {
		OrderID   string `db:"order_id"`
		ProductID string `db:"product_id"`
		Quantity  int    `db:"quantity"`
	}
)

func NewStockRepository(storage *infrastructure.Storage) *StockRepository {
	return &StockRepository{storage: storage}
}

func (r *StockRepository) CreateInTx(ctx context.Context, tx *sqlx.Tx, stock *domain.Stock) error {
	query, args, err := psql.Insert(stocksTable).
		Columns("product_id", "available", "reserved", "updated_at").
		Values(stock.ProductID, stock.Available, stock.Reserved, stock.UpdatedAt).
		Suffix("ON CONFLICT (product_id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to create stock row: %w", err)
	}

	return nil
}

func (r *StockRepository) DeleteInTx(ctx context.Context, tx *sqlx.Tx, productID string) error {
	query, args, err := psql.Delete(stocksTable).
		Where(sq.Eq{"product_id": productID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete stock row: %w", err)
	}

	return nil
}

// ReserveInTx moves quantity from available to reserved. The availability
// check sits in the WHERE clause, so an insufficient balance affects zero
// rows instead of going negative.
func (r *StockRepository) ReserveInTx(ctx context.Context, tx *sqlx.Tx, productID string, quantity int) error {
	query, args, err := psql.Update(stocksTable).
		Set("available", sq.Expr("available - ?", quantity)).
		Set("reserved", sq.Expr("reserved + ?", quantity)).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.And{
			sq.Eq{"product_id": productID},
			sq.GtOrEq{"available": quantity},
		}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build reserve query: %w", err)
	}

	return r.execGuarded(ctx, tx, query, args, productID, domain.ErrInsufficientStock)
}

// ReleaseInTx moves quantity back from reserved to available. Releasing more
// than is reserved affects zero rows, which keeps a duplicate RELEASE from
// inflating availability.
func (r *StockRepository) ReleaseInTx(ctx context.Context, tx *sqlx.Tx, productID string, quantity int) error {
	query, args, err := psql.Update(stocksTable).
		Set("available", sq.Expr("available + ?", quantity)).
		Set("reserved", sq.Expr("reserved - ?", quantity)).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.And{
			sq.Eq{"product_id": productID},
			sq.GtOrEq{"reserved": quantity},
		}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build release query: %w", err)
	}

	return r.execGuarded(ctx, tx, query, args, productID, domain.ErrStockNotFound)
}

// ConsumeInTx burns a reservation after payment succeeded.
func (r *StockRepository) ConsumeInTx(ctx context.Context, tx *sqlx.Tx, productID string, quantity int) error {
	query, args, err := psql.Update(stocksTable).
		Set("reserved", sq.Expr("reserved - ?", quantity)).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.And{
			sq.Eq{"product_id": productID},
			sq.GtOrEq{"reserved": quantity},
		}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build consume query: %w", err)
	}

	return r.execGuarded(ctx, tx, query, args, productID, domain.ErrStockNotFound)
}

func (r *StockRepository) RestockInTx(ctx context.Context, tx *sqlx.Tx, productID string, quantity int) error {
	query, args, err := psql.Update(stocksTable).
		Set("available", sq.Expr("available + ?", quantity)).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"product_id": productID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build restock query: %w", err)
	}

	return r.execGuarded(ctx, tx, query, args, productID, domain.ErrStockNotFound)
}

func (r *StockRepository) execGuarded(ctx context.Context, tx *sqlx.Tx, query string, args []any, productID string, guardErr error) error {
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", guardErr, productID)
	}

	return nil
}

func (r *StockRepository) CreateReservationInTx(ctx context.Context, tx *sqlx.Tx, reservation domain.Reservation) error {
	query, args, err := psql.Insert(reservationsTable).
		Columns("order_id", "product_id", "quantity").
		Values(reservation.OrderID, reservation.ProductID, reservation.Quantity).
		Suffix("ON CONFLICT (order_id, product_id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to create reservation: %w", err)
	}

	return nil
}

// ReservationsForUpdateInTx locks the reservation rows of an order, so a
// racing release and consume cannot both burn the same units.
func (r *StockRepository) ReservationsForUpdateInTx(ctx context.Context, tx *sqlx.Tx, orderID string) ([]domain.Reservation, error) {
	query, args, err := psql.Select("order_id", "product_id", "quantity").
		From(reservationsTable).
		Where(sq.Eq{"order_id": orderID}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	var rows []reservationRow
	if err := tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
	}

	reservations := make([]domain.Reservation, 0, len(rows))
	for _, row := range rows {
		reservations = append(reservations, domain.Reservation{
			OrderID:   row.OrderID,
			ProductID: row.ProductID,
			Quantity:  row.Quantity,
		})
	}

	return reservations, nil
}

func (r *StockRepository) DeleteReservationsInTx(ctx context.Context, tx *sqlx.Tx, orderID string) error {
	query, args, err := psql.Delete(reservationsTable).
		Where(sq.Eq{"order_id": orderID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete reservations: %w", err)
	}

	return nil
}

func (r *StockRepository) Get(ctx context.Context, productID string) (*domain.Stock, error) {
	query, args, err := psql.Select("product_id", "available", "reserved", "updated_at").
		From(stocksTable).
		Where(sq.Eq{"product_id": productID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	var row stockRow
	if err := r.storage.DB().GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrStockNotFound, productID)
		}

		return nil, fmt.Errorf("failed to query stock: %w", err)
	}

	return &domain.Stock{
		ProductID: row.ProductID,
		Available: row.Available,
		Reserved:  row.Reserved,
		UpdatedAt: row.UpdatedAt,
	}, nil
}
