package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/architeacher/svc-commerce-core/internal/config"
	"github.com/architeacher/svc-commerce-core/internal/domain"
	"github.com/architeacher/svc-commerce-core/internal/infrastructure"
	"github.com/architeacher/svc-commerce-core/pkg/queue"
)

func testLogger() *infrastructure.Logger {
	return infrastructure.New(config.LoggingConfig{Level: "disabled", Format: "json"})
}

func testSagaConfig() config.SagaConfig {
	return config.SagaConfig{
		OrderTimeout:   15 * time.Minute,
		ReserveTimeout: 5 * time.Minute,
		PaymentTimeout: 5 * time.Minute,
	}
}

func newTestMessage(t *testing.T, eventType domain.EventType, payload any) queue.Message {
	t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	return queue.Message{
		Type: string(eventType),
		Data: data,
		Metadata: queue.Metadata{
			EventID:       "evt-" + string(eventType),
			CorrelationID: "corr-1",
			Timestamp:     time.Now().UTC(),
		},
	}
}

func stagedPayload(event *domain.OutboxEvent, target any) error {
	return json.Unmarshal(event.Payload, target)
}

// fakeTxRunner hands the callback a nil transaction; the fake repositories
// ignore it.
type fakeTxRunner struct{}

func (r *fakeTxRunner) WithTx(_ context.Context, fn func(tx *sqlx.Tx) error) error {
	return fn(nil)
}

type fakeOutboxRepo struct {
	staged []*domain.OutboxEvent
}

func (r *fakeOutboxRepo) StageInTx(_ context.Context, _ *sqlx.Tx, event *domain.OutboxEvent) error {
	r.staged = append(r.staged, event)

	return nil
}

func (r *fakeOutboxRepo) ClaimPending(context.Context, int) ([]*domain.OutboxEvent, error) {
	return nil, nil
}

func (r *fakeOutboxRepo) ClaimExpired(context.Context, time.Time, int) ([]*domain.OutboxEvent, error) {
	return nil, nil
}

func (r *fakeOutboxRepo) MarkPublished(context.Context, string) error { return nil }

func (r *fakeOutboxRepo) MarkFailed(context.Context, string, string) error { return nil }

func (r *fakeOutboxRepo) MarkPermanentlyFailed(context.Context, string, string) error { return nil }

func (r *fakeOutboxRepo) MarkTimedOut(context.Context, string, string) error { return nil }

func (r *fakeOutboxRepo) Cleanup(context.Context, time.Time) (int64, error) { return 0, nil }

func (r *fakeOutboxRepo) stagedOfType(eventType domain.EventType) []*domain.OutboxEvent {
	var events []*domain.OutboxEvent
	for _, event := range r.staged {
		if event.EventType == eventType {
			events = append(events, event)
		}
	}

	return events
}

type fakeIdempotencyStore struct {
	keys map[string]bool
}

func newFakeIdempotencyStore() *fakeIdempotencyStore {
	return &fakeIdempotencyStore{keys: make(map[string]bool)}
}

func (s *fakeIdempotencyStore) IsProcessed(_ context.Context, consumerName, key string) (bool, error) {
	return s.keys[consumerName+"|"+key], nil
}

func (s *fakeIdempotencyStore) MarkProcessed(_ context.Context, consumerName, key string, _ time.Duration) (bool, error) {
	composite := consumerName + "|" + key
	if s.keys[composite] {
		return false, nil
	}

	s.keys[composite] = true

	return true, nil
}

type fakeOrderRepo struct {
	orders  map[string]*domain.Order
	created int
}

func newFakeOrderRepo() *fakeOrderRepo {
	return &fakeOrderRepo{orders: make(map[string]*domain.Order)}
}

func (r *fakeOrderRepo) CreateInTx(_ context.Context, _ *sqlx.Tx, order *domain.Order) error {
	clone := *order
	r.orders[order.ID.String()] = &clone
	r.created++

	return nil
}

func (r *fakeOrderRepo) UpdateStatusInTx(_ context.Context, _ *sqlx.Tx, orderID string, status domain.OrderStatus) error {
	order, ok := r.orders[orderID]
	if !ok || order.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}

	order.Status = status

	return nil
}

func (r *fakeOrderRepo) Get(_ context.Context, orderID string) (*domain.Order, error) {
	order, ok := r.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}

	clone := *order

	return &clone, nil
}

type fakeStockRepo struct {
	stocks       map[string]*domain.Stock
	reservations map[string][]domain.Reservation
}

func newFakeStockRepo() *fakeStockRepo {
	return &fakeStockRepo{
		stocks:       make(map[string]*domain.Stock),
		reservations: make(map[string][]domain.Reservation),
	}
}

func (r *fakeStockRepo) CreateInTx(_ context.Context, _ *sqlx.Tx, stock *domain.Stock) error {
	if _, ok := r.stocks[stock.ProductID]; ok {
		return nil
	}

	clone := *stock
	r.stocks[stock.ProductID] = &clone

	return nil
}

func (r *fakeStockRepo) DeleteInTx(_ context.Context, _ *sqlx.Tx, productID string) error {
	delete(r.stocks, productID)

	return nil
}

func (r *fakeStockRepo) ReserveInTx(_ context.Context, _ *sqlx.Tx, productID string, quantity int) error {
	stock, ok := r.stocks[productID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrStockNotFound, productID)
	}

	if stock.Available < quantity {
		return fmt.Errorf("%w: %s", domain.ErrInsufficientStock, productID)
	}

	stock.Available -= quantity
	stock.Reserved += quantity

	return nil
}

func (r *fakeStockRepo) ReleaseInTx(_ context.Context, _ *sqlx.Tx, productID string, quantity int) error {
	stock, ok := r.stocks[productID]
	if !ok || stock.Reserved < quantity {
		return fmt.Errorf("%w: %s", domain.ErrStockNotFound, productID)
	}

	stock.Available += quantity
	stock.Reserved -= quantity

	return nil
}

func (r *fakeStockRepo) ConsumeInTx(_ context.Context, _ *sqlx.Tx, productID string, quantity int) error {
	stock, ok := r.stocks[productID]
	if !ok || stock.Reserved < quantity {
		return fmt.Errorf("%w: %s", domain.ErrStockNotFound, productID)
	}

	stock.Reserved -= quantity

	return nil
}

func (r *fakeStockRepo) RestockInTx(_ context.Context, _ *sqlx.Tx, productID string, quantity int) error {
	stock, ok := r.stocks[productID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrStockNotFound, productID)
	}

	stock.Available += quantity

	return nil
}

func (r *fakeStockRepo) Get(_ context.Context, productID string) (*domain.Stock, error) {
	stock, ok := r.stocks[productID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrStockNotFound, productID)
	}

	clone := *stock

	return &clone, nil
}

func (r *fakeStockRepo) CreateReservationInTx(_ context.Context, _ *sqlx.Tx, reservation domain.Reservation) error {
	r.reservations[reservation.OrderID] = append(r.reservations[reservation.OrderID], reservation)

	return nil
}

func (r *fakeStockRepo) ReservationsForUpdateInTx(_ context.Context, _ *sqlx.Tx, orderID string) ([]domain.Reservation, error) {
	return r.reservations[orderID], nil
}

func (r *fakeStockRepo) DeleteReservationsInTx(_ context.Context, _ *sqlx.Tx, orderID string) error {
	delete(r.reservations, orderID)

	return nil
}

type fakePaymentRepo struct {
	payments map[string]*domain.Payment
}

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{payments: make(map[string]*domain.Payment)}
}

func (r *fakePaymentRepo) CreateInTx(_ context.Context, _ *sqlx.Tx, payment *domain.Payment) error {
	clone := *payment
	r.payments[payment.OrderID] = &clone

	return nil
}

func (r *fakePaymentRepo) UpdateStatusInTx(_ context.Context, _ *sqlx.Tx, orderID string, status domain.PaymentStatus) error {
	if payment, ok := r.payments[orderID]; ok {
		payment.Status = status
	}

	return nil
}

func (r *fakePaymentRepo) GetByOrderID(_ context.Context, orderID string) (*domain.Payment, error) {
	payment, ok := r.payments[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", domain.ErrPaymentNotFound, orderID)
	}

	clone := *payment

	return &clone, nil
}

type fakeGateway struct {
	paymentID string
	err       error
	calls     int
}

func (g *fakeGateway) Charge(context.Context, string, int64) (string, error) {
	g.calls++

	if g.err != nil {
		return "", g.err
	}

	return g.paymentID, nil
}
