package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/architeacher/svc-commerce-core/internal/domain"
)

func newInventoryServiceUnderTest() (*InventoryService, *fakeStockRepo, *fakeOutboxRepo, *fakeIdempotencyStore) {
	stockRepo := newFakeStockRepo()
	outboxRepo := &fakeOutboxRepo{}
	idempotency := newFakeIdempotencyStore()

	svc := NewInventoryService(
		&fakeTxRunner{},
		stockRepo,
		outboxRepo,
		idempotency,
		24*time.Hour,
		testLogger(),
	)

	return svc, stockRepo, outboxRepo, idempotency
}

func seedStock(repo *fakeStockRepo, productID string, available int) {
	repo.stocks[productID] = &domain.Stock{ProductID: productID, Available: available}
}

func TestOrderCreatedReservesStock(t *testing.T) {
	t.Parallel()

	svc, stockRepo, outboxRepo, _ := newInventoryServiceUnderTest()
	seedStock(stockRepo, "p-1", 10)

	msg := newTestMessage(t, domain.EventOrderCreated, domain.OrderEventPayload{
		OrderID:    "o-1",
		ProductIDs: []string{"p-1"},
		Quantities: []int{1},
	})

	require.NoError(t, svc.ProcessInventoryEvent(context.Background(), msg, nil))

	stock, _ := stockRepo.Get(context.Background(), "p-1")
	assert.Equal(t, 9, stock.Available)
	assert.Equal(t, 1, stock.Reserved)
	assert.Len(t, stockRepo.reservations["o-1"], 1)

	staged := outboxRepo.stagedOfType(domain.EventInventoryReserved)
	require.Len(t, staged, 1)
	assert.Equal(t, "corr-1", staged[0].CorrelationID)
}

func TestOrderCreatedWithInsufficientStockEmitsFailure(t *testing.T) {
	t.Parallel()

	svc, stockRepo, outboxRepo, _ := newInventoryServiceUnderTest()
	seedStock(stockRepo, "p-1", 1)

	msg := newTestMessage(t, domain.EventOrderCreated, domain.OrderEventPayload{
		OrderID:    "o-1",
		ProductIDs: []string{"p-1"},
		Quantities: []int{5},
	})

	// A business rejection is acknowledged, never surfaced as a transport error.
	require.NoError(t, svc.ProcessInventoryEvent(context.Background(), msg, nil))

	stock, _ := stockRepo.Get(context.Background(), "p-1")
	assert.Equal(t, 1, stock.Available, "nothing was reserved")

	failed := outboxRepo.stagedOfType(domain.EventInventoryReserveFail)
	require.Len(t, failed, 1)

	var payload domain.OrderEventPayload
	require.NoError(t, stagedPayload(failed[0], &payload))
	assert.Contains(t, payload.Reason, "insufficient stock")

	assert.Empty(t, outboxRepo.stagedOfType(domain.EventInventoryReserved))
}

func TestOrderCreatedRedeliveryShortCircuits(t *testing.T) {
	t.Parallel()

	svc, stockRepo, outboxRepo, idempotency := newInventoryServiceUnderTest()
	seedStock(stockRepo, "p-1", 10)

	_, err := idempotency.MarkProcessed(context.Background(), InventoryConsumer, "inv:reserve:o-1", time.Hour)
	require.NoError(t, err)

	msg := newTestMessage(t, domain.EventOrderCreated, domain.OrderEventPayload{
		OrderID:    "o-1",
		ProductIDs: []string{"p-1"},
		Quantities: []int{1},
	})

	require.NoError(t, svc.ProcessInventoryEvent(context.Background(), msg, nil))

	stock, _ := stockRepo.Get(context.Background(), "p-1")
	assert.Equal(t, 10, stock.Available, "the duplicate is not applied")
	assert.Empty(t, outboxRepo.staged)
}

func TestReserveThenReleaseRestoresInitialCounts(t *testing.T) {
	t.Parallel()

	svc, stockRepo, _, _ := newInventoryServiceUnderTest()
	seedStock(stockRepo, "p-1", 10)

	reserve := newTestMessage(t, domain.EventOrderCreated, domain.OrderEventPayload{
		OrderID:    "o-1",
		ProductIDs: []string{"p-1"},
		Quantities: []int{3},
	})
	require.NoError(t, svc.ProcessInventoryEvent(context.Background(), reserve, nil))

	release := newTestMessage(t, domain.EventRelease, domain.StockEventPayload{
		OrderID:   "o-1",
		ProductID: "p-1",
		Quantity:  3,
	})
	require.NoError(t, svc.ProcessInventoryEvent(context.Background(), release, nil))

	stock, _ := stockRepo.Get(context.Background(), "p-1")
	assert.Equal(t, 10, stock.Available)
	assert.Equal(t, 0, stock.Reserved)
	assert.Empty(t, stockRepo.reservations["o-1"])
}

func TestDuplicateReleaseIsHarmless(t *testing.T) {
	t.Parallel()

	svc, stockRepo, _, idempotency := newInventoryServiceUnderTest()
	seedStock(stockRepo, "p-1", 10)

	reserve := newTestMessage(t, domain.EventOrderCreated, domain.OrderEventPayload{
		OrderID:    "o-1",
		ProductIDs: []string{"p-1"},
		Quantities: []int{3},
	})
	require.NoError(t, svc.ProcessInventoryEvent(context.Background(), reserve, nil))

	release := newTestMessage(t, domain.EventRelease, domain.StockEventPayload{
		OrderID:   "o-1",
		ProductID: "p-1",
		Quantity:  3,
	})
	require.NoError(t, svc.ProcessInventoryEvent(context.Background(), release, nil))

	// Second RELEASE for the same order: the idempotency key absorbs it.
	require.NoError(t, svc.ProcessInventoryEvent(context.Background(), release, nil))

	stock, _ := stockRepo.Get(context.Background(), "p-1")
	assert.Equal(t, 10, stock.Available, "availability is not inflated")
	assert.Equal(t, 0, stock.Reserved)

	processed, _ := idempotency.IsProcessed(context.Background(), InventoryConsumer, "inv:release:o-1")
	assert.True(t, processed)
}

func TestPaymentSucceededConsumesReservation(t *testing.T) {
	t.Parallel()

	svc, stockRepo, _, _ := newInventoryServiceUnderTest()
	seedStock(stockRepo, "p-1", 10)

	reserve := newTestMessage(t, domain.EventOrderCreated, domain.OrderEventPayload{
		OrderID:    "o-1",
		ProductIDs: []string{"p-1"},
		Quantities: []int{1},
	})
	require.NoError(t, svc.ProcessInventoryEvent(context.Background(), reserve, nil))

	paid := newTestMessage(t, domain.EventPaymentSucceeded, domain.PaymentEventPayload{
		OrderID: "o-1",
		Amount:  100,
	})
	require.NoError(t, svc.ProcessInventoryEvent(context.Background(), paid, nil))

	stock, _ := stockRepo.Get(context.Background(), "p-1")
	assert.Equal(t, 9, stock.Available)
	assert.Equal(t, 0, stock.Reserved)
	assert.Empty(t, stockRepo.reservations["o-1"])
}

func TestReserveCommandRequiresOwningOrder(t *testing.T) {
	t.Parallel()

	svc, stockRepo, _, _ := newInventoryServiceUnderTest()
	seedStock(stockRepo, "p-1", 10)

	msg := newTestMessage(t, domain.EventReserve, domain.StockEventPayload{
		ProductID: "p-1",
		Quantity:  1,
	})

	err := svc.ProcessInventoryEvent(context.Background(), msg, nil)

	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestReserveCommandReservesSingleLine(t *testing.T) {
	t.Parallel()

	svc, stockRepo, outboxRepo, _ := newInventoryServiceUnderTest()
	seedStock(stockRepo, "p-1", 10)

	msg := newTestMessage(t, domain.EventReserve, domain.StockEventPayload{
		OrderID:   "o-9",
		ProductID: "p-1",
		Quantity:  2,
	})

	require.NoError(t, svc.ProcessInventoryEvent(context.Background(), msg, nil))

	stock, _ := stockRepo.Get(context.Background(), "p-1")
	assert.Equal(t, 8, stock.Available)
	assert.Equal(t, 2, stock.Reserved)
	assert.Len(t, outboxRepo.stagedOfType(domain.EventInventoryReserved), 1)
}

func TestRestockRaisesAvailability(t *testing.T) {
	t.Parallel()

	svc, stockRepo, _, _ := newInventoryServiceUnderTest()
	seedStock(stockRepo, "p-1", 2)

	msg := newTestMessage(t, domain.EventRestock, domain.StockEventPayload{
		ProductID: "p-1",
		Quantity:  8,
	})

	require.NoError(t, svc.ProcessInventoryEvent(context.Background(), msg, nil))

	stock, _ := stockRepo.Get(context.Background(), "p-1")
	assert.Equal(t, 10, stock.Available)
}

func TestProductLifecycle(t *testing.T) {
	t.Parallel()

	svc, stockRepo, _, _ := newInventoryServiceUnderTest()

	created := newTestMessage(t, domain.EventProductCreated, domain.ProductEventPayload{
		ProductID: "p-1",
		Name:      "widget",
		Stock:     10,
	})
	require.NoError(t, svc.ProcessProductEvent(context.Background(), created, nil))

	stock, err := stockRepo.Get(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, 10, stock.Available)

	deleted := newTestMessage(t, domain.EventProductDeleted, domain.ProductEventPayload{ProductID: "p-1"})
	require.NoError(t, svc.ProcessProductEvent(context.Background(), deleted, nil))

	_, err = stockRepo.Get(context.Background(), "p-1")
	assert.ErrorIs(t, err, domain.ErrStockNotFound)
}
