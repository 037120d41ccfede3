package domain

import (
	"time"

	"github.com/google/uuid"
)

type (
	// Order is the order service's local view of a saga instance.
	Order struct {
		ID            uuid.UUID
		CorrelationID string
		UserID        string
		ProductIDs    []string
		Quantities    []int
		Amount        int64
		Status        OrderStatus
		Source        string
		CreatedAt     time.Time
		UpdatedAt     time.Time
	}

	// Stock is the inventory service's per-product counter pair. RESERVE moves
	// quantity from available to reserved; payment success consumes the
	// reservation; RELEASE moves it back.
	Stock struct {
		ProductID string
		Available int
		Reserved  int
		UpdatedAt time.Time
	}

	// Payment is the payment service's record of a charge attempt.
	Payment struct {
		ID            uuid.UUID
		OrderID       string
		CorrelationID string
		Amount        int64
		Status        PaymentStatus
		CreatedAt     time.Time
		UpdatedAt     time.Time
	}

	// Reservation records which order holds which reserved units, so a
	// PAYMENT_SUCCEEDED or RELEASE carrying only the order id can be applied
	// to the right product counters.
	Reservation struct {
		OrderID   string
		ProductID string
		Quantity  int
	}

	PaymentStatus string
)

const (
	PaymentStatusInitiated PaymentStatus = "INITIATED"
	PaymentStatusSucceeded PaymentStatus = "SUCCEEDED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusCancelled PaymentStatus = "CANCELLED"

	// SourceSeckill marks orders entering the saga through the seckill path.
	SourceSeckill = "seckill"
)

// CanReserve reports whether the stock has enough available units.
func (s *Stock) CanReserve(quantity int) bool {
	return quantity > 0 && s.Available >= quantity
}
