package domain

// EventType discriminates event payloads on the wire. The string values are
// part of the public contract between services and must not change.
type EventType string

const (
	EventProductCreated EventType = "PRODUCT_CREATED"
	EventProductDeleted EventType = "PRODUCT_DELETED"

	EventOrderCreated   EventType = "ORDER_CREATED"
	EventOrderConfirmed EventType = "ORDER_CONFIRMED"
	EventOrderCancelled EventType = "ORDER_CANCELLED"
	EventOrderTimeout   EventType = "ORDER_TIMEOUT"

	EventReserve              EventType = "RESERVE"
	EventRelease              EventType = "RELEASE"
	EventRestock              EventType = "RESTOCK"
	EventInventoryReserved    EventType = "INVENTORY_RESERVED"
	EventInventoryReserveFail EventType = "INVENTORY_RESERVE_FAILED"
	EventStockReserved        EventType = "STOCK_RESERVED"

	EventPaymentInitiated EventType = "PAYMENT_INITIATED"
	EventPaymentSucceeded EventType = "PAYMENT_SUCCEEDED"
	EventPaymentFailed    EventType = "PAYMENT_FAILED"
	EventPaymentCancel    EventType = "PAYMENT_CANCEL"

	EventSeckillOrderWon EventType = "seckill.order.won"
)

// Payload shapes exchanged by the saga legs.
type (
	OrderEventPayload struct {
		OrderID    string   `json:"orderId"`
		UserID     string   `json:"userId,omitempty"`
		ProductIDs []string `json:"productIds,omitempty"`
		Quantities []int    `json:"quantities,omitempty"`
		Amount     int64    `json:"amount,omitempty"`
		Reason     string   `json:"reason,omitempty"`
	}

	StockEventPayload struct {
		OrderID   string `json:"orderId"`
		ProductID string `json:"productId"`
		Quantity  int    `json:"quantity"`
		Reason    string `json:"reason,omitempty"`
	}

	PaymentEventPayload struct {
		OrderID   string `json:"orderId"`
		PaymentID string `json:"paymentId,omitempty"`
		Amount    int64  `json:"amount"`
		Reason    string `json:"reason,omitempty"`
	}

	ProductEventPayload struct {
		ProductID string `json:"productId"`
		Name      string `json:"name,omitempty"`
		Stock     int    `json:"stock,omitempty"`
	}

	SeckillWonPayload struct {
		UserID    string `json:"userId"`
		ProductID string `json:"productId"`
		Price     int64  `json:"price"`
		Quantity  int    `json:"quantity"`
		Timestamp int64  `json:"timestamp"`
	}
)
