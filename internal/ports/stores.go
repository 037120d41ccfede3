package ports

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/architeacher/svc-commerce-core/internal/domain"
)

type (
	// TxRunner runs a function inside one database transaction, committing on
	// nil and rolling back on error. infrastructure.Storage implements it.
	TxRunner interface {
		WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
	}

	// IdempotencyStore answers "has this consumer already applied this key?".
	// MarkProcessed has set-if-absent semantics: it returns true only for the
	// caller that inserted the key.
	IdempotencyStore interface {
		IsProcessed(ctx context.Context, consumerName, key string) (bool, error)
		MarkProcessed(ctx context.Context, consumerName, key string, ttl time.Duration) (bool, error)
	}

	// SchemaRegistry validates event payloads against the schema declared for
	// their type. Unknown event types pass validation untouched.
	SchemaRegistry interface {
		Validate(eventType domain.EventType, data []byte) error
	}

	// PaymentGateway is the synchronous charge call guarded by the circuit
	// breaker. A decline is domain.ErrPaymentDeclined; an open circuit is
	// domain.ErrCircuitOpen.
	PaymentGateway interface {
		Charge(ctx context.Context, orderID string, amount int64) (string, error)
	}

	// BackgroundProcessor is a long-running worker loop owned by a runtime
	// context. Start blocks until the context is cancelled.
	BackgroundProcessor interface {
		Start(ctx context.Context) error
	}
)
