package repos

import (
	"context"
	"fmt"
	"time"

	"github.com/architeacher/svc-commerce-core/internal/infrastructure"
)

// IdempotencyRepository records processed event keys in KeyDB with a TTL.
// Keys are derived from the business meaning of the event, not the envelope
// id, so duplicate upstream events collapse even when their envelope ids
// differ.
type IdempotencyRepository struct {
	client *infrastructure.KeydbClient
}

func NewIdempotencyRepository(client *infrastructure.KeydbClient) *IdempotencyRepository {
	return &IdempotencyRepository{client: client}
}

func (r *IdempotencyRepository) IsProcessed(ctx context.Context, consumerName, key string) (bool, error) {
	exists, err := r.client.Client().Exists(ctx, processedKey(consumerName, key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}

	return exists > 0, nil
}

// MarkProcessed records the key with set-if-absent semantics: it returns true
// only for the caller that inserted the key, so racing consumers agree on a
// single winner.
func (r *IdempotencyRepository) MarkProcessed(ctx context.Context, consumerName, key string, ttl time.Duration) (bool, error) {
	inserted, err := r.client.Client().SetNX(ctx, processedKey(consumerName, key), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark idempotency key: %w", err)
	}

	return inserted, nil
}

func processedKey(consumerName, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", consumerName, key)
}
