package infrastructure

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/architeacher/svc-commerce-core/internal/config"
)

// KeydbClient is the idempotency store connection singleton of a process.
type KeydbClient struct {
	client *redis.Client
	logger *Logger
}

func NewKeyDBClient(cfg config.CacheConfig, logger *Logger) *KeydbClient {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	return &KeydbClient{
		client: client,
		logger: logger,
	}
}

func (c *KeydbClient) Client() *redis.Client {
	return c.client
}

func (c *KeydbClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *KeydbClient) Close() error {
	return c.client.Close()
}
