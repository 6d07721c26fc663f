package credits

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relayforge/webhookd/internal/config"
)

// consumeScript decrements only when at least one credit remains, so the
// check and the decrement are a single atomic step on the Redis side.
var consumeScript = redis.NewScript(`
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
if balance >= 1 then
	redis.call('DECRBY', KEYS[1], 1)
	return 1
end
return 0
`)

// RedisLedger is a Ledger backed by per-owner balance keys in Redis.
type RedisLedger struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisLedger connects to Redis and verifies the connection.
func NewRedisLedger(cfg *config.RedisConfig, logger *zap.Logger) (*RedisLedger, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Successfully connected to Redis",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
	)

	return &RedisLedger{client: client, logger: logger}, nil
}

func balanceKey(ownerID uuid.UUID) string {
	return "credits:" + ownerID.String()
}

func (l *RedisLedger) HasCredits(ctx context.Context, ownerID uuid.UUID) (bool, error) {
	balance, err := l.client.Get(ctx, balanceKey(ownerID)).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read credit balance: %w", err)
	}
	return balance > 0, nil
}

func (l *RedisLedger) ConsumeCredit(ctx context.Context, ownerID uuid.UUID) (bool, error) {
	consumed, err := consumeScript.Run(ctx, l.client, []string{balanceKey(ownerID)}).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to consume credit: %w", err)
	}
	return consumed == 1, nil
}

// Ping verifies the Redis connection is healthy.
func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (l *RedisLedger) Close() error {
	return l.client.Close()
}
