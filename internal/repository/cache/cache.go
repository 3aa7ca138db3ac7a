package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Cache is a JSON read-through helper over Redis. Cache failures are
// logged and treated as misses; they never fail the caller.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func New(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	return &Cache{
		client: client,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "cache")),
	}
}

func TransactionKey(id string) string {
	return fmt.Sprintf("transaction:%s", id)
}

func PayoutKey(id string) string {
	return fmt.Sprintf("payout:%s", id)
}

func PaymentMethodKey(id string) string {
	return fmt.Sprintf("payment_method:%s", id)
}

func UserPaymentMethodsKey(userID string) string {
	return fmt.Sprintf("payment_methods:user:%s", userID)
}

// Get decodes the cached value at key into dst and reports a hit.
func (c *Cache) Get(ctx context.Context, key string, dst any) bool {
	if c == nil {
		return false
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.Warn("failed to unmarshal cached value", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (c *Cache) Set(ctx context.Context, key string, value any) {
	if c == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("failed to marshal value for cache", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("failed to cache value", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	if c == nil || len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("failed to invalidate cache", zap.Strings("keys", keys), zap.Error(err))
	}
}
