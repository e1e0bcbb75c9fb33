package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/contactlens/backend/internal/bulk"
)

const cacheKeyPrefix = "resolve:"

// KV is the subset of go-redis the cache needs. *redis.Client implements it.
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Cache remembers resolved download URLs in Redis for a short TTL.
// Redis failures never fail a resolution; they only skip the cache.
type Cache struct {
	inner  bulk.Resolver
	kv     KV
	ttl    time.Duration
	logger *zap.Logger
}

// NewCache wraps inner. ttl should stay well below the lifetime of the signed URLs.
func NewCache(inner bulk.Resolver, kv KV, ttl time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{inner: inner, kv: kv, ttl: ttl, logger: logger}
}

// CacheKey returns the Redis key for a metadata reference.
func CacheKey(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}

// Resolve implements bulk.Resolver.
func (c *Cache) Resolve(ctx context.Context, ref string) (string, error) {
	key := CacheKey(ref)
	cached, err := c.kv.Get(ctx, key).Result()
	switch {
	case err == nil && cached != "":
		return cached, nil
	case err != nil && !errors.Is(err, redis.Nil):
		c.logger.Warn("resolve cache read failed", zap.Error(err))
	}

	u, err := c.inner.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	if err := c.kv.Set(ctx, key, u, c.ttl).Err(); err != nil {
		c.logger.Warn("resolve cache write failed", zap.Error(err))
	}
	return u, nil
}
