package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// counterScript increments a counter and stamps its window TTL on
// first touch, atomically. Compiled once; go-redis EVALSHAs after the
// first run.
var counterScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisCache is the shared cache backend for the Pro tier, and L2 of
// the two-phase cache. Counters and score events survive process
// restarts and are visible to every instance.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects and verifies the server is reachable.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
	}
	return &RedisCache{client: client}, nil
}

// redisKey namespaces every key under the product and tenant.
func redisKey(tenantID, key string) string {
	return "kestrel:" + tenantID + ":" + key
}

// Get returns the value, or nil without error when the key is absent.
func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, errNoTenant
	}
	data, err := c.client.Get(ctx, redisKey(tenantID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return data, err
}

// Set stores the value with the given TTL.
func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return errNoTenant
	}
	return c.client.Set(ctx, redisKey(tenantID, key), value, ttl).Err()
}

// Delete removes the key. Deleting an absent key is not an error.
func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return errNoTenant
	}
	return c.client.Del(ctx, redisKey(tenantID, key)).Err()
}

// GetScoreEvent returns a cached score event, or nil on a miss.
func (c *RedisCache) GetScoreEvent(ctx context.Context, tenantID string, txID string) (*domain.ScoreEvent, error) {
	data, err := c.Get(ctx, tenantID, scoreKey(txID))
	if err != nil || data == nil {
		return nil, err
	}
	return decodeScoreEvent(data)
}

// SetScoreEvent caches a score event.
func (c *RedisCache) SetScoreEvent(ctx context.Context, tenantID string, txID string, ev *domain.ScoreEvent, ttl time.Duration) error {
	data, err := encodeScoreEvent(ev)
	if err != nil {
		return err
	}
	return c.Set(ctx, tenantID, scoreKey(txID), data, ttl)
}

// IncrementCounter runs the atomic INCR+PEXPIRE script. Counters are
// exact across instances, which the duplicate-delivery check needs.
func (c *RedisCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	if tenantID == "" {
		return 0, errNoTenant
	}
	k := redisKey(tenantID, counterKey(key))
	return counterScript.Run(ctx, c.client, []string{k}, window.Milliseconds()).Int64()
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
