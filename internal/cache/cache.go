// Package cache holds recent scoring outcomes and dedup counters.
// The memory backend serves a single process; Redis serves a fleet;
// the two-phase wrapper layers one over the other.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New selects a cache backend from configuration.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryCache(cfg.LocalMaxSize), nil
	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	}
	return nil, fmt.Errorf("unsupported cache type: %q", cfg.Type)
}

// Key prefixes shared by every backend so a two-phase L1 hit and an L2
// hit resolve the same entry.
func scoreKey(txID string) string  { return "score:" + txID }
func counterKey(key string) string { return "counter:" + key }

func encodeScoreEvent(ev *domain.ScoreEvent) ([]byte, error) {
	return json.Marshal(ev)
}

func decodeScoreEvent(data []byte) (*domain.ScoreEvent, error) {
	var ev domain.ScoreEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("corrupt cached score event: %w", err)
	}
	return &ev, nil
}

// TwoPhaseCache reads through a local L1 into Redis. Reads hit L1
// first and backfill it from L2; writes land in both, with the L1
// copy capped to a short TTL so instances never serve stale entries
// for long.
type TwoPhaseCache struct {
	l1    *MemoryCache
	l2    *RedisCache
	l1TTL time.Duration
}

// NewTwoPhaseCache builds the layered cache. LocalTTL caps L1
// residency; zero means 5 minutes.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	l2, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("two-phase cache needs redis: %w", err)
	}

	l1TTL := cfg.LocalTTL
	if l1TTL <= 0 {
		l1TTL = 5 * time.Minute
	}
	return &TwoPhaseCache{
		l1:    NewMemoryCache(cfg.LocalMaxSize),
		l2:    l2,
		l1TTL: l1TTL,
	}, nil
}

// capTTL keeps the L1 copy no longer-lived than the caller asked for.
func (c *TwoPhaseCache) capTTL(ttl time.Duration) time.Duration {
	if ttl < c.l1TTL {
		return ttl
	}
	return c.l1TTL
}

// Get reads L1, then L2; an L2 hit backfills L1.
func (c *TwoPhaseCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if data, err := c.l1.Get(ctx, tenantID, key); err != nil || data != nil {
		return data, err
	}
	data, err := c.l2.Get(ctx, tenantID, key)
	if err != nil || data == nil {
		return nil, err
	}
	_ = c.l1.Set(ctx, tenantID, key, data, c.l1TTL)
	return data, nil
}

// Set writes both layers.
func (c *TwoPhaseCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if err := c.l1.Set(ctx, tenantID, key, value, c.capTTL(ttl)); err != nil {
		return err
	}
	return c.l2.Set(ctx, tenantID, key, value, ttl)
}

// Delete removes the key from both layers.
func (c *TwoPhaseCache) Delete(ctx context.Context, tenantID string, key string) error {
	if err := c.l1.Delete(ctx, tenantID, key); err != nil {
		return err
	}
	return c.l2.Delete(ctx, tenantID, key)
}

// GetScoreEvent reads through both layers, backfilling L1 on an L2 hit.
func (c *TwoPhaseCache) GetScoreEvent(ctx context.Context, tenantID string, txID string) (*domain.ScoreEvent, error) {
	if ev, err := c.l1.GetScoreEvent(ctx, tenantID, txID); err != nil || ev != nil {
		return ev, err
	}
	ev, err := c.l2.GetScoreEvent(ctx, tenantID, txID)
	if err != nil || ev == nil {
		return nil, err
	}
	_ = c.l1.SetScoreEvent(ctx, tenantID, txID, ev, c.l1TTL)
	return ev, nil
}

// SetScoreEvent writes both layers.
func (c *TwoPhaseCache) SetScoreEvent(ctx context.Context, tenantID string, txID string, ev *domain.ScoreEvent, ttl time.Duration) error {
	if err := c.l1.SetScoreEvent(ctx, tenantID, txID, ev, c.capTTL(ttl)); err != nil {
		return err
	}
	return c.l2.SetScoreEvent(ctx, tenantID, txID, ev, ttl)
}

// IncrementCounter always goes to L2. Redelivery detection needs one
// exact counter per fleet, not one per instance.
func (c *TwoPhaseCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	return c.l2.IncrementCounter(ctx, tenantID, key, window)
}

// Ping requires both layers healthy.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.l1.Ping(ctx); err != nil {
		return fmt.Errorf("l1: %w", err)
	}
	if err := c.l2.Ping(ctx); err != nil {
		return fmt.Errorf("l2: %w", err)
	}
	return nil
}

// Close releases both layers.
func (c *TwoPhaseCache) Close() error {
	_ = c.l1.Close()
	return c.l2.Close()
}

// Stats reports the L1 fill level.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.l1.Stats()
}
