package domain

import (
	"context"
	"time"
)

// Cache holds hot scoring state: recent score events for the query
// surface and the redelivery fast path, plus windowed counters for
// duplicate detection. Misses return nil, nil — callers treat absence
// as "go compute it", never as an error. Every key is tenant-scoped.
type Cache interface {
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, tenantID string, key string) error

	// GetScoreEvent returns the cached outcome for a transaction, or
	// nil when it has not been scored recently.
	GetScoreEvent(ctx context.Context, tenantID string, txID string) (*ScoreEvent, error)

	// SetScoreEvent retains an outcome so a redelivered transaction can
	// be answered without rescoring.
	SetScoreEvent(ctx context.Context, tenantID string, txID string, ev *ScoreEvent, ttl time.Duration) error

	// IncrementCounter bumps a windowed counter and returns the new
	// value; the first bump opens the window. A result above 1 means
	// the key was seen within the window — the duplicate signal.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	Ping(ctx context.Context) error

	Close() error
}

// CacheConfig selects and tunes the cache backend.
type CacheConfig struct {
	// Type: "memory" or "redis".
	Type string

	// In-process cache bounds; also the L1 of the two-phase cache.
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis connection settings.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EnableTwoPhase layers the in-process cache over Redis.
	EnableTwoPhase bool
}
