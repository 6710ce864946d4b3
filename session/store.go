package session

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the session metadata table.
type Store interface {
	// Create stores a new session with Version set to 1.
	Create(ctx context.Context, data *Data) error

	// Get retrieves a session by ID.
	// Returns nil if the session is not found (not an error).
	Get(ctx context.Context, id string) (*Data, error)

	// Update persists an existing session with optimistic locking: the
	// Version must match the stored version and is incremented on success.
	// Returns ErrVersionConflict on a stale version, ErrNotFound if the
	// session no longer exists.
	Update(ctx context.Context, data *Data) error

	// Delete removes a session by ID. Deleting an absent session is a no-op.
	Delete(ctx context.Context, id string) error

	// List returns all stored sessions.
	List(ctx context.Context) ([]*Data, error)

	// Close releases the store's resources.
	Close() error
}

// StoreType selects a Store driver.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

// StoreOption is a functional option for configuring a session store.
type StoreOption func(*storeConfig)

type storeConfig struct {
	redisClient *redis.Client
	redisTTL    time.Duration
}

// WithRedisClient sets the Redis client for the Redis store.
func WithRedisClient(client *redis.Client) StoreOption {
	return func(c *storeConfig) {
		c.redisClient = client
	}
}

// WithRedisTTL sets the TTL for Redis keys.
func WithRedisTTL(ttl time.Duration) StoreOption {
	return func(c *storeConfig) {
		c.redisTTL = ttl
	}
}

// NewStore creates a Store of the given driver type. The Redis driver
// requires WithRedisClient.
func NewStore(storeType StoreType, opts ...StoreOption) (Store, error) {
	config := &storeConfig{}
	for _, opt := range opts {
		opt(config)
	}

	switch storeType {
	case StoreTypeMemory:
		return newMemoryStore(), nil
	case StoreTypeRedis:
		if config.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		return newRedisStore(config.redisClient, config.redisTTL), nil
	default:
		return nil, ErrInvalidStoreType
	}
}
