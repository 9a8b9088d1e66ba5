// Package locks provides the pass guards that keep two firing passes from
// overlapping: a process-local guard for single-instance deployments and a
// Redis guard for deployments where several instances share one database.
package locks

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"triggerhappy/internal/common/errors"
)

// LocalGuard serializes passes within one process. Zero value is ready.
type LocalGuard struct {
	mu   sync.Mutex
	held bool
}

// TryAcquire takes the guard without blocking. It fails when a pass is
// already running in this process.
func (g *LocalGuard) TryAcquire(ctx context.Context) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return nil, errors.ConnectionError("firing pass already in progress", nil)
	}
	g.held = true
	return func() {
		g.mu.Lock()
		g.held = false
		g.mu.Unlock()
	}, nil
}

const passLockKey = "lock:firing-pass"

// RedisGuard serializes passes across processes with a SetNX lock. The TTL
// bounds how long a crashed holder can block the next pass.
type RedisGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

// RedisGuardConfig configures the Redis connection behind a RedisGuard
type RedisGuardConfig struct {
	Address  string
	Password string
	DB       int
	// TTL is the lock expiration; defaults to 10 minutes
	TTL time.Duration
}

// NewRedisGuard connects to Redis and verifies the connection
func NewRedisGuard(config RedisGuardConfig) (*RedisGuard, error) {
	if config.Address == "" {
		config.Address = "localhost:6379"
	}
	if config.TTL <= 0 {
		config.TTL = 10 * time.Minute
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.ConnectionError("connecting to redis", err)
	}

	return &RedisGuard{rdb: rdb, ttl: config.TTL}, nil
}

// TryAcquire takes the distributed lock without blocking. It fails when any
// process currently holds it.
func (g *RedisGuard) TryAcquire(ctx context.Context) (func(), error) {
	acquired, err := g.rdb.SetNX(ctx, passLockKey, "locked", g.ttl).Result()
	if err != nil {
		return nil, errors.ConnectionError("acquiring pass lock", err)
	}
	if !acquired {
		return nil, errors.ConnectionError("firing pass already in progress elsewhere", nil)
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.rdb.Del(releaseCtx, passLockKey)
	}, nil
}

// Close releases the Redis connection
func (g *RedisGuard) Close() error {
	return g.rdb.Close()
}
