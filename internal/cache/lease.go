// Package cache provides the short-lived distributed leases that keep two
// processes from polling the same mailbox at once.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseLost is returned by Release when the lease expired and another
// holder took it.
var ErrLeaseLost = errors.New("lease no longer held")

// Leaser hands out exclusive, expiring leases on string keys.
type Leaser interface {
	// Acquire takes the lease on key for ttl. It reports false without error
	// when someone else holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error)
	Ping(ctx context.Context) error
}

// Lease is a held lease.
type Lease struct {
	Key     string
	token   string
	release func(ctx context.Context) error
}

// Release gives the lease back. Releasing an expired lease returns
// ErrLeaseLost.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.release == nil {
		return nil
	}
	return l.release(ctx)
}

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addrs        []string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	KeyPrefix    string
}

// RedisLeaser implements Leaser with SET NX and a compare-and-delete release.
type RedisLeaser struct {
	client redis.UniversalClient
	prefix string
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisLeaser connects to Redis. More than one address selects cluster
// mode.
func NewRedisLeaser(ctx context.Context, cfg RedisConfig) (*RedisLeaser, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	l := NewRedisLeaserFromClient(client, cfg.KeyPrefix)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := l.Ping(pingCtx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return l, nil
}

// NewRedisLeaserFromClient wraps an existing client.
func NewRedisLeaserFromClient(client redis.UniversalClient, prefix string) *RedisLeaser {
	if prefix == "" {
		prefix = "inframate:lease:"
	}
	return &RedisLeaser{client: client, prefix: prefix}
}

// Ping checks the connection.
func (r *RedisLeaser) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Acquire implements Leaser.
func (r *RedisLeaser) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	full := r.prefix + key
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{Key: key, token: token, release: func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, r.client, []string{full}, token).Int64()
		if err != nil {
			return fmt.Errorf("release lease %s: %w", key, err)
		}
		if n == 0 {
			return ErrLeaseLost
		}
		return nil
	}}, true, nil
}

// Close closes the client.
func (r *RedisLeaser) Close() error {
	return r.client.Close()
}

// LocalLeaser is an in-process Leaser for single-instance deployments.
type LocalLeaser struct {
	mu      sync.Mutex
	entries map[string]localEntry
	now     func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

// NewLocalLeaser builds an empty in-process leaser.
func NewLocalLeaser() *LocalLeaser {
	return &LocalLeaser{entries: make(map[string]localEntry), now: time.Now}
}

// Ping always succeeds.
func (l *LocalLeaser) Ping(context.Context) error { return nil }

// Acquire implements Leaser.
func (l *LocalLeaser) Acquire(_ context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if e, ok := l.entries[key]; ok && now.Before(e.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.entries[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &Lease{Key: key, token: token, release: func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		e, ok := l.entries[key]
		if !ok || e.token != token {
			return ErrLeaseLost
		}
		delete(l.entries, key)
		return nil
	}}, true, nil
}
