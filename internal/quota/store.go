package quota

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the atomic counter backend a QuotaManager charges against. Both
// implementations support only increment-with-expiry and decrement, the two
// primitives the charge/reconcile protocol needs.
type Store interface {
	// IncrBy atomically adds delta to key's counter, arming a ttl expiry the
	// first time the key is created, and returns the counter's new value.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// DecrBy atomically subtracts delta from key's counter. Used for the
	// best-effort rollback of already-incremented counters when a later
	// budget in the same charge call is exceeded.
	DecrBy(ctx context.Context, key string, delta int64) error
}

// incrExpireScript increments KEYS[1] by ARGV[1] and, only if the key did
// not already exist, sets its TTL to ARGV[2] milliseconds. Mirrors the
// "expire once, on creation" idiom so repeated charges within a window
// never push the expiry back out.
var incrExpireScript = redis.NewScript(`
	local key   = KEYS[1]
	local delta = tonumber(ARGV[1])
	local ttlMs = tonumber(ARGV[2])

	local existed = redis.call('EXISTS', key)
	local val = redis.call('INCRBY', key, delta)
	if existed == 0 then
		redis.call('PEXPIRE', key, ttlMs)
	end
	return val
`)

// RedisStore is a Store backed by a shared Redis instance, suitable for
// multi-replica deployments where all replicas must agree on quota state.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client. The caller owns its lifecycle.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	res, err := incrExpireScript.Run(ctx, s.client, []string{key}, delta, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, err
	}
	return res, nil
}

func (s *RedisStore) DecrBy(ctx context.Context, key string, delta int64) error {
	return s.client.DecrBy(ctx, key, delta).Err()
}

// LocalStore is a Store backed by a process-wide mutex-guarded map. It does
// not coordinate across replicas; use RedisStore for that.
type LocalStore struct {
	mu       sync.Mutex
	counters map[string]*localCounter
}

type localCounter struct {
	value     int64
	expiresAt time.Time
}

// NewLocalStore creates an empty LocalStore.
func NewLocalStore() *LocalStore {
	return &LocalStore{counters: make(map[string]*localCounter)}
}

func (s *LocalStore) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	c, ok := s.counters[key]
	if !ok || now.After(c.expiresAt) {
		c = &localCounter{expiresAt: now.Add(ttl)}
		s.counters[key] = c
	}
	c.value += delta
	return c.value, nil
}

func (s *LocalStore) DecrBy(_ context.Context, key string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.counters[key]; ok {
		c.value -= delta
	}
	return nil
}

// sweep removes expired counters. Call periodically from a background
// goroutine to bound LocalStore's memory under a growing key cardinality.
func (s *LocalStore) sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, c := range s.counters {
		if now.After(c.expiresAt) {
			delete(s.counters, k)
		}
	}
}

// StartSweeper runs sweep every interval until ctx is cancelled.
func (s *LocalStore) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}
