// Package lock provides short-lived advisory locks guarding conditional
// writes. A single-process deployment uses the in-memory locker; deployments
// with several gateway instances in front of one storage zone point them at
// the same Redis.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Locker hands out exclusive leases on object keys. Acquire reports ok=false
// when another holder owns the key.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), ok bool, err error)
}

// Memory is a process-local Locker.
type Memory struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]struct{})}
}

func (m *Memory) Acquire(_ context.Context, key string) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.held[key]; taken {
		return nil, false, nil
	}
	m.held[key] = struct{}{}
	release := func() {
		m.mu.Lock()
		delete(m.held, key)
		m.mu.Unlock()
	}
	return release, true, nil
}

// releaseScript deletes the lock only when the stored token still matches,
// so an expired lease cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker backed by SET NX PX with token-checked release.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	log    *logrus.Entry
}

// NewRedis connects a Redis locker from a redis:// URL. keys are namespaced
// under "s3gw:lock:".
func NewRedis(url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &Redis{
		client: redis.NewClient(opts),
		ttl:    ttl,
		prefix: "s3gw:lock:",
		log:    logrus.WithField("component", "lock"),
	}, nil
}

func (r *Redis) Acquire(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.NewString()
	name := r.prefix + key

	ok, err := r.client.SetNX(ctx, name, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// Release runs on a fresh context: the request context may already
		// be cancelled by the time cleanup happens.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.client, []string{name}, token).Err(); err != nil && err != redis.Nil {
			r.log.WithError(err).WithField("key", key).Warn("Failed to release lock")
		}
	}
	return release, true, nil
}

// Close tears down the Redis connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
