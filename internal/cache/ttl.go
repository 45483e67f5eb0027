package cache

import (
	"context"
	"sync"
	"time"
)

// Fallback loads the value on a miss. Its error is returned to the caller
// and never cached.
type Fallback[V any] func(ctx context.Context) (V, error)

// TTL is a process-local cache with per-entry expiry. Concurrent misses on
// the same key may each run the fallback; callers rely on idempotent writes
// rather than request coalescing.
type TTL[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	ttl     time.Duration
}

type entry[V any] struct {
	value   V
	expires time.Time
}

func NewTTL[V any](ttl time.Duration) *TTL[V] {
	return &TTL[V]{entries: make(map[string]entry[V]), ttl: ttl}
}

// Get returns the live value for key if present and unexpired, otherwise
// runs fallback, stores its result with a fresh TTL, and returns it.
func (c *TTL[V]) Get(ctx context.Context, key string, fallback Fallback[V]) (V, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if time.Now().Before(e.expires) {
			c.mu.Unlock()
			return e.value, nil
		}
		delete(c.entries, key)
	}
	c.mu.Unlock()

	v, err := fallback(ctx)
	if err != nil {
		var zero V
		return zero, err
	}
	c.Set(key, v)
	return v, nil
}

func (c *TTL[V]) Set(key string, value V) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *TTL[V]) Remove(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
