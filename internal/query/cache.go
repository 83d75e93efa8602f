// Package query caches request results by key.
//
// A Cache holds the last successful value for each key for as long as the
// cache lives. Concurrent fetches for one key share a single call. Failed
// fetches are not cached and are never retried by the cache.
package query

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/hurricanerix/blink/internal/metrics"
)

// FetchFunc produces the value for a key.
type FetchFunc[V any] func(ctx context.Context) (V, error)

// Cache is a concurrency-safe result cache with per-key call collapsing.
type Cache[V any] struct {
	ctx    context.Context
	mu     sync.RWMutex
	values map[string]V
	group  singleflight.Group

	inflightMu sync.Mutex
	inflight   map[string]int
}

// New creates an empty cache. Fetch functions run with ctx, so cancelling
// it aborts every in-flight fetch.
func New[V any](ctx context.Context) *Cache[V] {
	return &Cache[V]{
		ctx:      ctx,
		values:   make(map[string]V),
		inflight: make(map[string]int),
	}
}

// Get returns the cached value for key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Set stores value under key, replacing any previous value.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Len returns the number of cached values.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}

// InFlight reports whether a fetch for key is running.
func (c *Cache[V]) InFlight(key string) bool {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	return c.inflight[key] > 0
}

// Fetch returns the cached value for key, or calls fn to produce it.
// Callers that arrive while a fetch for the same key is running wait for
// that fetch instead of starting another. On success the value is cached;
// on error nothing is stored and the next Fetch calls fn again.
//
// ctx only bounds how long this caller waits. fn runs with the cache's
// context so that one waiter giving up does not fail the others.
func (c *Cache[V]) Fetch(ctx context.Context, key string, fn FetchFunc[V]) (V, error) {
	if v, ok := c.Get(key); ok {
		metrics.QueryLookups.WithLabelValues("hit").Inc()
		return v, nil
	}

	c.track(key, 1)
	defer c.track(key, -1)

	ch := c.group.DoChan(key, func() (interface{}, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := fn(c.ctx)
		if err != nil {
			return v, err
		}
		c.Set(key, v)
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			metrics.QueryLookups.WithLabelValues("shared").Inc()
		} else {
			metrics.QueryLookups.WithLabelValues("miss").Inc()
		}
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

func (c *Cache[V]) track(key string, delta int) {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	c.inflight[key] += delta
	if c.inflight[key] <= 0 {
		delete(c.inflight, key)
	}
}
