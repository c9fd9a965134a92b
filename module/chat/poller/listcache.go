package poller

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ListCache skips list-endpoint fetches (conversation members and the like)
// that completed within the validity window. Concurrent misses on the same key
// share one fetch.
type ListCache[T any] struct {
	lru *expirable.LRU[string, []T]

	mu       sync.Mutex
	inflight map[string]*call[T]
}

type call[T any] struct {
	done chan struct{}
	val  []T
	err  error
}

// NewListCache keeps up to size keys for validity each (default 10s).
func NewListCache[T any](size int, validity time.Duration) *ListCache[T] {
	if size <= 0 {
		size = 128
	}
	if validity <= 0 {
		validity = 10 * time.Second
	}
	return &ListCache[T]{
		lru:      expirable.NewLRU[string, []T](size, nil, validity),
		inflight: make(map[string]*call[T]),
	}
}

// Get returns the cached list for key, or runs fetch and caches a successful result.
func (c *ListCache[T]) Get(ctx context.Context, key string, fetch func(context.Context) ([]T, error)) ([]T, error) {
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}

	c.mu.Lock()
	if cl, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-cl.done:
			return cl.val, cl.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	cl := &call[T]{done: make(chan struct{})}
	c.inflight[key] = cl
	c.mu.Unlock()

	cl.val, cl.err = fetch(ctx)
	if cl.err == nil {
		c.lru.Add(key, cl.val)
	}

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
	close(cl.done)
	return cl.val, cl.err
}

func (c *ListCache[T]) Invalidate(key string) { c.lru.Remove(key) }

func (c *ListCache[T]) Len() int { return c.lru.Len() }
