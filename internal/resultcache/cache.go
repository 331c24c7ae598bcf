// Package resultcache deduplicates and remembers generation results.
//
// Entries are keyed by a hash of the request content (see Key). An entry is
// either pending, with one computation in flight that every concurrent
// caller awaits, or complete. Failed computations are dropped so the next
// caller starts fresh. Entries are held in a bounded LRU. When a Shared
// tier is configured, completed results are also written there so other
// gateway instances can serve them.
package resultcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

var (
	ErrInvalidCapacity = errors.New("resultcache: capacity must be positive")
	ErrComputePanic    = errors.New("resultcache: compute panicked")
)

// Result is a completed generation.
type Result struct {
	Body        []byte `json:"body"`
	ContentType string `json:"contentType"`
	Worker      string `json:"worker"`
	LatencyMs   int64  `json:"latencyMs"`
}

// ComputeFunc produces the result for a key on a miss.
type ComputeFunc func(ctx context.Context) (*Result, error)

// Shared is a second cache tier visible to every gateway instance.
type Shared interface {
	Get(ctx context.Context, key string) (*Result, bool, error)
	Set(ctx context.Context, key string, res *Result) error
}

type entry struct {
	done chan struct{}
	res  *Result
	err  error
}

func (e *entry) complete() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Capacity  int    `json:"capacity"`
	Entries   int    `json:"entries"`
	Pending   int    `json:"pending"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Joins     uint64 `json:"joins"`
	Computes  uint64 `json:"computes"`
	Failures  uint64 `json:"failures"`
	Evictions uint64 `json:"evictions"`
	Shared    bool   `json:"shared"`
}

// Cache is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, *entry]
	capacity int
	shared   Shared
	logger   *slog.Logger

	hits      atomic.Uint64
	misses    atomic.Uint64
	joins     atomic.Uint64
	computes  atomic.Uint64
	failures  atomic.Uint64
	evictions atomic.Uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithShared adds a shared tier behind the in-process LRU.
func WithShared(s Shared) Option {
	return func(c *Cache) { c.shared = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New creates a cache holding at most capacity entries.
func New(capacity int, opts ...Option) (*Cache, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	lru, err := simplelru.NewLRU[string, *entry](capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("resultcache: %w", err)
	}
	c := &Cache{lru: lru, capacity: capacity, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// add inserts e under key. c.mu must be held.
func (c *Cache) add(key string, e *entry) {
	if c.lru.Add(key, e) {
		c.evictions.Add(1)
		evictions.Inc()
	}
	entriesGauge.Set(float64(c.lru.Len()))
}

// Join serves key without computing anything. A completed entry is a hit.
// A pending entry is awaited and is a hit if it succeeds; if it fails the
// caller gets a miss and should run its own pipeline. On a local miss the
// shared tier is consulted. ctx ending while waiting returns ctx.Err().
func (c *Cache) Join(ctx context.Context, key string) (*Result, bool, error) {
	c.mu.Lock()
	e, ok := c.lru.Get(key)
	c.mu.Unlock()

	if ok {
		pending := !e.complete()
		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
		if e.err == nil {
			c.recordHit(pending)
			return e.res, true, nil
		}
	}

	if res, found := c.sharedGet(ctx, key); found {
		c.recordHit(false)
		return res, true, nil
	}

	c.misses.Add(1)
	lookups.WithLabelValues("miss").Inc()
	return nil, false, nil
}

func (c *Cache) recordHit(joined bool) {
	if joined {
		c.joins.Add(1)
		lookups.WithLabelValues("join").Inc()
		return
	}
	c.hits.Add(1)
	lookups.WithLabelValues("hit").Inc()
}

func (c *Cache) sharedGet(ctx context.Context, key string) (*Result, bool) {
	if c.shared == nil {
		return nil, false
	}
	res, found, err := c.shared.Get(ctx, key)
	if err != nil {
		c.logger.Warn("shared cache read failed", "key", key, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}

	done := make(chan struct{})
	close(done)
	c.mu.Lock()
	if _, ok := c.lru.Peek(key); !ok {
		c.add(key, &entry{done: done, res: res})
	}
	c.mu.Unlock()
	return res, true
}

// GetOrCompute returns the result for key, running fn at most once per
// key while an entry for it exists. shared reports that the result came
// from another caller's computation or from a completed entry rather
// than this call's fn. A failed fn is not cached. Callers that joined a
// computation whose owner was canceled retry with their own context.
func (c *Cache) GetOrCompute(ctx context.Context, key string, fn ComputeFunc) (res *Result, shared bool, err error) {
	for {
		c.mu.Lock()
		e, ok := c.lru.Get(key)
		if !ok {
			e = &entry{done: make(chan struct{})}
			c.add(key, e)
			c.mu.Unlock()
			res, err := c.compute(ctx, key, e, fn)
			return res, false, err
		}
		c.mu.Unlock()

		pending := !e.complete()
		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
		if e.err == nil {
			c.recordHit(pending)
			return e.res, true, nil
		}
		if ctx.Err() == nil && (errors.Is(e.err, context.Canceled) || errors.Is(e.err, context.DeadlineExceeded)) {
			continue
		}
		return nil, true, e.err
	}
}

func (c *Cache) compute(ctx context.Context, key string, e *entry, fn ComputeFunc) (res *Result, err error) {
	c.computes.Add(1)
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("%w: %v", ErrComputePanic, r)
		}
		if err == nil && res == nil {
			err = errors.New("resultcache: compute returned no result")
		}

		c.mu.Lock()
		if err != nil {
			if cur, ok := c.lru.Peek(key); ok && cur == e {
				c.lru.Remove(key)
				entriesGauge.Set(float64(c.lru.Len()))
			}
			e.err = err
		} else {
			e.res = res
		}
		c.mu.Unlock()
		close(e.done)

		if err != nil {
			c.failures.Add(1)
			computeTotal.WithLabelValues("failure").Inc()
			return
		}
		computeTotal.WithLabelValues("success").Inc()
		if c.shared != nil {
			if serr := c.shared.Set(ctx, key, res); serr != nil {
				c.logger.Warn("shared cache write failed", "key", key, "error", serr)
			}
		}
	}()
	return fn(ctx)
}

// Len returns the number of entries, pending included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats reports entry counts and lifetime counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries := c.lru.Values()
	c.mu.Unlock()

	pending := 0
	for _, e := range entries {
		if !e.complete() {
			pending++
		}
	}
	return Stats{
		Capacity:  c.capacity,
		Entries:   len(entries),
		Pending:   pending,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Joins:     c.joins.Load(),
		Computes:  c.computes.Load(),
		Failures:  c.failures.Load(),
		Evictions: c.evictions.Load(),
		Shared:    c.shared != nil,
	}
}
