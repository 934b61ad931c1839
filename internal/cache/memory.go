package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rentora/apigw/internal/observability"
)

const defaultMaxEntries = 10000

// memoryCache is an in-memory LRU store. A hit moves the entry to the
// front of the eviction list; inserting past capacity evicts from the
// back. Expired entries are dropped lazily on access and swept by a
// background janitor.
type memoryCache struct {
	logger     observability.Logger
	maxEntries int

	mu       sync.Mutex
	items    map[string]*list.Element
	eviction *list.List

	hits   atomic.Int64
	misses atomic.Int64

	stopCh    chan struct{}
	closeOnce sync.Once
}

type memoryEntry struct {
	key       string
	entry     *Entry
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func newMemoryCache(maxEntries int, logger observability.Logger) *memoryCache {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}

	c := &memoryCache{
		logger:     logger,
		maxEntries: maxEntries,
		items:      make(map[string]*list.Element),
		eviction:   list.New(),
		stopCh:     make(chan struct{}),
	}

	go c.janitorLoop(time.Minute)

	logger.Info("memory cache initialized",
		observability.Int("maxEntries", maxEntries))

	return c
}

func (c *memoryCache) Get(ctx context.Context, key string) (*Entry, error) {
	_, span := otel.Tracer(tracerName).Start(ctx, "cache.Get",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("cache.backend", "memory")),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		recordCacheOp("memory", "get", time.Since(start))
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.miss(span)
		return nil, ErrCacheMiss
	}

	me := elem.Value.(*memoryEntry)
	if me.expired(time.Now()) {
		c.removeElement(elem)
		c.miss(span)
		return nil, ErrCacheMiss
	}

	c.eviction.MoveToFront(elem)
	c.hits.Add(1)
	recordCacheHit("memory")
	span.SetAttributes(attribute.Bool("cache.hit", true))

	return me.entry, nil
}

// miss counts a miss. Callers hold the mutex.
func (c *memoryCache) miss(span trace.Span) {
	c.misses.Add(1)
	recordCacheMiss("memory")
	span.SetAttributes(attribute.Bool("cache.hit", false))
}

func (c *memoryCache) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	_, span := otel.Tracer(tracerName).Start(ctx, "cache.Set",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", "memory"),
			attribute.Int("cache.body_size", len(entry.Body)),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		recordCacheOp("memory", "set", time.Since(start))
	}()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	me := &memoryEntry{
		key:       key,
		entry:     entry,
		expiresAt: expiresAt,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.eviction.MoveToFront(elem)
		elem.Value = me
		return nil
	}

	c.items[key] = c.eviction.PushFront(me)

	for c.eviction.Len() > c.maxEntries {
		c.evictOldest()
	}

	recordCacheSize("memory", c.eviction.Len())
	return nil
}

func (c *memoryCache) Delete(_ context.Context, key string) error {
	start := time.Now()
	defer func() {
		recordCacheOp("memory", "delete", time.Since(start))
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
	return nil
}

func (c *memoryCache) Stats() Stats {
	c.mu.Lock()
	entries := int64(c.eviction.Len())
	c.mu.Unlock()

	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: entries,
	}
}

func (c *memoryCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCh)
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.eviction.Init()
	recordCacheSize("memory", 0)

	return nil
}

// evictOldest drops the least recently used entry. Callers hold the
// mutex.
func (c *memoryCache) evictOldest() {
	elem := c.eviction.Back()
	if elem == nil {
		return
	}
	c.removeElement(elem)
	recordCacheEviction("memory")
}

// removeElement unlinks an entry. Callers hold the mutex.
func (c *memoryCache) removeElement(elem *list.Element) {
	c.eviction.Remove(elem)
	delete(c.items, elem.Value.(*memoryEntry).key)
	recordCacheSize("memory", c.eviction.Len())
}

func (c *memoryCache) janitorLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

// sweep removes expired entries under a single lock so an entry cannot
// be refreshed between inspection and removal.
func (c *memoryCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var stale []*list.Element
	for elem := c.eviction.Back(); elem != nil; elem = elem.Prev() {
		if elem.Value.(*memoryEntry).expired(now) {
			stale = append(stale, elem)
		}
	}

	for _, elem := range stale {
		c.removeElement(elem)
	}

	if len(stale) > 0 {
		c.logger.Debug("cache sweep removed expired entries",
			observability.Int("removed", len(stale)))
	}
}
