// Package simcache is a bounded, time-limited cache in front of the
// similarity store. Entries are keyed by a fingerprint of the case attributes
// that affect ranking, so volatile fields such as timestamps or free-text
// descriptions never split the cache.
package simcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/similarity"
)

// MaxK bounds every query regardless of how large the store grows.
const MaxK = 3

// Defaults
const (
	DefaultTTL        = 10 * time.Minute
	DefaultMaxEntries = 256
)

// Searcher is the similarity collaborator behind the cache.
type Searcher interface {
	Search(ctx context.Context, collection string, q similarity.Query, k int) ([]similarity.Item, error)
}

type entry struct {
	items     []similarity.Item
	createdAt time.Time
}

// Stats are cumulative cache counters.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Invalidations uint64
	Entries       int
}

// Cache memoizes similarity searches by fingerprint.
type Cache struct {
	searcher   Searcher
	ttl        time.Duration
	maxEntries int
	clock      func() time.Time

	mu         sync.Mutex
	entries    map[string]entry
	generation uint64
	stats      Stats

	flight singleflight.Group
}

// Option customizes a Cache.
type Option func(*Cache)

// WithTTL sets how long an entry stays valid.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMaxEntries bounds the number of cached fingerprints.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// New wraps searcher with a cache.
func New(searcher Searcher, opts ...Option) *Cache {
	c := &Cache{
		searcher:   searcher,
		ttl:        DefaultTTL,
		maxEntries: DefaultMaxEntries,
		clock:      time.Now,
		entries:    make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fingerprint derives the cache key from the collection, k and the
// normalized dispute type, amount and customer segment. Nothing else in q
// contributes.
func Fingerprint(collection string, q similarity.Query, k int) string {
	normalized := strings.Join([]string{
		collection,
		fmt.Sprintf("k=%d", k),
		"type=" + strings.ToLower(strings.TrimSpace(q.DisputeType)),
		fmt.Sprintf("amount=%.2f", q.Amount),
		"segment=" + strings.ToLower(strings.TrimSpace(q.Segment)),
	}, "|")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Query returns up to k items for q, serving from cache when a fresh entry
// exists. k is clamped to MaxK. Concurrent misses on one fingerprint within
// the same cache generation share a single search.
func (c *Cache) Query(ctx context.Context, collection string, q similarity.Query, k int) ([]similarity.Item, error) {
	if k > MaxK {
		k = MaxK
	}
	if k <= 0 {
		return nil, nil
	}
	key := Fingerprint(collection, q, k)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.clock().Sub(e.createdAt) < c.ttl {
		c.stats.Hits++
		c.mu.Unlock()
		return cloneItems(e.items), nil
	}
	c.stats.Misses++
	generation := c.generation
	c.mu.Unlock()

	// Queries issued after an invalidation never join an older search.
	flightKey := fmt.Sprintf("%s@%d", key, generation)
	v, err, _ := c.flight.Do(flightKey, func() (any, error) {
		items, err := c.searcher.Search(ctx, collection, q, k)
		if err != nil {
			return nil, err
		}
		if items == nil {
			items = []similarity.Item{}
		}
		c.store(key, items, generation)
		return items, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", collection, err)
	}
	return cloneItems(v.([]similarity.Item)), nil
}

// store saves items unless the cache was invalidated after the search began.
func (c *Cache) store(key string, items []similarity.Item, generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if generation != c.generation {
		return
	}
	now := c.clock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[key] = entry{items: items, createdAt: now}
}

// evictLocked drops expired entries, then the oldest one if still full.
func (c *Cache) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if now.Sub(e.createdAt) >= c.ttl {
			delete(c.entries, k)
			continue
		}
		if oldestKey == "" || e.createdAt.Before(oldest) {
			oldestKey, oldest = k, e.createdAt
		}
	}
	if len(c.entries) >= c.maxEntries && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Invalidate drops every entry. Searches already in flight do not repopulate
// the cache.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
	c.generation++
	c.stats.Invalidations++
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	return s
}

func cloneItems(items []similarity.Item) []similarity.Item {
	out := make([]similarity.Item, len(items))
	copy(out, items)
	return out
}
