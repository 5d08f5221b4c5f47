// Package cache implements the query result cache: TTL-bounded entries
// under a capacity limit with least-recently-used eviction, table-keyed
// invalidation and single-flight collapsing of concurrent identical
// computations.
package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/querybridge/querybridge/internal/errors"
)

// Config holds query cache configuration
type Config struct {
	MaxEntries  int
	DefaultTTL  time.Duration
	SweepPeriod time.Duration
}

// Stats is a point-in-time snapshot of cache effectiveness
type Stats struct {
	Entries   int     `json:"entries"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

type entry struct {
	key       string
	tables    []string
	value     interface{}
	createdAt time.Time
	ttl       time.Duration
	hits      uint64
	elem      *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.createdAt.Add(e.ttl))
}

// QueryCache is the shared result cache. The entry map is the only
// state guarded by the mutex; computations never run under it.
type QueryCache struct {
	cfg    *Config
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // most recently used at back
	byTable map[string]map[string]struct{}

	hits      uint64
	misses    uint64
	evictions uint64

	flight singleflight.Group

	stopChan chan struct{}
	stopOnce sync.Once
}

// New creates a new query cache
func New(cfg *Config, logger *zap.Logger) *QueryCache {
	c := &QueryCache{
		cfg:      cfg,
		logger:   logger,
		entries:  make(map[string]*entry),
		lru:      list.New(),
		byTable:  make(map[string]map[string]struct{}),
		stopChan: make(chan struct{}),
	}

	go c.sweep()

	return c
}

// ComputeFn produces the value for a cache miss
type ComputeFn func(ctx context.Context) (interface{}, error)

// GetOrCompute returns the cached value for key, or runs fn exactly
// once system-wide and caches its result. Concurrent callers for the
// same key join the in-flight computation; on failure nothing is
// cached and the failure propagates to every joiner. A joiner whose
// own context expires leaves the flight with a context error; the
// leader's computation keeps running for the rest. The returned bool
// reports a cache hit.
func (c *QueryCache) GetOrCompute(ctx context.Context, key string, tables []string, ttl time.Duration, fn ComputeFn) (interface{}, bool, error) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	if value, ok := c.lookup(key, true); ok {
		return value, true, nil
	}

	ch := c.flight.DoChan(key, func() (interface{}, error) {
		// A joiner may arrive after the leader stored the result.
		if value, ok := c.lookup(key, false); ok {
			return value, nil
		}
		value, err := fn(ctx)
		if err != nil {
			return nil, errors.CacheComputeFailed(err)
		}
		c.store(key, tables, ttl, value)
		return value, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, errors.CacheComputeFailed(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val, false, nil
	}
}

// Get returns the cached value for key if present and fresh
func (c *QueryCache) Get(key string) (interface{}, bool) {
	return c.lookup(key, true)
}

// lookup returns a fresh entry's value, bumping its recency. Stats are
// only counted when count is set so the single-flight recheck does not
// skew the miss rate.
func (c *QueryCache) lookup(key string, count bool) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.expired(time.Now()) {
		if count {
			c.misses++
		}
		return nil, false
	}
	e.hits++
	if count {
		c.hits++
	}
	c.lru.MoveToBack(e.elem)
	return e.value, true
}

func (c *QueryCache) store(key string, tables []string, ttl time.Duration, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok {
		c.removeLocked(existing)
	}

	// LRU eviction at capacity, regardless of remaining TTL.
	for len(c.entries) >= c.cfg.MaxEntries {
		front := c.lru.Front()
		if front == nil {
			break
		}
		c.removeLocked(front.Value.(*entry))
		c.evictions++
	}

	e := &entry{
		key:       key,
		tables:    append([]string(nil), tables...),
		value:     value,
		createdAt: time.Now(),
		ttl:       ttl,
	}
	e.elem = c.lru.PushBack(e)
	c.entries[key] = e
	for _, t := range e.tables {
		keys, ok := c.byTable[t]
		if !ok {
			keys = make(map[string]struct{})
			c.byTable[t] = keys
		}
		keys[key] = struct{}{}
	}
}

// removeLocked unlinks an entry from every structure. Caller holds c.mu.
func (c *QueryCache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.lru.Remove(e.elem)
	for _, t := range e.tables {
		if keys, ok := c.byTable[t]; ok {
			delete(keys, e.key)
			if len(keys) == 0 {
				delete(c.byTable, t)
			}
		}
	}
}

// InvalidateTable removes every entry keyed to the given table and
// returns the number removed
func (c *QueryCache) InvalidateTable(table string) int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, ok := c.byTable[table]
	if !ok {
		return 0
	}
	removed := 0
	for key := range keys {
		if e, ok := c.entries[key]; ok {
			c.removeLocked(e)
			removed++
		}
	}
	return removed
}

// Invalidate removes entries whose key contains pattern. An empty
// pattern clears the whole cache. Returns the number removed.
func (c *QueryCache) Invalidate(pattern string) int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if pattern == "" {
		removed := len(c.entries)
		c.entries = make(map[string]*entry)
		c.lru.Init()
		c.byTable = make(map[string]map[string]struct{})
		return removed
	}

	var matched []*entry
	for key, e := range c.entries {
		if strings.Contains(key, pattern) {
			matched = append(matched, e)
		}
	}
	for _, e := range matched {
		c.removeLocked(e)
	}
	return len(matched)
}

// Stats returns a snapshot of cache effectiveness
func (c *QueryCache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		HitRate:   rate,
	}
}

// sweep periodically removes expired entries
func (c *QueryCache) sweep() {
	period := c.cfg.SweepPeriod
	if period <= 0 {
		period = time.Minute
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			var expired []*entry
			for _, e := range c.entries {
				if e.expired(now) {
					expired = append(expired, e)
				}
			}
			for _, e := range expired {
				c.removeLocked(e)
			}
			c.mu.Unlock()
			if len(expired) > 0 {
				c.logger.Debug("Swept expired cache entries", zap.Int("count", len(expired)))
			}
		}
	}
}

// Stop terminates the background sweeper
func (c *QueryCache) Stop() {
	if c == nil {
		return
	}
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
}
