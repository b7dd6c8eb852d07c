// Package cache stores successful read-only tool results keyed by request
// fingerprint, with per-entry TTLs on top of a fixed-capacity LRU. It also
// coalesces concurrent identical requests so at most one flight per
// fingerprint reaches the upstream.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/hubmcp/hubbridge/internal/errx"
	"github.com/hubmcp/hubbridge/internal/logging"
	"github.com/hubmcp/hubbridge/internal/metrics"
)

type entry struct {
	value   json.RawMessage
	tool    string
	expires time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	entries    *lru.Cache[string, *entry]
	flight     singleflight.Group
	defaultTTL time.Duration
	now        func() time.Time
}

// Result reports how a GetOrCompute call was satisfied.
type Result struct {
	Value json.RawMessage
	// Hit means the value came from a stored entry.
	Hit bool
	// Shared means the call was coalesced into another in-flight identical
	// request and the value was computed once for both.
	Shared bool
}

// New creates a cache evicting least-recently-used entries beyond capacity.
// defaultTTL applies to Put calls that do not specify one.
func New(capacity int, defaultTTL time.Duration) (*Cache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", capacity)
	}
	if defaultTTL <= 0 {
		return nil, fmt.Errorf("cache default TTL must be positive, got %s", defaultTTL)
	}

	c := &Cache{
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
	entries, err := lru.NewWithEvict[string, *entry](capacity, func(string, *entry) {
		metrics.CacheEvictionsTotal.Inc()
	})
	if err != nil {
		return nil, err
	}
	c.entries = entries

	logger := logging.For(logging.CategoryCache)
	logger.Info().
		Int("capacity", capacity).
		Dur("default_ttl", defaultTTL).
		Msg("result cache ready")
	return c, nil
}

// Get returns the stored value for the fingerprint if present and fresh.
// Expired entries are removed on sight and count as misses.
func (c *Cache) Get(fp Fingerprint) (json.RawMessage, bool) {
	e, ok := c.entries.Get(fp.Key())
	if !ok {
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	if c.now().After(e.expires) {
		c.entries.Remove(fp.Key())
		metrics.CacheMissesTotal.Inc()
		metrics.CacheSize.Set(float64(c.entries.Len()))
		return nil, false
	}
	metrics.CacheHitsTotal.Inc()
	return e.value, true
}

// Put stores a value under the fingerprint. A non-positive ttl falls back
// to the cache default.
func (c *Cache) Put(fp Fingerprint, value json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.entries.Add(fp.Key(), &entry{
		value:   value,
		tool:    fp.Tool,
		expires: c.now().Add(ttl),
	})
	metrics.CacheSize.Set(float64(c.entries.Len()))
}

// GetOrCompute returns the cached value for the fingerprint, or runs
// compute to produce it. Concurrent calls with the same fingerprint share
// one compute invocation. Errors are never cached. The caller's context
// bounds the wait: a waiter whose deadline expires detaches without
// aborting the shared flight.
func (c *Cache) GetOrCompute(ctx context.Context, fp Fingerprint, ttl time.Duration, compute func(context.Context) (json.RawMessage, error)) (Result, error) {
	if value, ok := c.Get(fp); ok {
		return Result{Value: value, Hit: true}, nil
	}

	ch := c.flight.DoChan(fp.Key(), func() (any, error) {
		// Another request may have filled the entry while this one was
		// waiting its turn.
		if value, ok := c.Get(fp); ok {
			return value, nil
		}
		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(fp, value, ttl)
		return value, nil
	})

	select {
	case <-ctx.Done():
		return Result{}, errx.FromContext(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return Result{Value: res.Val.(json.RawMessage), Shared: res.Shared}, nil
	}
}

// Invalidate removes every entry, across all users, whose tool name starts
// with one of the given prefixes. Returns the number removed.
func (c *Cache) Invalidate(prefixes ...string) int {
	if len(prefixes) == 0 {
		return 0
	}

	removed := 0
	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		for _, prefix := range prefixes {
			if strings.HasPrefix(e.tool, prefix) {
				c.entries.Remove(key)
				removed++
				break
			}
		}
	}
	if removed > 0 {
		metrics.CacheSize.Set(float64(c.entries.Len()))
		logger := logging.For(logging.CategoryCache)
		logger.Debug().
			Int("removed", removed).
			Strs("prefixes", prefixes).
			Msg("invalidated cached results")
	}
	return removed
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.entries.Purge()
	metrics.CacheSize.Set(0)
}

// Len returns the number of stored entries, fresh or not.
func (c *Cache) Len() int {
	return c.entries.Len()
}
