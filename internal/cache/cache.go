// Package cache memoizes compiled graphs keyed by blueprint ID and version.
//
// Entries expire after a TTL and a background janitor sweeps them out.
// Concurrent misses for the same key coalesce into a single compilation;
// racing explicit writers are last-write-wins. Invalidation bumps a
// per-blueprint generation so a compilation that started before the
// invalidation cannot reinsert a stale graph.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/golemlab/golem/internal/config"
	"github.com/golemlab/golem/internal/metrics"
	"github.com/golemlab/golem/pkg/contracts"
	"github.com/golemlab/golem/pkg/models"
)

type entry struct {
	runner    contracts.Runner
	expiresAt time.Time // zero means no expiry
}

// Cache implements contracts.CompilationCache.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]map[string]entry // blueprint ID → version → entry
	gens    map[string]uint64           // blueprint ID → invalidation generation

	ttl       time.Duration
	group     singleflight.Group
	doneCh    chan struct{}
	closeOnce sync.Once
}

// New creates a cache. A zero TTL disables expiry; a positive sweep
// interval starts the janitor.
func New(cfg config.CacheConfig) *Cache {
	c := &Cache{
		entries: make(map[string]map[string]entry),
		gens:    make(map[string]uint64),
		ttl:     cfg.TTL,
		doneCh:  make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		go c.sweepLoop(cfg.SweepInterval)
	}
	return c
}

// Get implements contracts.CompilationCache. Get never compiles.
func (c *Cache) Get(id, version string) (contracts.Runner, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[id][version]
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		metrics.CacheLookups.WithLabelValues("expired").Inc()
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return e.runner, true
}

// Set implements contracts.CompilationCache. Last write wins.
func (c *Cache) Set(id, version string, r contracts.Runner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(id, version, r)
}

// store writes an entry. Caller holds the lock.
func (c *Cache) store(id, version string, r contracts.Runner) {
	versions, ok := c.entries[id]
	if !ok {
		versions = make(map[string]entry)
		c.entries[id] = versions
	}
	var expires time.Time
	if c.ttl > 0 {
		expires = time.Now().Add(c.ttl)
	}
	versions[version] = entry{runner: r, expiresAt: expires}
}

// GetOrCompile implements contracts.CompilationCache. Concurrent misses
// for the same key share one compilation; its error is delivered to every
// waiter and never cached.
func (c *Cache) GetOrCompile(ctx context.Context, bp *models.Blueprint, fn contracts.Compiler) (contracts.Runner, error) {
	if r, ok := c.Get(bp.ID, bp.Version); ok {
		return r, nil
	}

	key := bp.Key()
	v, err, _ := c.group.Do(key, func() (any, error) {
		// A winner may have populated the entry while we queued.
		if r, ok := c.Get(bp.ID, bp.Version); ok {
			return r, nil
		}

		gen := c.generation(bp.ID)
		r, err := fn.Compile(ctx, bp)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.gens[bp.ID] == gen {
			c.store(bp.ID, bp.Version, r)
		}
		c.mu.Unlock()
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(contracts.Runner), nil
}

// Invalidate implements contracts.CompilationCache: every cached version
// of the blueprint is dropped in one step.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, id)
	c.gens[id]++
}

func (c *Cache) generation(id string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[id]
}

// Len returns the number of live cached graphs.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, versions := range c.entries {
		n += len(versions)
	}
	return n
}

// sweepLoop drops expired entries in the background.
func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.doneCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()

	c.mu.Lock()
	var evicted int
	for id, versions := range c.entries {
		for version, e := range versions {
			if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
				delete(versions, version)
				evicted++
			}
		}
		if len(versions) == 0 {
			delete(c.entries, id)
		}
	}
	c.mu.Unlock()

	if evicted > 0 {
		log.Debug().Int("evicted", evicted).Msg("Swept expired compiled graphs")
	}
}

// Close stops the janitor.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.doneCh) })
}
