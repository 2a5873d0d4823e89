package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/nivael/syncline/pkg/policy"
	"github.com/nivael/syncline/pkg/store"
)

// durablePrefix namespaces cache entries inside the shared durable store.
const durablePrefix = "cache:"

// DefaultRefreshTimeout bounds a single background revalidation.
const DefaultRefreshTimeout = 30 * time.Second

// Producer performs the network fetch for a key and returns the entry to
// cache. The context it receives is detached from any single caller, so
// one caller going away does not kill the shared fetch.
type Producer func(ctx context.Context) (Entry, error)

// Options configures a Cache.
type Options struct {
	// Durable, when set, persists entries across restarts. Errors from
	// the durable store degrade the cache to memory-only, never fail reads.
	Durable store.Store

	// RefreshTimeout bounds each background revalidation
	// (default: DefaultRefreshTimeout).
	RefreshTimeout time.Duration

	// Logger is the component logger.
	Logger zerolog.Logger
}

// Cache is the freshness-aware request cache. All entry state is owned
// here and mutated only through its methods.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]Entry
	refreshing map[string]struct{}

	// sf guarantees at most one in-flight producer per key; every
	// concurrent caller for that key shares its result.
	sf singleflight.Group

	durable        store.Store
	refreshTimeout time.Duration
	logger         zerolog.Logger
}

// New creates a cache. With Options.Durable set, previously persisted
// entries are loaded so cached data survives a restart.
func New(opts Options) *Cache {
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = DefaultRefreshTimeout
	}

	c := &Cache{
		entries:        make(map[string]Entry),
		refreshing:     make(map[string]struct{}),
		durable:        opts.Durable,
		refreshTimeout: opts.RefreshTimeout,
		logger:         opts.Logger,
	}
	c.loadDurable()
	return c
}

// Get returns the entry for key if it is fresh or stale-but-usable.
// It never blocks on network activity. Expired entries are misses;
// they stay in the map so GetAny can still serve them as a last resort.
func (c *Cache) Get(key string) (Lookup, bool) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()

	if !ok {
		cacheMisses.Inc()
		return Lookup{}, false
	}

	switch entry.Freshness(time.Now()) {
	case policy.Fresh:
		cacheHits.WithLabelValues("fresh").Inc()
		return lookupOf(entry, false), true
	case policy.Stale:
		cacheHits.WithLabelValues("stale").Inc()
		return lookupOf(entry, true), true
	default:
		cacheMisses.Inc()
		return Lookup{}, false
	}
}

// GetAny returns the entry for key regardless of freshness. It backs the
// network-first last-resort fallback, where even expired data beats an
// error. Stale is set for anything past its freshness window.
func (c *Cache) GetAny(key string) (Lookup, bool) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()

	if !ok {
		return Lookup{}, false
	}
	stale := entry.Freshness(time.Now()) != policy.Fresh
	return lookupOf(entry, stale), true
}

// Set stores an entry, overwriting unconditionally. A zero StoredAt is
// stamped with the current time. With a durable store configured the
// entry is written through.
func (c *Cache) Set(key string, entry Entry) {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now()
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()

	c.persist(key, entry)
}

// Delete removes an entry from memory and the durable store.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()

	if c.durable != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.durable.Delete(ctx, durablePrefix+key); err != nil {
			durableErrors.WithLabelValues("delete").Inc()
			c.logger.Warn().Err(err).Str("key", key).Msg("Durable cache delete failed")
		}
	}
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	c.entries = make(map[string]Entry)
	c.mu.Unlock()

	if c.durable != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, key := range keys {
			if err := c.durable.Delete(ctx, durablePrefix+key); err != nil {
				durableErrors.WithLabelValues("delete").Inc()
			}
		}
	}
}

// Do runs the producer for key with single-flight semantics: if a fetch
// for key is already in flight, the caller joins it and shares its
// result. On success the produced entry is stored. The in-flight marker
// is removed once the fetch settles, success or failure, so a later call
// can retry.
//
// Cancellation of ctx detaches this caller only; the shared fetch keeps
// running for the others.
func (c *Cache) Do(ctx context.Context, key string, producer Producer) (Entry, error) {
	ch := c.sf.DoChan(key, func() (any, error) {
		entry, err := producer(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.Set(key, entry)
		return entry, nil
	})

	select {
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			dedupedRequests.Inc()
		}
		if res.Err != nil {
			return Entry{}, res.Err
		}
		return res.Val.(Entry), nil
	}
}

// Refresh launches at most one background revalidation per staleness
// episode for key. It returns immediately; the refresh runs detached
// with its own timeout. A failed refresh leaves the stale entry
// untouched and surfaces no error to any caller.
func (c *Cache) Refresh(key string, producer Producer) bool {
	c.mu.Lock()
	if _, busy := c.refreshing[key]; busy {
		c.mu.Unlock()
		refreshResults.WithLabelValues("skipped").Inc()
		return false
	}
	c.refreshing[key] = struct{}{}
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
		defer cancel()

		entry, err := producer(ctx)

		c.mu.Lock()
		delete(c.refreshing, key)
		c.mu.Unlock()

		if err != nil {
			// Soft-fail: callers already have usable data.
			refreshResults.WithLabelValues("failure").Inc()
			c.logger.Debug().Err(err).Str("key", key).Msg("Background refresh failed, stale value kept")
			return
		}

		c.Set(key, entry)
		refreshResults.WithLabelValues("success").Inc()
		c.logger.Debug().Str("key", key).Msg("Background refresh succeeded")
	}()
	return true
}

// Len returns the number of entries, including expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func lookupOf(entry Entry, stale bool) Lookup {
	return Lookup{
		Data:         entry.Data,
		Stale:        stale,
		ETag:         entry.ETag,
		LastModified: entry.LastModified,
		StoredAt:     entry.StoredAt,
	}
}

// persist writes an entry through to the durable store, best effort.
func (c *Cache) persist(key string, entry Entry) {
	if c.durable == nil {
		return
	}

	data, err := json.Marshal(entry)
	if err != nil {
		durableErrors.WithLabelValues("put").Inc()
		c.logger.Warn().Err(err).Str("key", key).Msg("Marshal cache entry failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.durable.Put(ctx, durablePrefix+key, data); err != nil {
		durableErrors.WithLabelValues("put").Inc()
		c.logger.Warn().Err(err).Str("key", key).Msg("Durable cache put failed")
	}
}

// loadDurable restores persisted entries on startup.
func (c *Cache) loadDurable() {
	if c.durable == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	persisted, err := c.durable.List(ctx, durablePrefix)
	if err != nil {
		durableErrors.WithLabelValues("load").Inc()
		c.logger.Warn().Err(err).Msg("Durable cache load failed, starting empty")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for fullKey, data := range persisted {
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			durableErrors.WithLabelValues("load").Inc()
			continue
		}
		c.entries[strings.TrimPrefix(fullKey, durablePrefix)] = entry
	}
}
