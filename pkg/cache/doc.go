// Package cache provides the freshness-aware request cache with
// single-flight request deduplication.
//
// The cache implements read-through caching with stale-while-revalidate:
//
//   - Fresh entries are served instantly with no network activity
//   - Stale-but-usable entries are served instantly while at most one
//     background refresh runs per staleness episode
//   - Expired entries are treated as misses
//   - Concurrent misses for the same key share one producer call
//
// # Basic Usage
//
//	c := cache.New(cache.Options{})
//
//	// Read path
//	if lookup, ok := c.Get("dashboard:user-1"); ok {
//		if lookup.Stale {
//			c.Refresh("dashboard:user-1", producer)
//		}
//		return lookup.Data
//	}
//
//	// Miss: all concurrent callers share one producer invocation
//	entry, err := c.Do(ctx, "dashboard:user-1", producer)
//
// # Durable Mode
//
// With Options.Durable set, entries are written through to the durable
// store and reloaded on startup, so cached data survives a restart:
//
//	s, _ := sqlitestore.Open("syncline.db")
//	c := cache.New(cache.Options{Durable: s})
//
// Background refresh failures are swallowed at this layer: callers that
// already hold stale data never see an error for it. Foreground (miss)
// fetch failures propagate.
package cache
