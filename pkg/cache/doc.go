// Package cache provides request keying and the bounded in-memory cache
// used by the fetch service.
//
// The package covers:
//
// - Deterministic request keys (canonical URL, method, canonical body)
// - Stripping of cache-busting query parameters
// - A bounded cache that evicts the oldest entry when full
// - Per-domain freshness (max age) and strategy configuration
// - Prometheus metrics for observability
//
// # Basic Usage
//
//	mem, err := cache.NewMemory(cache.DefaultCapacity)
//	if err != nil {
//		return err
//	}
//
//	key, err := cache.NewRequestKey("https://api.example.com/cards?id=1&timestamp=99", "GET", nil)
//	if err != nil {
//		return err
//	}
//
//	entry, ok := mem.Get(key.String())
//	if !ok || !entry.Fresh(time.Now(), domain.MaxAge) {
//		// Miss or stale - fetch from the network
//	}
//
//	mem.Set(key.String(), body, key.URL, domain.Name, time.Now())
//
// # Freshness
//
// Entries carry no explicit state. An entry is fresh while
// now - Timestamp < MaxAge and stale afterwards; it becomes fresh again
// only when a successful fetch replaces it.
//
// # Metrics
//
//   - fetchcache_cache_hits_total{domain,freshness} - Reads answered from memory
//   - fetchcache_cache_misses_total{domain} - Reads without a usable entry
//   - fetchcache_cache_evictions_total - Capacity evictions
//   - fetchcache_cache_entries - Current entry count
//   - fetchcache_stale_fallbacks_total{domain,strategy} - Stale data served after a network failure
package cache
