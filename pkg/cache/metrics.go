package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks reads answered from memory by domain and freshness
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchcache_cache_hits_total",
			Help: "Total number of cache reads answered from memory",
		},
		[]string{"domain", "freshness"}, // "fresh", "stale"
	)

	// CacheMisses tracks reads that found no usable entry
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchcache_cache_misses_total",
			Help: "Total number of cache reads without a usable entry",
		},
		[]string{"domain"},
	)

	// CacheEvictions tracks capacity evictions
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fetchcache_cache_evictions_total",
			Help: "Total number of entries evicted because the cache was full",
		},
	)

	// CacheEntries tracks the number of cached entries
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fetchcache_cache_entries",
			Help: "Current number of entries held in memory",
		},
	)

	// StaleFallbacks tracks stale entries served because the network failed
	StaleFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchcache_stale_fallbacks_total",
			Help: "Total number of stale entries served after a network failure",
		},
		[]string{"domain", "strategy"},
	)
)
