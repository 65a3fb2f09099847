// Package metrics exposes the Prometheus registry fetchcache metrics live in.
// Metrics are declared with promauto next to the code that updates them
// (cache, inflight, ratelimit, strategy, transport); this package only
// serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer every fetchcache metric is added to.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects everything registered on Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler returns an HTTP handler serving Gatherer in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - fetchcache_cache_hits_total{domain, freshness} (Counter): Reads answered from memory
//   - fetchcache_cache_misses_total{domain} (Counter): Reads without a usable entry
//   - fetchcache_cache_evictions_total (Counter): Entries evicted at capacity
//   - fetchcache_cache_entries (Gauge): Entries currently held
//   - fetchcache_stale_fallbacks_total{domain, strategy} (Counter): Stale entries served after a network failure
//
// Coalescing Metrics (pkg/inflight):
//   - fetchcache_inflight_operations (Gauge): Operations currently running
//   - fetchcache_coalesced_requests_total (Counter): Callers that joined an operation already running
//
// Throttle Metrics (pkg/ratelimit):
//   - fetchcache_throttle_remaining{host} (Gauge): Last X-RateLimit-Remaining seen per host
//   - fetchcache_throttle_blocks_total{host} (Counter): Attempts refused while a host was blocked
//
// Strategy Metrics (pkg/strategy):
//   - fetchcache_strategy_results_total{domain, strategy, source} (Counter): Results by origin
//   - fetchcache_revalidations_total{domain, outcome} (Counter): Background revalidations
//
// Transport Metrics (pkg/transport):
//   - fetchcache_upstream_requests_total{host, status} (Counter): Upstream attempts by status
//   - fetchcache_upstream_attempt_duration_seconds{host} (Histogram): Attempt latency
//   - fetchcache_upstream_errors_total{class} (Counter): Final errors by class
//   - fetchcache_retries_total{error_class} (Counter): Retry attempts
//   - fetchcache_retry_backoff_seconds{error_class} (Histogram): Backoff waited before a retry
//   - fetchcache_retry_exhausted_total{error_class} (Counter): Requests that used every retry
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(fetchcache_cache_hits_total[5m])) /
//   (sum(rate(fetchcache_cache_hits_total[5m])) + sum(rate(fetchcache_cache_misses_total[5m])))
//
//   # Share of results served stale
//   sum(rate(fetchcache_strategy_results_total{source="stale"}[5m])) /
//   sum(rate(fetchcache_strategy_results_total[5m]))
//
//   # P95 Upstream Latency
//   histogram_quantile(0.95, rate(fetchcache_upstream_attempt_duration_seconds_bucket[5m]))
