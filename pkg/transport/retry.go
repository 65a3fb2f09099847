package transport

import (
	"errors"
	"math"
	"math/rand"
	"net/http"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchcache_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fetchcache_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 4, 8, 16, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchcache_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryPolicy controls how often and how patiently a request is retried.
type RetryPolicy struct {
	// Retries is the number of retries after the first attempt.
	Retries int

	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration

	// Multiplier scales the wait for each further retry.
	Multiplier float64

	// RetryableStatuses lists the HTTP statuses treated as transient.
	RetryableStatuses []int

	// Timeout bounds a single attempt. Zero means no per-attempt bound.
	Timeout time.Duration

	// MaxDelay caps the backoff. Zero means uncapped.
	MaxDelay time.Duration

	// Jitter randomizes each delay by up to this fraction in either direction.
	Jitter float64

	// MaxThrottleWait caps how long an attempt is held while the host is
	// throttled. Zero means wait as long as the context allows.
	MaxThrottleWait time.Duration
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Retries:    3,
		BaseDelay:  1 * time.Second,
		Multiplier: 2.0,
		RetryableStatuses: []int{
			http.StatusRequestTimeout,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
		Timeout: 30 * time.Second,
	}
}

// Validate reports whether the policy can be executed.
func (p RetryPolicy) Validate() error {
	switch {
	case p.Retries < 0:
		return errors.New("retries must be >= 0")
	case p.BaseDelay < 0:
		return errors.New("base delay must be >= 0")
	case p.Multiplier < 1:
		return errors.New("multiplier must be >= 1")
	case p.Timeout < 0:
		return errors.New("timeout must be >= 0")
	case p.MaxDelay < 0:
		return errors.New("max delay must be >= 0")
	case p.Jitter < 0 || p.Jitter >= 1:
		return errors.New("jitter must be in [0, 1)")
	case p.MaxThrottleWait < 0:
		return errors.New("max throttle wait must be >= 0")
	}
	return nil
}

// Backoff returns the wait after the given zero-based failed attempt:
// BaseDelay * Multiplier^attempt, capped by MaxDelay and then jittered.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d *= 1 - p.Jitter + rand.Float64()*2*p.Jitter
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// RetryableStatus reports whether status is listed as transient.
func (p RetryPolicy) RetryableStatus(status int) bool {
	return slices.Contains(p.RetryableStatuses, status)
}

// WithRetries returns a copy of p with Retries replaced.
func (p RetryPolicy) WithRetries(n int) RetryPolicy {
	p.Retries = n
	return p
}

// WithTimeout returns a copy of p with Timeout replaced.
func (p RetryPolicy) WithTimeout(d time.Duration) RetryPolicy {
	p.Timeout = d
	return p
}
