// Package inflight coalesces concurrent work that shares a key so that at
// most one operation per key runs at any time.
package inflight

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

var (
	inflightOperations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fetchcache_inflight_operations",
		Help: "Number of keyed operations currently running",
	})

	coalescedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetchcache_coalesced_requests_total",
		Help: "Total number of callers that joined an operation already in flight",
	})
)

// Producer performs the work for a key. The context it receives carries the
// values of the caller that started the operation but not its cancellation.
type Producer[V any] func(ctx context.Context) (V, error)

// Result is the settled outcome of an operation.
type Result[V any] struct {
	Value V
	Err   error

	// Shared is true when more than one caller received this result.
	Shared bool
}

// Registry maps keys to operations in flight.
type Registry[V any] struct {
	group singleflight.Group

	mu     sync.Mutex
	active map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry[V any]() *Registry[V] {
	return &Registry[V]{active: make(map[string]int)}
}

// Do returns the result of the operation registered under key, starting one
// with producer if none is running. Every caller that overlaps with a running
// operation observes its result.
//
// If ctx ends first, Do returns ctx.Err() and the operation keeps running for
// the callers still waiting on it.
func (r *Registry[V]) Do(ctx context.Context, key string, producer Producer[V]) (V, bool, error) {
	ch := r.Start(ctx, key, producer)

	select {
	case res := <-ch:
		return res.Value, res.Shared, res.Err
	case <-ctx.Done():
		var zero V
		return zero, false, ctx.Err()
	}
}

// Start registers interest in the operation under key without waiting for it.
// If no operation is running, producer is started in its own goroutine.
// The returned channel receives exactly one Result.
func (r *Registry[V]) Start(ctx context.Context, key string, producer Producer[V]) <-chan Result[V] {
	detached := context.WithoutCancel(ctx)

	// active is raised inside the singleflight call, so a positive count
	// means DoChan below joins the running operation.
	if r.InFlight(key) {
		coalescedTotal.Inc()
	}

	sfCh := r.group.DoChan(key, func() (any, error) {
		r.enter(key)
		defer r.leave(key)
		return producer(detached)
	})

	out := make(chan Result[V], 1)
	go func() {
		res := <-sfCh
		var value V
		if res.Val != nil {
			value = res.Val.(V)
		}
		out <- Result[V]{Value: value, Err: res.Err, Shared: res.Shared}
	}()

	return out
}

// InFlight reports whether an operation for key is running.
func (r *Registry[V]) InFlight(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[key] > 0
}

// Len returns the number of keys with an operation running.
func (r *Registry[V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Forget makes the next call for key start a new operation even if the
// current one has not settled. Callers already waiting keep their result.
func (r *Registry[V]) Forget(key string) {
	r.group.Forget(key)
}

func (r *Registry[V]) enter(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[key]++
	inflightOperations.Inc()
}

func (r *Registry[V]) leave(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[key]--
	if r.active[key] <= 0 {
		delete(r.active, key)
	}
	inflightOperations.Dec()
}
