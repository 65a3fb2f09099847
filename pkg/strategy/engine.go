// Package strategy decides, per request, whether to answer from the memory
// cache, the network, or both.
//
// Three strategies are supported:
//
//   - CacheFirst serves a fresh entry without touching the network and
//     fetches otherwise.
//   - NetworkFirst always fetches and falls back to any cached entry when
//     the fetch fails.
//   - StaleWhileRevalidate serves any cached entry immediately and refreshes
//     it in the background on every hit.
//
// Every network fetch goes through an inflight.Registry, so concurrent
// requests for the same key share one upstream operation. The operation
// stores its result in the cache before it settles.
package strategy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mappy4ever/fetchcache/pkg/cache"
	"github.com/mappy4ever/fetchcache/pkg/clock"
	"github.com/mappy4ever/fetchcache/pkg/inflight"
	"github.com/mappy4ever/fetchcache/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	resultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchcache_strategy_results_total",
		Help: "Total number of answered requests by domain, strategy and source",
	}, []string{"domain", "strategy", "source"})

	revalidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchcache_revalidations_total",
		Help: "Total number of background revalidations by domain and outcome",
	}, []string{"domain", "outcome"})
)

// Source says where a Result came from.
type Source string

const (
	// SourceNetwork is a response fetched for this request.
	SourceNetwork Source = "network"

	// SourceCache is a fresh cached entry.
	SourceCache Source = "cache"

	// SourceStale is a cached entry served although it is past its max age
	// or the network failed.
	SourceStale Source = "stale"
)

// Fetcher performs upstream requests. *transport.Transport satisfies it.
type Fetcher interface {
	Execute(ctx context.Context, req transport.Request, policy transport.RetryPolicy) (*transport.Response, error)
}

// Plan is everything the engine needs to answer one request.
type Plan struct {
	// Key identifies the request in the cache and the in-flight registry.
	Key string

	Domain       cache.DomainConfig
	Request      transport.Request
	Policy       transport.RetryPolicy
	ForceRefresh bool
}

// Result is the answer to a Plan.
type Result struct {
	Entry  cache.Entry
	Source Source
}

// Engine executes plans against a memory cache and a fetcher.
type Engine struct {
	cache    *cache.Memory
	fetcher  Fetcher
	registry *inflight.Registry[cache.Entry]
	clock    clock.Clock
	logger   zerolog.Logger

	// mu guards closing and background.Add.
	mu         sync.Mutex
	closing    bool
	background sync.WaitGroup
	stats      counters
}

// New creates an engine.
func New(mem *cache.Memory, fetcher Fetcher, clk clock.Clock, logger zerolog.Logger) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Engine{
		cache:    mem,
		fetcher:  fetcher,
		registry: inflight.NewRegistry[cache.Entry](),
		clock:    clk,
		logger:   logger,
	}
}

// Execute answers plan according to its domain's strategy.
func (e *Engine) Execute(ctx context.Context, plan Plan) (Result, error) {
	var (
		res Result
		err error
	)
	switch plan.Domain.Strategy {
	case cache.CacheFirst:
		res, err = e.cacheFirst(ctx, plan)
	case cache.NetworkFirst:
		res, err = e.networkFirst(ctx, plan)
	case cache.StaleWhileRevalidate:
		res, err = e.staleWhileRevalidate(ctx, plan)
	default:
		return Result{}, fmt.Errorf("domain %s: unknown strategy %v", plan.Domain.Name, plan.Domain.Strategy)
	}
	if err == nil {
		resultsTotal.WithLabelValues(plan.Domain.Name, plan.Domain.Strategy.String(), string(res.Source)).Inc()
	}
	return res, err
}

// Wait blocks until all background revalidations have settled.
func (e *Engine) Wait() {
	e.background.Wait()
}

// Close stops new background revalidations and waits for running ones.
// Foreground fetches are unaffected.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()
	e.background.Wait()
}

// InFlight reports the number of keys with an upstream operation running.
func (e *Engine) InFlight() int {
	return e.registry.Len()
}

func (e *Engine) cacheFirst(ctx context.Context, plan Plan) (Result, error) {
	if !plan.ForceRefresh {
		if entry, ok := e.cache.GetFresh(plan.Key, e.clock.Now(), plan.Domain.MaxAge); ok {
			e.recordHit(plan, entry, "fresh")
			return Result{Entry: entry, Source: SourceCache}, nil
		}
	}
	e.recordMiss(plan)

	entry, err := e.fetch(ctx, plan)
	if err != nil {
		return e.fallback(ctx, plan, err)
	}
	return Result{Entry: entry, Source: SourceNetwork}, nil
}

func (e *Engine) networkFirst(ctx context.Context, plan Plan) (Result, error) {
	entry, err := e.fetch(ctx, plan)
	if err != nil {
		return e.fallback(ctx, plan, err)
	}
	return Result{Entry: entry, Source: SourceNetwork}, nil
}

func (e *Engine) staleWhileRevalidate(ctx context.Context, plan Plan) (Result, error) {
	entry, ok := e.cache.Get(plan.Key)
	if !ok {
		e.recordMiss(plan)
		fetched, err := e.fetch(ctx, plan)
		if err != nil {
			return e.fallback(ctx, plan, err)
		}
		return Result{Entry: fetched, Source: SourceNetwork}, nil
	}

	e.revalidate(ctx, plan)

	if entry.Fresh(e.clock.Now(), plan.Domain.MaxAge) {
		e.recordHit(plan, entry, "fresh")
		return Result{Entry: entry, Source: SourceCache}, nil
	}
	e.recordHit(plan, entry, "stale")
	return Result{Entry: entry, Source: SourceStale}, nil
}

// fetch waits for the shared upstream operation for plan.Key.
func (e *Engine) fetch(ctx context.Context, plan Plan) (cache.Entry, error) {
	entry, shared, err := e.registry.Do(ctx, plan.Key, e.producer(plan))
	if shared {
		e.stats.coalesced.Add(1)
	}
	return entry, err
}

// revalidate starts or joins the upstream operation for plan.Key without
// waiting for it. It does nothing once Close has been called.
func (e *Engine) revalidate(ctx context.Context, plan Plan) {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		e.logger.Debug().Str("key", plan.Key).Msg("Engine closing, skipping revalidation")
		return
	}
	e.background.Add(1)
	e.mu.Unlock()

	ch := e.registry.Start(ctx, plan.Key, e.producer(plan))

	go func() {
		defer e.background.Done()
		res := <-ch
		if res.Err != nil {
			revalidationsTotal.WithLabelValues(plan.Domain.Name, "error").Inc()
			e.logger.Warn().
				Err(res.Err).
				Str("key", plan.Key).
				Str("url", plan.Request.URL).
				Str("domain", plan.Domain.Name).
				Msg("Background revalidation failed")
			return
		}
		revalidationsTotal.WithLabelValues(plan.Domain.Name, "ok").Inc()
		e.logger.Debug().
			Str("key", plan.Key).
			Str("domain", plan.Domain.Name).
			Msg("Background revalidation complete")
	}()
}

// producer fetches plan.Request and stores the response before returning.
func (e *Engine) producer(plan Plan) inflight.Producer[cache.Entry] {
	return func(ctx context.Context) (cache.Entry, error) {
		e.stats.fetches.Add(1)
		resp, err := e.fetcher.Execute(ctx, plan.Request, plan.Policy)
		if err != nil {
			e.stats.fetchErrors.Add(1)
			return cache.Entry{}, err
		}

		entry, evicted := e.cache.Set(plan.Key, resp.Body, plan.Request.URL, plan.Domain.Name, e.clock.Now())
		if evicted != "" {
			e.stats.evictions.Add(1)
			e.logger.Debug().Str("evicted", evicted).Msg("Cache full, evicted oldest entry")
		}

		e.logger.Debug().
			Str("key", plan.Key).
			Str("url", plan.Request.URL).
			Str("domain", plan.Domain.Name).
			Int("attempts", resp.Attempts).
			Msg("Cached response")
		return entry, nil
	}
}

// fallback serves any cached entry after err, unless the caller gave up.
func (e *Engine) fallback(ctx context.Context, plan Plan, err error) (Result, error) {
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	entry, ok := e.cache.Get(plan.Key)
	if !ok {
		e.logger.Error().
			Err(err).
			Str("key", plan.Key).
			Str("url", plan.Request.URL).
			Str("domain", plan.Domain.Name).
			Msg("Fetch failed with nothing cached")
		return Result{}, err
	}

	e.stats.staleServes.Add(1)
	cache.StaleFallbacks.WithLabelValues(plan.Domain.Name, plan.Domain.Strategy.String()).Inc()
	e.logger.Warn().
		Err(err).
		Str("key", plan.Key).
		Str("url", plan.Request.URL).
		Str("domain", plan.Domain.Name).
		Str("strategy", plan.Domain.Strategy.String()).
		Dur("age", entry.Age(e.clock.Now())).
		Msg("Network failed, serving cached entry")
	return Result{Entry: entry, Source: SourceStale}, nil
}

func (e *Engine) recordHit(plan Plan, entry cache.Entry, freshness string) {
	e.stats.hits.Add(1)
	if freshness == "stale" {
		e.stats.staleServes.Add(1)
	}
	cache.CacheHits.WithLabelValues(plan.Domain.Name, freshness).Inc()
	e.logger.Debug().
		Str("key", plan.Key).
		Str("domain", plan.Domain.Name).
		Str("freshness", freshness).
		Dur("age", entry.Age(e.clock.Now())).
		Msg("Cache hit")
}

func (e *Engine) recordMiss(plan Plan) {
	e.stats.misses.Add(1)
	cache.CacheMisses.WithLabelValues(plan.Domain.Name).Inc()
	e.logger.Debug().
		Str("key", plan.Key).
		Str("domain", plan.Domain.Name).
		Msg("Cache miss")
}

type counters struct {
	hits        atomic.Int64
	misses      atomic.Int64
	staleServes atomic.Int64
	fetches     atomic.Int64
	fetchErrors atomic.Int64
	coalesced   atomic.Int64
	evictions   atomic.Int64
}

// Stats is a snapshot of the engine's counters.
type Stats struct {
	Hits        int64
	Misses      int64
	StaleServes int64
	Fetches     int64
	FetchErrors int64

	// Coalesced counts callers that shared an upstream operation with at
	// least one other caller.
	Coalesced int64
	Evictions int64
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Hits:        e.stats.hits.Load(),
		Misses:      e.stats.misses.Load(),
		StaleServes: e.stats.staleServes.Load(),
		Fetches:     e.stats.fetches.Load(),
		FetchErrors: e.stats.fetchErrors.Load(),
		Coalesced:   e.stats.coalesced.Load(),
		Evictions:   e.stats.evictions.Load(),
	}
}
