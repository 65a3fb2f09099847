// Package client provides CacheService, the entry point for cached JSON
// fetches with per-domain freshness, request coalescing and retries.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mappy4ever/fetchcache/pkg/cache"
	"github.com/mappy4ever/fetchcache/pkg/clock"
	"github.com/mappy4ever/fetchcache/pkg/ratelimit"
	"github.com/mappy4ever/fetchcache/pkg/strategy"
	"github.com/mappy4ever/fetchcache/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Common errors returned by the service.
var (
	// ErrUnknownCacheType is returned when Options.CacheType names no configured domain.
	ErrUnknownCacheType = errors.New("unknown cache type")

	// ErrClosed is returned by Fetch after Close.
	ErrClosed = errors.New("cache service closed")
)

// DefaultMaxConcurrency caps simultaneous upstream attempts.
const DefaultMaxConcurrency = 6

// Config holds the service configuration.
type Config struct {
	// Domains are the cache types accepted by Fetch.
	Domains []cache.DomainConfig

	// Capacity is the maximum number of cached entries.
	Capacity int

	// DefaultPolicy applies to domains without an entry in Policies.
	DefaultPolicy transport.RetryPolicy

	// Policies overrides the retry policy per domain name.
	Policies map[string]transport.RetryPolicy

	// HTTPClient sends upstream requests. Defaults to transport.NewHTTPClient(false).
	HTTPClient transport.Doer

	// Clock defaults to clock.Real.
	Clock clock.Clock

	// Logger defaults to the global zerolog logger with component=cache-service.
	Logger *zerolog.Logger

	// Throttle, when set, honors upstream back-off signals.
	Throttle *ratelimit.Tracker

	// VolatileParams are ignored when keying. Nil selects cache.DefaultVolatileParams.
	VolatileParams []string

	UserAgent string

	// MaxConcurrency caps simultaneous upstream attempts. Zero means unlimited.
	MaxConcurrency int
}

// DefaultConfig returns a configuration with the built-in domains.
func DefaultConfig() Config {
	return Config{
		Domains:        cache.DefaultDomains(),
		Capacity:       cache.DefaultCapacity,
		DefaultPolicy:  transport.DefaultRetryPolicy(),
		UserAgent:      transport.DefaultUserAgent,
		MaxConcurrency: DefaultMaxConcurrency,
	}
}

// Options tune a single Fetch.
type Options struct {
	// CacheType selects the domain (required).
	CacheType string

	// ForceRefresh skips a fresh cache hit. For stale-while-revalidate
	// domains it triggers a background refresh.
	ForceRefresh bool

	// Timeout overrides the per-attempt timeout when positive.
	Timeout time.Duration

	// RetryCount overrides the number of retries when non-nil.
	RetryCount *int

	// Method defaults to GET.
	Method string

	// Body is sent as JSON. []byte, json.RawMessage and string are sent as is.
	Body any

	Headers map[string]string
}

// Result is the answer to a Fetch.
type Result struct {
	Data   json.RawMessage
	Source strategy.Source

	Key    string
	URL    string
	Domain string

	// FetchedAt is when the data was stored.
	FetchedAt time.Time

	// Age is how old the data was when returned.
	Age time.Duration
}

// CacheService answers fetches from memory or upstream according to the
// strategy of the request's domain.
type CacheService struct {
	domains       map[string]cache.DomainConfig
	domainOrder   []string
	policies      map[string]transport.RetryPolicy
	defaultPolicy transport.RetryPolicy

	keyer     cache.Keyer
	memory    *cache.Memory
	transport *transport.Transport
	engine    *strategy.Engine
	clock     clock.Clock
	logger    zerolog.Logger

	closed atomic.Bool
}

// New creates a CacheService.
func New(cfg Config) (*CacheService, error) {
	if len(cfg.Domains) == 0 {
		return nil, fmt.Errorf("at least one domain is required")
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = cache.DefaultCapacity
	}
	if cfg.DefaultPolicy.Multiplier == 0 {
		cfg.DefaultPolicy = transport.DefaultRetryPolicy()
	}
	if err := cfg.DefaultPolicy.Validate(); err != nil {
		return nil, fmt.Errorf("default policy: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}

	var logger zerolog.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	} else {
		logger = log.With().Str("component", "cache-service").Logger()
	}

	domains := make(map[string]cache.DomainConfig, len(cfg.Domains))
	order := make([]string, 0, len(cfg.Domains))
	for _, d := range cfg.Domains {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := domains[d.Name]; dup {
			return nil, fmt.Errorf("duplicate domain %q", d.Name)
		}
		domains[d.Name] = d
		order = append(order, d.Name)
	}

	policies := make(map[string]transport.RetryPolicy, len(cfg.Policies))
	for name, p := range cfg.Policies {
		if _, ok := domains[name]; !ok {
			return nil, fmt.Errorf("policy for %w %q", ErrUnknownCacheType, name)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policy for %s: %w", name, err)
		}
		policies[name] = p
	}

	mem, err := cache.NewMemory(cfg.Capacity)
	if err != nil {
		return nil, err
	}

	tr := transport.New(transport.Config{
		Doer:           cfg.HTTPClient,
		Clock:          cfg.Clock,
		Logger:         logger,
		Throttle:       cfg.Throttle,
		UserAgent:      cfg.UserAgent,
		MaxConcurrency: cfg.MaxConcurrency,
	})

	return &CacheService{
		domains:       domains,
		domainOrder:   order,
		policies:      policies,
		defaultPolicy: cfg.DefaultPolicy,
		keyer:         cache.NewKeyer(cfg.VolatileParams),
		memory:        mem,
		transport:     tr,
		engine:        strategy.New(mem, tr, cfg.Clock, logger),
		clock:         cfg.Clock,
		logger:        logger,
	}, nil
}

// Fetch returns the JSON document at url, answering from memory or upstream
// according to the strategy of opts.CacheType.
//
// Upstream failures are returned unchanged (see transport.FetchError) unless
// a cached entry could be served instead. If ctx ends first, ctx.Err() is
// returned and any shared upstream operation keeps running for other callers.
func (s *CacheService) Fetch(ctx context.Context, url string, opts Options) (*Result, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	domain, ok := s.domains[opts.CacheType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCacheType, opts.CacheType)
	}

	key, err := s.keyer.Key(url, opts.Method, opts.Body)
	if err != nil {
		return nil, fmt.Errorf("build request key: %w", err)
	}

	policy := s.policyFor(domain.Name)
	if opts.RetryCount != nil {
		policy = policy.WithRetries(*opts.RetryCount)
	}
	if opts.Timeout > 0 {
		policy = policy.WithTimeout(opts.Timeout)
	}

	res, err := s.engine.Execute(ctx, strategy.Plan{
		Key:    key.String(),
		Domain: domain,
		Request: transport.Request{
			URL:     url,
			Method:  key.Method,
			Body:    key.Body,
			Headers: opts.Headers,
		},
		Policy:       policy,
		ForceRefresh: opts.ForceRefresh,
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		Data:      res.Entry.Data,
		Source:    res.Source,
		Key:       res.Entry.Key,
		URL:       res.Entry.URL,
		Domain:    res.Entry.Domain,
		FetchedAt: res.Entry.Timestamp,
		Age:       res.Entry.Age(s.clock.Now()),
	}, nil
}

// FetchWithCache fetches url through s and decodes the JSON document into T.
func FetchWithCache[T any](ctx context.Context, s *CacheService, url string, opts Options) (T, error) {
	var out T
	res, err := s.Fetch(ctx, url, opts)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(res.Data, &out); err != nil {
		return out, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// Invalidate removes the cached entry for the request described by url and
// opts. It reports whether an entry was removed.
func (s *CacheService) Invalidate(url string, opts Options) (bool, error) {
	key, err := s.keyer.Key(url, opts.Method, opts.Body)
	if err != nil {
		return false, fmt.Errorf("build request key: %w", err)
	}
	return s.memory.Delete(key.String()), nil
}

// Clear removes every cached entry.
func (s *CacheService) Clear() {
	s.memory.Clear()
	s.logger.Info().Msg("Cache cleared")
}

// PurgeExpired removes entries older than their domain's max age and
// returns how many were removed.
func (s *CacheService) PurgeExpired() int {
	removed := s.memory.PurgeExpired(s.clock.Now(), func(name string) (time.Duration, bool) {
		d, ok := s.domains[name]
		return d.MaxAge, ok
	})
	if removed > 0 {
		s.logger.Debug().Int("removed", removed).Msg("Purged expired entries")
	}
	return removed
}

// Domains returns the configured domains in configuration order.
func (s *CacheService) Domains() []cache.DomainConfig {
	out := make([]cache.DomainConfig, 0, len(s.domainOrder))
	for _, name := range s.domainOrder {
		out = append(out, s.domains[name])
	}
	return out
}

// Close stops accepting fetches and waits for background revalidations.
func (s *CacheService) Close() error {
	s.closed.Store(true)
	s.engine.Close()
	return nil
}

func (s *CacheService) policyFor(domain string) transport.RetryPolicy {
	if p, ok := s.policies[domain]; ok {
		return p
	}
	return s.defaultPolicy
}
