package cache

import (
	"fmt"
	"strings"
	"time"
)

// Strategy selects how a cache domain balances cached data against the network.
type Strategy int

const (
	// CacheFirst serves a fresh entry without touching the network.
	CacheFirst Strategy = iota

	// NetworkFirst always asks the network and falls back to the cache on failure.
	NetworkFirst

	// StaleWhileRevalidate serves any entry immediately and refreshes stale ones in the background.
	StaleWhileRevalidate
)

var strategyNames = map[Strategy]string{
	CacheFirst:           "cache-first",
	NetworkFirst:         "network-first",
	StaleWhileRevalidate: "stale-while-revalidate",
}

// String returns the configuration name of the strategy.
func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy parses a strategy name. Underscores and case are ignored,
// so "stale_while_revalidate" and "StaleWhileRevalidate" are both accepted.
func ParseStrategy(name string) (Strategy, error) {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "_", "-"))
	switch normalized {
	case "cache-first", "cachefirst":
		return CacheFirst, nil
	case "network-first", "networkfirst":
		return NetworkFirst, nil
	case "stale-while-revalidate", "stalewhilerevalidate", "swr":
		return StaleWhileRevalidate, nil
	default:
		return 0, fmt.Errorf("unknown cache strategy %q", name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	if _, ok := strategyNames[s]; !ok {
		return nil, fmt.Errorf("unknown cache strategy %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// DomainConfig is the caching policy for one logical data category.
type DomainConfig struct {
	// Name identifies the domain (e.g. "cards"); callers select it via cache type.
	Name string `yaml:"name"`

	// MaxAge is how long an entry stays fresh.
	MaxAge time.Duration `yaml:"max_age"`

	// Strategy decides between cached and network data.
	Strategy Strategy `yaml:"strategy"`
}

// Validate checks that the domain is usable.
func (d DomainConfig) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("domain name is required")
	}
	if d.MaxAge <= 0 {
		return fmt.Errorf("domain %q: max_age must be > 0 (got %v)", d.Name, d.MaxAge)
	}
	if _, ok := strategyNames[d.Strategy]; !ok {
		return fmt.Errorf("domain %q: unknown strategy %d", d.Name, int(d.Strategy))
	}
	return nil
}

// DefaultDomains returns the built-in cache domains.
func DefaultDomains() []DomainConfig {
	return []DomainConfig{
		{Name: "pokemon", MaxAge: time.Hour, Strategy: CacheFirst},
		{Name: "cards", MaxAge: 48 * time.Hour, Strategy: StaleWhileRevalidate},
		{Name: "search", MaxAge: 6 * time.Hour, Strategy: CacheFirst},
		{Name: "prices", MaxAge: 4 * time.Hour, Strategy: NetworkFirst},
	}
}
