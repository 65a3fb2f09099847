// Package config loads fetchcache settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/mappy4ever/fetchcache/pkg/cache"
	"github.com/mappy4ever/fetchcache/pkg/client"
	"github.com/mappy4ever/fetchcache/pkg/transport"
)

// File is the YAML configuration file.
type File struct {
	Capacity       int      `yaml:"capacity"`
	VolatileParams []string `yaml:"volatile_params,omitempty"`
	Retry          Retry    `yaml:"retry"`
	Domains        []Domain `yaml:"domains"`
}

// Domain configures one cache domain.
type Domain struct {
	Name     string         `yaml:"name"`
	MaxAge   time.Duration  `yaml:"max_age"`
	Strategy cache.Strategy `yaml:"strategy"`
	Retry    *Retry         `yaml:"retry,omitempty"`
}

// Retry overrides fields of a retry policy. Unset fields keep the base value.
type Retry struct {
	Retries           *int           `yaml:"retries,omitempty"`
	BaseDelay         *time.Duration `yaml:"base_delay,omitempty"`
	Multiplier        *float64       `yaml:"multiplier,omitempty"`
	Timeout           *time.Duration `yaml:"timeout,omitempty"`
	MaxDelay          *time.Duration `yaml:"max_delay,omitempty"`
	Jitter            *float64       `yaml:"jitter,omitempty"`
	MaxThrottleWait   *time.Duration `yaml:"max_throttle_wait,omitempty"`
	RetryableStatuses []int          `yaml:"retryable_statuses,omitempty"`
}

// Apply returns base with every set field of r replaced.
func (r Retry) Apply(base transport.RetryPolicy) transport.RetryPolicy {
	if r.Retries != nil {
		base.Retries = *r.Retries
	}
	if r.BaseDelay != nil {
		base.BaseDelay = *r.BaseDelay
	}
	if r.Multiplier != nil {
		base.Multiplier = *r.Multiplier
	}
	if r.Timeout != nil {
		base.Timeout = *r.Timeout
	}
	if r.MaxDelay != nil {
		base.MaxDelay = *r.MaxDelay
	}
	if r.Jitter != nil {
		base.Jitter = *r.Jitter
	}
	if r.MaxThrottleWait != nil {
		base.MaxThrottleWait = *r.MaxThrottleWait
	}
	if r.RetryableStatuses != nil {
		base.RetryableStatuses = append([]int(nil), r.RetryableStatuses...)
	}
	return base
}

// Default returns a File describing the built-in domains.
func Default() *File {
	f := &File{Capacity: cache.DefaultCapacity}
	for _, d := range cache.DefaultDomains() {
		f.Domains = append(f.Domains, Domain{Name: d.Name, MaxAge: d.MaxAge, Strategy: d.Strategy})
	}
	return f
}

// LoadFile reads and validates the YAML file at path.
// Fields missing from the file take their values from Default.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration.
func Parse(data []byte) (*File, error) {
	f := &File{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	def := Default()
	if f.Capacity == 0 {
		f.Capacity = def.Capacity
	}
	if len(f.Domains) == 0 {
		f.Domains = def.Domains
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks capacity, domains and every retry policy.
func (f *File) Validate() error {
	var errs []error
	if f.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("capacity must be > 0 (got %d)", f.Capacity))
	}

	base := f.Retry.Apply(transport.DefaultRetryPolicy())
	if err := base.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}

	seen := make(map[string]bool, len(f.Domains))
	for _, d := range f.Domains {
		if err := d.cacheConfig().Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[d.Name] {
			errs = append(errs, fmt.Errorf("domain %q: duplicate name", d.Name))
		}
		seen[d.Name] = true

		if d.Retry != nil {
			if err := d.Retry.Apply(base).Validate(); err != nil {
				errs = append(errs, fmt.Errorf("domain %q: retry: %w", d.Name, err))
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ClientConfig converts the file into a client.Config. Collaborators
// (HTTP client, clock, logger, throttle) are left for the caller to set.
func (f *File) ClientConfig() client.Config {
	cfg := client.DefaultConfig()
	cfg.Capacity = f.Capacity
	cfg.DefaultPolicy = f.Retry.Apply(transport.DefaultRetryPolicy())
	if f.VolatileParams != nil {
		cfg.VolatileParams = append([]string(nil), f.VolatileParams...)
	}

	cfg.Domains = make([]cache.DomainConfig, 0, len(f.Domains))
	for _, d := range f.Domains {
		cfg.Domains = append(cfg.Domains, d.cacheConfig())
		if d.Retry != nil {
			if cfg.Policies == nil {
				cfg.Policies = make(map[string]transport.RetryPolicy)
			}
			cfg.Policies[d.Name] = d.Retry.Apply(cfg.DefaultPolicy)
		}
	}
	return cfg
}

func (d Domain) cacheConfig() cache.DomainConfig {
	return cache.DomainConfig{Name: d.Name, MaxAge: d.MaxAge, Strategy: d.Strategy}
}

// Env holds settings read from FETCHCACHE_* environment variables.
type Env struct {
	ConfigPath     string `env:"CONFIG"`
	ListenAddr     string `env:"LISTEN_ADDR" envDefault:":8080"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty      bool   `env:"LOG_PRETTY"`
	UserAgent      string `env:"USER_AGENT" envDefault:"fetchcache/1.0"`
	RedisAddr      string `env:"REDIS_ADDR"`
	Tracing        bool   `env:"TRACING"`
	MaxConcurrency int    `env:"MAX_CONCURRENCY" envDefault:"6"`
}

// EnvPrefix is prepended to every Env variable name.
const EnvPrefix = "FETCHCACHE_"

// ParseEnv loads Env from the process environment.
func ParseEnv() (Env, error) {
	var e Env
	if err := env.ParseWithOptions(&e, env.Options{Prefix: EnvPrefix}); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

// Load reads the file named by e.ConfigPath, or returns Default when unset.
func (e Env) Load() (*File, error) {
	if e.ConfigPath == "" {
		return Default(), nil
	}
	return LoadFile(e.ConfigPath)
}
