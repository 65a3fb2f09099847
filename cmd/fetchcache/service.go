package main

import (
	"context"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"

	"github.com/mappy4ever/fetchcache/pkg/client"
	"github.com/mappy4ever/fetchcache/pkg/clock"
	"github.com/mappy4ever/fetchcache/pkg/config"
	"github.com/mappy4ever/fetchcache/pkg/logging"
	"github.com/mappy4ever/fetchcache/pkg/ratelimit"
	"github.com/mappy4ever/fetchcache/pkg/transport"
)

// buildService wires a CacheService from settings. The returned cleanup
// waits for background revalidations and closes the throttle store.
func buildService(ctx context.Context, settings config.Env) (*client.CacheService, func(), error) {
	file, err := settings.Load()
	if err != nil {
		return nil, nil, err
	}

	store, closeStore, err := newThrottleStore(ctx, settings.RedisAddr)
	if err != nil {
		return nil, nil, err
	}

	logger := logging.NewLogger("cache-service")
	cfg := file.ClientConfig()
	cfg.HTTPClient = transport.NewHTTPClient(settings.Tracing)
	cfg.Logger = &logger
	cfg.Throttle = ratelimit.NewTracker(store, clock.Real{}, logging.NewLogger("throttle"))
	cfg.MaxConcurrency = settings.MaxConcurrency
	if settings.UserAgent != "" {
		cfg.UserAgent = settings.UserAgent
	}

	svc, err := client.New(cfg)
	if err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("create cache service: %w", err)
	}

	cleanup := func() {
		if err := svc.Close(); err != nil {
			logger.Warn().Err(err).Msg("Close cache service")
		}
		closeStore()
	}
	return svc, cleanup, nil
}

// newThrottleStore returns a Redis-backed store when addr is set so that
// several processes share one upstream budget, and a memory store otherwise.
func newThrottleStore(ctx context.Context, addr string) (ratelimit.Store, func(), error) {
	if addr == "" {
		return ratelimit.NewMemoryStore(clock.Real{}), func() {}, nil
	}

	redisClient := redis.NewClient(&redis.Options{Addr: addr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, nil, fmt.Errorf("connect redis at %s: %w", addr, err)
	}

	logger := logging.NewLogger("throttle")
	logger.Info().Str("addr", addr).Msg("Sharing throttle state through Redis")

	return ratelimit.NewRedisStore(redisClient), func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn().Err(err).Msg("Close redis client")
		}
	}, nil
}

// setupLogging installs the global logger writing to out.
func setupLogging(settings config.Env, out io.Writer) error {
	level, err := logging.ParseLevel(settings.LogLevel)
	if err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	logging.Setup(logging.Config{Level: level, Pretty: settings.LogPretty, Output: out})
	return nil
}
