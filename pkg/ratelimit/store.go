package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mappy4ever/fetchcache/pkg/clock"
	"github.com/redis/go-redis/v9"
)

// RedisKeyPrefix prefixes the per-host keys written by RedisStore.
const RedisKeyPrefix = "fetchcache:throttle:"

// Store persists throttle state. Get returns (nil, nil) when nothing is
// recorded for the host.
type Store interface {
	Get(ctx context.Context, host string) (*State, error)
	Set(ctx context.Context, state *State, ttl time.Duration) error
}

// MemoryStore keeps state in process. Entries expire after their TTL.
type MemoryStore struct {
	clock clock.Clock

	mu     sync.Mutex
	states map[string]memoryState
}

type memoryState struct {
	state     State
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryStore{clock: clk, states: make(map[string]memoryState)}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, host string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.states[host]
	if !ok {
		return nil, nil
	}
	if !m.clock.Now().Before(ms.expiresAt) {
		delete(m.states, host)
		return nil, nil
	}
	state := ms.state
	return &state, nil
}

// Set implements Store.
func (m *MemoryStore) Set(_ context.Context, state *State, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.states[state.Host] = memoryState{state: *state, expiresAt: m.clock.Now().Add(ttl)}
	return nil
}

// RedisStore shares throttle state between processes that talk to the same
// upstreams. Only throttle state is stored, never response data.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a store backed by redisClient.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	return &RedisStore{redis: redisClient}
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, host string) (*State, error) {
	raw, err := r.redis.Get(ctx, RedisKeyPrefix+host).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get throttle state: %w", err)
	}

	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("unmarshal throttle state: %w", err)
	}
	return &state, nil
}

// Set implements Store.
func (r *RedisStore) Set(ctx context.Context, state *State, ttl time.Duration) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal throttle state: %w", err)
	}
	if err := r.redis.Set(ctx, RedisKeyPrefix+state.Host, raw, ttl).Err(); err != nil {
		return fmt.Errorf("store throttle state in redis: %w", err)
	}
	return nil
}
