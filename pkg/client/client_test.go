package client

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mappy4ever/fetchcache/internal/testutil"
	"github.com/mappy4ever/fetchcache/pkg/cache"
	"github.com/mappy4ever/fetchcache/pkg/clock"
	"github.com/mappy4ever/fetchcache/pkg/strategy"
	"github.com/mappy4ever/fetchcache/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type pokemon struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func newTestService(t *testing.T, mock *testutil.MockUpstream) (*CacheService, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(t0)
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)

	cfg := DefaultConfig()
	cfg.HTTPClient = mock.Client()
	cfg.Clock = clk
	cfg.Logger = &logger

	svc, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc, clk
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
	}{
		{name: "default config", mutate: func(*Config) {}},
		{name: "no domains", mutate: func(c *Config) { c.Domains = nil }, expectError: true},
		{
			name: "duplicate domain",
			mutate: func(c *Config) {
				c.Domains = append(c.Domains, cache.DomainConfig{Name: "cards", MaxAge: time.Hour})
			},
			expectError: true,
		},
		{
			name:        "invalid domain",
			mutate:      func(c *Config) { c.Domains = []cache.DomainConfig{{Name: "x"}} },
			expectError: true,
		},
		{name: "negative capacity", mutate: func(c *Config) { c.Capacity = -1 }, expectError: true},
		{
			name:        "invalid default policy",
			mutate:      func(c *Config) { c.DefaultPolicy.Retries = -1 },
			expectError: true,
		},
		{
			name: "policy for unknown domain",
			mutate: func(c *Config) {
				c.Policies = map[string]transport.RetryPolicy{"nope": transport.DefaultRetryPolicy()}
			},
			expectError: true,
		},
		{
			name: "policy override",
			mutate: func(c *Config) {
				c.Policies = map[string]transport.RetryPolicy{"prices": transport.DefaultRetryPolicy().WithRetries(1)}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := New(cfg)
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFetch_UnknownCacheType(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	svc, _ := newTestService(t, mock)

	_, err := svc.Fetch(context.Background(), mock.URL()+"/x", Options{CacheType: "nope"})
	assert.ErrorIs(t, err, ErrUnknownCacheType)

	_, err = svc.Fetch(context.Background(), mock.URL()+"/x", Options{})
	assert.ErrorIs(t, err, ErrUnknownCacheType)
	assert.Equal(t, 0, mock.GetRequestCount())
}

func TestFetch_CacheFirstServesFromMemory(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/pokemon/25", testutil.NewJSONResponse(`{"id":25,"name":"pikachu"}`))
	svc, clk := newTestService(t, mock)
	ctx := context.Background()
	opts := Options{CacheType: "pokemon"}

	first, err := svc.Fetch(ctx, mock.URL()+"/pokemon/25", opts)
	require.NoError(t, err)
	assert.Equal(t, strategy.SourceNetwork, first.Source)
	assert.Equal(t, "pokemon", first.Domain)

	clk.Advance(30 * time.Minute)
	second, err := svc.Fetch(ctx, mock.URL()+"/pokemon/25", opts)
	require.NoError(t, err)
	assert.Equal(t, strategy.SourceCache, second.Source)
	assert.Equal(t, 30*time.Minute, second.Age)
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, 1, mock.GetRequestCount())

	clk.Advance(31 * time.Minute)
	third, err := svc.Fetch(ctx, mock.URL()+"/pokemon/25", opts)
	require.NoError(t, err)
	assert.Equal(t, strategy.SourceNetwork, third.Source)
	assert.Equal(t, 2, mock.GetRequestCount())
}

func TestFetch_VolatileParamsShareEntry(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	svc, _ := newTestService(t, mock)
	ctx := context.Background()
	opts := Options{CacheType: "search"}

	first := mock.URL() + "/search?q=char&page=1&timestamp=111"
	_, err := svc.Fetch(ctx, first, opts)
	require.NoError(t, err)
	res, err := svc.Fetch(ctx, mock.URL()+"/search?page=1&_t=222&q=char", opts)
	require.NoError(t, err)

	assert.Equal(t, strategy.SourceCache, res.Source)
	// The entry keeps the URL of the request that filled it, unnormalized.
	assert.Equal(t, first, res.URL)
	assert.Equal(t, 1, mock.GetRequestCount())
}

func TestFetchWithCache_Decodes(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/pokemon/6", testutil.NewJSONResponse(`{"id":6,"name":"charizard"}`))
	mock.SetResponse("/pokemon/list", testutil.NewJSONResponse(`[1,2,3]`))
	svc, _ := newTestService(t, mock)
	ctx := context.Background()

	p, err := FetchWithCache[pokemon](ctx, svc, mock.URL()+"/pokemon/6", Options{CacheType: "pokemon"})
	require.NoError(t, err)
	assert.Equal(t, pokemon{ID: 6, Name: "charizard"}, p)

	_, err = FetchWithCache[pokemon](ctx, svc, mock.URL()+"/pokemon/list", Options{CacheType: "pokemon"})
	assert.ErrorContains(t, err, "decode response")
}

func TestFetch_CoalescesConcurrentRequests(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	gate := make(chan struct{})
	mock.SetResponse("/cards/base1-4", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"id":"base1-4"}`,
		Gate:       gate,
	})
	svc, _ := newTestService(t, mock)

	const callers = 10
	var wg, started sync.WaitGroup
	started.Add(callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			res, err := svc.Fetch(context.Background(), mock.URL()+"/cards/base1-4", Options{CacheType: "prices"})
			assert.NoError(t, err)
			if res != nil {
				assert.JSONEq(t, `{"id":"base1-4"}`, string(res.Data))
			}
		}()
	}

	started.Wait()
	require.Eventually(t, func() bool { return mock.GetRequestCount() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, mock.GetRequestCount())
	assert.Equal(t, 0, svc.Stats().InFlight)
}

func TestFetch_RetryOverrides(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/down", testutil.NewStatusResponse(http.StatusServiceUnavailable))
	svc, clk := newTestService(t, mock)
	ctx := context.Background()

	noRetry := 0
	_, err := svc.Fetch(ctx, mock.URL()+"/down", Options{CacheType: "prices", RetryCount: &noRetry})
	require.Error(t, err)
	assert.Equal(t, 1, mock.GetRequestCount())

	mock.Reset()
	_, err = svc.Fetch(ctx, mock.URL()+"/down", Options{CacheType: "prices"})
	require.ErrorIs(t, err, transport.ErrHTTPStatus)
	assert.Equal(t, http.StatusServiceUnavailable, transport.StatusCode(err))
	assert.Equal(t, 4, mock.GetRequestCount())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, clk.Sleeps())
}

func TestFetch_TerminalErrorIsNotRetried(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/pokemon/99999", testutil.NewStatusResponse(http.StatusNotFound))
	svc, _ := newTestService(t, mock)

	_, err := svc.Fetch(context.Background(), mock.URL()+"/pokemon/99999", Options{CacheType: "pokemon"})

	var fe *transport.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
	assert.Equal(t, 1, fe.Attempts)
	assert.Equal(t, 1, mock.GetRequestCount())
}

func TestFetch_NetworkFirstFallsBackToCache(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetSequence("/prices/base1-4",
		testutil.NewJSONResponse(`{"market":310.5}`),
		testutil.NewStatusResponse(http.StatusInternalServerError),
	)
	svc, _ := newTestService(t, mock)
	ctx := context.Background()
	noRetry := 0
	opts := Options{CacheType: "prices", RetryCount: &noRetry}

	_, err := svc.Fetch(ctx, mock.URL()+"/prices/base1-4", opts)
	require.NoError(t, err)

	res, err := svc.Fetch(ctx, mock.URL()+"/prices/base1-4", opts)
	require.NoError(t, err)
	assert.Equal(t, strategy.SourceStale, res.Source)
	assert.JSONEq(t, `{"market":310.5}`, string(res.Data))
	assert.Equal(t, int64(1), svc.Stats().StaleServes)
}

func TestFetch_StaleWhileRevalidate(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetSequence("/cards/xy1-1",
		testutil.NewJSONResponse(`{"rev":1}`),
		testutil.NewJSONResponse(`{"rev":2}`),
	)
	svc, clk := newTestService(t, mock)
	ctx := context.Background()
	opts := Options{CacheType: "cards"}

	_, err := svc.Fetch(ctx, mock.URL()+"/cards/xy1-1", opts)
	require.NoError(t, err)

	clk.Advance(49 * time.Hour)
	res, err := svc.Fetch(ctx, mock.URL()+"/cards/xy1-1", opts)
	require.NoError(t, err)
	assert.Equal(t, strategy.SourceStale, res.Source)
	assert.JSONEq(t, `{"rev":1}`, string(res.Data))

	// Close waits for the background refresh.
	require.NoError(t, svc.Close())
	assert.Equal(t, 2, mock.GetRequestCount())

	_, err = svc.Fetch(ctx, mock.URL()+"/cards/xy1-1", opts)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFetch_PostBodyIsPartOfKey(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	svc, _ := newTestService(t, mock)
	ctx := context.Background()
	u := mock.URL() + "/search"

	_, err := svc.Fetch(ctx, u, Options{CacheType: "search", Method: "POST", Body: map[string]any{"q": "pika", "page": 1}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"page":1,"q":"pika"}`, string(mock.LastRequestBody))

	// Same body, different key order: cache hit.
	res, err := svc.Fetch(ctx, u, Options{CacheType: "search", Method: "post", Body: `{"q":"pika","page":1}`})
	require.NoError(t, err)
	assert.Equal(t, strategy.SourceCache, res.Source)

	// Different body: new request.
	_, err = svc.Fetch(ctx, u, Options{CacheType: "search", Method: "POST", Body: map[string]any{"q": "char"}})
	require.NoError(t, err)
	assert.Equal(t, 2, mock.GetRequestCount())
}

func TestInvalidateClearAndPurge(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	svc, clk := newTestService(t, mock)
	ctx := context.Background()

	_, err := svc.Fetch(ctx, mock.URL()+"/a", Options{CacheType: "pokemon"})
	require.NoError(t, err)
	_, err = svc.Fetch(ctx, mock.URL()+"/b", Options{CacheType: "cards"})
	require.NoError(t, err)
	assert.Equal(t, 2, svc.Stats().Entries)

	removed, err := svc.Invalidate(mock.URL()+"/a", Options{CacheType: "pokemon"})
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, 1, svc.Stats().Entries)

	_, err = svc.Fetch(ctx, mock.URL()+"/a", Options{CacheType: "pokemon"})
	require.NoError(t, err)
	assert.Equal(t, 3, mock.GetRequestCount(), "invalidated entry must be refetched")

	// pokemon entries expire after 1h, cards after 48h.
	clk.Advance(2 * time.Hour)
	assert.Equal(t, 1, svc.PurgeExpired())
	assert.Equal(t, 1, svc.Stats().Entries)

	svc.Clear()
	assert.Equal(t, 0, svc.Stats().Entries)
}

func TestStatsAndDomains(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	svc, _ := newTestService(t, mock)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := svc.Fetch(ctx, mock.URL()+"/pokemon/1", Options{CacheType: "pokemon"})
		require.NoError(t, err)
	}

	stats := svc.Stats()
	assert.Equal(t, int64(3), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.75, stats.HitRate, 1e-9)
	assert.Equal(t, int64(1), stats.Fetches)
	assert.Equal(t, cache.DefaultCapacity, stats.Capacity)

	var names []string
	for _, d := range svc.Domains() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"pokemon", "cards", "search", "prices"}, names)
}
