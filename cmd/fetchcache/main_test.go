package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/mappy4ever/fetchcache/internal/testutil"
	"github.com/mappy4ever/fetchcache/pkg/client"
	"github.com/mappy4ever/fetchcache/pkg/config"
	"github.com/mappy4ever/fetchcache/pkg/transport"
)

func newTestService(t *testing.T, mock *testutil.MockUpstream) *client.CacheService {
	t.Helper()

	logger := zerolog.Nop()
	cfg := client.DefaultConfig()
	cfg.HTTPClient = mock.Client()
	cfg.Logger = &logger

	svc, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func newTestProxy(t *testing.T) (*testutil.MockUpstream, *httptest.Server) {
	t.Helper()

	mock := testutil.NewMockUpstream()
	t.Cleanup(mock.Close)

	proxy := httptest.NewServer(newServer(newTestService(t, mock), zerolog.Nop()).routes())
	t.Cleanup(proxy.Close)
	return mock, proxy
}

func fetchURL(proxy *httptest.Server, target, cacheType string) string {
	return fmt.Sprintf("%s/fetch?url=%s&cache_type=%s", proxy.URL, url.QueryEscape(target), cacheType)
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestFetchEndpoint(t *testing.T) {
	mock, proxy := newTestProxy(t)
	mock.SetResponse("/pokemon/25", testutil.NewJSONResponse(`{"name":"pikachu"}`))
	target := mock.URL() + "/pokemon/25"

	wantSources := []string{"network", "cache"}
	for i, want := range wantSources {
		resp, err := http.Get(fetchURL(proxy, target, "pokemon"))
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d: %s", i, resp.StatusCode, body)
		}
		if got := resp.Header.Get(headerCacheSource); got != want {
			t.Errorf("request %d: expected source %q, got %q", i, want, got)
		}
		if resp.Header.Get(headerCacheKey) == "" {
			t.Errorf("request %d: expected cache key header", i)
		}
		if resp.Header.Get(headerRequestID) == "" {
			t.Errorf("request %d: expected request ID header", i)
		}
		if string(body) != `{"name":"pikachu"}` {
			t.Errorf("request %d: unexpected body %s", i, body)
		}
	}

	if got := mock.GetPathCount("/pokemon/25"); got != 1 {
		t.Errorf("Expected 1 upstream request, got %d", got)
	}
}

func TestFetchEndpoint_Errors(t *testing.T) {
	mock, proxy := newTestProxy(t)
	mock.SetResponse("/missing", testutil.NewStatusResponse(http.StatusNotFound))

	tests := []struct {
		name           string
		url            string
		wantStatus     int
		wantUpstream   int
		wantErrContain string
	}{
		{
			name:           "missing url",
			url:            proxy.URL + "/fetch?cache_type=pokemon",
			wantStatus:     http.StatusBadRequest,
			wantErrContain: "url parameter is required",
		},
		{
			name:           "unknown cache type",
			url:            fetchURL(proxy, mock.URL()+"/x", "moves"),
			wantStatus:     http.StatusBadRequest,
			wantErrContain: "unknown cache type",
		},
		{
			name:         "upstream not found",
			url:          fetchURL(proxy, mock.URL()+"/missing", "pokemon"),
			wantStatus:   http.StatusBadGateway,
			wantUpstream: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(tt.url)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, resp.StatusCode)
			}

			var body errorBody
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if body.StatusCode != tt.wantUpstream {
				t.Errorf("Expected upstream status %d, got %d", tt.wantUpstream, body.StatusCode)
			}
			if !strings.Contains(body.Error, tt.wantErrContain) {
				t.Errorf("Expected error containing %q, got %q", tt.wantErrContain, body.Error)
			}
		})
	}
}

func TestRequestIDPropagation(t *testing.T) {
	_, proxy := newTestProxy(t)

	req, _ := http.NewRequest("GET", proxy.URL+"/health", nil)
	req.Header.Set(headerRequestID, "req-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()

	if got := resp.Header.Get(headerRequestID); got != "req-123" {
		t.Errorf("Expected request ID to be echoed, got %q", got)
	}
}

func TestStatsEndpoint(t *testing.T) {
	mock, proxy := newTestProxy(t)
	target := mock.URL() + "/cards/base1-4"

	for range 3 {
		resp, err := http.Get(fetchURL(proxy, target, "pokemon"))
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		resp.Body.Close()
	}

	resp, err := http.Get(proxy.URL + "/stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	defer resp.Body.Close()

	var stats client.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("Expected 2 hits and 1 miss, got %d and %d", stats.Hits, stats.Misses)
	}
	if stats.Entries != 1 {
		t.Errorf("Expected 1 entry, got %d", stats.Entries)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, proxy := newTestProxy(t)

	resp, err := http.Get(proxy.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "fetchcache_cache_entries") {
		t.Error("Expected fetchcache metrics in output")
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown cache type", fmt.Errorf("%w: %q", client.ErrUnknownCacheType, "x"), http.StatusBadRequest},
		{"closed", client.ErrClosed, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"upstream status", &transport.FetchError{Class: transport.ClassStatus, StatusCode: 500}, http.StatusBadGateway},
		{"throttled", &transport.FetchError{Class: transport.ClassThrottled}, http.StatusTooManyRequests},
		{"other", errors.New("build request key: bad url"), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorStatus(tt.err); got != tt.want {
				t.Errorf("errorStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func runApp(t *testing.T, env config.Env, args ...string) (string, string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	app := newApp(env)
	app.Writer = &stdout
	app.ErrWriter = &stderr

	err := app.Run(context.Background(), append([]string{"fetchcache"}, args...))
	return stdout.String(), stderr.String(), err
}

func testEnv() config.Env {
	return config.Env{LogLevel: "error", MaxConcurrency: 2}
}

func TestGetCommand(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/pokemon/1", testutil.NewJSONResponse(`{"name":"bulbasaur","id":1}`))
	mock.SetResponse("/pokemon/4", testutil.NewJSONResponse(`{"name":"charmander","id":4}`))

	stdout, stderr, err := runApp(t, testEnv(), "get", "-t", "pokemon", "-q", "name",
		mock.URL()+"/pokemon/1", mock.URL()+"/pokemon/4")
	if err != nil {
		t.Fatalf("get: %v (stderr %s)", err, stderr)
	}

	if stdout != "\"bulbasaur\"\n\"charmander\"\n" {
		t.Errorf("Unexpected output %q", stdout)
	}
	if !strings.Contains(stderr, "0 hits, 2 misses") {
		t.Errorf("Expected stats line, got %q", stderr)
	}
}

func TestGetCommand_RepeatServesFromCache(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	target := mock.URL() + "/sets/base1"

	_, stderr, err := runApp(t, testEnv(), "get", "-t", "pokemon", "--repeat", "3", target)
	if err != nil {
		t.Fatalf("get: %v (stderr %s)", err, stderr)
	}

	if got := mock.GetPathCount("/sets/base1"); got != 1 {
		t.Errorf("Expected 1 upstream request, got %d", got)
	}
	if !strings.Contains(stderr, "2 hits, 1 misses") {
		t.Errorf("Expected 2 hits, got %q", stderr)
	}
}

func TestGetCommand_Errors(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/gone", testutil.NewStatusResponse(http.StatusNotFound))

	tests := []struct {
		name    string
		env     config.Env
		args    []string
		wantErr string
	}{
		{"no urls", testEnv(), []string{"get", "-t", "pokemon"}, "at least one URL"},
		{"bad repeat", testEnv(), []string{"get", "-t", "pokemon", "--repeat", "0", mock.URL()}, "--repeat"},
		{"bad log level", config.Env{LogLevel: "loud"}, []string{"get", "-t", "pokemon", mock.URL()}, "--log-level"},
		{"unknown cache type", testEnv(), []string{"get", "-t", "moves", mock.URL() + "/x"}, "1 of 1 fetches failed"},
		{"upstream 404", testEnv(), []string{"get", "-t", "pokemon", mock.URL() + "/gone"}, "1 of 1 fetches failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runApp(t, tt.env, tt.args...)
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSettingsFrom_FlagsOverrideEnv(t *testing.T) {
	env := config.Env{LogLevel: "info", MaxConcurrency: 6, ListenAddr: ":8080"}

	var got config.Env
	app := newApp(env)
	app.Writer, app.ErrWriter = io.Discard, io.Discard
	app.Commands = append(app.Commands, &cli.Command{
		Name: "inspect",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			got = settingsFrom(cmd, env)
			return nil
		},
	})

	err := app.Run(context.Background(), []string{"fetchcache", "--log-level", "error", "--max-concurrency", "2", "--tracing", "inspect"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	want := config.Env{LogLevel: "error", MaxConcurrency: 2, Tracing: true, ListenAddr: ":8080"}
	if got != want {
		t.Errorf("settingsFrom() = %+v, want %+v", got, want)
	}
}
