// Package testutil provides testing utilities for fetchcache.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines the behavior for one mock upstream response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration

	// Gate, when non-nil, holds the response until it is closed.
	Gate <-chan struct{}
}

// MockUpstream is a configurable JSON API server for testing.
type MockUpstream struct {
	server    *httptest.Server
	mu        sync.RWMutex
	handlers  map[string]http.HandlerFunc
	sequences map[string][]MockResponse
	counts    map[string]int

	// Tracking
	RequestCount      int
	LastRequestHeader http.Header
	LastRequestBody   []byte
}

// NewMockUpstream creates a new mock upstream server.
func NewMockUpstream() *MockUpstream {
	mock := &MockUpstream{
		handlers:  make(map[string]http.HandlerFunc),
		sequences: make(map[string][]MockResponse),
		counts:    make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := readBody(r)

		mock.mu.Lock()
		mock.RequestCount++
		mock.counts[r.URL.Path]++
		n := mock.counts[r.URL.Path]
		mock.LastRequestHeader = r.Header.Clone()
		mock.LastRequestBody = body
		handler, hasHandler := mock.handlers[r.URL.Path]
		seq := mock.sequences[r.URL.Path]
		mock.mu.Unlock()

		if hasHandler {
			handler(w, r)
			return
		}

		if len(seq) > 0 {
			// The last response repeats once the sequence is used up.
			idx := n - 1
			if idx >= len(seq) {
				idx = len(seq) - 1
			}
			writeResponse(w, r, seq[idx])
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// Client returns an HTTP client configured for the mock server.
func (m *MockUpstream) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockUpstream) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockUpstream) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.counts = make(map[string]int)
	m.LastRequestHeader = nil
	m.LastRequestBody = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockUpstream) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a single response for a path.
func (m *MockUpstream) SetResponse(path string, resp MockResponse) {
	m.SetSequence(path, resp)
}

// SetSequence configures successive responses for a path. The n-th request
// receives the n-th response; the last one repeats.
func (m *MockUpstream) SetSequence(path string, resps ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, path)
	m.sequences[path] = resps
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockUpstream) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetPathCount returns the number of requests made to path.
func (m *MockUpstream) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counts[path]
}

// defaultHandler answers every unknown path with a small JSON document.
func (m *MockUpstream) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "ok"}`))
}

func writeResponse(w http.ResponseWriter, r *http.Request, resp MockResponse) {
	if resp.Gate != nil {
		select {
		case <-resp.Gate:
		case <-r.Context().Done():
			return
		}
	}
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}

	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}

	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

func readBody(r *http.Request) []byte {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	body, _ := io.ReadAll(r.Body)
	return body
}

// NewJSONResponse creates a standard 200 OK response.
func NewJSONResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewStatusResponse creates a response with the given status and a JSON error body.
func NewStatusResponse(status int) MockResponse {
	return MockResponse{
		StatusCode: status,
		Body:       `{"error": "` + http.StatusText(status) + `"}`,
	}
}

// NewRateLimitResponse creates a 429 response asking clients to wait.
func NewRateLimitResponse(retryAfter string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
		Headers: map[string]string{
			"Retry-After":           retryAfter,
			"X-RateLimit-Remaining": "0",
			"X-RateLimit-Reset":     retryAfter,
		},
	}
}

// NewMalformedResponse creates a 200 response whose body is not JSON.
func NewMalformedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `<html>oops</html>`,
		Headers: map[string]string{
			"Content-Type": "text/html",
		},
	}
}
