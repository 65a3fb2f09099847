// Package transport performs JSON HTTP requests with per-attempt timeouts,
// classified errors and exponential backoff between transient failures.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mappy4ever/fetchcache/pkg/clock"
	"github.com/mappy4ever/fetchcache/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/semaphore"
)

// Prometheus metrics for upstream requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchcache_upstream_requests_total",
		Help: "Total upstream attempts by host and outcome",
	}, []string{"host", "status"})

	attemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fetchcache_upstream_attempt_duration_seconds",
		Help:    "Upstream attempt duration in seconds by host",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"host"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchcache_upstream_errors_total",
		Help: "Total failed upstream attempts by class",
	}, []string{"class"})
)

// DefaultUserAgent is sent when Config.UserAgent is empty.
const DefaultUserAgent = "fetchcache/1.0"

// Doer executes HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request describes one logical upstream request.
type Request struct {
	URL     string
	Method  string
	Body    []byte
	Headers map[string]string
}

// Response is a successful upstream response with a JSON body.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       json.RawMessage

	// Attempts is the number of attempts it took.
	Attempts int
}

// Config holds the transport configuration.
type Config struct {
	// Doer sends requests. Defaults to NewHTTPClient(false).
	Doer Doer

	// Clock drives backoff sleeps. Defaults to clock.Real.
	Clock clock.Clock

	Logger zerolog.Logger

	// Throttle, when set, refuses attempts to hosts that asked to back off
	// and learns from response headers.
	Throttle *ratelimit.Tracker

	// UserAgent header value. Defaults to DefaultUserAgent.
	UserAgent string

	// MaxConcurrency caps simultaneous attempts. Zero means unlimited.
	MaxConcurrency int
}

// Transport executes requests under a RetryPolicy.
type Transport struct {
	doer      Doer
	clock     clock.Clock
	logger    zerolog.Logger
	throttle  *ratelimit.Tracker
	userAgent string
	sem       *semaphore.Weighted
}

// New creates a transport.
func New(cfg Config) *Transport {
	t := &Transport{
		doer:      cfg.Doer,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		throttle:  cfg.Throttle,
		userAgent: cfg.UserAgent,
	}
	if t.doer == nil {
		t.doer = NewHTTPClient(false)
	}
	if t.clock == nil {
		t.clock = clock.Real{}
	}
	if t.userAgent == "" {
		t.userAgent = DefaultUserAgent
	}
	if cfg.MaxConcurrency > 0 {
		t.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrency))
	}
	return t
}

// NewHTTPClient returns an HTTP client for upstream requests. Per-attempt
// deadlines come from the RetryPolicy, so the client carries no timeout.
// With tracing enabled every round trip is recorded as an OpenTelemetry span.
func NewHTTPClient(tracing bool) *http.Client {
	var rt http.RoundTripper = http.DefaultTransport.(*http.Transport).Clone()
	if tracing {
		rt = otelhttp.NewTransport(rt)
	}
	return &http.Client{Transport: rt}
}

// Execute performs req, retrying transient failures as policy allows.
//
// A transient failure on attempt n (zero-based) with n < policy.Retries is
// followed by a sleep of policy.Backoff(n). Terminal failures and the last
// transient failure are returned as *FetchError. If ctx ends, ctx.Err() is
// returned and no further attempt is made.
//
// While the host is throttled each attempt is held until the block lapses.
// Holding does not use up a retry. A block longer than
// policy.MaxThrottleWait ends the request with the last upstream failure,
// or a ClassThrottled error when no attempt was sent.
func (t *Transport) Execute(ctx context.Context, req Request, policy RetryPolicy) (*Response, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}

	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return nil, &FetchError{Class: ClassNetwork, URL: req.URL, Err: fmt.Errorf("invalid url %q", req.URL)}
	}
	host := strings.ToLower(u.Host)

	var last *FetchError
	for attempt := 0; ; attempt++ {
		if ferr := t.awaitThrottle(ctx, host, req.URL, policy); ferr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if last != nil {
				return nil, last
			}
			errorsTotal.WithLabelValues(string(ferr.Class)).Inc()
			return nil, ferr
		}

		resp, ferr := t.attempt(ctx, host, req, policy)
		if ferr == nil {
			resp.Attempts = attempt + 1
			if attempt > 0 {
				t.logger.Info().
					Str("url", req.URL).
					Int("attempt", attempt+1).
					Msg("Request succeeded after retry")
			}
			return resp, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		ferr.Attempts = attempt + 1
		last = ferr
		errorsTotal.WithLabelValues(string(ferr.Class)).Inc()

		if !ferr.Retryable {
			t.logger.Debug().
				Str("url", req.URL).
				Str("error_class", string(ferr.Class)).
				Int("status_code", ferr.StatusCode).
				Msg("Terminal upstream error")
			return nil, ferr
		}

		if attempt >= policy.Retries {
			retryExhaustedTotal.WithLabelValues(string(ferr.Class)).Inc()
			t.logger.Warn().
				Str("url", req.URL).
				Str("error_class", string(ferr.Class)).
				Int("attempts", attempt+1).
				Msg("Retry attempts exhausted")
			return nil, ferr
		}

		backoff := policy.Backoff(attempt)
		retriesTotal.WithLabelValues(string(ferr.Class)).Inc()
		retryBackoffSeconds.WithLabelValues(string(ferr.Class)).Observe(backoff.Seconds())

		t.logger.Warn().
			Err(ferr).
			Str("url", req.URL).
			Str("error_class", string(ferr.Class)).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("Retrying request after backoff")

		if err := t.clock.Sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}
}

// awaitThrottle holds the request while host is blocked. It fails when the
// block outlasts policy.MaxThrottleWait or ctx ends while waiting.
// Store failures let the request through.
func (t *Transport) awaitThrottle(ctx context.Context, host, rawURL string, policy RetryPolicy) *FetchError {
	if t.throttle == nil {
		return nil
	}

	for {
		allowed, wait, err := t.throttle.ShouldAllowRequest(ctx, host)
		if err != nil {
			t.logger.Warn().Err(err).Str("host", host).Msg("Throttle check failed, sending request")
			return nil
		}
		if allowed {
			return nil
		}

		if policy.MaxThrottleWait > 0 && wait > policy.MaxThrottleWait {
			requestsTotal.WithLabelValues(host, "throttled").Inc()
			return &FetchError{
				Class: ClassThrottled,
				URL:   rawURL,
				Err:   fmt.Errorf("host %s blocked for %s", host, wait),
			}
		}

		t.logger.Info().
			Str("host", host).
			Str("url", rawURL).
			Dur("wait", wait).
			Msg("Waiting for upstream throttle to lift")
		if err := t.clock.Sleep(ctx, wait); err != nil {
			return &FetchError{Class: ClassThrottled, URL: rawURL, Err: err}
		}
	}
}

// attempt performs a single request. A nil *FetchError means success.
func (t *Transport) attempt(ctx context.Context, host string, req Request, policy RetryPolicy) (*Response, *FetchError) {
	if t.sem != nil {
		if err := t.sem.Acquire(ctx, 1); err != nil {
			return nil, &FetchError{Class: ClassNetwork, URL: req.URL, Err: err}
		}
		defer t.sem.Release(1)
	}

	attemptCtx := ctx
	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}

	httpReq, err := t.newHTTPRequest(attemptCtx, req)
	if err != nil {
		return nil, &FetchError{Class: ClassNetwork, URL: req.URL, Err: err}
	}

	start := time.Now()
	resp, err := t.doer.Do(httpReq)
	if err != nil {
		attemptDuration.WithLabelValues(host).Observe(time.Since(start).Seconds())
		return nil, t.transportFailure(ctx, attemptCtx, host, req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	attemptDuration.WithLabelValues(host).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, t.transportFailure(ctx, attemptCtx, host, req.URL, err)
	}

	requestsTotal.WithLabelValues(host, strconv.Itoa(resp.StatusCode)).Inc()

	if t.throttle != nil {
		if err := t.throttle.UpdateFromResponse(ctx, host, resp.StatusCode, resp.Header); err != nil {
			t.logger.Warn().Err(err).Str("host", host).Msg("Failed to update throttle state from headers")
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{
			Class:      ClassStatus,
			StatusCode: resp.StatusCode,
			URL:        req.URL,
			Retryable:  policy.RetryableStatus(resp.StatusCode),
			Err:        errors.New(http.StatusText(resp.StatusCode)),
		}
	}

	if !json.Valid(body) {
		return nil, &FetchError{
			Class:      ClassParse,
			StatusCode: resp.StatusCode,
			URL:        req.URL,
			Err:        errors.New("response body is not valid JSON"),
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       json.RawMessage(body),
	}, nil
}

func (t *Transport) newHTTPRequest(ctx context.Context, req Request) (*http.Request, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", t.userAgent)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// transportFailure classifies an error raised while sending or reading.
func (t *Transport) transportFailure(ctx, attemptCtx context.Context, host, rawURL string, err error) *FetchError {
	if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		requestsTotal.WithLabelValues(host, "timeout").Inc()
		return &FetchError{Class: ClassTimeout, URL: rawURL, Retryable: true, Err: err}
	}
	requestsTotal.WithLabelValues(host, "network_error").Inc()
	t.logger.Debug().Err(err).Str("url", rawURL).Msg("HTTP request failed")
	return &FetchError{Class: ClassNetwork, URL: rawURL, Retryable: true, Err: err}
}
