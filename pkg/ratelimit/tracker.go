package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mappy4ever/fetchcache/pkg/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for throttle tracking.
var (
	throttleRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fetchcache_throttle_remaining",
		Help: "Request budget last reported by the upstream host",
	}, []string{"host"})

	throttleBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchcache_throttle_blocks_total",
		Help: "Total number of attempts refused because the upstream host asked clients to back off",
	}, []string{"host"})
)

// DefaultStateTTL bounds how long an unblocked state is remembered.
const DefaultStateTTL = time.Minute

// epochThreshold separates X-RateLimit-Reset values given as a unix time
// from values given in seconds.
const epochThreshold = 1_000_000_000

// Tracker records upstream throttle signals and gates requests per host.
type Tracker struct {
	store  Store
	clock  clock.Clock
	logger zerolog.Logger
}

// NewTracker creates a tracker on top of store.
func NewTracker(store Store, clk clock.Clock, logger zerolog.Logger) *Tracker {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Tracker{store: store, clock: clk, logger: logger}
}

// GetState returns the recorded state for host. A host without recorded
// state is reported as unblocked with an unknown budget.
func (t *Tracker) GetState(ctx context.Context, host string) (*State, error) {
	state, err := t.store.Get(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("get throttle state: %w", err)
	}
	if state == nil {
		return &State{Host: host, Remaining: UnknownRemaining, LastUpdate: t.clock.Now()}, nil
	}
	return state, nil
}

// UpdateFromResponse inspects the throttle headers of a response from host.
// Responses carrying none of the headers leave the state untouched.
func (t *Tracker) UpdateFromResponse(ctx context.Context, host string, status int, headers http.Header) error {
	now := t.clock.Now()
	state := &State{Host: host, Remaining: UnknownRemaining, LastUpdate: now}
	seen := false

	if v := headers.Get(HeaderRemaining); v != "" {
		remaining, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
		}
		state.Remaining = remaining
		seen = true

		if remaining <= 0 {
			resetStr := headers.Get(HeaderReset)
			if resetStr == "" {
				return fmt.Errorf("%s header missing", HeaderReset)
			}
			wait, err := parseReset(resetStr, now)
			if err != nil {
				return err
			}
			state.BlockedUntil = now.Add(wait)
		}
	}

	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		if v := headers.Get(HeaderRetryAfter); v != "" {
			wait, err := parseRetryAfter(v, now)
			if err != nil {
				return err
			}
			if until := now.Add(wait); until.After(state.BlockedUntil) {
				state.BlockedUntil = until
			}
			seen = true
		}
	}

	if !seen {
		return nil
	}

	ttl := DefaultStateTTL
	if state.Blocked(now) {
		ttl = state.TimeUntilReset(now)
	}
	if err := t.store.Set(ctx, state, ttl); err != nil {
		return err
	}

	if state.Remaining != UnknownRemaining {
		throttleRemaining.WithLabelValues(host).Set(float64(state.Remaining))
	}

	if state.Blocked(now) {
		t.logger.Warn().
			Str("host", host).
			Int("remaining", state.Remaining).
			Time("blocked_until", state.BlockedUntil).
			Msg("Upstream asked to back off")
	} else {
		t.logger.Debug().
			Str("host", host).
			Int("remaining", state.Remaining).
			Msg("Throttle state updated")
	}

	return nil
}

// ShouldAllowRequest reports whether a request to host may be sent now.
// When it may not, the returned duration is the time left until the block
// lapses.
func (t *Tracker) ShouldAllowRequest(ctx context.Context, host string) (bool, time.Duration, error) {
	state, err := t.GetState(ctx, host)
	if err != nil {
		return false, 0, err
	}

	now := t.clock.Now()
	if !state.Blocked(now) {
		return true, 0, nil
	}

	wait := state.TimeUntilReset(now)
	t.logger.Warn().
		Str("host", host).
		Dur("wait_duration", wait).
		Msg("Upstream throttled - holding request")
	throttleBlocksTotal.WithLabelValues(host).Inc()

	return false, wait, nil
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second, nil
	}
	at, err := http.ParseTime(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s header: %w", HeaderRetryAfter, err)
	}
	if d := at.Sub(now); d > 0 {
		return d, nil
	}
	return 0, nil
}

// parseReset accepts seconds until reset or a unix timestamp.
func parseReset(v string, now time.Time) (time.Duration, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s header: %w", HeaderReset, err)
	}
	if n >= epochThreshold {
		if d := time.Unix(n, 0).Sub(now); d > 0 {
			return d, nil
		}
		return 0, nil
	}
	if n < 0 {
		n = 0
	}
	return time.Duration(n) * time.Second, nil
}
