// Package ratelimit tracks upstream throttling signals per host and gates
// requests while a host has asked clients to back off.
// It reads the Retry-After, X-RateLimit-Remaining and X-RateLimit-Reset
// response headers.
package ratelimit

import (
	"time"
)

// Header names inspected on upstream responses.
const (
	HeaderRetryAfter = "Retry-After"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
)

// UnknownRemaining marks a State whose upstream never reported a budget.
const UnknownRemaining = -1

// State is the throttle state of one upstream host.
type State struct {
	// Host is the lower-cased host (with port if non-default) the state belongs to.
	Host string `json:"host"`

	// Remaining is the request budget reported by X-RateLimit-Remaining,
	// or UnknownRemaining.
	Remaining int `json:"remaining"`

	// BlockedUntil is the instant before which no request should be sent.
	// Zero means the host is not blocked.
	BlockedUntil time.Time `json:"blocked_until"`

	// LastUpdate is when this state was recorded.
	LastUpdate time.Time `json:"last_update"`
}

// Blocked reports whether requests to the host must wait at now.
func (s *State) Blocked(now time.Time) bool {
	return now.Before(s.BlockedUntil)
}

// TimeUntilReset returns how long the host stays blocked after now.
// Returns 0 if the block has already lapsed.
func (s *State) TimeUntilReset(now time.Time) time.Duration {
	d := s.BlockedUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// IsStale returns true if the state is older than maxAge at now.
func (s *State) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastUpdate) > maxAge
}
