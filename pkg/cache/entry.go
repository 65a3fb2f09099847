package cache

import (
	"encoding/json"
	"time"
)

// Entry is a cached response body.
// Entries are values: the cache replaces them whole and never edits one in place.
type Entry struct {
	// Key is the request key the entry is stored under.
	Key string `json:"key"`

	// Data is the decoded-JSON response body.
	Data json.RawMessage `json:"data"`

	// URL is the request URL as the caller gave it, before canonicalization.
	URL string `json:"url"`

	// Domain is the name of the cache domain that produced the entry.
	Domain string `json:"domain"`

	// Timestamp is when the data was fetched.
	Timestamp time.Time `json:"timestamp"`
}

// Age returns how old the entry is at now. Never negative.
func (e Entry) Age(now time.Time) time.Duration {
	age := now.Sub(e.Timestamp)
	if age < 0 {
		return 0
	}
	return age
}

// Fresh reports whether the entry is younger than maxAge at now.
func (e Entry) Fresh(now time.Time, maxAge time.Duration) bool {
	return now.Sub(e.Timestamp) < maxAge
}

// TTL returns the time left until the entry turns stale.
// Returns 0 if already stale.
func (e Entry) TTL(now time.Time, maxAge time.Duration) time.Duration {
	ttl := maxAge - now.Sub(e.Timestamp)
	if ttl < 0 {
		return 0
	}
	return ttl
}
