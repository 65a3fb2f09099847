package transport

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a failed attempt for retry decisions and observability.
type ErrorClass string

const (
	// ClassNetwork represents connection and I/O failures.
	ClassNetwork ErrorClass = "network"

	// ClassTimeout represents an attempt that exceeded its per-attempt deadline.
	ClassTimeout ErrorClass = "timeout"

	// ClassStatus represents a non-2xx HTTP status.
	ClassStatus ErrorClass = "status"

	// ClassParse represents a 2xx response whose body is not valid JSON.
	ClassParse ErrorClass = "parse"

	// ClassThrottled represents a request never sent because the upstream
	// host asked to back off for longer than RetryPolicy.MaxThrottleWait.
	ClassThrottled ErrorClass = "throttled"
)

// Sentinels matched by FetchError through errors.Is.
var (
	ErrNetwork    = errors.New("network error")
	ErrTimeout    = errors.New("timeout")
	ErrHTTPStatus = errors.New("http status error")
	ErrParse      = errors.New("parse error")
	ErrThrottled  = errors.New("upstream throttled")
)

// FetchError is returned by Transport.Execute when a request fails.
type FetchError struct {
	Class      ErrorClass
	StatusCode int
	URL        string

	// Attempts is the number of attempts made before giving up.
	Attempts int

	// Retryable reports whether the failure was transient.
	Retryable bool

	Err error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s error", e.URL, e.Class)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's class.
func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrNetwork:
		return e.Class == ClassNetwork
	case ErrTimeout:
		return e.Class == ClassTimeout
	case ErrHTTPStatus:
		return e.Class == ClassStatus
	case ErrParse:
		return e.Class == ClassParse
	case ErrThrottled:
		return e.Class == ClassThrottled
	default:
		return false
	}
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.StatusCode
	}
	return 0
}
