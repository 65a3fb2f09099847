package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// DefaultVolatileParams are query parameters that never change request identity.
// They are typically cache-busting values appended by callers.
var DefaultVolatileParams = []string{"timestamp", "_", "_t", "cb", "cachebust"}

// RequestKey identifies a logical request.
type RequestKey struct {
	// Method is the upper-cased HTTP method.
	Method string

	// URL is the canonical URL (volatile params removed, query sorted).
	URL string

	// Body is the canonical body serialization (nil for bodiless requests).
	Body []byte

	digest string
}

// String returns the cache key.
// Format: req:<sha256 of method, url and body, each length-prefixed>
//
// Example:
//
//	req:3f1c...9ab2
func (k RequestKey) String() string {
	return "req:" + k.digest
}

// Keyer derives request keys.
type Keyer struct {
	// VolatileParams are stripped from the query before keying (case-insensitive).
	VolatileParams []string
}

// NewKeyer creates a Keyer. Nil volatile params selects DefaultVolatileParams.
func NewKeyer(volatileParams []string) Keyer {
	if volatileParams == nil {
		volatileParams = DefaultVolatileParams
	}
	return Keyer{VolatileParams: volatileParams}
}

// NewRequestKey derives a key with the default volatile parameters.
func NewRequestKey(rawURL, method string, body any) (RequestKey, error) {
	return NewKeyer(nil).Key(rawURL, method, body)
}

// Key derives the key for a request.
func (k Keyer) Key(rawURL, method string, body any) (RequestKey, error) {
	canonicalURL, err := k.CanonicalURL(rawURL)
	if err != nil {
		return RequestKey{}, err
	}

	canonicalBody, err := CanonicalBody(body)
	if err != nil {
		return RequestKey{}, err
	}

	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = "GET"
	}

	h := sha256.New()
	for _, part := range [][]byte{[]byte(method), []byte(canonicalURL), canonicalBody} {
		var length [8]byte
		binary.BigEndian.PutUint64(length[:], uint64(len(part)))
		h.Write(length[:])
		h.Write(part)
	}

	return RequestKey{
		Method: method,
		URL:    canonicalURL,
		Body:   canonicalBody,
		digest: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// CanonicalURL normalizes a URL for keying.
func (k Keyer) CanonicalURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q must be absolute", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if (u.Scheme == "http" && u.Port() == "80") || (u.Scheme == "https" && u.Port() == "443") {
		u.Host = u.Hostname()
	}
	u.Fragment = ""
	u.RawFragment = ""

	query := u.Query()
	for param := range query {
		if k.isVolatile(param) {
			query.Del(param)
		}
	}
	// Encode sorts by key.
	u.RawQuery = query.Encode()

	return u.String(), nil
}

func (k Keyer) isVolatile(param string) bool {
	for _, v := range k.VolatileParams {
		if strings.EqualFold(v, param) {
			return true
		}
	}
	return false
}

// CanonicalBody returns a stable serialization of a request body.
// JSON input is re-encoded with sorted object keys so that equivalent
// documents produce the same bytes.
func CanonicalBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return canonicalJSONOrRaw(b), nil
	case json.RawMessage:
		return canonicalJSONOrRaw(b), nil
	case string:
		return canonicalJSONOrRaw([]byte(b)), nil
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		return canonicalJSONOrRaw(data), nil
	}
}

func canonicalJSONOrRaw(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return data
	}

	out, err := json.Marshal(v)
	if err != nil {
		return data
	}
	return out
}
