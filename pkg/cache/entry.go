package cache

import (
	"time"

	"github.com/nivael/syncline/pkg/policy"
)

// Entry is a cached response body with its freshness parameters.
// Entries are owned exclusively by the Cache and mutated only by Set.
type Entry struct {
	// Data is the parsed response body.
	Data []byte `json:"data"`

	// ETag supports conditional revalidation (If-None-Match).
	ETag string `json:"etag,omitempty"`

	// LastModified supports conditional revalidation (If-Modified-Since).
	LastModified time.Time `json:"last_modified,omitempty"`

	// StoredAt is when the entry was cached.
	StoredAt time.Time `json:"stored_at"`

	// MaxAge is the freshness window.
	MaxAge time.Duration `json:"max_age"`

	// StaleWindow is the stale-but-usable grace period after MaxAge.
	StaleWindow time.Duration `json:"stale_window"`
}

// Freshness classifies the entry's age at the given instant.
func (e *Entry) Freshness(now time.Time) policy.Freshness {
	p := policy.Policy{MaxAge: e.MaxAge, StaleWindow: e.StaleWindow}
	return p.Classify(e.StoredAt, now)
}

// CanRevalidate reports whether the entry carries a validator usable for
// a conditional refresh request.
func (e *Entry) CanRevalidate() bool {
	return e.ETag != "" || !e.LastModified.IsZero()
}

// Lookup is the result of a cache read.
type Lookup struct {
	// Data is the cached body.
	Data []byte

	// Stale is true when the entry is past MaxAge but inside the stale
	// window; the caller should trigger a background refresh.
	Stale bool

	// ETag and LastModified carry the entry's validators for conditional
	// revalidation requests.
	ETag         string
	LastModified time.Time

	// StoredAt is when the entry was cached.
	StoredAt time.Time
}
