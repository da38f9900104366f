// Package cache holds the tiers of the rate quote cache.
//
// A Layer stores opaque bytes under a key with a time-to-live; encoding the quote is the
// caller's job, so the in-process and Redis tiers store exactly the same payload.
package cache

import (
	"context"
	"time"
)

// Layer is one tier of the cache.
type Layer interface {
	// Get returns the stored bytes, or an error wrapping ErrKeyNotFound on a miss or expiry.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key for ttl. A zero ttl means the layer's default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Name identifies the layer in logs and metrics.
	Name() string

	Close() error
}

// Entry is a stored value together with its expiry.
type Entry struct {
	Key       string
	Value     []byte
	ExpiresAt time.Time
	CreatedAt time.Time
}

// IsExpired reports whether the entry is past its expiry.
func (e *Entry) IsExpired() bool {
	return !time.Now().Before(e.ExpiresAt)
}

// TimeToLive returns the remaining lifetime, or 0 once expired.
func (e *Entry) TimeToLive() time.Duration {
	if e.IsExpired() {
		return 0
	}
	return time.Until(e.ExpiresAt)
}

// Age returns how long ago the entry was stored.
func (e *Entry) Age() time.Duration {
	return time.Since(e.CreatedAt)
}
