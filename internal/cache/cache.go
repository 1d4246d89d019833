package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrCacheMiss is returned when a key is not found or has expired.
var ErrCacheMiss = errors.New("cache miss")

// Cache is a byte-valued key store with per-key expiry. The storage layout
// keeps its UID to directory memo in it.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. A ttl of zero or less never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// CacheKey joins key parts with ':'. Empty parts are skipped.
func CacheKey(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ":")
}
