// Package cache provides the short-TTL read-through cache used in front of
// the rule store. Values are JSON-encoded so the in-memory and Redis
// implementations behave identically (callers always receive a copy).
package cache

import (
	"context"
	"time"
)

// Cache stores JSON-encodable values under string keys with a TTL.
type Cache interface {
	// Get decodes the value stored under key into dest.
	// Returns false with a nil error on a miss.
	Get(ctx context.Context, key string, dest any) (bool, error)
	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// DeleteByPrefix removes every key that starts with prefix.
	DeleteByPrefix(ctx context.Context, prefix string) error
}
