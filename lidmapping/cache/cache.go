// Package cache provides the TTL-bounded key-value cache used to front the
// LID mapping store, the migration cache, and session-validation memoization.
package cache

import (
	"context"
	"time"
)

// Cache is a bounded, TTL-expiring string map. Values are shared references;
// a miss (expired or absent) is reported with ok=false, never an error, so
// callers can always fall back to the persistent store. Loss of the whole
// cache must be safe: every entry is recomputable from the KV.
type Cache interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
