// Package cache is a best-effort, TTL-bounded result cache. Failures are
// logged and reported as misses; nothing here returns an error to callers.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Cache stores opaque values. Invalidate takes either an exact key or a
// prefix ending in "*".
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Invalidate(ctx context.Context, keyOrPrefix string)
	Flush(ctx context.Context)
	Stats(ctx context.Context) Stats
}

type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Size   int64 `json:"size"`
}

// TTLs groups the lifetimes per volatility class.
type TTLs struct {
	Volatile time.Duration // popular lists, attempt-driven data
	Listing  time.Duration // filtered finds and samples
	Static   time.Duration // metadata rollups and filter options
}

func DefaultTTLs() TTLs {
	return TTLs{Volatile: 3 * time.Minute, Listing: 5 * time.Minute, Static: 15 * time.Minute}
}

func isPrefix(keyOrPrefix string) (string, bool) {
	if strings.HasSuffix(keyOrPrefix, "*") {
		return strings.TrimSuffix(keyOrPrefix, "*"), true
	}
	return keyOrPrefix, false
}

// GetOrLoad returns the cached value for key, or runs load and caches its
// JSON encoding. The bool reports whether the value came from the cache.
// Encoding problems degrade to a plain load.
func GetOrLoad[T any](ctx context.Context, c Cache, key string, ttl time.Duration, load func() (T, error)) (T, bool, error) {
	if c != nil {
		if raw, ok := c.Get(ctx, key); ok {
			var v T
			if err := json.Unmarshal(raw, &v); err == nil {
				return v, true, nil
			}
			c.Invalidate(ctx, key)
		}
	}

	v, err := load()
	if err != nil {
		var zero T
		return zero, false, err
	}
	if c != nil {
		if raw, err := json.Marshal(v); err == nil {
			c.Set(ctx, key, raw, ttl)
		}
	}
	return v, false, nil
}
