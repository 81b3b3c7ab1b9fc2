package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const scanBatch = 200

// RedisCache shares entries across server instances. All keys live under a
// namespace so Flush never touches data owned by other applications.
// Hit and miss counters are per process.
type RedisCache struct {
	client    redis.UniversalClient
	namespace string
	log       logrus.FieldLogger
	hits      atomic.Int64
	misses    atomic.Int64
}

func NewRedisCache(client redis.UniversalClient, namespace string, log logrus.FieldLogger) *RedisCache {
	return &RedisCache{client: client, namespace: namespace, log: log}
}

var _ Cache = (*RedisCache)(nil)

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	raw, err := r.client.Get(ctx, r.namespace+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.WithError(err).WithField("key", key).Warn("[cache] redis get failed, treating as miss")
		}
		r.misses.Add(1)
		return nil, false
	}
	r.hits.Add(1)
	return raw, true
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := r.client.Set(ctx, r.namespace+key, value, ttl).Err(); err != nil {
		r.log.WithError(err).WithField("key", key).Warn("[cache] redis set failed")
	}
}

func (r *RedisCache) Invalidate(ctx context.Context, keyOrPrefix string) {
	prefix, ok := isPrefix(keyOrPrefix)
	if !ok {
		if err := r.client.Del(ctx, r.namespace+keyOrPrefix).Err(); err != nil {
			r.log.WithError(err).WithField("key", keyOrPrefix).Warn("[cache] redis delete failed")
		}
		return
	}
	if _, err := r.deleteMatching(ctx, r.namespace+prefix+"*"); err != nil {
		r.log.WithError(err).WithField("prefix", prefix).Warn("[cache] redis prefix invalidation failed")
	}
}

func (r *RedisCache) Flush(ctx context.Context) {
	if _, err := r.deleteMatching(ctx, r.namespace+"*"); err != nil {
		r.log.WithError(err).Warn("[cache] redis flush failed")
	}
}

func (r *RedisCache) Stats(ctx context.Context) Stats {
	size, err := r.countMatching(ctx, r.namespace+"*")
	if err != nil {
		r.log.WithError(err).Warn("[cache] redis size scan failed")
	}
	return Stats{Hits: r.hits.Load(), Misses: r.misses.Load(), Size: size}
}

func (r *RedisCache) deleteMatching(ctx context.Context, pattern string) (int64, error) {
	var deleted int64
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, err
			}
			deleted += n
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}

func (r *RedisCache) countMatching(ctx context.Context, pattern string) (int64, error) {
	var n int64
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return n, err
		}
		n += int64(len(keys))
		if next == 0 {
			return n, nil
		}
		cursor = next
	}
}
