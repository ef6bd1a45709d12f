// Package respcache is an exact-match, MD5-prefix-keyed TTL cache for
// ITS/ABAB analysis results, with graceful degradation to a
// pass-through when Redis is unavailable.
package respcache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Key builds a deterministic cache key: prefix + ":" + md5(args:sortedKwargs)[:12].
func Key(prefix string, args []any, kwargs map[string]any) string {
	type kv struct {
		K string
		V any
	}
	sorted := make([]kv, 0, len(kwargs))
	for k, v := range kwargs {
		sorted = append(sorted, kv{K: k, V: v})
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].K < sorted[j].K })

	data := fmt.Sprintf("%v:%v", args, sorted)
	sum := md5.Sum([]byte(data))
	digest := hex.EncodeToString(sum[:])[:12]
	return prefix + ":" + digest
}

// Stats reports cache performance counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Evictions int64 `json:"evictions"`
	Degraded  bool  `json:"degraded"`
}

// Cache is the response cache. When redis is nil (construction failed
// or was never configured), values are kept in an in-process map with
// per-entry expiry, so a degraded cache still serves hits. That map is
// not shared between processes and does not survive a restart.
type Cache struct {
	redis      *redis.Client
	logger     zerolog.Logger
	defaultTTL time.Duration

	hits      int64
	misses    int64
	sets      int64
	evictions int64

	mu       sync.RWMutex
	fallback map[string]fallbackEntry // used only when redis is nil
}

type fallbackEntry struct {
	value   []byte
	expires time.Time
}

// New constructs a Cache from a Redis URL. If url is empty or the
// connection cannot be established, New logs a warning and returns a
// Cache that degrades to an in-memory pass-through rather than
// returning an error — callers must remain functional without Redis.
func New(url string, defaultTTL time.Duration, logger zerolog.Logger) *Cache {
	c := &Cache{
		logger:     logger.With().Str("component", "respcache").Logger(),
		defaultTTL: defaultTTL,
		fallback:   make(map[string]fallbackEntry),
	}

	if url == "" {
		c.logger.Warn().Msg("no REDIS_URL configured, response cache degraded to in-memory pass-through")
		return c
	}

	opt, err := redis.ParseURL(url)
	if err != nil {
		c.logger.Warn().Err(err).Msg("invalid REDIS_URL, response cache degraded to in-memory pass-through")
		return c
	}

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("redis unavailable, response cache degraded to in-memory pass-through")
		return c
	}

	c.redis = client
	return c
}

func (c *Cache) degraded() bool { return c.redis == nil }

// Get fetches a cached value and unmarshals it into dest. Returns
// (false, nil) on a clean miss, and also (false, nil) — never an error
// — when the backend is unavailable, since a cache failure must never
// fail the caller's request.
func (c *Cache) Get(ctx context.Context, key string, dest any) (bool, error) {
	if c.degraded() {
		c.mu.RLock()
		entry, ok := c.fallback[key]
		c.mu.RUnlock()
		if !ok || entry.expires.Before(time.Now()) {
			atomic.AddInt64(&c.misses, 1)
			return false, nil
		}
		atomic.AddInt64(&c.hits, 1)
		return true, json.Unmarshal(entry.value, dest)
	}

	raw, err := c.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		atomic.AddInt64(&c.misses, 1)
		return false, nil
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache get failed, degrading to miss")
		atomic.AddInt64(&c.misses, 1)
		return false, nil
	}

	atomic.AddInt64(&c.hits, 1)
	return true, json.Unmarshal(raw, dest)
}

// Set stores value under key with ttl (defaultTTL if zero).
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	atomic.AddInt64(&c.sets, 1)

	if c.degraded() {
		c.mu.Lock()
		c.fallback[key] = fallbackEntry{value: data, expires: time.Now().Add(ttl)}
		c.mu.Unlock()
		return nil
	}

	if err := c.redis.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache set failed, degrading gracefully")
	}
	return nil
}

// Delete removes one key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	atomic.AddInt64(&c.evictions, 1)
	if c.degraded() {
		c.mu.Lock()
		delete(c.fallback, key)
		c.mu.Unlock()
		return nil
	}
	if err := c.redis.Del(ctx, key).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache delete failed")
	}
	return nil
}

// ClearPrefix removes every key starting with prefix and returns the
// count removed.
func (c *Cache) ClearPrefix(ctx context.Context, prefix string) (int, error) {
	if c.degraded() {
		c.mu.Lock()
		defer c.mu.Unlock()
		n := 0
		for k := range c.fallback {
			if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
				delete(c.fallback, k)
				n++
			}
		}
		atomic.AddInt64(&c.evictions, int64(n))
		return n, nil
	}

	var keys []string
	iter := c.redis.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn().Err(err).Str("prefix", prefix).Msg("cache clear scan failed")
		return 0, nil
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn().Err(err).Str("prefix", prefix).Msg("cache clear delete failed")
		return 0, nil
	}
	atomic.AddInt64(&c.evictions, int64(len(keys)))
	return len(keys), nil
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      atomic.LoadInt64(&c.hits),
		Misses:    atomic.LoadInt64(&c.misses),
		Sets:      atomic.LoadInt64(&c.sets),
		Evictions: atomic.LoadInt64(&c.evictions),
		Degraded:  c.degraded(),
	}
}

// Memoize runs compute and caches its result under key, or returns the
// cached value if present. T must be JSON round-trippable.
func Memoize[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, compute func() (T, error)) (T, error) {
	var cached T
	if hit, err := c.Get(ctx, key, &cached); err == nil && hit {
		return cached, nil
	}

	result, err := compute()
	if err != nil {
		var zero T
		return zero, err
	}

	_ = c.Set(ctx, key, result, ttl)
	return result, nil
}
