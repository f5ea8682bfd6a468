// Package cache provides the keyed TTL cache used by the analytics
// engine and the query-suggestion payloads. It is oblivious to value
// semantics; callers hand it opaque bytes. A missing or unreachable
// backend degrades to a transparent cache miss and never fails the
// request.
package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"feedbackcore.org/common"
	"feedbackcore.org/config"
)

// KeyPrefix namespaces every analytics cache entry. Prefix invalidation
// on admin mutations scans under it.
const KeyPrefix = "analytics"

// Cache wraps a Redis connection with the four adapter operations.
type Cache struct {
	client     *redis.Client
	defaultTTL time.Duration
}

// New connects to the cache backend. An empty URL or a connection
// failure is not fatal; every operation degrades to a miss.
func New(cfg config.CacheConfig) *Cache {
	if cfg.URL == "" {
		common.Logger.Warn("cache url not set, operating uncached")
		return &Cache{defaultTTL: cfg.DefaultTTL}
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		common.Logger.WithError(err).Warn("invalid cache url, operating uncached")
		return &Cache{defaultTTL: cfg.DefaultTTL}
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		common.Logger.WithError(err).Warn("cache backend unreachable, operating uncached")
	}
	return &Cache{client: client, defaultTTL: cfg.DefaultTTL}
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(client *redis.Client, defaultTTL time.Duration) *Cache {
	return &Cache{client: client, defaultTTL: defaultTTL}
}

// Key derives the stable cache key for an endpoint and its parameters.
// Parameters are sorted by name before hashing so equivalent requests
// share an entry regardless of argument order.
func Key(endpoint string, params map[string]string) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(params[name])
		b.WriteByte('&')
	}
	sum := sha1.Sum([]byte(b.String()))
	return fmt.Sprintf("%s:%s:%s", KeyPrefix, endpoint, hex.EncodeToString(sum[:]))
}

// Get returns the cached bytes, or (nil, false) on miss or backend
// failure.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c.client == nil {
		return nil, false
	}
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		common.Logger.WithError(err).WithField("key", key).Debug("cache read failed, treating as miss")
		return nil, false
	}
	return val, true
}

// SetTTL stores bytes under key for the given lifetime. Zero ttl falls
// back to the configured default. Backend failure is swallowed.
func (c *Cache) SetTTL(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if c.client == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		common.Logger.WithError(err).WithField("key", key).Debug("cache write failed")
	}
}

// Delete removes one key.
func (c *Cache) Delete(ctx context.Context, key string) {
	if c.client == nil {
		return
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		common.Logger.WithError(err).WithField("key", key).Debug("cache delete failed")
	}
}

// DeletePrefix removes every key under prefix using SCAN, never KEYS,
// so invalidation does not stall the backend.
func (c *Cache) DeletePrefix(ctx context.Context, prefix string) int {
	if c.client == nil {
		return 0
	}
	var deleted int
	iter := c.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err == nil {
			deleted++
		}
	}
	if err := iter.Err(); err != nil {
		common.Logger.WithError(err).WithField("prefix", prefix).Debug("cache prefix scan failed")
	}
	return deleted
}

// InvalidateAnalytics drops every analytics entry. Admin mutations call
// this after commit.
func (c *Cache) InvalidateAnalytics(ctx context.Context) int {
	return c.DeletePrefix(ctx, KeyPrefix+":")
}

// Ping reports backend health for the admin diagnostics endpoint.
func (c *Cache) Ping(ctx context.Context) error {
	if c.client == nil {
		return common.E(common.KindUnavailable, "cache backend not configured")
	}
	return c.client.Ping(ctx).Err()
}

// Close releases the connection.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
