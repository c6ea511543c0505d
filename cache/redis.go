package cache

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// Redis stores query results in Redis. Cached data comes back as decoded
// JSON (maps, slices, float64), not as the handler's original Go types.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis-backed cache. Keys are namespaced by prefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "cqrs:query:"
	}
	return &Redis{client: client, prefix: prefix}
}

// Query types are escaped so one type's keys never match another type's
// SCAN pattern ("order" vs "order:v2", or types containing glob characters).
func (c *Redis) key(queryType, key string) string {
	return c.prefix + url.QueryEscape(queryType) + ":" + key
}

var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

// Get retrieves an entry
func (c *Redis) Get(ctx context.Context, queryType, key string) (Entry, bool, error) {
	data, err := c.client.Get(ctx, c.key(queryType, key)).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.Wrap(err, "failed to get value from Redis")
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, errors.Wrap(err, "failed to unmarshal cached value")
	}
	return e, true, nil
}

// Set stores an entry with a TTL. A non-positive TTL stores nothing.
func (c *Redis) Set(ctx context.Context, queryType, key string, data any, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	value, err := json.Marshal(Entry{Data: data, StoredAt: time.Now().UTC()})
	if err != nil {
		return errors.Wrap(err, "failed to marshal value for caching")
	}

	if err := c.client.Set(ctx, c.key(queryType, key), value, ttl).Err(); err != nil {
		return errors.Wrap(err, "failed to set value in Redis")
	}
	return nil
}

// Invalidate deletes all keys of a query type, or every key under the prefix
func (c *Redis) Invalidate(ctx context.Context, queryType string) error {
	pattern := globEscaper.Replace(c.prefix) + "*"
	if queryType != "" {
		pattern = globEscaper.Replace(c.prefix+url.QueryEscape(queryType)+":") + "*"
	}

	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return errors.Wrap(err, "failed to scan cached keys")
	}
	if len(keys) == 0 {
		return nil
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrap(err, "failed to delete cached keys")
	}
	return nil
}
