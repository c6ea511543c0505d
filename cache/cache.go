// Package cache stores query results for the query bus.
package cache

import (
	"context"
	"time"
)

// Entry is a cached query result.
type Entry struct {
	Data     any       `json:"data"`
	StoredAt time.Time `json:"stored_at"`
}

// Age returns how long ago the entry was stored.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// QueryCache stores query results grouped by query type.
type QueryCache interface {
	Get(ctx context.Context, queryType, key string) (Entry, bool, error)
	Set(ctx context.Context, queryType, key string, data any, ttl time.Duration) error
	// Invalidate drops every entry of queryType, or everything when
	// queryType is empty.
	Invalidate(ctx context.Context, queryType string) error
}
