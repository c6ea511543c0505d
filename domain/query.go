package domain

import (
	"time"

	"github.com/google/uuid"
)

// Consistency is the read consistency a query asks for.
type Consistency string

const (
	ConsistencyEventual Consistency = "eventual"
	ConsistencyStrong   Consistency = "strong"
)

// QueryMetadata carries caller and caching information for a query.
type QueryMetadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	TenantID      string `json:"tenant_id,omitempty"`
	// CacheTTL overrides the engine default cache TTL when positive.
	CacheTTL    time.Duration `json:"cache_ttl,omitempty"`
	Consistency Consistency   `json:"consistency,omitempty"`
}

// Query is a read request.
type Query struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"`
	Params   Payload       `json:"params"`
	Metadata QueryMetadata `json:"metadata"`
}

// NewQuery creates a query with a fresh id.
func NewQuery(queryType string, params Payload) Query {
	id := uuid.New().String()
	return Query{
		ID:       id,
		Type:     queryType,
		Params:   params.Clone(),
		Metadata: QueryMetadata{CorrelationID: id, Consistency: ConsistencyEventual},
	}
}

// QueryResult is the outcome of a query.
type QueryResult struct {
	Data          any           `json:"data"`
	ExecutionTime time.Duration `json:"execution_time"`
	FromCache     bool          `json:"from_cache"`
	// CacheAge bounds how stale a cached result may be.
	CacheAge time.Duration `json:"cache_age,omitempty"`
}
