package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"example.com/backstage/cqrs/cache"
	"example.com/backstage/cqrs/domain"
)

// QueryHandler answers one query type.
type QueryHandler func(ctx context.Context, q domain.Query, qc *QueryContext) (any, error)

// QueryBusConfig configures result caching.
type QueryBusConfig struct {
	CacheEnabled bool
	CacheTTL     time.Duration
}

// QueryBus routes queries to handlers. Unlike commands, failures are
// returned as errors.
type QueryBus struct {
	cfg   QueryBusConfig
	cache cache.QueryCache

	mu          sync.RWMutex
	handlers    map[string]QueryHandler
	middlewares []QueryMiddleware

	group singleflight.Group
	now   func() time.Time
}

// NewQueryBus creates a query bus. A nil cache disables caching.
func NewQueryBus(cfg QueryBusConfig, c cache.QueryCache) *QueryBus {
	return &QueryBus{
		cfg:      cfg,
		cache:    c,
		handlers: make(map[string]QueryHandler),
		now:      time.Now,
	}
}

// Register sets the handler for a query type
func (b *QueryBus) Register(queryType string, handler QueryHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[queryType] = handler
}

// Use appends middleware to the pipeline
func (b *QueryBus) Use(middlewares ...QueryMiddleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, middlewares...)
}

// Dispatch answers a query, from the cache when allowed.
func (b *QueryBus) Dispatch(ctx context.Context, q domain.Query) (domain.QueryResult, error) {
	b.mu.RLock()
	handler, ok := b.handlers[q.Type]
	middlewares := append([]QueryMiddleware(nil), b.middlewares...)
	b.mu.RUnlock()

	if !ok {
		return domain.QueryResult{}, fmt.Errorf("%w: no handler registered for query type %q", domain.ErrHandlerNotFound, q.Type)
	}

	if !b.cacheable(q) {
		return b.execute(ctx, q, handler, middlewares)
	}

	key, err := cacheKey(q.Params)
	if err != nil {
		log.Warn().Err(err).Str("queryType", q.Type).Msg("Query params not cacheable")
		return b.execute(ctx, q, handler, middlewares)
	}

	if entry, hit := b.lookup(ctx, q.Type, key); hit {
		return domain.QueryResult{
			Data:      entry.Data,
			FromCache: true,
			CacheAge:  entry.Age(b.now()),
		}, nil
	}

	v, err, _ := b.group.Do(q.Type+"\x00"+key, func() (any, error) {
		result, err := b.execute(ctx, q, handler, middlewares)
		if err != nil {
			return nil, err
		}

		ttl := b.cfg.CacheTTL
		if q.Metadata.CacheTTL > 0 {
			ttl = q.Metadata.CacheTTL
		}
		if ttl > 0 {
			if err := b.cache.Set(ctx, q.Type, key, result.Data, ttl); err != nil {
				log.Warn().Err(err).Str("queryType", q.Type).Msg("Failed to cache query result")
			}
		}
		return result, nil
	})
	if err != nil {
		return domain.QueryResult{}, err
	}
	return v.(domain.QueryResult), nil
}

// InvalidateCache drops cached results of a query type, or all of them
// when queryType is empty.
func (b *QueryBus) InvalidateCache(ctx context.Context, queryType string) error {
	if b.cache == nil {
		return nil
	}
	return b.cache.Invalidate(ctx, queryType)
}

func (b *QueryBus) cacheable(q domain.Query) bool {
	return b.cache != nil && b.cfg.CacheEnabled && q.Metadata.Consistency != domain.ConsistencyStrong
}

func (b *QueryBus) lookup(ctx context.Context, queryType, key string) (cache.Entry, bool) {
	entry, hit, err := b.cache.Get(ctx, queryType, key)
	if err != nil {
		log.Warn().Err(err).Str("queryType", queryType).Msg("Query cache lookup failed")
		return cache.Entry{}, false
	}
	return entry, hit
}

func (b *QueryBus) execute(ctx context.Context, q domain.Query, handler QueryHandler, middlewares []QueryMiddleware) (domain.QueryResult, error) {
	start := b.now()
	qc := &QueryContext{Query: q}
	qc.ctx = ctx

	var data any
	ran := false
	err := runChain(qc, middlewares, func() error {
		ran = true
		var handlerErr error
		data, handlerErr = handler(qc.Context(), q, qc)
		return handlerErr
	})

	if qc.Aborted() {
		return domain.QueryResult{}, &domain.AbortError{Reason: qc.AbortReason()}
	}
	if err != nil {
		return domain.QueryResult{}, fmt.Errorf("query %s failed: %w", q.Type, err)
	}
	if !ran {
		return domain.QueryResult{}, fmt.Errorf("query %s: middleware chain ended without calling the handler", q.Type)
	}

	return domain.QueryResult{Data: data, ExecutionTime: b.now().Sub(start)}, nil
}

// cacheKey serializes params. encoding/json sorts map keys, so equal params
// produce equal keys.
func cacheKey(params domain.Payload) (string, error) {
	if params == nil {
		return "{}", nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
