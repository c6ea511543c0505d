package engine

import (
	"example.com/backstage/cqrs/bus"
	"example.com/backstage/cqrs/cache"
	"example.com/backstage/cqrs/eventstore"
	"example.com/backstage/cqrs/saga"
)

type options struct {
	store             eventstore.EventStore
	cache             cache.QueryCache
	commandMiddleware []bus.CommandMiddleware
	queryMiddleware   []bus.QueryMiddleware
	sagaOptions       []saga.Option
}

// Option customizes an Engine built with New.
type Option func(*options)

// WithEventStore replaces the in-memory event store
func WithEventStore(store eventstore.EventStore) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithQueryCache replaces the in-process query cache
func WithQueryCache(c cache.QueryCache) Option {
	return func(o *options) {
		o.cache = c
	}
}

// WithCommandMiddleware installs command middleware in the given order
func WithCommandMiddleware(middlewares ...bus.CommandMiddleware) Option {
	return func(o *options) {
		o.commandMiddleware = append(o.commandMiddleware, middlewares...)
	}
}

// WithQueryMiddleware installs query middleware in the given order
func WithQueryMiddleware(middlewares ...bus.QueryMiddleware) Option {
	return func(o *options) {
		o.queryMiddleware = append(o.queryMiddleware, middlewares...)
	}
}

// WithSagaOptions passes options to the saga manager
func WithSagaOptions(opts ...saga.Option) Option {
	return func(o *options) {
		o.sagaOptions = append(o.sagaOptions, opts...)
	}
}
