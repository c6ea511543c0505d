// Package engine wires the event store, aggregate repository, command and
// query buses, saga and projection managers and the dead letter queue into
// one facade.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"

	"example.com/backstage/cqrs/bus"
	"example.com/backstage/cqrs/cache"
	"example.com/backstage/cqrs/dlq"
	"example.com/backstage/cqrs/domain"
	"example.com/backstage/cqrs/eventstore"
	"example.com/backstage/cqrs/projections"
	"example.com/backstage/cqrs/repository"
	"example.com/backstage/cqrs/saga"
)

// Engine is the entry point for commands, queries, sagas and projections.
type Engine struct {
	cfg         Config
	store       eventstore.EventStore
	cache       cache.QueryCache
	repo        *repository.Repository
	commands    *bus.CommandBus
	queries     *bus.QueryBus
	sagas       *saga.Manager
	projections *projections.Manager
	deadLetters *dlq.Queue

	mu        sync.Mutex
	scheduler gocron.Scheduler
}

// New builds an engine. Without options it runs entirely in memory.
func New(cfg Config, opts ...Option) *Engine {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.store == nil {
		o.store = eventstore.NewMemoryStore()
	}
	if o.cache == nil {
		o.cache = cache.NewMemory()
	}

	deadLetters := dlq.New(cfg.DLQMaxSize)
	e := &Engine{
		cfg:         cfg,
		store:       o.store,
		cache:       o.cache,
		repo:        repository.New(o.store, cfg.SnapshotInterval),
		deadLetters: deadLetters,
		commands: bus.NewCommandBus(bus.CommandBusConfig{
			MaxRetries:          cfg.MaxRetries,
			BaseRetryDelay:      cfg.BaseRetryDelay,
			MaxRetryDelay:       cfg.MaxRetryDelay,
			DeduplicationWindow: cfg.DeduplicationWindow,
		}, deadLetters),
		queries: bus.NewQueryBus(bus.QueryBusConfig{
			CacheEnabled: cfg.QueryCacheEnabled,
			CacheTTL:     cfg.QueryCacheTTL,
		}, o.cache),
		sagas:       saga.NewManager(append([]saga.Option{saga.WithRetention(cfg.SagaRetention)}, o.sagaOptions...)...),
		projections: projections.NewManager(cfg.RebuildBatchSize),
	}

	e.commands.Use(o.commandMiddleware...)
	e.queries.Use(o.queryMiddleware...)
	e.store.SubscribeAll(e.projections.Subscriber())

	return e
}

// Dispatch runs a command. Events of a successful handler run are published
// once, right after the handler returns, so idempotent replays do not
// publish again.
func (e *Engine) Dispatch(ctx context.Context, cmd domain.Command) domain.CommandResult {
	return e.commands.Dispatch(ctx, cmd)
}

// Query answers a query
func (e *Engine) Query(ctx context.Context, q domain.Query) (domain.QueryResult, error) {
	return e.queries.Dispatch(ctx, q)
}

// RegisterCommandHandler routes a command type to handler
func (e *Engine) RegisterCommandHandler(commandType string, handler bus.CommandHandler) {
	e.commands.Register(commandType, e.publishing(handler))
}

// RegisterQueryHandler routes a query type to handler
func (e *Engine) RegisterQueryHandler(queryType string, handler bus.QueryHandler) {
	e.queries.Register(queryType, handler)
}

// RegisterApplier registers how an event type changes an aggregate type
func (e *Engine) RegisterApplier(aggregateType, eventType string, applier repository.Applier) {
	e.repo.RegisterApplier(aggregateType, eventType, applier)
}

// RegisterProjection adds a read model fed by published events
func (e *Engine) RegisterProjection(def projections.Definition) error {
	return e.projections.Register(def)
}

// RegisterSaga adds a saga definition
func (e *Engine) RegisterSaga(def saga.Definition) error {
	return e.sagas.Register(def)
}

// StartSaga runs a saga to completion
func (e *Engine) StartSaga(ctx context.Context, sagaID string, data domain.Payload) (saga.Context, error) {
	return e.sagas.Start(ctx, sagaID, data)
}

// UseCommandMiddleware appends command middleware
func (e *Engine) UseCommandMiddleware(middlewares ...bus.CommandMiddleware) {
	e.commands.Use(middlewares...)
}

// UseQueryMiddleware appends query middleware
func (e *Engine) UseQueryMiddleware(middlewares ...bus.QueryMiddleware) {
	e.queries.Use(middlewares...)
}

// Subscribe registers a handler for one published event type
func (e *Engine) Subscribe(eventType string, handler eventstore.Handler) func() {
	return e.store.Subscribe(eventType, handler)
}

// SubscribeAll registers a handler for every published event
func (e *Engine) SubscribeAll(handler eventstore.Handler) func() {
	return e.store.SubscribeAll(handler)
}

// RebuildProjection replays the event log into a projection
func (e *Engine) RebuildProjection(ctx context.Context, name string) error {
	return e.projections.Rebuild(ctx, name, e.store)
}

// InvalidateQueryCache drops cached results of a query type, or all of them
func (e *Engine) InvalidateQueryCache(ctx context.Context, queryType string) error {
	return e.queries.InvalidateCache(ctx, queryType)
}

// RetryReport summarizes a RetryDeadLetters run.
type RetryReport struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// RetryDeadLetters dispatches every unresolved entry again. Entries whose
// command now succeeds are removed; the rest stay for the next run.
func (e *Engine) RetryDeadLetters(ctx context.Context) RetryReport {
	var report RetryReport
	for _, entry := range e.deadLetters.Unresolved() {
		if ctx.Err() != nil {
			break
		}
		report.Attempted++

		result := e.Dispatch(ctx, entry.Command)
		if !result.Success {
			report.Failed++
			log.Warn().Str("entryID", entry.ID).Str("commandID", entry.Command.ID).Str("error", result.Error()).Msg("Dead letter retry failed")
			continue
		}

		report.Succeeded++
		if err := e.deadLetters.Remove(entry.ID); err != nil {
			log.Warn().Err(err).Str("entryID", entry.ID).Msg("Dead letter entry vanished during retry")
		}
	}

	if report.Attempted > 0 {
		log.Info().Int("attempted", report.Attempted).Int("succeeded", report.Succeeded).Int("failed", report.Failed).Msg("Retried dead letters")
	}
	return report
}

// Start schedules periodic sweeping of expired idempotency and cache entries
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.scheduler != nil || e.cfg.SweepInterval <= 0 {
		return nil
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(e.cfg.SweepInterval),
		gocron.NewTask(e.sweep),
		gocron.WithName("cqrs-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return fmt.Errorf("failed to schedule sweep job: %w", err)
	}

	scheduler.Start()
	e.scheduler = scheduler
	log.Info().Dur("interval", e.cfg.SweepInterval).Msg("Engine sweeper started")
	return nil
}

// Stop shuts the scheduler down. It is safe to call more than once.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.scheduler == nil {
		return nil
	}
	err := e.scheduler.Shutdown()
	e.scheduler = nil
	return err
}

func (e *Engine) sweep() {
	removed := e.commands.SweepExpired()
	if m, ok := e.cache.(*cache.Memory); ok {
		removed += m.Sweep()
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("Swept expired entries")
	}
}

// publishing wraps a handler so its events reach subscribers exactly when the
// handler itself succeeds.
func (e *Engine) publishing(handler bus.CommandHandler) bus.CommandHandler {
	return func(ctx context.Context, cmd domain.Command, mc *bus.CommandContext) (domain.CommandResult, error) {
		result, err := handler(ctx, cmd, mc)
		if err != nil || !result.Success || len(result.Events) == 0 {
			return result, err
		}

		for _, perr := range e.store.Publish(ctx, result.Events...) {
			log.Error().Err(perr).Str("commandType", cmd.Type).Str("aggregateID", cmd.AggregateID).Msg("Event subscriber failed")
		}
		return result, nil
	}
}

// Store returns the event store
func (e *Engine) Store() eventstore.EventStore { return e.store }

// Repository returns the aggregate repository
func (e *Engine) Repository() *repository.Repository { return e.repo }

// DeadLetters returns the dead letter queue
func (e *Engine) DeadLetters() *dlq.Queue { return e.deadLetters }

// Sagas returns the saga manager
func (e *Engine) Sagas() *saga.Manager { return e.sagas }

// Projections returns the projection manager
func (e *Engine) Projections() *projections.Manager { return e.projections }
