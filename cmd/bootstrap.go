package cmd

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/go-redis/redis/v8"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"example.com/backstage/cqrs/bus"
	"example.com/backstage/cqrs/cache"
	"example.com/backstage/cqrs/config"
	"example.com/backstage/cqrs/engine"
	"example.com/backstage/cqrs/eventstore"
	"example.com/backstage/cqrs/handlers"
	"example.com/backstage/cqrs/messaging"
	"example.com/backstage/cqrs/projections"
)

// components is everything a process needs to serve the domain
type components struct {
	engine *engine.Engine
	tracer *newrelic.Application
	redis  *redis.Client
}

func (c *components) close() {
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Redis client")
		}
	}
	if c.tracer != nil {
		c.tracer.Shutdown(5 * time.Second)
	}
}

func bootstrap(cfg config.Config) (*components, error) {
	store, err := initEventStore(cfg.Database)
	if err != nil {
		return nil, err
	}

	c := &components{}
	opts := []engine.Option{engine.WithEventStore(store)}

	// Redis is optional, the engine falls back to the in-memory cache
	if cfg.Redis.Enabled {
		client, err := initRedis(cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing with in-memory cache")
		} else {
			c.redis = client
			opts = append(opts, engine.WithQueryCache(cache.NewRedis(client, cfg.Redis.Prefix)))
		}
	}

	c.tracer, err = initTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
	}

	validator := bus.NewPayloadValidator()
	opts = append(opts,
		engine.WithCommandMiddleware(
			bus.CommandRecovery(),
			bus.CommandLogging(),
			bus.CommandTracing(c.tracer),
			validator.Middleware(),
		),
		engine.WithQueryMiddleware(
			bus.QueryLogging(),
			bus.QueryTracing(c.tracer),
		),
	)

	c.engine = engine.New(cfg.EngineConfig(), opts...)
	if err := handlers.Register(c.engine, validator); err != nil {
		c.close()
		return nil, errors.Wrap(err, "failed to register handlers")
	}

	return c, nil
}

func initEventStore(dc config.DatabaseConfig) (eventstore.EventStore, error) {
	var dialector gorm.Dialector
	switch dc.Driver {
	case "memory":
		log.Warn().Msg("Using in-memory event store, events are lost on exit")
		return eventstore.NewMemoryStore(), nil
	case "sqlite":
		dialector = sqlite.Open(dc.DSN)
	case "postgres", "":
		dialector = postgres.Open(dc.DSN)
	default:
		return nil, errors.Errorf("unsupported database driver %q", dc.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get underlying DB connection")
	}
	sqlDB.SetMaxIdleConns(dc.MaxIdleConns)
	sqlDB.SetMaxOpenConns(dc.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(dc.ConnMaxLifetime)

	store := eventstore.NewGormEventStore(db)
	if dc.AutoMigrate {
		if err := store.Migrate(); err != nil {
			return nil, errors.Wrap(err, "failed to run migrations")
		}
	}

	return store, nil
}

func initRedis(rc config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr(),
		Password: rc.Password,
		DB:       rc.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return client, nil
}

func initTracer(tc config.TracingConfig) (*newrelic.Application, error) {
	if tc.LicenseKey == "" {
		log.Info().Msg("New Relic license key not provided, tracing will be disabled")
		return nil, nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(tc.AppName),
		newrelic.ConfigLicense(tc.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(tc.DistribTracing),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize New Relic")
	}

	return app, nil
}

// attachIndexer mirrors events and projection states into Elasticsearch
func attachIndexer(ctx context.Context, c *components) error {
	client, err := projections.NewElasticsearchClient(projections.ElasticsearchConfig{
		URL:      cfg.Elastic.URL,
		Username: cfg.Elastic.Username,
		Password: cfg.Elastic.Password,
		Prefix:   cfg.Elastic.Prefix,
	})
	if err != nil {
		return err
	}

	indexer := projections.NewElasticsearchIndexer(client, cfg.Elastic.Prefix, c.engine.Projections())
	if err := indexer.EnsureIndices(ctx); err != nil {
		return err
	}

	c.engine.SubscribeAll(indexer.Handle)
	return nil
}

// attachForwarder publishes every stored event to the events queue. The
// returned cleanup closes the sender.
func attachForwarder(c *components, client *messaging.AzureClient) (func(), error) {
	if cfg.Azure.EventsQueue == "" {
		return func() {}, nil
	}

	forwarder, err := messaging.NewEventForwarder(client, cfg.Azure.EventsQueue, cfg.Tracing.AppName)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create event forwarder")
	}
	unsubscribe := c.engine.SubscribeAll(forwarder.Handle)

	return func() {
		unsubscribe()
		if err := forwarder.Close(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to close event forwarder")
		}
	}, nil
}

// retryDeadLetters periodically redispatches unresolved dead letters until
// ctx is done
func retryDeadLetters(ctx context.Context, e *engine.Engine, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			e.RetryDeadLetters(ctx)
		}),
		gocron.WithName("dlq-retry"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	log.Info().Dur("interval", interval).Msg("Starting dead letter retry job")
	scheduler.Start()

	<-ctx.Done()
	return scheduler.Shutdown()
}
