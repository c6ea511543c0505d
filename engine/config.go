package engine

import "time"

// Config tunes the engine. It carries no environment coupling; the config
// package builds it from files and env vars.
type Config struct {
	// SnapshotInterval writes a snapshot every N events. Zero disables it.
	SnapshotInterval int

	MaxRetries          int
	BaseRetryDelay      time.Duration
	MaxRetryDelay       time.Duration
	DeduplicationWindow time.Duration

	DLQMaxSize int

	QueryCacheEnabled bool
	QueryCacheTTL     time.Duration

	// SweepInterval is how often expired idempotency and cache entries are
	// dropped once the engine is started.
	SweepInterval time.Duration

	// SagaRetention caps finished saga instances kept in memory. Zero keeps
	// all of them.
	SagaRetention int

	RebuildBatchSize int
}

// DefaultConfig returns the settings used when nothing is configured
func DefaultConfig() Config {
	return Config{
		SnapshotInterval:    100,
		MaxRetries:          3,
		BaseRetryDelay:      100 * time.Millisecond,
		MaxRetryDelay:       10 * time.Second,
		DeduplicationWindow: 5 * time.Minute,
		DLQMaxSize:          1000,
		QueryCacheEnabled:   true,
		QueryCacheTTL:       30 * time.Second,
		SweepInterval:       time.Minute,
		SagaRetention:       1000,
		RebuildBatchSize:    500,
	}
}
