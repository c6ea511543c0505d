// Package bus dispatches commands and queries through middleware pipelines
// to registered handlers.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"example.com/backstage/cqrs/dlq"
	"example.com/backstage/cqrs/domain"
)

// CommandHandler handles one command type. A returned error is treated as a
// transient failure and retried. A returned unsuccessful result is final
// unless it is marked Retriable.
type CommandHandler func(ctx context.Context, cmd domain.Command, mc *CommandContext) (domain.CommandResult, error)

// CommandBusConfig configures retries and deduplication.
type CommandBusConfig struct {
	MaxRetries          int
	BaseRetryDelay      time.Duration
	MaxRetryDelay       time.Duration
	DeduplicationWindow time.Duration
}

type idempotentResult struct {
	result    domain.CommandResult
	expiresAt time.Time
}

// CommandBus routes commands to handlers.
type CommandBus struct {
	cfg         CommandBusConfig
	deadLetters *dlq.Queue

	mu          sync.RWMutex
	handlers    map[string]CommandHandler
	middlewares []CommandMiddleware

	dedupMu sync.Mutex
	dedup   map[string]idempotentResult
	group   singleflight.Group

	now    func() time.Time
	jitter func(time.Duration) time.Duration
}

// NewCommandBus creates a command bus. Commands that exhaust their retries
// are added to deadLetters when it is not nil.
func NewCommandBus(cfg CommandBusConfig, deadLetters *dlq.Queue) *CommandBus {
	return &CommandBus{
		cfg:         cfg,
		deadLetters: deadLetters,
		handlers:    make(map[string]CommandHandler),
		dedup:       make(map[string]idempotentResult),
		now:         time.Now,
		jitter:      randomJitter,
	}
}

// Register sets the handler for a command type
func (b *CommandBus) Register(commandType string, handler CommandHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[commandType] = handler
}

// Use appends middleware to the pipeline. Middleware runs in registration order.
func (b *CommandBus) Use(middlewares ...CommandMiddleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, middlewares...)
}

// HasHandler reports whether a handler is registered for commandType
func (b *CommandBus) HasHandler(commandType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.handlers[commandType]
	return ok
}

// Dispatch runs a command. Failures are reported in the result, never as a
// panic or separate error. Concurrent dispatches sharing an idempotency key
// run once, detached from any single caller's cancellation; a caller whose
// ctx ends stops waiting and gets a retriable failure.
func (b *CommandBus) Dispatch(ctx context.Context, cmd domain.Command) domain.CommandResult {
	key := cmd.Metadata.IdempotencyKey
	if key == "" {
		return b.dispatch(ctx, cmd)
	}

	if result, ok := b.cachedResult(key); ok {
		log.Debug().Str("commandID", cmd.ID).Str("idempotencyKey", key).Msg("Returning cached command result")
		return result
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := b.group.DoChan(key, func() (any, error) {
		if result, ok := b.cachedResult(key); ok {
			return result, nil
		}
		result := b.dispatch(flightCtx, cmd)
		if result.Success {
			b.dedupMu.Lock()
			b.dedup[key] = idempotentResult{result: result, expiresAt: b.now().Add(b.cfg.DeduplicationWindow)}
			b.dedupMu.Unlock()
		}
		return result, nil
	})

	select {
	case res := <-ch:
		result := res.Val.(domain.CommandResult)
		result.Events = domain.CloneEvents(result.Events)
		return result
	case <-ctx.Done():
		return domain.Failed(fmt.Errorf("command %s: stopped waiting: %w", cmd.ID, ctx.Err()), true)
	}
}

// SweepExpired drops idempotency entries whose window has passed
func (b *CommandBus) SweepExpired() int {
	b.dedupMu.Lock()
	defer b.dedupMu.Unlock()

	now := b.now()
	removed := 0
	for key, entry := range b.dedup {
		if !now.Before(entry.expiresAt) {
			delete(b.dedup, key)
			removed++
		}
	}
	return removed
}

func (b *CommandBus) cachedResult(key string) (domain.CommandResult, bool) {
	b.dedupMu.Lock()
	defer b.dedupMu.Unlock()

	entry, ok := b.dedup[key]
	if !ok || !b.now().Before(entry.expiresAt) {
		return domain.CommandResult{}, false
	}
	result := entry.result
	result.Events = domain.CloneEvents(result.Events)
	return result, true
}

func (b *CommandBus) dispatch(ctx context.Context, cmd domain.Command) domain.CommandResult {
	b.mu.RLock()
	handler, ok := b.handlers[cmd.Type]
	middlewares := append([]CommandMiddleware(nil), b.middlewares...)
	b.mu.RUnlock()

	if !ok {
		log.Error().Str("commandType", cmd.Type).Str("commandID", cmd.ID).Msg("No handler registered for command")
		return domain.Failed(fmt.Errorf("%w: no handler registered for command type %q", domain.ErrHandlerNotFound, cmd.Type), false)
	}

	maxRetries := b.cfg.MaxRetries
	if cmd.Metadata.MaxRetries != nil {
		maxRetries = *cmd.Metadata.MaxRetries
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	attempts := maxRetries + 1

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := exponentialBackoff(b.cfg.BaseRetryDelay, b.cfg.MaxRetryDelay, attempt-1, b.jitter)
			if err := sleep(ctx, delay); err != nil {
				return domain.Failed(fmt.Errorf("command %s cancelled during retry: %w", cmd.ID, err), true)
			}
		}

		mc := &CommandContext{Command: cmd, Attempt: attempt}
		mc.ctx = ctx
		result, err := b.attempt(mc, handler, middlewares)

		switch {
		case mc.Aborted():
			log.Info().Str("commandType", cmd.Type).Str("commandID", cmd.ID).Str("reason", mc.AbortReason()).Msg("Command aborted by middleware")
			return domain.Failed(&domain.AbortError{Reason: mc.AbortReason()}, false)

		case err == nil && result.Success:
			return result

		case errors.Is(err, domain.ErrConcurrencyConflict) || errors.Is(result.Err, domain.ErrConcurrencyConflict):
			if err == nil {
				err = result.Err
			}
			return domain.Failed(err, false)

		case err == nil && !result.Retriable:
			if result.Err == nil {
				result.Err = fmt.Errorf("command %s was not successful", cmd.Type)
			}
			result.Success = false
			return result
		}

		if err == nil {
			err = result.Err
		}
		if err == nil {
			err = fmt.Errorf("command %s failed", cmd.Type)
		}
		lastErr = err

		log.Warn().
			Err(err).
			Str("commandType", cmd.Type).
			Str("commandID", cmd.ID).
			Int("attempt", attempt+1).
			Int("maxAttempts", attempts).
			Msg("Command attempt failed")
	}

	if b.deadLetters != nil {
		b.deadLetters.Add(cmd, lastErr, attempts)
	}
	return domain.Failed(fmt.Errorf("command %s failed after %d attempts: %w", cmd.ID, attempts, lastErr), false)
}

func (b *CommandBus) attempt(mc *CommandContext, handler CommandHandler, middlewares []CommandMiddleware) (result domain.CommandResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command handler panic: %v", r)
		}
	}()

	ran := false
	err = runChain(mc, middlewares, func() error {
		ran = true
		var handlerErr error
		result, handlerErr = handler(mc.Context(), mc.Command, mc)
		return handlerErr
	})
	if err != nil || mc.Aborted() {
		return result, err
	}
	if !ran {
		return domain.Failed(errors.New("middleware chain ended without calling the handler"), false), nil
	}
	return result, nil
}
