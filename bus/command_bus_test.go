package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/cqrs/dlq"
	"example.com/backstage/cqrs/domain"
)

func testCommandBus(maxRetries int) (*CommandBus, *dlq.Queue) {
	q := dlq.New(100)
	b := NewCommandBus(CommandBusConfig{
		MaxRetries:          maxRetries,
		BaseRetryDelay:      time.Millisecond,
		MaxRetryDelay:       5 * time.Millisecond,
		DeduplicationWindow: time.Minute,
	}, q)
	return b, q
}

func okHandler(calls *int32) CommandHandler {
	return func(ctx context.Context, cmd domain.Command, mc *CommandContext) (domain.CommandResult, error) {
		atomic.AddInt32(calls, 1)
		ev := domain.NewEvent(cmd.AggregateID, "order", "OrderCreated", cmd.Payload)
		ev.Version = 1
		return domain.Succeeded(1, ev), nil
	}
}

func TestDispatchSuccess(t *testing.T) {
	b, q := testCommandBus(2)
	var calls int32
	b.Register("CreateOrder", okHandler(&calls))

	result := b.Dispatch(context.Background(), domain.NewCommand("CreateOrder", "order-1", domain.Payload{"total": 100.0}))

	require.True(t, result.Success)
	require.Equal(t, 1, result.Version)
	require.Len(t, result.Events, 1)
	require.EqualValues(t, 1, calls)
	require.Equal(t, 0, q.Size())
}

func TestDispatchUnknownCommandIsNotRetried(t *testing.T) {
	b, q := testCommandBus(3)

	result := b.Dispatch(context.Background(), domain.NewCommand("Missing", "x", nil))

	require.False(t, result.Success)
	require.False(t, result.Retriable)
	require.ErrorIs(t, result.Err, domain.ErrHandlerNotFound)
	require.Equal(t, 0, q.Size())
}

func TestAlwaysFailingCommandIsRetriedThenDeadLettered(t *testing.T) {
	b, q := testCommandBus(3)
	var calls int32
	b.Register("Flaky", func(ctx context.Context, cmd domain.Command, mc *CommandContext) (domain.CommandResult, error) {
		atomic.AddInt32(&calls, 1)
		return domain.CommandResult{}, errors.New("downstream unavailable")
	})

	cmd := domain.NewCommand("Flaky", "x", nil)
	result := b.Dispatch(context.Background(), cmd)

	require.False(t, result.Success)
	require.False(t, result.Retriable)
	require.EqualValues(t, 4, calls)

	entries := q.Unresolved()
	require.Len(t, entries, 1)
	require.Equal(t, 4, entries[0].RetryCount)
	require.Equal(t, cmd.ID, entries[0].Command.ID)
	require.Equal(t, "downstream unavailable", entries[0].Error)
}

func TestCommandMaxRetriesOverride(t *testing.T) {
	b, q := testCommandBus(5)
	var calls int32
	b.Register("Flaky", func(ctx context.Context, cmd domain.Command, mc *CommandContext) (domain.CommandResult, error) {
		atomic.AddInt32(&calls, 1)
		return domain.CommandResult{}, errors.New("nope")
	})

	b.Dispatch(context.Background(), domain.NewCommand("Flaky", "x", nil, domain.WithMaxRetries(1)))

	require.EqualValues(t, 2, calls)
	require.Equal(t, 2, q.Unresolved()[0].RetryCount)
}

func TestTransientFailureRecovers(t *testing.T) {
	b, q := testCommandBus(3)
	var calls int32
	b.Register("Flaky", func(ctx context.Context, cmd domain.Command, mc *CommandContext) (domain.CommandResult, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return domain.CommandResult{}, errors.New("try again")
		}
		require.Equal(t, 2, mc.Attempt)
		return domain.Succeeded(1), nil
	})

	result := b.Dispatch(context.Background(), domain.NewCommand("Flaky", "x", nil))
	require.True(t, result.Success)
	require.EqualValues(t, 3, calls)
	require.Equal(t, 0, q.Size())
}

func TestRetriableResultIsRetried(t *testing.T) {
	b, q := testCommandBus(1)
	var calls int32
	b.Register("Soft", func(ctx context.Context, cmd domain.Command, mc *CommandContext) (domain.CommandResult, error) {
		atomic.AddInt32(&calls, 1)
		return domain.Failed(errors.New("busy"), true), nil
	})

	result := b.Dispatch(context.Background(), domain.NewCommand("Soft", "x", nil))
	require.False(t, result.Success)
	require.EqualValues(t, 2, calls)
	require.Equal(t, 1, q.Size())
}

func TestNonRetriableResultIsFinal(t *testing.T) {
	b, q := testCommandBus(3)
	var calls int32
	b.Register("Reject", func(ctx context.Context, cmd domain.Command, mc *CommandContext) (domain.CommandResult, error) {
		atomic.AddInt32(&calls, 1)
		return domain.Failed(errors.New("order already paid"), false), nil
	})

	result := b.Dispatch(context.Background(), domain.NewCommand("Reject", "x", nil))
	require.False(t, result.Success)
	require.EqualError(t, result.Err, "order already paid")
	require.EqualValues(t, 1, calls)
	require.Equal(t, 0, q.Size())
}

func TestConcurrencyConflictIsNotRetried(t *testing.T) {
	b, q := testCommandBus(3)
	var calls int32
	b.Register("Update", func(ctx context.Context, cmd domain.Command, mc *CommandContext) (domain.CommandResult, error) {
		atomic.AddInt32(&calls, 1)
		return domain.CommandResult{}, &domain.ConcurrencyError{AggregateID: "x", Expected: 1, Actual: 2}
	})

	result := b.Dispatch(context.Background(), domain.NewCommand("Update", "x", nil))
	require.False(t, result.Success)
	require.False(t, result.Retriable)
	require.ErrorIs(t, result.Err, domain.ErrConcurrencyConflict)
	require.EqualValues(t, 1, calls)
	require.Equal(t, 0, q.Size())
}

func TestPanickingHandlerIsTreatedAsTransient(t *testing.T) {
	b, q := testCommandBus(1)
	b.Register("Panics", func(ctx context.Context, cmd domain.Command, mc *CommandContext) (domain.CommandResult, error) {
		panic("nil map")
	})

	result := b.Dispatch(context.Background(), domain.NewCommand("Panics", "x", nil))
	require.False(t, result.Success)
	require.Equal(t, 1, q.Size())
	require.Contains(t, q.Unresolved()[0].Error, "nil map")
}

func TestMiddlewareAbortShortCircuits(t *testing.T) {
	b, q := testCommandBus(3)
	var calls, downstream int32
	b.Register("CreateOrder", okHandler(&calls))
	b.Use(
		func(mc *CommandContext, next Next) error {
			if mc.Command.Metadata.UserID == "" {
				mc.Abort("unauthenticated")
				return nil
			}
			return next()
		},
		func(mc *CommandContext, next Next) error {
			atomic.AddInt32(&downstream, 1)
			return next()
		},
	)

	result := b.Dispatch(context.Background(), domain.NewCommand("CreateOrder", "order-1", nil))

	require.False(t, result.Success)
	require.False(t, result.Retriable)
	var abort *domain.AbortError
	require.ErrorAs(t, result.Err, &abort)
	require.Equal(t, "unauthenticated", abort.Reason)
	require.Zero(t, calls)
	require.Zero(t, downstream)
	require.Equal(t, 0, q.Size())
}

func TestMiddlewareRunsInOrderAndCanPassValues(t *testing.T) {
	b, _ := testCommandBus(0)
	var order []string
	b.Use(
		func(mc *CommandContext, next Next) error {
			order = append(order, "first")
			mc.Set("tenant", "acme")
			return next()
		},
		func(mc *CommandContext, next Next) error {
			order = append(order, "second")
			return next()
		},
	)
	b.Register("CreateOrder", func(ctx context.Context, cmd domain.Command, mc *CommandContext) (domain.CommandResult, error) {
		order = append(order, "handler")
		tenant, ok := mc.Get("tenant")
		require.True(t, ok)
		require.Equal(t, "acme", tenant)
		return domain.Succeeded(0), nil
	})

	require.True(t, b.Dispatch(context.Background(), domain.NewCommand("CreateOrder", "x", nil)).Success)
	require.Equal(t, []string{"first", "second", "handler"}, order)
}

func TestNextCalledTwice(t *testing.T) {
	b, _ := testCommandBus(0)
	var calls int32
	b.Register("CreateOrder", okHandler(&calls))
	b.Use(func(mc *CommandContext, next Next) error {
		if err := next(); err != nil {
			return err
		}
		return next()
	})

	result := b.Dispatch(context.Background(), domain.NewCommand("CreateOrder", "x", nil))
	require.False(t, result.Success)
	require.ErrorIs(t, result.Err, ErrNextCalledTwice)
	require.EqualValues(t, 1, calls)
}

func TestIdempotencyKeyInvokesHandlerOnce(t *testing.T) {
	b, _ := testCommandBus(0)
	var calls int32
	b.Register("CreateOrder", okHandler(&calls))

	first := b.Dispatch(context.Background(), domain.NewCommand("CreateOrder", "order-1", domain.Payload{"total": 1.0}, domain.WithIdempotencyKey("k-1")))
	second := b.Dispatch(context.Background(), domain.NewCommand("CreateOrder", "order-1", domain.Payload{"total": 2.0}, domain.WithIdempotencyKey("k-1")))

	require.EqualValues(t, 1, calls)
	require.Equal(t, first, second)
}

func TestIdempotencyKeyConcurrentDispatch(t *testing.T) {
	b, _ := testCommandBus(0)
	var calls int32
	release := make(chan struct{})
	b.Register("CreateOrder", func(ctx context.Context, cmd domain.Command, mc *CommandContext) (domain.CommandResult, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return domain.Succeeded(1), nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, b.Dispatch(context.Background(), domain.NewCommand("CreateOrder", "o", nil, domain.WithIdempotencyKey("same"))).Success)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, calls)
}

func TestIdempotentDispatchSurvivesFirstCallerCancel(t *testing.T) {
	b, _ := testCommandBus(1)
	var calls int32
	release := make(chan struct{})
	b.Register("CreateOrder", func(ctx context.Context, cmd domain.Command, mc *CommandContext) (domain.CommandResult, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-release
			return domain.CommandResult{}, errors.New("downstream unavailable")
		}
		return domain.Succeeded(1), nil
	})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan domain.CommandResult, 1)
	go func() {
		first <- b.Dispatch(firstCtx, domain.NewCommand("CreateOrder", "o", nil, domain.WithIdempotencyKey("same")))
	}()
	time.Sleep(10 * time.Millisecond)

	second := make(chan domain.CommandResult, 1)
	go func() {
		second <- b.Dispatch(context.Background(), domain.NewCommand("CreateOrder", "o", nil, domain.WithIdempotencyKey("same")))
	}()
	time.Sleep(10 * time.Millisecond)

	cancelFirst()
	abandoned := <-first
	require.False(t, abandoned.Success)
	require.True(t, abandoned.Retriable)
	require.ErrorIs(t, abandoned.Err, context.Canceled)

	close(release)
	result := <-second
	require.True(t, result.Success, result.Error())
	require.EqualValues(t, 2, calls)
}

func TestIdempotencyExpiresAndSweeps(t *testing.T) {
	b, _ := testCommandBus(0)
	now := time.Now()
	b.now = func() time.Time { return now }
	var calls int32
	b.Register("CreateOrder", okHandler(&calls))

	b.Dispatch(context.Background(), domain.NewCommand("CreateOrder", "o", nil, domain.WithIdempotencyKey("k")))
	now = now.Add(2 * time.Minute)
	require.Equal(t, 1, b.SweepExpired())

	b.Dispatch(context.Background(), domain.NewCommand("CreateOrder", "o", nil, domain.WithIdempotencyKey("k")))
	require.EqualValues(t, 2, calls)
}

func TestFailedResultsAreNotCachedForIdempotency(t *testing.T) {
	b, _ := testCommandBus(0)
	var calls int32
	b.Register("Reject", func(ctx context.Context, cmd domain.Command, mc *CommandContext) (domain.CommandResult, error) {
		atomic.AddInt32(&calls, 1)
		return domain.Failed(errors.New("no"), false), nil
	})

	b.Dispatch(context.Background(), domain.NewCommand("Reject", "o", nil, domain.WithIdempotencyKey("k")))
	b.Dispatch(context.Background(), domain.NewCommand("Reject", "o", nil, domain.WithIdempotencyKey("k")))
	require.EqualValues(t, 2, calls)
}

func TestCancelledContextStopsRetries(t *testing.T) {
	q := dlq.New(10)
	b := NewCommandBus(CommandBusConfig{MaxRetries: 5, BaseRetryDelay: time.Hour, MaxRetryDelay: time.Hour}, q)
	b.Register("Flaky", func(ctx context.Context, cmd domain.Command, mc *CommandContext) (domain.CommandResult, error) {
		return domain.CommandResult{}, errors.New("fail")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	result := b.Dispatch(ctx, domain.NewCommand("Flaky", "x", nil))

	require.False(t, result.Success)
	require.True(t, result.Retriable)
	require.ErrorIs(t, result.Err, context.DeadlineExceeded)
	require.Equal(t, 0, q.Size())
}

func TestExponentialBackoff(t *testing.T) {
	noJitter := func(time.Duration) time.Duration { return 0 }
	fullJitter := func(max time.Duration) time.Duration { return max - 1 }

	require.Equal(t, 100*time.Millisecond, exponentialBackoff(100*time.Millisecond, time.Second, 0, noJitter))
	require.Equal(t, 400*time.Millisecond, exponentialBackoff(100*time.Millisecond, time.Second, 2, noJitter))
	require.Equal(t, time.Second, exponentialBackoff(100*time.Millisecond, time.Second, 5, noJitter))
	require.Equal(t, 200*time.Millisecond+99*time.Millisecond+999*time.Microsecond+999*time.Nanosecond,
		exponentialBackoff(100*time.Millisecond, time.Second, 1, fullJitter))
	require.Equal(t, time.Second, exponentialBackoff(100*time.Millisecond, time.Second, 100, noJitter))

	for i := 0; i < 50; i++ {
		d := exponentialBackoff(10*time.Millisecond, time.Second, 1, randomJitter)
		require.GreaterOrEqual(t, d, 20*time.Millisecond)
		require.Less(t, d, 30*time.Millisecond)
	}
}
