package bus

import (
	"context"
	"math/rand/v2"
	"time"
)

// exponentialBackoff returns min(base*2^retry + jitter, max) where jitter is
// drawn from [0, base). retry is zero-based.
func exponentialBackoff(base, max time.Duration, retry int, jitter func(time.Duration) time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if retry > 30 {
		retry = 30
	}

	delay := base * time.Duration(1<<retry)
	if jitter != nil {
		delay += jitter(base)
	}
	if max > 0 && (delay > max || delay < 0) {
		delay = max
	}
	return delay
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
