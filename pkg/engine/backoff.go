package engine

import (
	"context"
	"math"
	"time"

	"github.com/openfroyo/stagecraft/pkg/model"
)

// BackoffDelay returns the wait before retry k (k starts at 0):
// min(initial * multiplier^k, max). A zero max means uncapped.
func BackoffDelay(policy model.BackoffPolicy, k int) time.Duration {
	if policy.InitialDelay <= 0 {
		return 0
	}
	if k < 0 {
		k = 0
	}
	mult := policy.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(policy.InitialDelay) * math.Pow(mult, float64(k))
	if policy.MaxDelay > 0 && delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// BackoffSchedule returns the waits between consecutive attempts. A policy
// with MaxRetries r makes r+1 attempts and therefore r waits.
func BackoffSchedule(policy model.BackoffPolicy) []time.Duration {
	if policy.MaxRetries <= 0 {
		return nil
	}
	out := make([]time.Duration, policy.MaxRetries)
	for k := range out {
		out[k] = BackoffDelay(policy, k)
	}
	return out
}

// Attempts returns the total attempt count for a policy.
func Attempts(policy model.BackoffPolicy) int {
	if policy.MaxRetries < 0 {
		return 1
	}
	return policy.MaxRetries + 1
}

// Sleeper waits for a duration or until the context is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleep is the default Sleeper.
func ContextSleep(ctx context.Context, d time.Duration) error {
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
