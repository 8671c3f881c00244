package retry

import (
	"fmt"
	"math/rand"
	"time"
)

// Policy configures WithRetry. Grounded on the teacher's pkg/utils.RetryConfig,
// expanded with jitter bounds and rate-limit awareness per spec.md §4.1.
type Policy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	Multiplier      float64
	JitterFraction  float64 // jitter in [0, JitterFraction*delay]
	RateLimitAware  bool
	DefaultRateLimitDelay time.Duration
}

// DefaultPolicy matches spec.md §4.1's defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:           3,
		BaseDelay:             1 * time.Second,
		Multiplier:            2.0,
		JitterFraction:        0.25,
		RateLimitAware:        true,
		DefaultRateLimitDelay: 60 * time.Second,
	}
}

// EventSink receives structured retry events. Implemented by
// internal/eventlog.Logger; kept as a narrow interface here so internal/retry
// has no dependency on the logging package.
type EventSink interface {
	Emit(stream, event string, fields map[string]any)
}

// nopSink discards events; used when no sink is supplied.
type nopSink struct{}

func (nopSink) Emit(string, string, map[string]any) {}

// WithRetry runs fn under policy, retrying on Retriable errors and raising
// immediately on NonRetriable/Fatal ones. sink may be nil.
//
// Retry schedule: attempt i's delay (1-indexed, i>1) is
// BaseDelay * Multiplier^(i-2) + jitter, jitter in
// [0, JitterFraction * BaseDelay * Multiplier^(i-2)], matching spec.md §8's
// "retry monotonicity" property. A RateLimit error prefers its own
// Retry-After over the schedule.
func WithRetry[T any](policy Policy, sink EventSink, fn func() (T, error)) (T, error) {
	if sink == nil {
		sink = nopSink{}
	}

	var zero T
	delay := policy.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			if attempt > 1 {
				sink.Emit("retry", "retry.success", map[string]any{"attempts": attempt})
			}
			return result, nil
		}
		lastErr = err

		class := ClassOf(err)
		kind, _ := KindOf(err)

		if class != Retriable {
			return zero, err
		}

		if attempt == policy.MaxAttempts {
			break
		}

		sleepFor := delay
		if policy.RateLimitAware && kind == KindRateLimit {
			if s, ok := RetryAfterOf(err); ok && s > 0 {
				sleepFor = time.Duration(s * float64(time.Second))
			} else {
				sleepFor = policy.DefaultRateLimitDelay
			}
		} else {
			jitterMax := time.Duration(policy.JitterFraction * float64(delay))
			if jitterMax > 0 {
				sleepFor = delay + time.Duration(rand.Int63n(int64(jitterMax)+1))
			}
		}

		sink.Emit("retry", "retry.attempt", map[string]any{
			"attempt": attempt,
			"max":     policy.MaxAttempts,
			"delay_s": sleepFor.Seconds(),
			"error_kind": string(kind),
		})

		time.Sleep(sleepFor)
		delay = time.Duration(float64(delay) * policy.Multiplier)
	}

	sink.Emit("retry", "retry.exhausted", map[string]any{
		"attempts": policy.MaxAttempts,
		"error":    lastErr.Error(),
	})
	return zero, fmt.Errorf("%w after %d attempts: %v", ErrExhausted, policy.MaxAttempts, lastErr)
}
