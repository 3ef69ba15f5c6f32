package breaker

import (
	"context"
	"time"

	"github.com/dmwalsh/breakerkit/internal/metrics"
)

// RetryContext describes one in-flight retry sequence, keyed by operation
// label in the breaker's active-retries view.
type RetryContext struct {
	Attempt        int           `json:"attempt"`
	TotalElapsed   time.Duration `json:"total_elapsed"`
	NextRetryDelay time.Duration `json:"next_retry_delay"`
}

// ActiveRetries returns a snapshot of the in-flight retry sequences. The
// map is always empty at rest: entries are removed unconditionally when
// their call settles.
func (cb *CircuitBreaker) ActiveRetries() map[string]RetryContext {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	out := make(map[string]RetryContext, len(cb.active))
	for label, rc := range cb.active {
		out[label] = rc
	}
	return out
}

func (cb *CircuitBreaker) trackRetry(label string, rc RetryContext) {
	cb.mu.Lock()
	cb.active[label] = rc
	metrics.ActiveRetries.WithLabelValues(cb.name).Set(float64(len(cb.active)))
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) clearRetry(label string) {
	cb.mu.Lock()
	delete(cb.active, label)
	metrics.ActiveRetries.WithLabelValues(cb.name).Set(float64(len(cb.active)))
	cb.mu.Unlock()
}

// attemptOutcome carries an attempt's failure either as an error or, when
// the operation panicked, as the recovered value to re-raise after the
// metrics are settled.
type attemptOutcome struct {
	err      error
	panicked bool
	panicVal any
	stack    []byte
}

// runAttempts drives the retry loop for one call: every attempt goes
// through the per-attempt deadline; failures are classified by Kind against
// the retryable set. Non-retryable failures surface unchanged after exactly
// one attempt; a permanently failing retryable operation is invoked
// MaxRetries+1 times and ends in an ExhaustedError.
func runAttempts[T any](ctx context.Context, cb *CircuitBreaker, label string, op func(context.Context) (T, error)) (T, attemptOutcome) {
	var zero T

	start := cb.nowFn()
	defer cb.clearRetry(label)

	delay := cb.cfg.Backoff.BaseDelay
	maxRetries := cb.cfg.Retry.MaxRetries

	for attempt := 0; ; attempt++ {
		cb.trackRetry(label, RetryContext{
			Attempt:      attempt,
			TotalElapsed: cb.nowFn().Sub(start),
		})
		if attempt > 0 {
			metrics.RetriesTotal.WithLabelValues(cb.name).Inc()
		}

		val, out := attemptOnce(ctx, cb, op)
		if out.panicked || out.err == nil {
			return val, out
		}
		if !cb.retryable(out.err) {
			return zero, out
		}
		if attempt >= maxRetries {
			return zero, attemptOutcome{err: &ExhaustedError{MaxRetries: maxRetries, Last: out.err}}
		}

		sleepFor := cb.jitterDelay(delay)
		cb.trackRetry(label, RetryContext{
			Attempt:        attempt,
			TotalElapsed:   cb.nowFn().Sub(start),
			NextRetryDelay: sleepFor,
		})
		if err := cb.sleepFn(ctx, sleepFor); err != nil {
			return zero, attemptOutcome{err: err}
		}
		delay = nextDelay(delay, cb.cfg.Backoff.Multiplier, cb.cfg.Backoff.MaxDelay)
	}
}

// retryable reports whether err's Kind is listed in the retryable set.
// Unclassified errors (KindUnknown) are never retried.
func (cb *CircuitBreaker) retryable(err error) bool {
	kind := KindOf(err)
	if kind == KindUnknown {
		return false
	}
	for _, k := range cb.cfg.Retry.RetryableKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// jitterDelay perturbs d with equal jitter (half fixed, half random) so
// concurrent callers desynchronize. The random source is injectable.
func (cb *CircuitBreaker) jitterDelay(d time.Duration) time.Duration {
	if !cb.cfg.Backoff.Jitter || d <= 0 {
		return d
	}
	half := float64(d) / 2
	return time.Duration(half + cb.randFn()*half)
}

// nextDelay grows the backoff multiplicatively, capped at max.
func nextDelay(current time.Duration, multiplier float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * multiplier)
	if next < 0 {
		next = 0
	}
	if max > 0 && next > max {
		return max
	}
	return next
}

// sleepWithContext waits for d or until ctx is cancelled, releasing the
// timer on both paths.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer stopTimer(timer)

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stopTimer stops a timer and drains its channel so no tick is left pending.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
