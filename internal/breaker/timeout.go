package breaker

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/dmwalsh/breakerkit/internal/metrics"
)

// attemptOnce performs a single attempt, racing the operation against the
// per-attempt deadline. The operation runs in its own goroutine with a
// context that is cancelled when either side loses, so cooperative
// operations stop early and the timer never leaks. When the deadline fires
// first, interest in the operation's eventual outcome is abandoned.
func attemptOnce[T any](ctx context.Context, cb *CircuitBreaker, op func(context.Context) (T, error)) (T, attemptOutcome) {
	var zero T

	metrics.AttemptsTotal.WithLabelValues(cb.name).Inc()
	started := time.Now()
	defer func() {
		metrics.AttemptDuration.WithLabelValues(cb.name).Observe(time.Since(started).Seconds())
	}()

	if cb.cfg.Timeout <= 0 {
		return invoke(ctx, op)
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	timer := time.NewTimer(cb.cfg.Timeout)
	defer stopTimer(timer)

	type result struct {
		val T
		out attemptOutcome
	}
	done := make(chan result, 1)

	go func() {
		val, out := invoke(attemptCtx, op)
		done <- result{val: val, out: out}
	}()

	select {
	case r := <-done:
		return r.val, r.out
	case <-timer.C:
		return zero, attemptOutcome{err: &TimeoutError{Timeout: cb.cfg.Timeout}}
	case <-ctx.Done():
		return zero, attemptOutcome{err: ctx.Err()}
	}
}

// invoke calls op, converting a panic into an attemptOutcome so the value
// can be re-raised verbatim in the caller's goroutine after the metrics
// settle. Without this, a panic in the attempt goroutine would kill the
// process before the breaker could record the failure.
func invoke[T any](ctx context.Context, op func(context.Context) (T, error)) (val T, out attemptOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = attemptOutcome{panicked: true, panicVal: r, stack: debug.Stack()}
		}
	}()
	val, out.err = op(ctx)
	return val, out
}
