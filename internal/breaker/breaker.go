// Package breaker implements the failure-protection core: a per-service
// circuit breaker state machine driving a bounded retry engine, with every
// attempt raced against a per-attempt deadline. Protected operations are
// opaque callables supplied by the caller; breaker state is process-local
// and never persisted.
package breaker

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/dmwalsh/breakerkit/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Probing; calls test whether the service recovered.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Operation is a unit of work protected by a breaker. The context is
// cancelled when the per-attempt deadline fires, so cooperative operations
// can stop early; non-cooperative ones are simply abandoned.
type Operation func(ctx context.Context) error

// CircuitBreaker guards calls to one unreliable operation. State transitions
// and metrics updates are serialized by an internal mutex; the protected
// operations themselves may overlap freely.
type CircuitBreaker struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu                  sync.Mutex
	state               State
	openedAt            time.Time
	consecutiveFailures int
	halfOpenSuccesses   int
	totalRequests       uint64
	totalSuccesses      uint64
	rejected            uint64
	avgResponse         time.Duration
	active              map[string]RetryContext

	// sem caps concurrent executions when cfg.MaxConcurrent > 0.
	sem chan struct{}

	// Injection points for deterministic tests. nowFn drives the recovery
	// window and elapsed-time bookkeeping; sleepFn the inter-retry delay;
	// randFn the jitter.
	nowFn   func() time.Time
	sleepFn func(context.Context, time.Duration) error
	randFn  func() float64
}

// New creates a circuit breaker for the named service. Zero config fields
// are defaulted; the config is immutable afterwards. A nil logger falls back
// to slog.Default().
func New(name string, cfg Config, logger *slog.Logger) *CircuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}
	cb := &CircuitBreaker{
		name:    name,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		state:   StateClosed,
		active:  make(map[string]RetryContext),
		nowFn:   time.Now,
		sleepFn: sleepWithContext,
		randFn:  rand.Float64,
	}
	if cb.cfg.MaxConcurrent > 0 {
		cb.sem = make(chan struct{}, cb.cfg.MaxConcurrent)
	}
	metrics.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return cb
}

// Name returns the breaker's service name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Config returns a copy of the breaker's effective configuration.
func (cb *CircuitBreaker) Config() Config { return cb.cfg }

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs op under the breaker's protection, using the breaker name as
// the diagnostic label.
func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation) error {
	return cb.ExecuteLabeled(ctx, cb.name, op)
}

// ExecuteLabeled runs op under the breaker's protection with an explicit
// label for the active-retries view.
func (cb *CircuitBreaker) ExecuteLabeled(ctx context.Context, label string, op Operation) error {
	_, err := CallLabeled(ctx, cb, label, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Call runs a value-returning operation under cb's protection.
func Call[T any](ctx context.Context, cb *CircuitBreaker, op func(context.Context) (T, error)) (T, error) {
	return CallLabeled(ctx, cb, cb.name, op)
}

// CallLabeled runs a value-returning operation under cb's protection.
// Exactly one totalRequests increment happens per call regardless of how
// many internal attempts occur; metrics are updated before any failure is
// propagated. Rejections (open circuit, concurrency cap) do not count
// toward totalRequests.
func CallLabeled[T any](ctx context.Context, cb *CircuitBreaker, label string, op func(context.Context) (T, error)) (T, error) {
	var zero T

	if err := cb.admit(); err != nil {
		return zero, err
	}
	release, err := cb.acquire()
	if err != nil {
		return zero, err
	}
	defer release()

	start := cb.nowFn()
	val, res := runAttempts(ctx, cb, label, op)
	cb.settle(start, res.err == nil && !res.panicked)

	if res.panicked {
		cb.logger.Error("operation panicked",
			"breaker", cb.name,
			"label", label,
			"value", res.panicVal,
			"stack", string(res.stack),
		)
		panic(res.panicVal)
	}
	if res.err != nil {
		return zero, res.err
	}
	return val, nil
}

// admit decides whether a call may proceed. While open and inside the
// recovery window it rejects synchronously; once the window has elapsed
// the breaker moves to half-open and the call becomes the recovery probe.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.nowFn().Sub(cb.openedAt) < cb.cfg.RecoveryTimeout {
			cb.rejected++
			metrics.Rejections.WithLabelValues(cb.name, "open").Inc()
			return &OpenError{Name: cb.name, State: StateOpen}
		}
		cb.transitionLocked(StateHalfOpen)
	}
	return nil
}

// acquire claims a concurrency slot when MaxConcurrent is configured.
// The returned release must be called exactly once.
func (cb *CircuitBreaker) acquire() (func(), error) {
	if cb.sem == nil {
		return func() {}, nil
	}
	select {
	case cb.sem <- struct{}{}:
		return func() { <-cb.sem }, nil
	default:
		cb.mu.Lock()
		cb.rejected++
		cb.mu.Unlock()
		metrics.Rejections.WithLabelValues(cb.name, "saturated").Inc()
		return nil, &SaturatedError{Name: cb.name, Limit: cb.cfg.MaxConcurrent}
	}
}

// settle applies the outcome of one settled call as a single atomic step:
// request count, response-time average, and the state transition rules.
func (cb *CircuitBreaker) settle(start time.Time, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	elapsed := cb.nowFn().Sub(start)
	cb.totalRequests++
	cb.avgResponse += (elapsed - cb.avgResponse) / time.Duration(cb.totalRequests)

	if success {
		cb.totalSuccesses++
		switch cb.state {
		case StateClosed:
			cb.consecutiveFailures = 0
		case StateHalfOpen:
			cb.halfOpenSuccesses++
			if cb.halfOpenSuccesses >= cb.cfg.SuccessThreshold {
				cb.transitionLocked(StateClosed)
			}
		}
		// A success observed while open (forced open mid-flight) changes
		// no state.
		return
	}

	switch cb.state {
	case StateClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.transitionLocked(StateOpen)
	}
}

// transitionLocked changes state, resets the transient counters that belong
// to the state being left, and emits metrics and a log line.
// Must be called with cb.mu held.
func (cb *CircuitBreaker) transitionLocked(newState State) {
	if cb.state == newState {
		return
	}

	from := cb.state
	cb.state = newState

	metrics.BreakerTransitions.WithLabelValues(cb.name, from.String(), newState.String()).Inc()
	metrics.BreakerState.WithLabelValues(cb.name).Set(float64(newState))

	cb.logger.Info("circuit breaker state change",
		"breaker", cb.name,
		"from", from.String(),
		"to", newState.String(),
	)

	switch newState {
	case StateClosed:
		cb.consecutiveFailures = 0
		cb.halfOpenSuccesses = 0
	case StateOpen:
		cb.openedAt = cb.nowFn()
		cb.halfOpenSuccesses = 0
	case StateHalfOpen:
		cb.halfOpenSuccesses = 0
	}
}

// ForceOpen trips the breaker regardless of recent outcomes. The recovery
// window starts now.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen {
		cb.openedAt = cb.nowFn()
		return
	}
	cb.transitionLocked(StateOpen)
}

// Reset returns the breaker to the state of a freshly constructed instance
// with the same configuration.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionLocked(StateClosed)
	cb.consecutiveFailures = 0
	cb.halfOpenSuccesses = 0
	cb.totalRequests = 0
	cb.totalSuccesses = 0
	cb.rejected = 0
	cb.avgResponse = 0
	cb.openedAt = time.Time{}
	cb.active = make(map[string]RetryContext)
	metrics.ActiveRetries.WithLabelValues(cb.name).Set(0)
}

// SetClock overrides the breaker clock, primarily for tests.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.nowFn = now
}
