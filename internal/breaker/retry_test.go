package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryExhaustsAfterMaxRetries(t *testing.T) {
	cb, _ := newTestBreaker(t, Config{
		FailureThreshold: 100,
		Retry:            RetryConfig{MaxRetries: 3, RetryableKinds: []Kind{KindNetwork}},
	})

	invocations := 0
	err := cb.Execute(context.Background(), func(context.Context) error {
		invocations++
		return Classify(KindNetwork, errBoom)
	})

	if invocations != 4 {
		t.Fatalf("expected 4 invocations (1 initial + 3 retries), got %d", invocations)
	}
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	var ee *ExhaustedError
	if !errors.As(err, &ee) || ee.MaxRetries != 3 {
		t.Fatalf("expected ExhaustedError with MaxRetries 3, got %v", err)
	}
	// The last attempt's error stays reachable through the chain.
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected exhausted error to wrap the last failure, got %v", err)
	}

	// The whole sequence settles as one failed request.
	if m := cb.Metrics(); m.TotalRequests != 1 || m.FailureCount != 1 {
		t.Fatalf("expected one settled failure, got %+v", m)
	}
}

func TestNonRetryableSurfacesUnchanged(t *testing.T) {
	cb, _ := newTestBreaker(t, Config{
		FailureThreshold: 100,
		Retry:            RetryConfig{MaxRetries: 5, RetryableKinds: []Kind{KindNetwork}},
	})

	orig := Classify(KindValidation, errBoom)
	invocations := 0
	err := cb.Execute(context.Background(), func(context.Context) error {
		invocations++
		return orig
	})

	if invocations != 1 {
		t.Fatalf("expected exactly 1 invocation, got %d", invocations)
	}
	if err != orig {
		t.Fatalf("expected the original error unchanged, got %v", err)
	}
}

func TestUnclassifiedErrorNeverRetried(t *testing.T) {
	cb, _ := newTestBreaker(t, Config{
		FailureThreshold: 100,
		Retry:            RetryConfig{MaxRetries: 5, RetryableKinds: []Kind{KindNetwork, KindTimeout}},
	})

	invocations := 0
	err := cb.Execute(context.Background(), func(context.Context) error {
		invocations++
		return errBoom
	})

	if invocations != 1 {
		t.Fatalf("expected 1 invocation for unclassified error, got %d", invocations)
	}
	if err != errBoom {
		t.Fatalf("expected errBoom unchanged, got %v", err)
	}
}

func TestZeroMaxRetriesMeansSingleAttempt(t *testing.T) {
	cb, _ := newTestBreaker(t, Config{
		FailureThreshold: 100,
		Retry:            RetryConfig{MaxRetries: 0, RetryableKinds: []Kind{KindNetwork}},
	})

	invocations := 0
	err := cb.Execute(context.Background(), func(context.Context) error {
		invocations++
		return Classify(KindNetwork, errBoom)
	})

	if invocations != 1 {
		t.Fatalf("expected 1 invocation with MaxRetries 0, got %d", invocations)
	}
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestRetrySucceedsMidSequence(t *testing.T) {
	cb, _ := newTestBreaker(t, Config{
		FailureThreshold: 2,
		Retry:            RetryConfig{MaxRetries: 3, RetryableKinds: []Kind{KindNetwork}},
	})

	invocations := 0
	err := cb.Execute(context.Background(), func(context.Context) error {
		invocations++
		if invocations < 3 {
			return Classify(KindNetwork, errBoom)
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if invocations != 3 {
		t.Fatalf("expected 3 invocations, got %d", invocations)
	}

	m := cb.Metrics()
	if m.TotalRequests != 1 || m.TotalSuccesses != 1 || m.FailureCount != 0 {
		t.Fatalf("expected one settled success, got %+v", m)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %v", cb.State())
	}
}

func TestBackoffDelaysGrowAndCap(t *testing.T) {
	cb, _ := newTestBreaker(t, Config{
		FailureThreshold: 100,
		Backoff: BackoffConfig{
			BaseDelay:  100 * time.Millisecond,
			MaxDelay:   300 * time.Millisecond,
			Multiplier: 2,
			Jitter:     false,
		},
		Retry: RetryConfig{MaxRetries: 4, RetryableKinds: []Kind{KindNetwork}},
	})

	var slept []time.Duration
	cb.sleepFn = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	cb.Execute(context.Background(), failingOp(KindNetwork))

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond, // capped
		300 * time.Millisecond,
	}
	if len(slept) != len(want) {
		t.Fatalf("expected %d sleeps, got %d: %v", len(want), len(slept), slept)
	}
	for i, d := range want {
		if slept[i] != d {
			t.Fatalf("sleep %d: expected %v, got %v (all: %v)", i, d, slept[i], slept)
		}
	}
}

func TestJitterPerturbsDelay(t *testing.T) {
	cb, _ := newTestBreaker(t, Config{
		FailureThreshold: 100,
		Backoff: BackoffConfig{
			BaseDelay:  100 * time.Millisecond,
			MaxDelay:   time.Second,
			Multiplier: 2,
			Jitter:     true,
		},
		Retry: RetryConfig{MaxRetries: 1, RetryableKinds: []Kind{KindNetwork}},
	})
	cb.randFn = func() float64 { return 0.5 }

	var slept []time.Duration
	cb.sleepFn = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	cb.Execute(context.Background(), failingOp(KindNetwork))

	// Equal jitter: half fixed plus half scaled by the random draw.
	if len(slept) != 1 || slept[0] != 75*time.Millisecond {
		t.Fatalf("expected one sleep of 75ms, got %v", slept)
	}
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	cb, _ := newTestBreaker(t, Config{
		FailureThreshold: 100,
		Retry:            RetryConfig{MaxRetries: 5, RetryableKinds: []Kind{KindNetwork}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	invocations := 0
	cb.sleepFn = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	err := cb.Execute(ctx, func(context.Context) error {
		invocations++
		return Classify(KindNetwork, errBoom)
	})

	if invocations != 1 {
		t.Fatalf("expected retrying to stop after cancellation, got %d invocations", invocations)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestActiveRetriesTracksInFlightSequence(t *testing.T) {
	cb, _ := newTestBreaker(t, Config{
		FailureThreshold: 100,
		Backoff:          BackoffConfig{BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2},
		Retry:            RetryConfig{MaxRetries: 2, RetryableKinds: []Kind{KindNetwork}},
	})

	var seen []RetryContext
	cb.sleepFn = func(context.Context, time.Duration) error {
		// The sleep happens between attempts, so the view must show the
		// pending delay for this label.
		rc, ok := cb.ActiveRetries()["orders"]
		if !ok {
			t.Error("expected an active retry entry during backoff")
		}
		seen = append(seen, rc)
		return nil
	}

	cb.ExecuteLabeled(context.Background(), "orders", failingOp(KindNetwork))

	if len(seen) != 2 {
		t.Fatalf("expected 2 backoff windows, got %d", len(seen))
	}
	for i, rc := range seen {
		if rc.Attempt != i {
			t.Fatalf("window %d: expected attempt %d, got %d", i, i, rc.Attempt)
		}
		if rc.NextRetryDelay <= 0 {
			t.Fatalf("window %d: expected a pending retry delay, got %v", i, rc.NextRetryDelay)
		}
	}

	if remaining := cb.ActiveRetries(); len(remaining) != 0 {
		t.Fatalf("expected empty active-retries view at rest, got %v", remaining)
	}
}

func TestSleepWithContextHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sleepWithContext(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := sleepWithContext(context.Background(), 0); err != nil {
		t.Fatalf("zero sleep should return immediately, got %v", err)
	}
}
