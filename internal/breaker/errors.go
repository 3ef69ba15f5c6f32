package breaker

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure for retry decisions. Retryability is decided by
// matching a failure's Kind against Config.Retry.RetryableKinds, never by
// inspecting error strings.
type Kind int

const (
	KindUnknown Kind = iota // unclassified; never retryable
	KindNetwork
	KindTimeout
	KindUnavailable
	KindRateLimited
	KindValidation
	KindConflict
	KindInternal
)

// String returns the canonical name for the kind, as used in configuration.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	case KindRateLimited:
		return "rate_limited"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// ParseKind converts a configuration string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "network":
		return KindNetwork, nil
	case "timeout":
		return KindTimeout, nil
	case "unavailable":
		return KindUnavailable, nil
	case "rate_limited":
		return KindRateLimited, nil
	case "validation":
		return KindValidation, nil
	case "conflict":
		return KindConflict, nil
	case "internal":
		return KindInternal, nil
	default:
		return KindUnknown, fmt.Errorf("unknown error kind %q", s)
	}
}

// Classified is implemented by errors that carry a failure Kind.
type Classified interface {
	FaultKind() Kind
}

// KindOf extracts the Kind from err's chain. Errors without a Kind tag
// report KindUnknown and are never retried.
func KindOf(err error) Kind {
	var c Classified
	if errors.As(err, &c) {
		return c.FaultKind()
	}
	return KindUnknown
}

// Fault tags an underlying error with a Kind without altering its message.
type Fault struct {
	Kind Kind
	Err  error
}

// Classify wraps err with the given kind. A nil err returns nil.
func Classify(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Kind: kind, Err: err}
}

func (f *Fault) Error() string   { return f.Err.Error() }
func (f *Fault) Unwrap() error   { return f.Err }
func (f *Fault) FaultKind() Kind { return f.Kind }

// Sentinels for errors.Is checks against the breaker's own failure modes.
var (
	ErrOpen      = errors.New("circuit breaker is open")
	ErrSaturated = errors.New("circuit breaker concurrency limit reached")
	ErrTimeout   = errors.New("operation timed out")
	ErrExhausted = errors.New("maximum retry attempts exceeded")
)

// OpenError is returned when a call is rejected because the circuit is open
// and the recovery window has not elapsed. The protected operation was never
// invoked.
type OpenError struct {
	Name  string
	State State
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s: request rejected", e.Name, e.State)
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// SaturatedError is returned when the breaker's concurrency limit is reached
// before the operation was invoked.
type SaturatedError struct {
	Name  string
	Limit int
}

func (e *SaturatedError) Error() string {
	return fmt.Sprintf("circuit breaker %q at concurrency limit (%d in flight)", e.Name, e.Limit)
}

func (e *SaturatedError) Is(target error) bool { return target == ErrSaturated }

// TimeoutError is returned when a single attempt exceeded its allotted time.
// It carries KindTimeout, so it is retried only when that kind is listed as
// retryable.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation timed out after %s", e.Timeout)
}

func (e *TimeoutError) FaultKind() Kind      { return KindTimeout }
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ExhaustedError is returned when every permitted attempt was consumed
// without success. Unwrap exposes the last attempt's error so callers can
// still match it with errors.Is/As.
type ExhaustedError struct {
	MaxRetries int
	Last       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("maximum retry attempts exceeded (%d retries): %v", e.MaxRetries, e.Last)
}

func (e *ExhaustedError) Unwrap() error        { return e.Last }
func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }
