package breaker

import "time"

// Metrics is a read-only snapshot of one breaker's counters.
//
// SuccessCount is the transient consecutive-success counter that only has
// meaning while half-open; TotalSuccesses is the cumulative count. Both are
// exposed because observers want both readings and conflating them hides
// the half-open progress.
type Metrics struct {
	State               State         `json:"state"`
	FailureCount        int           `json:"failure_count"`
	SuccessCount        int           `json:"success_count"`
	TotalSuccesses      uint64        `json:"total_successes"`
	RejectedCount       uint64        `json:"rejected_count"`
	TotalRequests       uint64        `json:"total_requests"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	Uptime              float64       `json:"uptime"`
}

// MarshalText lets State render as its name in JSON-adjacent encoders.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Metrics returns a consistent snapshot of the breaker's counters. Uptime
// is the success percentage over settled calls and reads 100 before any
// call settles; rejected calls are excluded from TotalRequests.
func (cb *CircuitBreaker) Metrics() Metrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	uptime := 100.0
	if cb.totalRequests > 0 {
		uptime = 100 * float64(cb.totalSuccesses) / float64(cb.totalRequests)
	}

	return Metrics{
		State:               cb.state,
		FailureCount:        cb.consecutiveFailures,
		SuccessCount:        cb.halfOpenSuccesses,
		TotalSuccesses:      cb.totalSuccesses,
		RejectedCount:       cb.rejected,
		TotalRequests:       cb.totalRequests,
		AverageResponseTime: cb.avgResponse,
		Uptime:              uptime,
	}
}
