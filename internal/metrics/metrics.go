// Package metrics provides Prometheus instrumentation for the circuit
// breaker core. All metric collectors are registered via Init and exposed
// through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BreakerState tracks the current state of each breaker
	// (0=closed, 1=open, 2=half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"breaker"},
	)

	// BreakerTransitions counts state transitions by breaker, from, and to.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breaker_state_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"breaker", "from", "to"},
	)

	// Rejections counts calls rejected without invoking the operation,
	// by reason ("open" or "saturated").
	Rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breaker_rejections_total",
			Help: "Total calls rejected without invoking the operation",
		},
		[]string{"breaker", "reason"},
	)

	// AttemptsTotal counts individual operation attempts, including retries.
	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breaker_attempts_total",
			Help: "Total operation attempts, including retries",
		},
		[]string{"breaker"},
	)

	// AttemptDuration observes per-attempt latency in seconds.
	AttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "breaker_attempt_duration_seconds",
			Help:    "Operation attempt latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"breaker"},
	)

	// RetriesTotal counts retry attempts (attempts beyond the first).
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breaker_retries_total",
			Help: "Total retry attempts",
		},
		[]string{"breaker"},
	)

	// ActiveRetries tracks in-flight retry sequences per breaker.
	ActiveRetries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "breaker_active_retries",
			Help: "Number of in-flight retry sequences",
		},
		[]string{"breaker"},
	)

	// AuthFailures counts admin API authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breaker_admin_auth_failures_total",
			Help: "Total admin API authentication failures",
		},
		[]string{"reason"},
	)

	// AdminRateLimitHits counts admin API rate limit rejections.
	AdminRateLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "breaker_admin_rate_limit_hits_total",
			Help: "Total admin API rate limit rejections",
		},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup.
func Init() {
	prometheus.MustRegister(
		BreakerState,
		BreakerTransitions,
		Rejections,
		AttemptsTotal,
		AttemptDuration,
		RetriesTotal,
		ActiveRetries,
		AuthFailures,
		AdminRateLimitHits,
	)
}

// Remove drops all series for a breaker that was removed from the registry.
func Remove(name string) {
	BreakerState.DeleteLabelValues(name)
	ActiveRetries.DeleteLabelValues(name)
	AttemptsTotal.DeleteLabelValues(name)
	AttemptDuration.DeleteLabelValues(name)
	RetriesTotal.DeleteLabelValues(name)
	Rejections.DeletePartialMatch(prometheus.Labels{"breaker": name})
	BreakerTransitions.DeletePartialMatch(prometheus.Labels{"breaker": name})
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
