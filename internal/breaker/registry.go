package breaker

import (
	"log/slog"
	"sync"

	"github.com/dmwalsh/breakerkit/internal/metrics"
)

// Registry is a named collection of circuit breakers sharing a default
// configuration. It is an explicit object constructed at application start
// and passed to every subsystem that needs breakers; there is no hidden
// package-level instance.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	defaults Config
	logger   *slog.Logger
}

// NewRegistry creates a registry whose breakers default to cfg when Get is
// called without an explicit config.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: cfg.withDefaults(),
		logger:   logger,
	}
}

// Get returns the breaker registered under name, creating it on first use.
// The optional config applies only at creation: a config supplied for an
// already-existing name is ignored, so instance identity per name is stable
// for the process lifetime.
func (r *Registry) Get(name string, cfg ...Config) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double check: another goroutine may have created it.
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	c := r.defaults
	if len(cfg) > 0 {
		c = cfg[0]
	}
	cb = New(name, c, r.logger)
	r.breakers[name] = cb
	return cb
}

// Lookup returns the breaker registered under name without creating one.
func (r *Registry) Lookup(name string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

// AllMetrics returns a name-to-metrics snapshot for every managed breaker.
func (r *Registry) AllMetrics() map[string]Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Metrics, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.Metrics()
	}
	return out
}

// ResetAll resets every managed breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}

// Remove discards the breaker registered under name, reporting whether it
// existed. Its Prometheus series are dropped with it.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.breakers[name]; !ok {
		return false
	}
	delete(r.breakers, name)
	metrics.Remove(name)
	return true
}

// Clear discards all managed breakers.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name := range r.breakers {
		metrics.Remove(name)
	}
	r.breakers = make(map[string]*CircuitBreaker)
}
