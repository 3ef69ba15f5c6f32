// Package probe runs periodic HTTP health probes against configured
// upstream services, routing every probe through that service's circuit
// breaker so breaker state tracks real upstream behavior. It also serves
// the daemon's liveness and readiness endpoints.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dmwalsh/breakerkit/internal/breaker"
	"github.com/dmwalsh/breakerkit/internal/config"
)

// Prober owns one goroutine per configured service, each fetching the
// service's target URL on its interval through the shared registry.
type Prober struct {
	registry *breaker.Registry
	client   *http.Client
	logger   *slog.Logger

	mu       sync.Mutex
	services map[string]config.ServiceConfig
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a Prober for the given services. The HTTP client carries no
// timeout of its own; per-attempt deadlines come from each breaker's config.
func New(registry *breaker.Registry, services map[string]config.ServiceConfig, logger *slog.Logger) *Prober {
	return &Prober{
		registry: registry,
		client:   &http.Client{},
		logger:   logger,
		services: services,
	}
}

// Start launches the probe loops. Stop cancels them and waits.
func (p *Prober) Start() {
	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.cancel = cancel
	services := p.services
	p.mu.Unlock()

	for name, svc := range services {
		p.wg.Add(1)
		go p.loop(ctx, name, svc)
	}
}

// Stop cancels all probe loops and waits for them to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

func (p *Prober) loop(ctx context.Context, name string, svc config.ServiceConfig) {
	defer p.wg.Done()

	ticker := time.NewTicker(svc.Interval)
	defer ticker.Stop()

	// Probe immediately so breaker state reflects reality at startup.
	p.probeOnce(ctx, name, svc.Target)

	for {
		select {
		case <-ticker.C:
			p.probeOnce(ctx, name, svc.Target)
		case <-ctx.Done():
			return
		}
	}
}

// probeOnce fetches the target through the service's breaker. Rejections
// while the circuit is open are expected and logged at debug only.
func (p *Prober) probeOnce(ctx context.Context, name, target string) {
	cb := p.registry.Get(name)

	err := cb.Execute(ctx, func(ctx context.Context) error {
		return p.fetch(ctx, target)
	})
	if err == nil {
		return
	}
	if errors.Is(err, breaker.ErrOpen) {
		p.logger.Debug("probe skipped, circuit open", "breaker", name)
		return
	}
	p.logger.Warn("probe failed", "breaker", name, "target", target, "error", err)
}

// fetch issues one GET and classifies the outcome by error kind: transport
// failures are network errors, 5xx responses mean the upstream is
// unavailable, and 429 marks it rate limited. Other statuses count as
// healthy; a 404 on the health path is the operator's config problem, not
// an upstream outage.
func (p *Prober) fetch(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return breaker.Classify(breaker.KindValidation, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return breaker.Classify(breaker.KindNetwork, err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 500:
		return breaker.Classify(breaker.KindUnavailable,
			fmt.Errorf("upstream returned %s", resp.Status))
	case resp.StatusCode == http.StatusTooManyRequests:
		return breaker.Classify(breaker.KindRateLimited,
			fmt.Errorf("upstream returned %s", resp.Status))
	}
	return nil
}

// UpdateServices swaps the probed service set on config reload. The
// prober must be restarted for the change to take effect; the caller
// (the reload callback) stops and restarts it.
func (p *Prober) UpdateServices(services map[string]config.ServiceConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.services = services
}
