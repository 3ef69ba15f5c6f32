//go:build integration

package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dmwalsh/breakerkit/internal/admin"
	"github.com/dmwalsh/breakerkit/internal/breaker"
	"github.com/dmwalsh/breakerkit/internal/config"
	"github.com/dmwalsh/breakerkit/internal/metrics"
	"github.com/dmwalsh/breakerkit/internal/probe"
	"github.com/dmwalsh/breakerkit/internal/ratelimit"
)

const (
	jwtSecret = "integration-test-secret-key-32chars!!"
	jwtIssuer = "https://auth.example.com"
	jwtAud    = "breakerd"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

func init() {
	metrics.Init()
}

// flakyBackend is an upstream whose failure behavior flips at runtime.
type flakyBackend struct {
	srv     *httptest.Server
	failing atomic.Bool
	hits    atomic.Int64
}

func newFlakyBackend(t *testing.T) *flakyBackend {
	t.Helper()
	fb := &flakyBackend{}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fb.hits.Add(1)
		if fb.failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

// stack is a fully assembled in-process daemon: registry, prober, admin
// API, rate limiter, and health/metrics endpoints behind one test server.
type stack struct {
	url      string
	registry *breaker.Registry
	prober   *probe.Prober
	cfg      *config.Config
}

// newStack wires the daemon exactly the way main does, from a YAML
// document, and serves it over httptest.
func newStack(t *testing.T, yamlCfg string) *stack {
	t.Helper()

	cfg, err := config.LoadFromBytes([]byte(yamlCfg))
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	defaults, err := cfg.Defaults.ToBreaker()
	if err != nil {
		t.Fatalf("breaker defaults: %v", err)
	}
	registry := breaker.NewRegistry(defaults, logger)
	for name := range cfg.Services {
		svcCfg, err := cfg.BreakerFor(name)
		if err != nil {
			t.Fatalf("breaker config for %s: %v", name, err)
		}
		registry.Get(name, svcCfg)
	}

	prober := probe.New(registry, cfg.Services, logger)
	prober.Start()
	t.Cleanup(prober.Stop)

	limiter := ratelimit.New(cfg.Admin.RequestsPerSecond, cfg.Admin.BurstSize, logger)
	t.Cleanup(limiter.Stop)

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", probe.LivenessHandler())
	mux.Handle("GET /ready", probe.ReadinessHandler(registry))
	if cfg.Metrics.IsEnabled() {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
	}
	if cfg.Admin.Enabled {
		adminHandler := admin.New(staticProvider{cfg}, registry, limiter, cfg.Admin.IPAllowlist, cfg.Auth, logger)
		adminHandler.RegisterRoutes(mux)
	}

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &stack{url: srv.URL, registry: registry, prober: prober, cfg: cfg}
}

type staticProvider struct{ cfg *config.Config }

func (p staticProvider) Current() *config.Config { return p.cfg }

// daemonYAML renders a config pointing the named service at target, with
// probing and recovery tuned fast enough for tests.
func daemonYAML(service, target string) string {
	return fmt.Sprintf(`
server:
  port: 8090
auth:
  enabled: true
  jwt_secret: %q
  issuer: %q
  audience: %q
admin:
  enabled: true
  ip_allowlist:
    - 127.0.0.0/8
  requests_per_second: 500
  burst_size: 500
defaults:
  failure_threshold: 2
  recovery_timeout: 200ms
  success_threshold: 1
  timeout: 2s
  retry:
    retryable_errors: [conflict]
services:
  %s:
    target: %q
    interval: 25ms
`, jwtSecret, jwtIssuer, jwtAud, service, target)
}

func generateJWT(sub string, expiry time.Duration) string {
	claims := jwt.MapClaims{
		"sub": sub,
		"iss": jwtIssuer,
		"aud": jwtAud,
		"exp": time.Now().Add(expiry).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		panic(fmt.Sprintf("generateJWT: %v", err))
	}
	return s
}

func httpDo(method, url string, headers map[string]string) (*http.Response, []byte, error) {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return nil, nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return resp, data, err
}

func httpGet(url string, headers map[string]string) (*http.Response, []byte, error) {
	return httpDo("GET", url, headers)
}

func authHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func parseJSON(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to parse JSON %q: %v", string(data), err)
	}
	return m
}

func assertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func assertErrorCode(t *testing.T, body []byte, expected string) {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("failed to parse error response: %v\nbody: %s", err, string(body))
	}
	code, ok := m["error_code"].(string)
	if !ok {
		t.Fatalf("error_code field missing or not a string in %s", string(body))
	}
	if code != expected {
		t.Errorf("expected error_code %q, got %q", expected, code)
	}
}

func assertBodyContains(t *testing.T, body []byte, substr string) {
	t.Helper()
	if !strings.Contains(string(body), substr) {
		t.Errorf("expected body to contain %q, got %q", substr, string(body))
	}
}

// waitForState polls the breaker until it reaches the wanted state or the
// deadline passes.
func waitForState(t *testing.T, reg *breaker.Registry, name string, want breaker.State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cb, ok := reg.Lookup(name); ok && cb.Metrics().State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if cb, ok := reg.Lookup(name); ok {
		t.Fatalf("breaker %s never reached %v within %v (now %v)", name, want, timeout, cb.Metrics().State)
	}
	t.Fatalf("breaker %s not registered", name)
}
