// Package admin provides the admin API for runtime inspection and control
// of circuit breakers. All endpoints are protected by IP allowlist and a
// per-client rate limit; mutating endpoints additionally require a JWT.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"

	"github.com/dmwalsh/breakerkit/internal/apierror"
	"github.com/dmwalsh/breakerkit/internal/auth"
	"github.com/dmwalsh/breakerkit/internal/breaker"
	"github.com/dmwalsh/breakerkit/internal/config"
	"github.com/dmwalsh/breakerkit/internal/ratelimit"
)

// Handler provides admin API endpoints.
type Handler struct {
	reloader    ConfigProvider
	registry    *breaker.Registry
	limiter     *ratelimit.Limiter
	allowedNets []*net.IPNet
	authMW      func(http.Handler) http.Handler
	logger      *slog.Logger
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// New creates a new admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(
	reloader ConfigProvider,
	registry *breaker.Registry,
	limiter *ratelimit.Limiter,
	allowlist []string,
	authCfg config.AuthConfig,
	logger *slog.Logger,
) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		reloader:    reloader,
		registry:    registry,
		limiter:     limiter,
		allowedNets: nets,
		authMW:      auth.Middleware(authCfg, logger),
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux. Mutating endpoints go
// through JWT validation in addition to the shared IP and rate limit guard.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /admin/breakers", h.guard(http.HandlerFunc(h.listHandler)))
	mux.Handle("GET /admin/breakers/{name}", h.guard(http.HandlerFunc(h.getHandler)))
	mux.Handle("GET /admin/config", h.guard(http.HandlerFunc(h.configHandler)))
	mux.Handle("GET /admin/limiters", h.guard(http.HandlerFunc(h.limitersHandler)))

	mux.Handle("POST /admin/breakers/reset-all", h.guard(h.authMW(http.HandlerFunc(h.resetAllHandler))))
	mux.Handle("POST /admin/breakers/{name}/reset", h.guard(h.authMW(http.HandlerFunc(h.resetHandler))))
	mux.Handle("POST /admin/breakers/{name}/force-open", h.guard(h.authMW(http.HandlerFunc(h.forceOpenHandler))))
	mux.Handle("DELETE /admin/breakers/{name}", h.guard(h.authMW(http.HandlerFunc(h.removeHandler))))
}

// guard wraps a handler with rate limiting and IP allowlist checking.
func (h *Handler) guard(next http.Handler) http.Handler {
	limited := h.limiter.Middleware()(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			apierror.WriteJSON(w, r, http.StatusForbidden, apierror.Forbidden,
				"client address not allowed")
			return
		}
		limited.ServeHTTP(w, r)
	})
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// breakerStatus is the per-breaker response shape.
type breakerStatus struct {
	Name          string                          `json:"name"`
	Metrics       breaker.Metrics                 `json:"metrics"`
	ActiveRetries map[string]breaker.RetryContext `json:"active_retries,omitempty"`
}

func (h *Handler) listHandler(w http.ResponseWriter, r *http.Request) {
	all := h.registry.AllMetrics()

	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	statuses := make([]breakerStatus, 0, len(names))
	for _, name := range names {
		statuses = append(statuses, breakerStatus{Name: name, Metrics: all[name]})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"breakers": statuses})
}

func (h *Handler) getHandler(w http.ResponseWriter, r *http.Request) {
	cb, ok := h.registry.Lookup(r.PathValue("name"))
	if !ok {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.BreakerNotFound,
			"no such circuit breaker")
		return
	}
	writeJSON(w, http.StatusOK, breakerStatus{
		Name:          cb.Name(),
		Metrics:       cb.Metrics(),
		ActiveRetries: cb.ActiveRetries(),
	})
}

func (h *Handler) resetHandler(w http.ResponseWriter, r *http.Request) {
	cb, ok := h.registry.Lookup(r.PathValue("name"))
	if !ok {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.BreakerNotFound,
			"no such circuit breaker")
		return
	}
	cb.Reset()
	h.logger.Info("breaker reset via admin API", "breaker", cb.Name(), "client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, breakerStatus{Name: cb.Name(), Metrics: cb.Metrics()})
}

func (h *Handler) forceOpenHandler(w http.ResponseWriter, r *http.Request) {
	cb, ok := h.registry.Lookup(r.PathValue("name"))
	if !ok {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.BreakerNotFound,
			"no such circuit breaker")
		return
	}
	cb.ForceOpen()
	h.logger.Info("breaker forced open via admin API", "breaker", cb.Name(), "client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, breakerStatus{Name: cb.Name(), Metrics: cb.Metrics()})
}

func (h *Handler) resetAllHandler(w http.ResponseWriter, r *http.Request) {
	h.registry.ResetAll()
	h.logger.Info("all breakers reset via admin API", "client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]interface{}{"reset": len(h.registry.AllMetrics())})
}

func (h *Handler) removeHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !h.registry.Remove(name) {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.BreakerNotFound,
			"no such circuit breaker")
		return
	}
	h.logger.Info("breaker removed via admin API", "breaker", name, "client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]string{"removed": name})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.reloader.Current()

	// Copy and redact sensitive fields; only a string is replaced so a
	// shallow copy is enough.
	redacted := *cfg
	if redacted.Auth.JWTSecret != "" {
		redacted.Auth.JWTSecret = "***"
	}

	writeJSON(w, http.StatusOK, redacted)
}

func (h *Handler) limitersHandler(w http.ResponseWriter, r *http.Request) {
	entries := h.limiter.Snapshot()
	sort.Slice(entries, func(i, j int) bool { return entries[i].IP < entries[j].IP })

	// Pagination: page/page_size from query params.
	pageSize := 100
	page := 0

	if ps := r.URL.Query().Get("page_size"); ps != "" {
		if v := parseInt(ps); v > 0 && v <= 1000 {
			pageSize = v
		}
	}
	if p := r.URL.Query().Get("page"); p != "" {
		if v := parseInt(p); v >= 0 {
			page = v
		}
	}

	total := len(entries)
	start := page * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries[start:end],
		"total":   total,
		"page":    page,
	})
}

func parseInt(s string) int {
	s = strings.TrimSpace(s)
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
