package probe

import (
	"encoding/json"
	"net/http"

	"github.com/dmwalsh/breakerkit/internal/breaker"
)

// livenessBody is pre-serialized; the liveness probe must never allocate
// its way into a failure.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

// LivenessHandler reports process liveness. It says nothing about
// upstream health; kubelet-style probes should use this for restarts.
func LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(livenessBody) //nolint:errcheck
	})
}

type readinessResponse struct {
	Status   string                   `json:"status"`
	Services map[string]serviceStatus `json:"services,omitempty"`
}

type serviceStatus struct {
	State   breaker.State `json:"state"`
	Healthy bool          `json:"healthy"`
}

// ReadinessHandler reports degraded (503) when every tracked breaker is
// open, meaning no upstream is reachable at all. Individual open circuits
// show up in the body but do not fail readiness; partial outages are the
// breaker's job to absorb, not a reason to pull the daemon from rotation.
func ReadinessHandler(registry *breaker.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		all := registry.AllMetrics()

		resp := readinessResponse{
			Status:   "ready",
			Services: make(map[string]serviceStatus, len(all)),
		}
		openCount := 0
		for name, m := range all {
			healthy := m.State != breaker.StateOpen
			if !healthy {
				openCount++
			}
			resp.Services[name] = serviceStatus{State: m.State, Healthy: healthy}
		}

		code := http.StatusOK
		if len(all) > 0 && openCount == len(all) {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(resp) //nolint:errcheck
	})
}
