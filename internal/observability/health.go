package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

type probeResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime,omitempty"`
}

// HealthChecker backs the /healthz and /readyz probes. Liveness is implicit
// in answering at all; readiness flips on once migrations, replay, and the
// NATS subscription have completed.
type HealthChecker struct {
	ready   atomic.Bool
	started time.Time
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{started: time.Now()}
}

// SetReady marks the service ready (or not) to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeProbe(w, http.StatusOK, probeResponse{
		Status: "alive",
		Uptime: time.Since(h.started).String(),
	})
}

func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		writeProbe(w, http.StatusServiceUnavailable, probeResponse{Status: "not_ready"})
		return
	}
	writeProbe(w, http.StatusOK, probeResponse{Status: "ready"})
}

func writeProbe(w http.ResponseWriter, code int, resp probeResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
