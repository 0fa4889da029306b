// Package health exposes liveness and readiness probes for the ops server.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/smedrec/smart-logs-ops/internal/store"
)

const probeTimeout = 5 * time.Second

// probe is one named dependency check.
type probe struct {
	name  string
	check func(context.Context) error
}

// HealthChecker reports process liveness and dependency readiness.
type HealthChecker struct {
	probes  []probe
	logger  *zap.Logger
	started time.Time
}

// NewHealthChecker wires readiness probes for the stores the service depends
// on. Nil stores are skipped so partially wired setups stay probeable.
func NewHealthChecker(kv store.KVStore, catalog store.Catalog, logger *zap.Logger) *HealthChecker {
	h := &HealthChecker{
		logger:  logger,
		started: time.Now(),
	}
	if kv != nil {
		h.probes = append(h.probes, probe{name: "kv_store", check: kv.Ping})
	}
	if catalog != nil {
		h.probes = append(h.probes, probe{name: "catalog", check: catalog.Ping})
	}
	return h
}

// HealthStatus is the body of both probe endpoints.
type HealthStatus struct {
	Status        string            `json:"status"`
	Timestamp     int64             `json:"timestamp"`
	UptimeSeconds int64             `json:"uptime_seconds,omitempty"`
	Checks        map[string]string `json:"checks,omitempty"`
}

// LivenessHandler reports that the process is up. It never touches
// dependencies; a wedged store must not get the process restarted.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.writeStatus(w, http.StatusOK, HealthStatus{
		Status:        "alive",
		Timestamp:     time.Now().Unix(),
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	})
}

// ReadinessHandler pings every dependency and reports 503 when any fails.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	checks := make(map[string]string, len(h.probes))
	ready := true
	for _, p := range h.probes {
		if err := p.check(ctx); err != nil {
			h.logger.Error("readiness probe failed",
				zap.String("dependency", p.name),
				zap.Error(err))
			checks[p.name] = "unhealthy: " + err.Error()
			ready = false
			continue
		}
		checks[p.name] = "healthy"
	}

	status := HealthStatus{
		Status:    "ready",
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}
	code := http.StatusOK
	if !ready {
		status.Status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	h.writeStatus(w, code, status)
}

func (h *HealthChecker) writeStatus(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.logger.Error("failed to encode health status", zap.Error(err))
	}
}
