package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// Pinger abstracts a dependency check so the HealthHandler is not coupled to a
// concrete client type. *repository.PostgresRepo and *ratelimit.RedisStore satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves Kubernetes liveness and readiness probes.
type HealthHandler struct {
	deps map[string]Pinger
}

// NewHealthHandler takes the optional dependencies readiness should check, by name.
func NewHealthHandler(deps map[string]Pinger) *HealthHandler {
	return &HealthHandler{deps: deps}
}

// Liveness godoc
// GET /health/live
// Returns 200 as long as the process is running. Kubernetes restarts the pod if this fails.
func (h *HealthHandler) Liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Readiness godoc
// GET /health/ready
// Returns 200 only when every configured dependency answers a ping.
// The gate itself needs none of them, but event sinks and shared limits do.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.deps))
	for name := range h.deps {
		names = append(names, name)
	}
	sort.Strings(names)

	var down []string
	for _, name := range names {
		if err := h.deps[name].Ping(ctx); err != nil {
			down = append(down, name)
		}
	}
	if len(down) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":      "not ready",
			"unreachable": down,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
