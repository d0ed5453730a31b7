package handler

import (
	"context"
	"net/http"
	"time"
)

// PingFunc probes a backing dependency.
type PingFunc func(ctx context.Context) error

// HealthHandler reports liveness of the service and its dependencies.
type HealthHandler struct {
	storePing PingFunc
	coordPing PingFunc
}

func NewHealthHandler(storePing, coordPing PingFunc) *HealthHandler {
	return &HealthHandler{storePing: storePing, coordPing: coordPing}
}

// Check handles GET /health. The service is degraded (503) when either
// the store or the coordinator is unreachable.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	deps := map[string]string{"postgres": "ok", "redis": "ok"}
	status := http.StatusOK

	if h.storePing != nil {
		if err := h.storePing(ctx); err != nil {
			deps["postgres"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if h.coordPing != nil {
		if err := h.coordPing(ctx); err != nil {
			deps["redis"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	body := map[string]any{"status": "ok", "dependencies": deps}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	respondJSON(w, status, body)
}
