package handler

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/provider"
)

// ProviderHandler exposes the admin view of the loaded provider set.
type ProviderHandler struct {
	registry *provider.Registry
	logger   *zap.Logger
}

func NewProviderHandler(registry *provider.Registry, logger *zap.Logger) *ProviderHandler {
	return &ProviderHandler{registry: registry, logger: logger}
}

type providerStatus struct {
	provider.Manifest
	Healthy bool `json:"healthy"`
}

// List handles GET /api/v1/providers: manifests plus a live health
// probe per provider, bounded so a dead gateway cannot hang the call.
func (h *ProviderHandler) List(w http.ResponseWriter, r *http.Request) {
	providers := h.registry.All()
	out := make([]providerStatus, 0, len(providers))

	for _, p := range providers {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		healthy := p.HealthCheck(ctx)
		cancel()

		out = append(out, providerStatus{Manifest: p.Manifest(), Healthy: healthy})
	}

	respondJSON(w, http.StatusOK, map[string]any{"providers": out})
}
