package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/service"
)

// AlertHandler exposes the operator alert surface.
type AlertHandler struct {
	svc    *service.AlertService
	logger *zap.Logger
}

func NewAlertHandler(svc *service.AlertService, logger *zap.Logger) *AlertHandler {
	return &AlertHandler{svc: svc, logger: logger}
}

// List handles GET /api/v1/alerts. `resolved` filters by state; the
// default lists only unresolved alerts.
func (h *AlertHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	resolved := false
	if v := q.Get("resolved"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "resolved must be a boolean")
			return
		}
		resolved = parsed
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	alerts, total, err := h.svc.List(r.Context(), &resolved, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"data":  alerts,
		"total": total,
	})
}

type resolveRequest struct {
	Retry   bool   `json:"retry"`
	Warning string `json:"warning,omitempty"`
}

// Resolve handles POST /api/v1/alerts/{id}/resolve. With retry set the
// affected notification is re-enqueued, optionally with a warning
// appended to its content.
func (h *AlertHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	id := chi.URLParam(r, "id")
	if err := h.svc.Resolve(r.Context(), id, req.Retry, req.Warning); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
