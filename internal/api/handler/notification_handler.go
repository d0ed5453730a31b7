package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apimw "github.com/notifyhub/courier/internal/api/middleware"
	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/service"
)

// NotificationHandler handles the ingest and read endpoints.
type NotificationHandler struct {
	svc    *service.IngestService
	logger *zap.Logger
}

func NewNotificationHandler(svc *service.IngestService, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{svc: svc, logger: logger}
}

// Create handles POST /api/v1/notifications. A multi-channel request
// creates one notification per channel; duplicates are enumerated.
// All-duplicates is a conflict, a partial duplicate a multi-status.
func (h *NotificationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := h.svc.Ingest(r.Context(), &req)
	if errors.Is(err, domain.ErrAllDuplicates) {
		respondJSON(w, http.StatusConflict, result)
		return
	}
	if err != nil {
		h.logger.Warn("ingest failed",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}

	status := http.StatusCreated
	if len(result.Duplicates) > 0 {
		status = http.StatusMultiStatus
	}
	respondJSON(w, status, result)
}

// GetByID handles GET /api/v1/notifications/{id}.
func (h *NotificationHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, n)
}

// List handles GET /api/v1/notifications with filtering and pagination.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := parseListFilter(r)
	notifications, total, err := h.svc.List(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"data":  notifications,
		"total": total,
		"page":  filter.Page,
		"limit": filter.Limit,
	})
}

func parseListFilter(r *http.Request) domain.ListFilter {
	q := r.URL.Query()
	filter := domain.ListFilter{Page: 1, Limit: 20}

	if p, err := strconv.Atoi(q.Get("page")); err == nil && p > 0 {
		filter.Page = p
	}
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 && l <= 100 {
		filter.Limit = l
	}
	if s := q.Get("status"); s != "" {
		st := domain.Status(s)
		filter.Status = &st
	}
	if ch := q.Get("channel"); ch != "" {
		filter.Channel = &ch
	}
	if cid := q.Get("client_id"); cid != "" {
		filter.ClientID = &cid
	}
	if rid := q.Get("request_id"); rid != "" {
		filter.RequestID = &rid
	}
	if f := q.Get("from"); f != "" {
		if t, err := time.Parse(time.RFC3339, f); err == nil {
			filter.From = &t
		}
	}
	if to := q.Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			filter.To = &t
		}
	}
	return filter
}
