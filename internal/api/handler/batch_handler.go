package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	apimw "github.com/notifyhub/courier/internal/api/middleware"
	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/service"
)

// BatchHandler handles the batch ingest endpoint.
type BatchHandler struct {
	svc    *service.IngestService
	logger *zap.Logger
}

func NewBatchHandler(svc *service.IngestService, logger *zap.Logger) *BatchHandler {
	return &BatchHandler{svc: svc, logger: logger}
}

// CreateBatch handles POST /api/v1/notifications/batch.
func (h *BatchHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req domain.BatchIngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := h.svc.IngestBatch(r.Context(), &req)
	if errors.Is(err, domain.ErrAllDuplicates) {
		respondJSON(w, http.StatusConflict, result)
		return
	}
	if err != nil {
		h.logger.Warn("batch ingest failed",
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
