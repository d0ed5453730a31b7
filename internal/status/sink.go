package status

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/bus"
	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/metrics"
	"github.com/notifyhub/courier/internal/repository"
)

// Sink consumes the status topic. The store write gates the offset
// commit: a failed update redelivers the event, and because terminal
// updates are idempotent a redelivered event is harmless. The webhook
// is fired after the store write and never blocks the commit.
type Sink struct {
	repo    repository.NotificationRepository
	webhook *WebhookClient
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewSink(repo repository.NotificationRepository, webhook *WebhookClient, m *metrics.Metrics, logger *zap.Logger) *Sink {
	return &Sink{
		repo:    repo,
		webhook: webhook,
		metrics: m,
		logger:  logger.With(zap.String("component", "status_sink")),
	}
}

func (s *Sink) Handle(ctx context.Context, m bus.Message) bus.Disposition {
	var sm domain.StatusMessage
	if err := json.Unmarshal(m.Value, &sm); err != nil {
		s.logger.Error("unparseable status message", zap.Error(err))
		return bus.Ack
	}

	log := s.logger.With(
		zap.String("notification_id", sm.NotificationID),
		zap.String("status", string(sm.Status)))

	var err error
	switch sm.Status {
	case domain.StatusDelivered:
		err = s.repo.MarkDelivered(ctx, sm.NotificationID)
	case domain.StatusFailed:
		err = s.repo.MarkFailed(ctx, sm.NotificationID, sm.Message)
	default:
		log.Error("status event with non-terminal status dropped")
		return bus.Ack
	}
	if err != nil {
		log.Error("store update failed, redelivering", zap.Error(err))
		return bus.Redeliver
	}

	s.notify(ctx, &sm, log)
	return bus.Ack
}

// notify fires the client webhook. Failures are logged and counted,
// never propagated: webhook delivery is at-least-once with a silent
// give-up, and clients de-duplicate by notification_id.
func (s *Sink) notify(ctx context.Context, sm *domain.StatusMessage, log *zap.Logger) {
	if sm.WebhookURL == "" {
		s.countWebhook("skipped")
		return
	}

	payload := &domain.WebhookPayload{
		RequestID:      sm.RequestID,
		ClientID:       sm.ClientID,
		NotificationID: sm.NotificationID,
		Status:         sm.Status,
		Channel:        sm.Channel,
		Message:        sm.Message,
		OccurredAt:     sm.CreatedAt,
	}
	if err := s.webhook.Deliver(ctx, sm.WebhookURL, payload); err != nil {
		s.countWebhook("error")
		log.Warn("webhook delivery failed", zap.Error(err))
		return
	}
	s.countWebhook("ok")
}

func (s *Sink) countWebhook(outcome string) {
	if s.metrics != nil {
		s.metrics.WebhookDeliveries.WithLabelValues(outcome).Inc()
	}
}
