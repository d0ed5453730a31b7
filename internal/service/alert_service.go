package service

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/bus"
	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/repository"
)

// AlertService is the operator surface over reconciler alerts: listing,
// resolving, and optionally retrying the affected notification with a
// warning appended to its content.
type AlertService struct {
	alerts repository.AlertRepository
	repo   repository.NotificationRepository
	logger *zap.Logger
}

func NewAlertService(alerts repository.AlertRepository, repo repository.NotificationRepository, logger *zap.Logger) *AlertService {
	return &AlertService{
		alerts: alerts,
		repo:   repo,
		logger: logger.With(zap.String("component", "alerts")),
	}
}

func (s *AlertService) List(ctx context.Context, resolved *bool, limit, offset int) ([]*domain.Alert, int, error) {
	if limit < 1 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.alerts.List(ctx, resolved, limit, offset)
}

// Resolve marks the alert resolved. With retry set and the alert bound
// to a notification, the notification is reset to pending with a fresh
// outbox row; a non-empty warning is appended to the content first so
// the recipient sees why the message is late.
func (s *AlertService) Resolve(ctx context.Context, alertID string, retry bool, warning string) error {
	alert, err := s.alerts.GetByID(ctx, alertID)
	if err != nil {
		return err
	}
	if alert.Resolved {
		return domain.ErrAlertResolved
	}
	if err := s.alerts.Resolve(ctx, alertID); err != nil {
		return err
	}

	if !retry || alert.NotificationID == nil {
		return nil
	}

	n, err := s.repo.GetByID(ctx, *alert.NotificationID)
	if err != nil {
		return fmt.Errorf("load notification for retry: %w", err)
	}

	content := n.Content
	if warning != "" {
		content, err = appendWarning(n.Content, n.Channel, warning)
		if err != nil {
			return fmt.Errorf("append warning: %w", err)
		}
	}

	n.Content = content
	payload, err := json.Marshal(&domain.NotificationMessage{
		NotificationID: n.ID,
		RequestID:      n.RequestID,
		ClientID:       n.ClientID,
		Channel:        n.Channel,
		Provider:       providerOrEmpty(n),
		Recipient:      n.Recipient,
		Content:        content,
		Variables:      n.Variables,
		WebhookURL:     n.WebhookURL,
		RetryCount:     n.RetryCount,
		CreatedAt:      n.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal retry payload: %w", err)
	}

	if err := s.repo.ResetToPending(ctx, n.ID, content, bus.ChannelTopic(n.Channel), payload); err != nil {
		return err
	}
	s.logger.Info("alert resolved with retry",
		zap.String("alert_id", alertID),
		zap.String("notification_id", n.ID))
	return nil
}

// appendWarning adds the operator's warning to the message body. The
// mutation is channel-shape-aware: it lands in content[channel].message
// when that slot exists, otherwise in content.message.
func appendWarning(content json.RawMessage, channel, warning string) (json.RawMessage, error) {
	var outer map[string]any
	if err := json.Unmarshal(content, &outer); err != nil {
		return nil, err
	}

	if slot, ok := outer[channel].(map[string]any); ok {
		slot["message"] = appendText(slot["message"], warning)
	} else {
		outer["message"] = appendText(outer["message"], warning)
	}
	return json.Marshal(outer)
}

func appendText(existing any, warning string) string {
	if s, ok := existing.(string); ok && s != "" {
		return s + "\n" + warning
	}
	return warning
}
