// Package service holds the transactional use-cases behind the HTTP
// surface: ingest (single and batch) and alert administration.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/bus"
	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/metrics"
	"github.com/notifyhub/courier/internal/provider"
	"github.com/notifyhub/courier/internal/repository"
)

// IngestService turns ingest requests into notification rows plus
// outbox rows, one per (request, channel), each pair in its own store
// transaction. A multi-channel request is N independent notifications;
// duplicates are skipped and enumerated, not fatal, unless every pair
// is a duplicate.
type IngestService struct {
	repo         repository.NotificationRepository
	registry     *provider.Registry
	batchCeiling int
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

func NewIngestService(
	repo repository.NotificationRepository,
	registry *provider.Registry,
	batchCeiling int,
	m *metrics.Metrics,
	logger *zap.Logger,
) *IngestService {
	return &IngestService{
		repo:         repo,
		registry:     registry,
		batchCeiling: batchCeiling,
		metrics:      m,
		logger:       logger.With(zap.String("component", "ingest")),
	}
}

// Ingest handles the single-notification contract.
func (s *IngestService) Ingest(ctx context.Context, req *domain.IngestRequest) (*domain.IngestResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkSchedule(req.ScheduledAt); err != nil {
		return nil, err
	}
	if err := s.checkChannels(req.Channels); err != nil {
		return nil, err
	}

	result := &domain.IngestResult{}
	for i, channel := range req.Channels {
		n := s.buildNotification(req.RequestID, req.ClientID, channel,
			req.Provider.For(i), req.Recipient, req.Content, req.Variables,
			req.WebhookURL, req.ScheduledAt)
		if err := s.create(ctx, n, result); err != nil {
			return nil, err
		}
	}
	return s.finish(result)
}

// IngestBatch fans one content body out to recipients × channels.
func (s *IngestService) IngestBatch(ctx context.Context, req *domain.BatchIngestRequest) (*domain.IngestResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if len(req.Recipients)*len(req.Channels) > s.batchCeiling {
		return nil, fmt.Errorf("%w: %d × %d > %d",
			domain.ErrBatchTooLarge, len(req.Recipients), len(req.Channels), s.batchCeiling)
	}
	if err := s.checkSchedule(req.ScheduledAt); err != nil {
		return nil, err
	}
	if err := s.checkChannels(req.Channels); err != nil {
		return nil, err
	}

	result := &domain.IngestResult{}
	for _, rcpt := range req.Recipients {
		for i, channel := range req.Channels {
			n := s.buildNotification(rcpt.RequestID, req.ClientID, channel,
				req.Provider.For(i), rcpt.Raw, req.Content, rcpt.Variables,
				req.WebhookURL, req.ScheduledAt)
			if err := s.create(ctx, n, result); err != nil {
				return nil, err
			}
		}
	}
	return s.finish(result)
}

// Get returns one notification by ID.
func (s *IngestService) Get(ctx context.Context, id string) (*domain.Notification, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns a filtered, paginated page of notifications.
func (s *IngestService) List(ctx context.Context, f domain.ListFilter) ([]*domain.Notification, int, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 || f.Limit > 100 {
		f.Limit = 20
	}
	return s.repo.List(ctx, f)
}

func (s *IngestService) checkSchedule(at *time.Time) error {
	if at != nil && at.Before(time.Now().UTC()) {
		return domain.ErrScheduledInPast
	}
	return nil
}

func (s *IngestService) checkChannels(channels []string) error {
	for _, ch := range channels {
		if _, ok := s.registry.Default(ch); !ok {
			return fmt.Errorf("%w: %s", domain.ErrUnknownChannel, ch)
		}
	}
	return nil
}

func (s *IngestService) buildNotification(
	requestID, clientID, channel, providerID string,
	recipient, content json.RawMessage,
	variables map[string]string,
	webhookURL string,
	scheduledAt *time.Time,
) *domain.Notification {
	now := time.Now().UTC()
	n := &domain.Notification{
		ID:          uuid.NewString(),
		RequestID:   requestID,
		ClientID:    clientID,
		Channel:     channel,
		Recipient:   recipient,
		Content:     content,
		Variables:   variables,
		WebhookURL:  webhookURL,
		Status:      domain.StatusPending,
		ScheduledAt: scheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if providerID != "" {
		n.Provider = &providerID
	}
	return n
}

// create inserts one notification with its outbox row. A future
// scheduled_at routes the outbox row through the delayed topic.
func (s *IngestService) create(ctx context.Context, n *domain.Notification, result *domain.IngestResult) error {
	topic, payload, err := outboxMessage(n)
	if err != nil {
		return err
	}

	err = s.repo.CreateWithOutbox(ctx, n, topic, payload)
	if errors.Is(err, domain.ErrDuplicate) {
		result.Duplicates = append(result.Duplicates, domain.DuplicateKey{
			RequestID: n.RequestID,
			Channel:   n.Channel,
		})
		if s.metrics != nil {
			s.metrics.IngestDuplicates.Inc()
		}
		return nil
	}
	if err != nil {
		return err
	}

	result.Created = append(result.Created, n)
	if s.metrics != nil {
		s.metrics.IngestAccepted.WithLabelValues(n.Channel).Inc()
	}
	return nil
}

func (s *IngestService) finish(result *domain.IngestResult) (*domain.IngestResult, error) {
	if len(result.Created) == 0 && len(result.Duplicates) > 0 {
		return result, domain.ErrAllDuplicates
	}
	s.logger.Info("ingest accepted",
		zap.Int("created", len(result.Created)),
		zap.Int("duplicates", len(result.Duplicates)))
	return result, nil
}

// outboxMessage builds the outbox row's topic and payload for a new
// notification: the channel topic for immediate dispatch, or the
// delayed topic wrapping the dispatch payload when scheduled_at is in
// the future.
func outboxMessage(n *domain.Notification) (string, json.RawMessage, error) {
	dispatch, err := json.Marshal(&domain.NotificationMessage{
		NotificationID: n.ID,
		RequestID:      n.RequestID,
		ClientID:       n.ClientID,
		Channel:        n.Channel,
		Provider:       providerOrEmpty(n),
		Recipient:      n.Recipient,
		Content:        n.Content,
		Variables:      n.Variables,
		WebhookURL:     n.WebhookURL,
		CreatedAt:      n.CreatedAt,
	})
	if err != nil {
		return "", nil, fmt.Errorf("marshal dispatch payload: %w", err)
	}

	if !n.Scheduled(time.Now().UTC()) {
		return bus.ChannelTopic(n.Channel), dispatch, nil
	}

	delayed, err := json.Marshal(&domain.DelayedMessage{
		NotificationID: n.ID,
		RequestID:      n.RequestID,
		ClientID:       n.ClientID,
		ScheduledAt:    n.ScheduledAt.UTC(),
		TargetTopic:    bus.ChannelTopic(n.Channel),
		Payload:        dispatch,
		CreatedAt:      n.CreatedAt,
	})
	if err != nil {
		return "", nil, fmt.Errorf("marshal delayed payload: %w", err)
	}
	return bus.DelayedTopic, delayed, nil
}

func providerOrEmpty(n *domain.Notification) string {
	if n.Provider != nil {
		return *n.Provider
	}
	return ""
}
