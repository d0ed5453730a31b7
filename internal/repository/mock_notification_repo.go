package repository

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/notifyhub/courier/internal/domain"
)

// MockNotificationRepository is a hand-written, in-memory implementation
// of NotificationRepository used in unit tests. No mock-generation
// library needed.
type MockNotificationRepository struct {
	mu            sync.RWMutex
	notifications map[string]*domain.Notification
	outbox        []*domain.OutboxRow
	statusOutbox  []*domain.StatusOutboxRow
	nextOutboxID  int64

	// Optional error overrides, set in tests to simulate failure paths.
	CreateErr         error
	GetByIDErr        error
	MarkDeliveredErr  error
	MarkFailedErr     error
	ResetToPendingErr error

	// StatusSink, when set, receives the rows written by
	// MarkDeliveredWithStatusOutbox, mirroring the shared table the pg
	// implementations use.
	StatusSink *MockStatusOutboxRepository
}

func NewMockNotificationRepository() *MockNotificationRepository {
	return &MockNotificationRepository{
		notifications: make(map[string]*domain.Notification),
		nextOutboxID:  1,
	}
}

func (m *MockNotificationRepository) CreateWithOutbox(_ context.Context, n *domain.Notification, topic string, payload json.RawMessage) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.notifications {
		if existing.RequestID == n.RequestID && existing.Channel == n.Channel && existing.Status != domain.StatusFailed {
			return domain.ErrDuplicate
		}
	}
	clone := *n
	m.notifications[n.ID] = &clone
	m.outbox = append(m.outbox, &domain.OutboxRow{
		ID:             m.nextOutboxID,
		NotificationID: n.ID,
		Topic:          topic,
		Payload:        payload,
		Status:         domain.OutboxPending,
		CreatedAt:      time.Now().UTC(),
	})
	m.nextOutboxID++
	return nil
}

func (m *MockNotificationRepository) GetByID(_ context.Context, id string) (*domain.Notification, error) {
	if m.GetByIDErr != nil {
		return nil, m.GetByIDErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *n
	return &clone, nil
}

func (m *MockNotificationRepository) List(_ context.Context, f domain.ListFilter) ([]*domain.Notification, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Notification
	for _, n := range m.notifications {
		if f.Status != nil && n.Status != *f.Status {
			continue
		}
		if f.Channel != nil && n.Channel != *f.Channel {
			continue
		}
		if f.ClientID != nil && n.ClientID != *f.ClientID {
			continue
		}
		if f.RequestID != nil && n.RequestID != *f.RequestID {
			continue
		}
		clone := *n
		result = append(result, &clone)
	}
	return result, len(result), nil
}

func (m *MockNotificationRepository) UpdateStatus(_ context.Context, id string, status domain.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.notifications[id]; ok {
		n.Status = status
		n.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MockNotificationRepository) MarkDelivered(_ context.Context, id string) error {
	if m.MarkDeliveredErr != nil {
		return m.MarkDeliveredErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.notifications[id]; ok {
		n.Status = domain.StatusDelivered
		n.ErrorMessage = nil
		n.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MockNotificationRepository) MarkFailed(_ context.Context, id, errMsg string) error {
	if m.MarkFailedErr != nil {
		return m.MarkFailedErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.notifications[id]; ok {
		n.Status = domain.StatusFailed
		n.ErrorMessage = &errMsg
		n.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MockNotificationRepository) SetRetryCount(_ context.Context, id string, retryCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.notifications[id]; ok {
		n.RetryCount = retryCount
	}
	return nil
}

func (m *MockNotificationRepository) MarkDeliveredWithStatusOutbox(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || n.Status != domain.StatusProcessing {
		return domain.ErrNotRecoverable
	}
	n.Status = domain.StatusDelivered
	n.ErrorMessage = nil
	n.UpdatedAt = time.Now().UTC()
	m.statusOutbox = append(m.statusOutbox, &domain.StatusOutboxRow{
		ID:             int64(len(m.statusOutbox) + 1),
		NotificationID: id,
		Status:         domain.StatusDelivered,
		CreatedAt:      time.Now().UTC(),
	})
	if m.StatusSink != nil {
		m.StatusSink.Add(id, domain.StatusDelivered)
	}
	return nil
}

func (m *MockNotificationRepository) ResetToPending(_ context.Context, id string, content json.RawMessage, topic string, payload json.RawMessage) error {
	if m.ResetToPendingErr != nil {
		return m.ResetToPendingErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || (n.Status != domain.StatusProcessing && n.Status != domain.StatusFailed) {
		return domain.ErrNotRecoverable
	}
	n.Status = domain.StatusPending
	n.ErrorMessage = nil
	if content != nil {
		n.Content = content
	}
	n.UpdatedAt = time.Now().UTC()
	m.outbox = append(m.outbox, &domain.OutboxRow{
		ID:             m.nextOutboxID,
		NotificationID: id,
		Topic:          topic,
		Payload:        payload,
		Status:         domain.OutboxPending,
		CreatedAt:      time.Now().UTC(),
	})
	m.nextOutboxID++
	return nil
}

func (m *MockNotificationRepository) FindStuckProcessing(_ context.Context, olderThan time.Time, limit int) ([]*domain.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Notification
	for _, n := range m.notifications {
		if n.Status == domain.StatusProcessing && n.UpdatedAt.Before(olderThan) {
			clone := *n
			result = append(result, &clone)
			if len(result) == limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MockNotificationRepository) CountOldPending(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	now := time.Now().UTC()
	for _, n := range m.notifications {
		if n.Status != domain.StatusPending || !n.CreatedAt.Before(olderThan) {
			continue
		}
		// Waiting on a future scheduled_at is not orphaned.
		if n.ScheduledAt != nil && n.ScheduledAt.After(now) {
			continue
		}
		count++
	}
	return count, nil
}

// Seed places a notification directly into the store, bypassing the
// duplicate check. For test setup only.
func (m *MockNotificationRepository) Seed(n *domain.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *n
	m.notifications[n.ID] = &clone
}

// OutboxRows returns a snapshot of the outbox rows created so far.
func (m *MockNotificationRepository) OutboxRows() []*domain.OutboxRow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*domain.OutboxRow, 0, len(m.outbox))
	for _, o := range m.outbox {
		clone := *o
		result = append(result, &clone)
	}
	return result
}

// StatusOutboxRows returns a snapshot of the status outbox rows.
func (m *MockNotificationRepository) StatusOutboxRows() []*domain.StatusOutboxRow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*domain.StatusOutboxRow, 0, len(m.statusOutbox))
	for _, s := range m.statusOutbox {
		clone := *s
		result = append(result, &clone)
	}
	return result
}

var _ NotificationRepository = (*MockNotificationRepository)(nil)
