package repository

import (
	"context"
	"sync"
	"time"

	"github.com/notifyhub/courier/internal/domain"
)

// MockAlertRepository is an in-memory AlertRepository for unit tests.
type MockAlertRepository struct {
	mu     sync.RWMutex
	alerts map[string]*domain.Alert

	UpsertErr error
}

func NewMockAlertRepository() *MockAlertRepository {
	return &MockAlertRepository{alerts: make(map[string]*domain.Alert)}
}

func (m *MockAlertRepository) Upsert(_ context.Context, a *domain.Alert) (bool, error) {
	if m.UpsertErr != nil {
		return false, m.UpsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.alerts {
		if existing.Resolved || existing.Type != a.Type {
			continue
		}
		if equalNID(existing.NotificationID, a.NotificationID) {
			return false, nil
		}
	}
	clone := *a
	m.alerts[a.ID] = &clone
	return true, nil
}

func (m *MockAlertRepository) GetByID(_ context.Context, id string) (*domain.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *a
	return &clone, nil
}

func (m *MockAlertRepository) List(_ context.Context, resolved *bool, _, _ int) ([]*domain.Alert, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Alert
	for _, a := range m.alerts {
		if resolved != nil && a.Resolved != *resolved {
			continue
		}
		clone := *a
		result = append(result, &clone)
	}
	return result, len(result), nil
}

func (m *MockAlertRepository) Resolve(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return domain.ErrNotFound
	}
	if a.Resolved {
		return domain.ErrAlertResolved
	}
	a.Resolved = true
	now := time.Now().UTC()
	a.ResolvedAt = &now
	return nil
}

// Alerts returns a snapshot of all stored alerts.
func (m *MockAlertRepository) Alerts() []*domain.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*domain.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		clone := *a
		result = append(result, &clone)
	}
	return result
}

func equalNID(a, b *string) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

var _ AlertRepository = (*MockAlertRepository)(nil)
