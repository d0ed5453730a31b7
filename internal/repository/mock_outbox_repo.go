package repository

import (
	"context"
	"sync"
	"time"

	"github.com/notifyhub/courier/internal/domain"
)

// MockOutboxRepository is an in-memory OutboxRepository for unit tests.
type MockOutboxRepository struct {
	mu     sync.Mutex
	rows   []*domain.OutboxRow
	nextID int64

	ClaimErr error
	MarkErr  error

	// ProcessingIDs collects every notification ID passed to
	// MarkPublished for the pending→processing transition.
	ProcessingIDs []string
}

func NewMockOutboxRepository() *MockOutboxRepository {
	return &MockOutboxRepository{nextID: 1}
}

// Add seeds a pending outbox row and returns it.
func (m *MockOutboxRepository) Add(notificationID, topic string, payload []byte) *domain.OutboxRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := &domain.OutboxRow{
		ID:             m.nextID,
		NotificationID: notificationID,
		Topic:          topic,
		Payload:        payload,
		Status:         domain.OutboxPending,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	m.nextID++
	m.rows = append(m.rows, row)
	return row
}

func (m *MockOutboxRepository) ClaimBatch(_ context.Context, workerID string, limit int, lease time.Duration) ([]*domain.OutboxRow, error) {
	if m.ClaimErr != nil {
		return nil, m.ClaimErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var claimed []*domain.OutboxRow
	for _, row := range m.rows {
		if len(claimed) == limit {
			break
		}
		if row.Status != domain.OutboxPending {
			continue
		}
		if row.ClaimedAt != nil && now.Sub(*row.ClaimedAt) < lease {
			continue
		}
		row.ClaimedBy = &workerID
		at := now
		row.ClaimedAt = &at
		clone := *row
		claimed = append(claimed, &clone)
	}
	return claimed, nil
}

func (m *MockOutboxRepository) MarkPublished(_ context.Context, rowIDs []int64, processingNotificationIDs []string) error {
	if m.MarkErr != nil {
		return m.MarkErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[int64]bool, len(rowIDs))
	for _, id := range rowIDs {
		ids[id] = true
	}
	for _, row := range m.rows {
		if ids[row.ID] {
			row.Status = domain.OutboxPublished
			row.UpdatedAt = time.Now().UTC()
		}
	}
	m.ProcessingIDs = append(m.ProcessingIDs, processingNotificationIDs...)
	return nil
}

func (m *MockOutboxRepository) DeleteOldPublished(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*domain.OutboxRow
	var deleted int64
	for _, row := range m.rows {
		if row.Status == domain.OutboxPublished && row.UpdatedAt.Before(olderThan) {
			deleted++
			continue
		}
		kept = append(kept, row)
	}
	m.rows = kept
	return deleted, nil
}

// Rows returns a snapshot of all rows.
func (m *MockOutboxRepository) Rows() []*domain.OutboxRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*domain.OutboxRow, 0, len(m.rows))
	for _, row := range m.rows {
		clone := *row
		result = append(result, &clone)
	}
	return result
}

var _ OutboxRepository = (*MockOutboxRepository)(nil)
