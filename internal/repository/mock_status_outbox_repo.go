package repository

import (
	"context"
	"sync"
	"time"

	"github.com/notifyhub/courier/internal/domain"
)

// MockStatusOutboxRepository is an in-memory StatusOutboxRepository for
// unit tests.
type MockStatusOutboxRepository struct {
	mu     sync.Mutex
	rows   []*domain.StatusOutboxRow
	nextID int64

	ClaimErr error
}

func NewMockStatusOutboxRepository() *MockStatusOutboxRepository {
	return &MockStatusOutboxRepository{nextID: 1}
}

// Add seeds an unprocessed row.
func (m *MockStatusOutboxRepository) Add(notificationID string, status domain.Status) *domain.StatusOutboxRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := &domain.StatusOutboxRow{
		ID:             m.nextID,
		NotificationID: notificationID,
		Status:         status,
		CreatedAt:      time.Now().UTC(),
	}
	m.nextID++
	m.rows = append(m.rows, row)
	return row
}

func (m *MockStatusOutboxRepository) ClaimUnprocessed(_ context.Context, workerID string, limit int, lease time.Duration) ([]*domain.StatusOutboxRow, error) {
	if m.ClaimErr != nil {
		return nil, m.ClaimErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var claimed []*domain.StatusOutboxRow
	for _, row := range m.rows {
		if len(claimed) == limit {
			break
		}
		if row.Processed {
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

func (m *MockStatusOutboxRepository) MarkProcessed(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	for _, row := range m.rows {
		if set[row.ID] {
			row.Processed = true
		}
	}
	return nil
}

// Unprocessed counts rows not yet processed.
func (m *MockStatusOutboxRepository) Unprocessed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, row := range m.rows {
		if !row.Processed {
			count++
		}
	}
	return count
}

var _ StatusOutboxRepository = (*MockStatusOutboxRepository)(nil)
