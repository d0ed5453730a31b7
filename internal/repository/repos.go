package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/notifyhub/courier/internal/domain"
)

// NotificationRepository defines all persistence operations for
// notifications. The multi-statement operations (create-with-outbox,
// heal, reset) run in a single store transaction so a crash can never
// leave a notification without its outbox row or vice versa.
// The pgx implementation is in pg_notification_repo.go; tests use a
// hand-written mock (mock_notification_repo.go).
type NotificationRepository interface {
	// CreateWithOutbox inserts the notification and its outbox row in
	// one transaction. Returns domain.ErrDuplicate when an active row
	// for the same (request_id, channel) already exists.
	CreateWithOutbox(ctx context.Context, n *domain.Notification, topic string, payload json.RawMessage) error
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	List(ctx context.Context, filter domain.ListFilter) ([]*domain.Notification, int, error)
	UpdateStatus(ctx context.Context, id string, status domain.Status) error
	MarkDelivered(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, errMsg string) error
	SetRetryCount(ctx context.Context, id string, retryCount int) error

	// MarkDeliveredWithStatusOutbox records the delivered state and a
	// status_outbox row in one transaction. Used by the reconciler when
	// it heals a ghost delivery: the terminal status still has to reach
	// the status topic.
	MarkDeliveredWithStatusOutbox(ctx context.Context, id string) error
	// ResetToPending returns a stuck notification to pending and writes
	// a fresh outbox row in the same transaction. When content is
	// non-nil the stored content is replaced (alert resolution appends
	// a warning before re-enqueueing).
	ResetToPending(ctx context.Context, id string, content json.RawMessage, topic string, payload json.RawMessage) error

	FindStuckProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Notification, error)
	CountOldPending(ctx context.Context, olderThan time.Time) (int, error)
}

// OutboxRepository manages the transactional outbox table.
type OutboxRepository interface {
	// ClaimBatch atomically claims up to limit pending rows for
	// workerID, skipping rows another live worker holds. Claims older
	// than lease count as abandoned and are reclaimable.
	ClaimBatch(ctx context.Context, workerID string, limit int, lease time.Duration) ([]*domain.OutboxRow, error)
	// MarkPublished flips the given rows to published and, in the same
	// transaction, moves the listed notifications from pending to
	// processing. Delayed-topic rows do not advance their notification.
	MarkPublished(ctx context.Context, rowIDs []int64, processingNotificationIDs []string) error
	// DeleteOldPublished removes published rows older than the cutoff
	// and reports how many were deleted.
	DeleteOldPublished(ctx context.Context, olderThan time.Time) (int64, error)
}

// StatusOutboxRepository manages the reconciler's status outbox.
type StatusOutboxRepository interface {
	ClaimUnprocessed(ctx context.Context, workerID string, limit int, lease time.Duration) ([]*domain.StatusOutboxRow, error)
	MarkProcessed(ctx context.Context, ids []int64) error
}

// AlertRepository stores reconciler alerts.
type AlertRepository interface {
	// Upsert inserts the alert unless an unresolved alert for the same
	// (notification_id, type) already exists; reports whether a row was
	// created.
	Upsert(ctx context.Context, a *domain.Alert) (bool, error)
	GetByID(ctx context.Context, id string) (*domain.Alert, error)
	List(ctx context.Context, resolved *bool, limit, offset int) ([]*domain.Alert, int, error)
	// Resolve marks the alert resolved. domain.ErrAlertResolved when it
	// already is.
	Resolve(ctx context.Context, id string) error
}
