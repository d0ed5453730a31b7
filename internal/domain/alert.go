package domain

import "time"

// AlertType classifies a divergence detected by the recovery reconciler.
type AlertType string

const (
	// AlertGhostDelivery: the provider send succeeded but the durable
	// terminal state was never recorded.
	AlertGhostDelivery AlertType = "ghost_delivery"
	// AlertStuckProcessing: a notification has held the processing
	// state far beyond the processing lease.
	AlertStuckProcessing AlertType = "stuck_processing"
	// AlertOrphanedPending: pending notifications older than the
	// outbox pipeline should plausibly take.
	AlertOrphanedPending AlertType = "orphaned_pending"
)

type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityError    AlertSeverity = "error"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is an operator-visible condition raised by the reconciler.
// At most one unresolved alert exists per (notification_id, type).
type Alert struct {
	ID             string            `json:"id"`
	NotificationID *string           `json:"notification_id,omitempty"`
	Type           AlertType         `json:"type"`
	Severity       AlertSeverity     `json:"severity"`
	Message        string            `json:"message"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Resolved       bool              `json:"resolved"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}
