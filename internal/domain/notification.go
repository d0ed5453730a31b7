package domain

import (
	"encoding/json"
	"time"
)

// Status tracks the lifecycle of a notification.
//
// pending    → created, waiting for the outbox dispatcher
// processing → published to the bus, a consumer owns it
// delivered  → provider accepted the message (terminal)
// failed     → retries exhausted or non-retryable error (terminal for
//              this notification; a new attempt under the same
//              (request_id, channel) may be created)
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// Notification is the core domain entity. Recipient and Content are
// channel-shaped JSON blobs; their structure is only interpreted by the
// provider selected at send time.
type Notification struct {
	ID           string            `json:"id"`
	RequestID    string            `json:"request_id"`
	ClientID     string            `json:"client_id"`
	Channel      string            `json:"channel"`
	Provider     *string           `json:"provider,omitempty"`
	Recipient    json.RawMessage   `json:"recipient"`
	Content      json.RawMessage   `json:"content"`
	Variables    map[string]string `json:"variables,omitempty"`
	WebhookURL   string            `json:"webhook_url"`
	Status       Status            `json:"status"`
	ScheduledAt  *time.Time        `json:"scheduled_at,omitempty"`
	RetryCount   int               `json:"retry_count"`
	ErrorMessage *string           `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Scheduled reports whether the notification carries a dispatch time
// still in the future relative to now.
func (n *Notification) Scheduled(now time.Time) bool {
	return n.ScheduledAt != nil && n.ScheduledAt.After(now)
}

// ListFilter holds query parameters for paginated notification listing.
type ListFilter struct {
	Status    *Status
	Channel   *string
	ClientID  *string
	RequestID *string
	From      *time.Time
	To        *time.Time
	Page      int
	Limit     int
}
