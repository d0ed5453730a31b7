package domain

import (
	"encoding/json"
	"time"
)

// NotificationMessage is the payload published to a channel topic
// (<channel>_notification). Bus messages are keyed by NotificationID so
// every attempt on the same notification lands on the same partition.
type NotificationMessage struct {
	NotificationID string            `json:"notification_id"`
	RequestID      string            `json:"request_id"`
	ClientID       string            `json:"client_id"`
	Channel        string            `json:"channel"`
	Provider       string            `json:"provider,omitempty"`
	Recipient      json.RawMessage   `json:"recipient"`
	Content        json.RawMessage   `json:"content"`
	Variables      map[string]string `json:"variables,omitempty"`
	WebhookURL     string            `json:"webhook_url"`
	RetryCount     int               `json:"retry_count"`
	CreatedAt      time.Time         `json:"created_at"`
}

// DelayedMessage is the payload on the delayed_notification topic. The
// scheduled consumer moves it into the coordination-store queue; the
// poller later publishes Payload to TargetTopic when ScheduledAt has
// passed. PollerRetries counts failed publish attempts by the poller.
type DelayedMessage struct {
	NotificationID string          `json:"notification_id"`
	RequestID      string          `json:"request_id"`
	ClientID       string          `json:"client_id"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	TargetTopic    string          `json:"target_topic"`
	Payload        json.RawMessage `json:"payload"`
	PollerRetries  int             `json:"poller_retries"`
	CreatedAt      time.Time       `json:"created_at"`
}

// StatusMessage is the payload on the notification_status topic,
// carrying a terminal outcome back to the status sink.
type StatusMessage struct {
	NotificationID string    `json:"notification_id"`
	RequestID      string    `json:"request_id"`
	ClientID       string    `json:"client_id"`
	Channel        string    `json:"channel"`
	Status         Status    `json:"status"`
	Message        string    `json:"message,omitempty"`
	RetryCount     int       `json:"retry_count"`
	WebhookURL     string    `json:"webhook_url"`
	CreatedAt      time.Time `json:"created_at"`
}

// WebhookPayload is the body POSTed to the client's webhook_url.
// Delivery is at-least-once; clients de-duplicate by notification_id.
type WebhookPayload struct {
	RequestID      string    `json:"request_id"`
	ClientID       string    `json:"client_id"`
	NotificationID string    `json:"notification_id"`
	Status         Status    `json:"status"`
	Channel        string    `json:"channel"`
	Message        string    `json:"message,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}
