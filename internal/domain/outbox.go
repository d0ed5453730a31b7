package domain

import (
	"encoding/json"
	"time"
)

// OutboxStatus is the publication state of an outbox row.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxPublished OutboxStatus = "published"
)

// OutboxRow is a pending bus publication, created in the same store
// transaction as its notification. The dispatcher claims rows by
// setting claimed_by/claimed_at; a claim older than the configured
// lease is reclaimable by any worker.
type OutboxRow struct {
	ID             int64           `json:"id"`
	NotificationID string          `json:"notification_id"`
	Topic          string          `json:"topic"`
	Payload        json.RawMessage `json:"payload"`
	Status         OutboxStatus    `json:"status"`
	ClaimedBy      *string         `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// StatusOutboxRow is written by the recovery reconciler when it heals a
// notification inside a store transaction: the terminal status must
// reach the status topic, but the bus cannot take part in that
// transaction. A drain loop publishes unprocessed rows afterwards,
// under the same claim-lease discipline as the main outbox.
type StatusOutboxRow struct {
	ID             int64      `json:"id"`
	NotificationID string     `json:"notification_id"`
	Status         Status     `json:"status"`
	Processed      bool       `json:"processed"`
	ClaimedBy      *string    `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
