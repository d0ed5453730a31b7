package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ProviderSelector models the ingest contract's provider field, which
// is either a single provider ID applied to every channel, or an array
// aligned with the channel array where null means "use the default".
type ProviderSelector struct {
	single  string
	perSlot []*string
}

func (p *ProviderSelector) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &p.single)
	}
	return json.Unmarshal(data, &p.perSlot)
}

func (p ProviderSelector) MarshalJSON() ([]byte, error) {
	if p.perSlot != nil {
		return json.Marshal(p.perSlot)
	}
	if p.single != "" {
		return json.Marshal(p.single)
	}
	return []byte("null"), nil
}

// For returns the explicit provider ID for the i-th channel slot, or
// "" when the channel default should be used.
func (p ProviderSelector) For(i int) string {
	if p.perSlot != nil {
		if i < len(p.perSlot) && p.perSlot[i] != nil {
			return *p.perSlot[i]
		}
		return ""
	}
	return p.single
}

// IngestRequest is the single-notification ingest contract. One
// notification (and outbox row) is created per entry in Channels,
// all within a single store transaction.
type IngestRequest struct {
	RequestID   string            `json:"request_id" validate:"required,uuid4"`
	ClientID    string            `json:"client_id" validate:"required,uuid4"`
	ClientName  string            `json:"client_name,omitempty"`
	Channels    []string          `json:"channel" validate:"required,min=1,dive,required"`
	Provider    ProviderSelector  `json:"provider,omitempty"`
	Recipient   json.RawMessage   `json:"recipient" validate:"required"`
	Content     json.RawMessage   `json:"content" validate:"required"`
	Variables   map[string]string `json:"variables,omitempty"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	WebhookURL  string            `json:"webhook_url" validate:"required,url"`
}

func (r *IngestRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// BatchRecipient is one target in a batch ingest. The recipient object
// is channel-shaped, so unknown fields are preserved verbatim in Raw
// while the envelope fields are lifted out.
type BatchRecipient struct {
	RequestID string            `json:"request_id" validate:"required,uuid4"`
	UserID    string            `json:"user_id,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`

	// Raw is the full recipient object as received, including the
	// channel-shaped fields the provider will validate.
	Raw json.RawMessage `json:"-"`
}

func (b *BatchRecipient) UnmarshalJSON(data []byte) error {
	type alias BatchRecipient
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*b = BatchRecipient(a)
	b.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// BatchIngestRequest fans one content body out to many recipients
// across one or more channels. The effective notification count is
// len(Recipients) × len(Channels) and must not exceed the configured
// ceiling (enforced by the ingest service, which knows the limit).
type BatchIngestRequest struct {
	ClientID    string           `json:"client_id" validate:"required,uuid4"`
	Channels    []string         `json:"channel" validate:"required,min=1,dive,required"`
	Provider    ProviderSelector `json:"provider,omitempty"`
	Content     json.RawMessage  `json:"content" validate:"required"`
	Recipients  []BatchRecipient `json:"recipients" validate:"required,min=1,dive"`
	ScheduledAt *time.Time       `json:"scheduled_at,omitempty"`
	WebhookURL  string           `json:"webhook_url" validate:"required,url"`
}

func (r *BatchIngestRequest) Validate() error {
	if len(r.Recipients) == 0 {
		return ErrBatchEmpty
	}
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// DuplicateKey identifies a rejected (request_id, channel) pair in a
// partially-duplicate ingest.
type DuplicateKey struct {
	RequestID string `json:"request_id"`
	Channel   string `json:"channel"`
}

// IngestResult reports what an ingest call actually created.
type IngestResult struct {
	Created    []*Notification `json:"created"`
	Duplicates []DuplicateKey  `json:"duplicates,omitempty"`
}
