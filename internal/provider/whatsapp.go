package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/notifyhub/courier/internal/config"
	"github.com/notifyhub/courier/internal/domain"
)

// WhatsAppProvider delivers messages through a WhatsApp Business API
// compatible HTTP endpoint.
type WhatsAppProvider struct {
	id         string
	endpoint   string
	token      string
	senderID   string
	rateLimit  config.RateLimitConfig
	httpClient *http.Client
}

type whatsappRecipient struct {
	Phone string `json:"phone" validate:"required,e164"`
	Name  string `json:"name,omitempty"`
}

type whatsappContent struct {
	Message  string `json:"message" validate:"required"`
	MediaURL string `json:"media_url,omitempty" validate:"omitempty,url"`
}

type whatsappAPIRequest struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Body     string `json:"body"`
	MediaURL string `json:"media_url,omitempty"`
}

type whatsappAPIResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

func NewWhatsAppProvider() Provider { return &WhatsAppProvider{} }

func (p *WhatsAppProvider) Manifest() Manifest {
	return Manifest{
		ID:                  p.id,
		Name:                "WhatsApp Business API",
		Channel:             "whatsapp",
		Version:             "1.0.3",
		RequiredCredentials: []string{"endpoint", "token", "sender_id"},
	}
}

func (p *WhatsAppProvider) RateLimit() config.RateLimitConfig { return p.rateLimit }

func (p *WhatsAppProvider) Initialize(s Settings) error {
	p.id = s.ID
	p.endpoint = s.Credentials["endpoint"]
	p.token = s.Credentials["token"]
	p.senderID = s.Credentials["sender_id"]
	if p.endpoint == "" || p.senderID == "" {
		return fmt.Errorf("whatsapp provider %s: endpoint and sender_id credentials are required", s.ID)
	}
	p.rateLimit = s.RateLimit

	timeout := s.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	p.httpClient = &http.Client{Timeout: timeout}
	return nil
}

func (p *WhatsAppProvider) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

func (p *WhatsAppProvider) Shutdown(context.Context) error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func (p *WhatsAppProvider) ValidateRecipient(raw json.RawMessage) error {
	var r whatsappRecipient
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("recipient is not whatsapp-shaped: %w", err)
	}
	return validate.Struct(&r)
}

func (p *WhatsAppProvider) ValidateContent(raw json.RawMessage) error {
	var c whatsappContent
	if err := json.Unmarshal(channelContent("whatsapp", raw), &c); err != nil {
		return fmt.Errorf("content is not whatsapp-shaped: %w", err)
	}
	return validate.Struct(&c)
}

func (p *WhatsAppProvider) ValidateMessage(msg *domain.NotificationMessage) error {
	if err := p.ValidateRecipient(msg.Recipient); err != nil {
		return err
	}
	return p.ValidateContent(msg.Content)
}

func (p *WhatsAppProvider) Send(ctx context.Context, msg *domain.NotificationMessage) DeliveryResult {
	var rcpt whatsappRecipient
	if err := json.Unmarshal(msg.Recipient, &rcpt); err != nil {
		return failure(CodeInvalidRecipient, err.Error(), false)
	}
	var content whatsappContent
	if err := json.Unmarshal(channelContent("whatsapp", msg.Content), &content); err != nil {
		return failure(CodeRejected, "content is not whatsapp-shaped: "+err.Error(), false)
	}

	body, err := json.Marshal(whatsappAPIRequest{
		From:     p.senderID,
		To:       rcpt.Phone,
		Body:     applyVars(content.Message, msg.Variables),
		MediaURL: content.MediaURL,
	})
	if err != nil {
		return failure(CodeRejected, "marshal api request: "+err.Error(), false)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/messages", bytes.NewReader(body))
	if err != nil {
		return failure(CodeRejected, err.Error(), false)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return failure(CodeTimeout, err.Error(), true)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var api whatsappAPIResponse
		if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
			return failure(CodeUpstreamError, "decode api response: "+err.Error(), true)
		}
		return DeliveryResult{Success: true, MessageID: api.MessageID}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return failure(CodeUpstreamError, fmt.Sprintf("api returned %d", resp.StatusCode), true)
	default:
		return failure(CodeRejected, fmt.Sprintf("api rejected the message: %d", resp.StatusCode), false)
	}
}

var _ Provider = (*WhatsAppProvider)(nil)
