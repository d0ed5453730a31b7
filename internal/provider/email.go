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

// EmailProvider delivers email through an HTTP gateway API. The gateway
// endpoint and API key come from plugin credentials, so tests can point
// at a local mock server.
type EmailProvider struct {
	id         string
	endpoint   string
	apiKey     string
	rateLimit  config.RateLimitConfig
	httpClient *http.Client
}

// emailRecipient is the channel shape of the recipient blob.
type emailRecipient struct {
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name,omitempty"`
}

// emailContent is the channel shape of the content blob.
type emailContent struct {
	Subject string `json:"subject" validate:"required"`
	Message string `json:"message" validate:"required"`
	HTML    string `json:"html,omitempty"`
}

type emailGatewayRequest struct {
	To      string `json:"to"`
	Name    string `json:"name,omitempty"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	HTML    string `json:"html,omitempty"`
}

type emailGatewayResponse struct {
	MessageID string `json:"message_id"`
}

func NewEmailProvider() Provider { return &EmailProvider{} }

func (p *EmailProvider) Manifest() Manifest {
	return Manifest{
		ID:                  p.id,
		Name:                "Email HTTP Gateway",
		Channel:             "email",
		Version:             "1.2.0",
		RequiredCredentials: []string{"endpoint", "api_key"},
	}
}

func (p *EmailProvider) RateLimit() config.RateLimitConfig { return p.rateLimit }

func (p *EmailProvider) Initialize(s Settings) error {
	p.id = s.ID
	p.endpoint = s.Credentials["endpoint"]
	p.apiKey = s.Credentials["api_key"]
	if p.endpoint == "" {
		return fmt.Errorf("email provider %s: endpoint credential is required", s.ID)
	}
	p.rateLimit = s.RateLimit

	timeout := s.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	p.httpClient = &http.Client{Timeout: timeout}
	return nil
}

func (p *EmailProvider) HealthCheck(ctx context.Context) bool {
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

func (p *EmailProvider) Shutdown(context.Context) error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func (p *EmailProvider) ValidateRecipient(raw json.RawMessage) error {
	var r emailRecipient
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("recipient is not email-shaped: %w", err)
	}
	return validate.Struct(&r)
}

func (p *EmailProvider) ValidateContent(raw json.RawMessage) error {
	var c emailContent
	if err := json.Unmarshal(channelContent("email", raw), &c); err != nil {
		return fmt.Errorf("content is not email-shaped: %w", err)
	}
	return validate.Struct(&c)
}

func (p *EmailProvider) ValidateMessage(msg *domain.NotificationMessage) error {
	if err := p.ValidateRecipient(msg.Recipient); err != nil {
		return err
	}
	return p.ValidateContent(msg.Content)
}

func (p *EmailProvider) Send(ctx context.Context, msg *domain.NotificationMessage) DeliveryResult {
	var rcpt emailRecipient
	if err := json.Unmarshal(msg.Recipient, &rcpt); err != nil {
		return failure(CodeInvalidRecipient, err.Error(), false)
	}
	var content emailContent
	if err := json.Unmarshal(channelContent("email", msg.Content), &content); err != nil {
		return failure(CodeRejected, "content is not email-shaped: "+err.Error(), false)
	}

	body, err := json.Marshal(emailGatewayRequest{
		To:      rcpt.Email,
		Name:    rcpt.Name,
		Subject: applyVars(content.Subject, msg.Variables),
		Body:    applyVars(content.Message, msg.Variables),
		HTML:    applyVars(content.HTML, msg.Variables),
	})
	if err != nil {
		return failure(CodeRejected, "marshal gateway request: "+err.Error(), false)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/messages", bytes.NewReader(body))
	if err != nil {
		return failure(CodeRejected, err.Error(), false)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		// Transport errors and timeouts are worth retrying.
		return failure(CodeTimeout, err.Error(), true)
	}
	defer resp.Body.Close()

	return gatewayResult(resp)
}

// gatewayResult maps an HTTP gateway response to a DeliveryResult:
// 2xx success, 429/5xx retryable, other 4xx a policy rejection.
func gatewayResult(resp *http.Response) DeliveryResult {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var gw emailGatewayResponse
		if err := json.NewDecoder(resp.Body).Decode(&gw); err != nil {
			return failure(CodeUpstreamError, "decode gateway response: "+err.Error(), true)
		}
		return DeliveryResult{Success: true, MessageID: gw.MessageID}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return failure(CodeUpstreamError, fmt.Sprintf("gateway returned %d", resp.StatusCode), true)
	default:
		return failure(CodeRejected, fmt.Sprintf("gateway rejected the message: %d", resp.StatusCode), false)
	}
}

var _ Provider = (*EmailProvider)(nil)
