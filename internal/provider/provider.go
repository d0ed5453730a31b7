// Package provider defines the pluggable sender contract and the
// registry/router that bind channels to concrete implementations.
// Providers are statically linked; configuration selects which ones are
// active and how channels map to them.
package provider

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/notifyhub/courier/internal/config"
	"github.com/notifyhub/courier/internal/domain"
)

// Error codes surfaced in DeliveryResult. Providers may add their own;
// these are the ones the core itself produces or branches on.
const (
	CodeNoProvider         = "NO_PROVIDER"
	CodeAllProvidersFailed = "ALL_PROVIDERS_FAILED"
	CodeTimeout            = "TIMEOUT"
	CodeUpstreamError      = "UPSTREAM_ERROR"
	CodeRejected           = "REJECTED"
	CodeInvalidRecipient   = "INVALID_RECIPIENT"
)

// Manifest describes a provider to operators and the admin surface.
type Manifest struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	Channel             string   `json:"channel"`
	Version             string   `json:"version"`
	RequiredCredentials []string `json:"required_credentials"`
}

// ErrorInfo carries a provider failure. Retryable errors are re-queued
// with backoff against the same provider; non-retryable ones may fall
// back to another provider.
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// DeliveryResult is the outcome of one send attempt.
type DeliveryResult struct {
	Success   bool       `json:"success"`
	MessageID string     `json:"message_id,omitempty"`
	Err       *ErrorInfo `json:"error,omitempty"`
}

func failure(code, message string, retryable bool) DeliveryResult {
	return DeliveryResult{Err: &ErrorInfo{Code: code, Message: message, Retryable: retryable}}
}

// Settings is everything a provider instance receives at startup.
type Settings struct {
	ID          string
	Credentials map[string]string
	RateLimit   config.RateLimitConfig
	Timeout     time.Duration
}

// Provider is the capability set every sender implements.
//
// Validate* methods check the channel-shaped recipient/content blobs
// against the provider's own schema; the dispatch consumer calls
// ValidateMessage just before Send.
type Provider interface {
	Manifest() Manifest
	RateLimit() config.RateLimitConfig

	Initialize(s Settings) error
	HealthCheck(ctx context.Context) bool
	Shutdown(ctx context.Context) error

	ValidateRecipient(raw json.RawMessage) error
	ValidateContent(raw json.RawMessage) error
	ValidateMessage(msg *domain.NotificationMessage) error

	Send(ctx context.Context, msg *domain.NotificationMessage) DeliveryResult
}

// validate is shared by the concrete providers for their recipient and
// content schema structs.
var validate = validator.New(validator.WithRequiredStructEnabled())

// channelContent resolves the channel-shape convention: content is
// either keyed by channel ({"email": {...}}) or flat ({...}).
func channelContent(channel string, raw json.RawMessage) json.RawMessage {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return raw
	}
	if inner, ok := envelope[channel]; ok {
		return inner
	}
	return raw
}

// applyVars substitutes {{name}} placeholders with variable values.
// Unknown placeholders are left as-is.
func applyVars(s string, vars map[string]string) string {
	for k, v := range vars {
		s = strings.ReplaceAll(s, "{{"+k+"}}", v)
	}
	return s
}
