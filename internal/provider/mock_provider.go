package provider

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/notifyhub/courier/internal/config"
	"github.com/notifyhub/courier/internal/domain"
)

// MockProvider is a hand-written scriptable provider for unit tests.
// Results are consumed in order; when the script runs out, the last
// result repeats.
type MockProvider struct {
	ManifestVal Manifest
	Results     []DeliveryResult
	ValidateErr error
	Healthy     bool

	mu    sync.Mutex
	calls int
	sent  []*domain.NotificationMessage
}

func NewMockProvider(id, channel string, results ...DeliveryResult) *MockProvider {
	if len(results) == 0 {
		results = []DeliveryResult{{Success: true, MessageID: "mock-msg"}}
	}
	return &MockProvider{
		ManifestVal: Manifest{ID: id, Name: "mock " + id, Channel: channel, Version: "0.0.0"},
		Results:     results,
		Healthy:     true,
	}
}

func (m *MockProvider) Manifest() Manifest                  { return m.ManifestVal }
func (m *MockProvider) RateLimit() config.RateLimitConfig   { return config.RateLimitConfig{} }
func (m *MockProvider) Initialize(Settings) error           { return nil }
func (m *MockProvider) HealthCheck(context.Context) bool    { return m.Healthy }
func (m *MockProvider) Shutdown(context.Context) error      { return nil }
func (m *MockProvider) ValidateRecipient(json.RawMessage) error { return m.ValidateErr }
func (m *MockProvider) ValidateContent(json.RawMessage) error   { return m.ValidateErr }

func (m *MockProvider) ValidateMessage(*domain.NotificationMessage) error {
	return m.ValidateErr
}

func (m *MockProvider) Send(_ context.Context, msg *domain.NotificationMessage) DeliveryResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	idx := m.calls
	if idx >= len(m.Results) {
		idx = len(m.Results) - 1
	}
	m.calls++
	return m.Results[idx]
}

// SendCalls reports how many times Send was invoked.
func (m *MockProvider) SendCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

var _ Provider = (*MockProvider)(nil)
