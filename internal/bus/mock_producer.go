package bus

import (
	"context"
	"sync"
)

// Published is one record captured by the MockProducer.
type Published struct {
	Topic   string
	Key     string
	Payload []byte
}

// MockProducer is a hand-written, in-memory Producer used in unit
// tests. No mock-generation library needed.
type MockProducer struct {
	mu       sync.Mutex
	messages []Published

	// Optional error overrides — set in tests to simulate failure paths.
	PublishErr error
	TopicErrs  map[string]error
}

func NewMockProducer() *MockProducer {
	return &MockProducer{TopicErrs: make(map[string]error)}
}

func (m *MockProducer) Publish(_ context.Context, topic, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	if err := m.TopicErrs[topic]; err != nil {
		return err
	}
	cp := append([]byte(nil), payload...)
	m.messages = append(m.messages, Published{Topic: topic, Key: key, Payload: cp})
	return nil
}

func (m *MockProducer) Close() error { return nil }

// Messages returns a snapshot of everything published so far.
func (m *MockProducer) Messages() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Published(nil), m.messages...)
}

// ByTopic filters captured messages for one topic.
func (m *MockProducer) ByTopic(topic string) []Published {
	var out []Published
	for _, p := range m.Messages() {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}
