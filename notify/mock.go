package notify

import (
	"context"
	"log/slog"
	"sync"
)

// MockProvider logs messages instead of sending them and keeps a copy.
type MockProvider struct {
	logger *slog.Logger
	err    error
	sent   []Message
	mu     sync.Mutex
}

// NewMockProvider creates a mock provider for local development and tests.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{logger: logger}
}

// Name implements Provider.
func (*MockProvider) Name() string { return "mock" }

// FailWith makes later sends return err. Nil restores success.
func (m *MockProvider) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Send records msg.
func (m *MockProvider) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger.Info("MOCK NOTIFICATION",
		"subject", msg.Subject(),
		"is_error", msg.IsError,
		"body_length", len(FormatText(msg)))
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

// Sent returns a copy of the delivered messages.
func (m *MockProvider) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}
