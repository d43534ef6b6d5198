package email

import (
	"context"
	"log/slog"
	"sync"
)

// Sent is a message captured by MockProvider.
type Sent struct {
	To      string
	Subject string
	HTML    string
}

// MockProvider is a mock email provider for local development and tests.
type MockProvider struct {
	logger *slog.Logger
	mu     sync.Mutex
	sent   []Sent
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs and records the email instead of sending it.
func (m *MockProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	m.logger.Info("MOCK EMAIL",
		"to", to,
		"subject", subject,
		"body_length", len(htmlBody))
	m.mu.Lock()
	m.sent = append(m.sent, Sent{To: to, Subject: subject, HTML: htmlBody})
	m.mu.Unlock()
	return nil
}

// Messages returns the captured emails.
func (m *MockProvider) Messages() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}
