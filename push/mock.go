package push

import (
	"context"
	"log/slog"

	"cveflows/pkg/vuln"
)

// MockProvider is a mock push provider for local development.
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a new mock push provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Push logs the notification instead of sending it.
func (m *MockProvider) Push(_ context.Context, msg *vuln.Message) error {
	m.logger.Info("MOCK PUSH",
		"title", msg.Title,
		"link", msg.Link,
		"body_length", len(msg.Body))
	return nil
}
