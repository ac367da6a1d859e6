package discord

import (
	"context"
	"log/slog"

	"subreddit-notifier/pkg/relay"
)

// MockSender is a mock dispatcher for local development.
type MockSender struct {
	logger *slog.Logger
}

// NewMockSender creates a new mock dispatcher.
func NewMockSender(logger *slog.Logger) *MockSender {
	return &MockSender{
		logger: logger,
	}
}

// Send logs the post instead of delivering it.
func (m *MockSender) Send(_ context.Context, sub *relay.Subscription, post *relay.Post) error {
	m.logger.Info("MOCK WEBHOOK",
		"subreddit", sub.Subreddit,
		"post_id", post.ID,
		"title", post.Title,
		"permalink", post.Permalink)
	return nil
}
