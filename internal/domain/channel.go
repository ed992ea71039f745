package domain

import "context"

// Channel is the interface for a messaging platform adapter (Telegram, VK).
// Adapters normalize platform events into InboundMessages and deliver replies;
// they never embed conversation logic.
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
	Send(ctx context.Context, userID string, text string) error
}
