package channels

import (
	"context"
)

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It should block until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// MessageHandler is the orchestrator entry point a channel feeds into:
// admission plus dispatch, returning the immediate reply text.
type MessageHandler interface {
	Handle(ctx context.Context, principalID, message string) (reply string, rootTaskID string, err error)
}
