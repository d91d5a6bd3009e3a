// Package publish delivers item payloads to external channels.
package publish

import (
	"context"

	"postwell/internal/queue"
)

// Publisher sends a payload to one channel and returns the external
// message id assigned by the destination. Implementations classify
// failures with retry.NoRetry / retry.RetryAfter so the engine knows
// whether to try again.
type Publisher interface {
	Publish(ctx context.Context, channelID string, p queue.Payload) (externalID string, err error)
}

// Func adapts a function to the Publisher interface.
type Func func(ctx context.Context, channelID string, p queue.Payload) (string, error)

func (f Func) Publish(ctx context.Context, channelID string, p queue.Payload) (string, error) {
	return f(ctx, channelID, p)
}
