package port

import "context"

// DLQPublisher routes poison messages straight to the dead-letter
// exchange, bypassing processing entirely.
type DLQPublisher interface {
	PublishToDLQ(ctx context.Context, msg []byte, reason string) error
}
