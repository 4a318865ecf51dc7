package bus

import (
	"context"

	types "github.com/yungbote/downdeck-backend/internal/domain"
)

// Envelope wraps an event for cross-instance transport. Origin identifies
// the publishing instance so a forwarder can skip its own messages.
type Envelope struct {
	Origin string      `json:"origin"`
	Event  types.Event `json:"event"`
}

type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	StartForwarder(ctx context.Context, onMsg func(env Envelope)) error
	Close() error
}
