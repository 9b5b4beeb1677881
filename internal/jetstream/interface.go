package jetstream

import (
	"context"

	"github.com/nats-io/nats.go"
)

// ClientInterface is what the event bus needs from NATS. Tests use mock.ClientMock.
type ClientInterface interface {
	SetupStream(ctx context.Context, want *nats.StreamConfig) error

	// Publish is persistent and acknowledged; msgID may be empty.
	Publish(ctx context.Context, subject string, data []byte, msgID string) error

	// Broadcast reaches every live subscriber on every instance and is not stored.
	Broadcast(subject string, data []byte) error

	// Subscribe is a core NATS subscription, so it also sees subjects written through Publish.
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)

	Connected() bool
	Close()
}
