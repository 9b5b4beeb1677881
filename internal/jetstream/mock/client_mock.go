package mock

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/jetstream"
)

// ClientMock records calls made by the event bus.
type ClientMock struct {
	mock.Mock
}

var _ jetstream.ClientInterface = (*ClientMock)(nil)

func (m *ClientMock) SetupStream(ctx context.Context, want *nats.StreamConfig) error {
	return m.Called(ctx, want).Error(0)
}

func (m *ClientMock) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	return m.Called(ctx, subject, data, msgID).Error(0)
}

func (m *ClientMock) Broadcast(subject string, data []byte) error {
	return m.Called(subject, data).Error(0)
}

func (m *ClientMock) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	args := m.Called(subject, handler)
	sub, _ := args.Get(0).(*nats.Subscription)
	return sub, args.Error(1)
}

func (m *ClientMock) Connected() bool {
	return m.Called().Bool(0)
}

func (m *ClientMock) Close() {
	m.Called()
}
