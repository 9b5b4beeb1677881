package httpapi

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/platform"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/usecase"
)

type ingestMock struct{ mock.Mock }

func (m *ingestMock) HandleWebhook(ctx context.Context, platformID string, req platform.InboundRequest) (*usecase.IngestResult, error) {
	args := m.Called(ctx, platformID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*usecase.IngestResult), args.Error(1)
}

type consumerMock struct{ mock.Mock }

func (m *consumerMock) WaitPending(ctx context.Context, filter model.PendingFilter, wait time.Duration) ([]model.PendingMessage, error) {
	args := m.Called(ctx, filter, wait)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.PendingMessage), args.Error(1)
}

func (m *consumerMock) MarkProcessing(ctx context.Context, id, source string) (bool, error) {
	args := m.Called(ctx, id, source)
	return args.Bool(0), args.Error(1)
}

func (m *consumerMock) Reply(ctx context.Context, id, content string) error {
	return m.Called(ctx, id, content).Error(0)
}

func (m *consumerMock) Fail(ctx context.Context, id, reason string) error {
	return m.Called(ctx, id, reason).Error(0)
}

type bindingsMock struct{ mock.Mock }

func (m *bindingsMock) IssueBindingCode(ctx context.Context, employeeID, platform string) (*model.IssuedCode, error) {
	args := m.Called(ctx, employeeID, platform)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.IssuedCode), args.Error(1)
}

func (m *bindingsMock) Lookup(ctx context.Context, platform, externalUserID string) (*model.UserBinding, error) {
	args := m.Called(ctx, platform, externalUserID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.UserBinding), args.Error(1)
}

type platformsMock struct{ mock.Mock }

func (m *platformsMock) List(ctx context.Context) ([]model.PlatformConfig, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.PlatformConfig), args.Error(1)
}

func (m *platformsMock) Update(ctx context.Context, platform string, upd usecase.PlatformUpdate) (*model.PlatformConfig, error) {
	args := m.Called(ctx, platform, upd)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PlatformConfig), args.Error(1)
}

func (m *platformsMock) Delete(ctx context.Context, platform string) error {
	return m.Called(ctx, platform).Error(0)
}

type tasksMock struct{ mock.Mock }

func (m *tasksMock) Enqueue(ctx context.Context, req usecase.EnqueueRequest) (*model.AsyncTask, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AsyncTask), args.Error(1)
}

func (m *tasksMock) Get(ctx context.Context, id string) (*model.AsyncTask, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AsyncTask), args.Error(1)
}

func (m *tasksMock) Cancel(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *tasksMock) Requeue(ctx context.Context, id string) (*model.AsyncTask, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AsyncTask), args.Error(1)
}

var (
	_ WebhookIngester = (*ingestMock)(nil)
	_ PendingConsumer = (*consumerMock)(nil)
	_ BindingRegistry = (*bindingsMock)(nil)
	_ PlatformAdmin   = (*platformsMock)(nil)
	_ TaskAdmin       = (*tasksMock)(nil)

	_ WebhookIngester = (*usecase.IngestService)(nil)
	_ PendingConsumer = (*usecase.ConsumerService)(nil)
	_ BindingRegistry = (*usecase.BindingService)(nil)
	_ PlatformAdmin   = (*usecase.PlatformService)(nil)
	_ TaskAdmin       = (*usecase.TaskQueue)(nil)
)
