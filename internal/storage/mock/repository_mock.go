package mock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/storage"
)

// --- PlatformConfigRepo Mock ---

// PlatformConfigRepoMock mocks the PlatformConfigRepo interface
type PlatformConfigRepoMock struct {
	mock.Mock
}

func (m *PlatformConfigRepoMock) FindByPlatform(ctx context.Context, platform string) (*model.PlatformConfig, error) {
	args := m.Called(ctx, platform)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PlatformConfig), args.Error(1)
}

func (m *PlatformConfigRepoMock) List(ctx context.Context) ([]model.PlatformConfig, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.PlatformConfig), args.Error(1)
}

func (m *PlatformConfigRepoMock) Upsert(ctx context.Context, cfg model.PlatformConfig) error {
	args := m.Called(ctx, cfg)
	return args.Error(0)
}

func (m *PlatformConfigRepoMock) CreateIfMissing(ctx context.Context, cfg model.PlatformConfig) (bool, error) {
	args := m.Called(ctx, cfg)
	return args.Bool(0), args.Error(1)
}

func (m *PlatformConfigRepoMock) Delete(ctx context.Context, platform string) error {
	args := m.Called(ctx, platform)
	return args.Error(0)
}

// --- BindingRepo Mock ---

// BindingRepoMock mocks the BindingRepo interface
type BindingRepoMock struct {
	mock.Mock
}

func (m *BindingRepoMock) IssueCode(ctx context.Context, binding model.UserBinding) error {
	args := m.Called(ctx, binding)
	return args.Error(0)
}

func (m *BindingRepoMock) Redeem(ctx context.Context, req storage.RedeemRequest) (*model.UserBinding, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.UserBinding), args.Error(1)
}

func (m *BindingRepoMock) FindBound(ctx context.Context, platform, platformUserID string) (*model.UserBinding, error) {
	args := m.Called(ctx, platform, platformUserID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.UserBinding), args.Error(1)
}

func (m *BindingRepoMock) FindByID(ctx context.Context, id string) (*model.UserBinding, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.UserBinding), args.Error(1)
}

func (m *BindingRepoMock) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

// --- MessageLogRepo Mock ---

// MessageLogRepoMock mocks the MessageLogRepo interface
type MessageLogRepoMock struct {
	mock.Mock
}

func (m *MessageLogRepoMock) Insert(ctx context.Context, msg model.MessageLog) (*model.MessageLog, bool, error) {
	args := m.Called(ctx, msg)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*model.MessageLog), args.Bool(1), args.Error(2)
}

func (m *MessageLogRepoMock) FindByID(ctx context.Context, id string) (*model.MessageLog, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.MessageLog), args.Error(1)
}

func (m *MessageLogRepoMock) FindByExternalID(ctx context.Context, platform, externalMessageID, direction string) (*model.MessageLog, error) {
	args := m.Called(ctx, platform, externalMessageID, direction)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.MessageLog), args.Error(1)
}

func (m *MessageLogRepoMock) Transition(ctx context.Context, id, from, to string, fields map[string]interface{}) (bool, error) {
	args := m.Called(ctx, id, from, to, fields)
	return args.Bool(0), args.Error(1)
}

func (m *MessageLogRepoMock) StartReply(ctx context.Context, id string, at time.Time) (bool, error) {
	args := m.Called(ctx, id, at)
	return args.Bool(0), args.Error(1)
}

func (m *MessageLogRepoMock) ListPending(ctx context.Context, filter model.PendingFilter) ([]model.PendingMessage, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.PendingMessage), args.Error(1)
}

func (m *MessageLogRepoMock) History(ctx context.Context, platform, externalUserID string, limit int) ([]model.HistoryEntry, error) {
	args := m.Called(ctx, platform, externalUserID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.HistoryEntry), args.Error(1)
}

func (m *MessageLogRepoMock) UpdateFile(ctx context.Context, id string, ref model.FileRef) error {
	args := m.Called(ctx, id, ref)
	return args.Error(0)
}

func (m *MessageLogRepoMock) FailStaleClaims(ctx context.Context, claimedBefore time.Time, detail string) (int64, error) {
	args := m.Called(ctx, claimedBefore, detail)
	return args.Get(0).(int64), args.Error(1)
}

// --- AsyncTaskRepo Mock ---

// AsyncTaskRepoMock mocks the AsyncTaskRepo interface
type AsyncTaskRepoMock struct {
	mock.Mock
}

func (m *AsyncTaskRepoMock) Insert(ctx context.Context, task model.AsyncTask) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func (m *AsyncTaskRepoMock) Dequeue(ctx context.Context, now time.Time) (*model.AsyncTask, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AsyncTask), args.Error(1)
}

func (m *AsyncTaskRepoMock) FindByID(ctx context.Context, id string) (*model.AsyncTask, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AsyncTask), args.Error(1)
}

func (m *AsyncTaskRepoMock) Transition(ctx context.Context, id, from, to string, fields map[string]interface{}) (bool, error) {
	args := m.Called(ctx, id, from, to, fields)
	return args.Bool(0), args.Error(1)
}

func (m *AsyncTaskRepoMock) FailStaleRunning(ctx context.Context, startedBefore time.Time, detail string) (int64, error) {
	args := m.Called(ctx, startedBefore, detail)
	return args.Get(0).(int64), args.Error(1)
}

var (
	_ storage.PlatformConfigRepo = (*PlatformConfigRepoMock)(nil)
	_ storage.BindingRepo        = (*BindingRepoMock)(nil)
	_ storage.MessageLogRepo     = (*MessageLogRepoMock)(nil)
	_ storage.AsyncTaskRepo      = (*AsyncTaskRepoMock)(nil)
)
