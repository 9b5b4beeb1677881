package storage

import (
	"context"
	"time"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
)

// PlatformConfigRepoAdapter adapts the PostgresRepo to the PlatformConfigRepo interface
type PlatformConfigRepoAdapter struct {
	postgres *PostgresRepo
}

// NewPlatformConfigRepoAdapter creates a new platform config repository adapter
func NewPlatformConfigRepoAdapter(postgres *PostgresRepo) PlatformConfigRepo {
	return &PlatformConfigRepoAdapter{postgres: postgres}
}

func (a *PlatformConfigRepoAdapter) FindByPlatform(ctx context.Context, platform string) (*model.PlatformConfig, error) {
	return a.postgres.FindPlatformConfig(ctx, platform)
}

func (a *PlatformConfigRepoAdapter) List(ctx context.Context) ([]model.PlatformConfig, error) {
	return a.postgres.ListPlatformConfigs(ctx)
}

func (a *PlatformConfigRepoAdapter) Upsert(ctx context.Context, cfg model.PlatformConfig) error {
	return a.postgres.UpsertPlatformConfig(ctx, cfg)
}

func (a *PlatformConfigRepoAdapter) CreateIfMissing(ctx context.Context, cfg model.PlatformConfig) (bool, error) {
	return a.postgres.CreatePlatformConfigIfMissing(ctx, cfg)
}

func (a *PlatformConfigRepoAdapter) Delete(ctx context.Context, platform string) error {
	return a.postgres.DeletePlatformConfig(ctx, platform)
}

// BindingRepoAdapter adapts the PostgresRepo to the BindingRepo interface
type BindingRepoAdapter struct {
	postgres *PostgresRepo
}

// NewBindingRepoAdapter creates a new binding repository adapter
func NewBindingRepoAdapter(postgres *PostgresRepo) BindingRepo {
	return &BindingRepoAdapter{postgres: postgres}
}

func (a *BindingRepoAdapter) IssueCode(ctx context.Context, binding model.UserBinding) error {
	return a.postgres.IssueBindingCode(ctx, binding)
}

func (a *BindingRepoAdapter) Redeem(ctx context.Context, req RedeemRequest) (*model.UserBinding, error) {
	return a.postgres.RedeemBindingCode(ctx, req)
}

func (a *BindingRepoAdapter) FindBound(ctx context.Context, platform, platformUserID string) (*model.UserBinding, error) {
	return a.postgres.FindBoundBinding(ctx, platform, platformUserID)
}

func (a *BindingRepoAdapter) FindByID(ctx context.Context, id string) (*model.UserBinding, error) {
	return a.postgres.FindBindingByID(ctx, id)
}

func (a *BindingRepoAdapter) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	return a.postgres.ExpireStaleBindingCodes(ctx, now)
}

// MessageLogRepoAdapter adapts the PostgresRepo to the MessageLogRepo interface
type MessageLogRepoAdapter struct {
	postgres *PostgresRepo
}

// NewMessageLogRepoAdapter creates a new message log repository adapter
func NewMessageLogRepoAdapter(postgres *PostgresRepo) MessageLogRepo {
	return &MessageLogRepoAdapter{postgres: postgres}
}

func (a *MessageLogRepoAdapter) Insert(ctx context.Context, msg model.MessageLog) (*model.MessageLog, bool, error) {
	return a.postgres.InsertMessageLog(ctx, msg)
}

func (a *MessageLogRepoAdapter) FindByID(ctx context.Context, id string) (*model.MessageLog, error) {
	return a.postgres.FindMessageLogByID(ctx, id)
}

func (a *MessageLogRepoAdapter) FindByExternalID(ctx context.Context, platform, externalMessageID, direction string) (*model.MessageLog, error) {
	return a.postgres.FindMessageLogByExternalID(ctx, platform, externalMessageID, direction)
}

func (a *MessageLogRepoAdapter) Transition(ctx context.Context, id, from, to string, fields map[string]interface{}) (bool, error) {
	return a.postgres.TransitionMessageStatus(ctx, id, from, to, fields)
}

func (a *MessageLogRepoAdapter) StartReply(ctx context.Context, id string, at time.Time) (bool, error) {
	return a.postgres.StartMessageReply(ctx, id, at)
}

func (a *MessageLogRepoAdapter) ListPending(ctx context.Context, filter model.PendingFilter) ([]model.PendingMessage, error) {
	return a.postgres.ListPendingMessages(ctx, filter)
}

func (a *MessageLogRepoAdapter) History(ctx context.Context, platform, externalUserID string, limit int) ([]model.HistoryEntry, error) {
	return a.postgres.MessageHistory(ctx, platform, externalUserID, limit)
}

func (a *MessageLogRepoAdapter) UpdateFile(ctx context.Context, id string, ref model.FileRef) error {
	return a.postgres.UpdateMessageFile(ctx, id, ref)
}

func (a *MessageLogRepoAdapter) FailStaleClaims(ctx context.Context, claimedBefore time.Time, detail string) (int64, error) {
	return a.postgres.FailStaleClaims(ctx, claimedBefore, detail)
}

// AsyncTaskRepoAdapter adapts the PostgresRepo to the AsyncTaskRepo interface
type AsyncTaskRepoAdapter struct {
	postgres *PostgresRepo
}

// NewAsyncTaskRepoAdapter creates a new async task repository adapter
func NewAsyncTaskRepoAdapter(postgres *PostgresRepo) AsyncTaskRepo {
	return &AsyncTaskRepoAdapter{postgres: postgres}
}

func (a *AsyncTaskRepoAdapter) Insert(ctx context.Context, task model.AsyncTask) error {
	return a.postgres.InsertAsyncTask(ctx, task)
}

func (a *AsyncTaskRepoAdapter) Dequeue(ctx context.Context, now time.Time) (*model.AsyncTask, error) {
	return a.postgres.DequeueAsyncTask(ctx, now)
}

func (a *AsyncTaskRepoAdapter) FindByID(ctx context.Context, id string) (*model.AsyncTask, error) {
	return a.postgres.FindAsyncTaskByID(ctx, id)
}

func (a *AsyncTaskRepoAdapter) Transition(ctx context.Context, id, from, to string, fields map[string]interface{}) (bool, error) {
	return a.postgres.TransitionAsyncTask(ctx, id, from, to, fields)
}

func (a *AsyncTaskRepoAdapter) FailStaleRunning(ctx context.Context, startedBefore time.Time, detail string) (int64, error) {
	return a.postgres.FailStaleAsyncTasks(ctx, startedBefore, detail)
}
