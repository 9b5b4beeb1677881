package storage

import (
	"context"
	"time"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
)

// PlatformConfigRepo defines platform configuration storage operations
type PlatformConfigRepo interface {
	FindByPlatform(ctx context.Context, platform string) (*model.PlatformConfig, error)
	List(ctx context.Context) ([]model.PlatformConfig, error)
	Upsert(ctx context.Context, cfg model.PlatformConfig) error
	CreateIfMissing(ctx context.Context, cfg model.PlatformConfig) (bool, error)
	Delete(ctx context.Context, platform string) error
}

// BindingRepo defines user binding storage operations
type BindingRepo interface {
	IssueCode(ctx context.Context, binding model.UserBinding) error
	Redeem(ctx context.Context, req RedeemRequest) (*model.UserBinding, error)
	FindBound(ctx context.Context, platform, platformUserID string) (*model.UserBinding, error)
	FindByID(ctx context.Context, id string) (*model.UserBinding, error)
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

// MessageLogRepo defines message log storage operations.
// Transition is a compare-and-set on status; it reports false when the row was not in `from`.
type MessageLogRepo interface {
	Insert(ctx context.Context, msg model.MessageLog) (*model.MessageLog, bool, error)
	FindByID(ctx context.Context, id string) (*model.MessageLog, error)
	FindByExternalID(ctx context.Context, platform, externalMessageID, direction string) (*model.MessageLog, error)
	Transition(ctx context.Context, id, from, to string, fields map[string]interface{}) (bool, error)
	// StartReply takes the per-row reply lock on a PROCESSING inbound message.
	StartReply(ctx context.Context, id string, at time.Time) (bool, error)
	ListPending(ctx context.Context, filter model.PendingFilter) ([]model.PendingMessage, error)
	History(ctx context.Context, platform, externalUserID string, limit int) ([]model.HistoryEntry, error)
	UpdateFile(ctx context.Context, id string, ref model.FileRef) error
	FailStaleClaims(ctx context.Context, claimedBefore time.Time, detail string) (int64, error)
}

// AsyncTaskRepo defines async task storage operations
type AsyncTaskRepo interface {
	Insert(ctx context.Context, task model.AsyncTask) error
	Dequeue(ctx context.Context, now time.Time) (*model.AsyncTask, error)
	FindByID(ctx context.Context, id string) (*model.AsyncTask, error)
	Transition(ctx context.Context, id, from, to string, fields map[string]interface{}) (bool, error)
	FailStaleRunning(ctx context.Context, startedBefore time.Time, detail string) (int64, error)
}

// HealthChecker is satisfied by the postgres repository and used by the readiness probe.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
