package usecase

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/apperrors"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/platform"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/logger"
)

// AdapterResolver returns the adapter of an enabled platform. *platform.Registry implements it.
type AdapterResolver interface {
	Adapter(ctx context.Context, platform string) (platform.Adapter, error)
}

// PlatformConfigSource returns a platform config, normally through cache.PlatformCache.
type PlatformConfigSource interface {
	Get(ctx context.Context, platform string) (*model.PlatformConfig, error)
}

// Completer produces an answer for a prompt given the preceding conversation.
type Completer interface {
	Complete(ctx context.Context, history []model.HistoryEntry, prompt string) (string, error)
}

type errorClass struct {
	sentinel  error
	retryable bool
	level     zapcore.Level
	reason    string
}

// repositoryErrorClasses is checked in order; the first sentinel found in the chain wins.
var repositoryErrorClasses = []errorClass{
	{apperrors.ErrNotFound, false, zapcore.WarnLevel, "resource not found"},
	{apperrors.ErrDuplicate, false, zapcore.WarnLevel, "duplicate resource"},
	{apperrors.ErrBadRequest, false, zapcore.WarnLevel, "bad request data"},
	{apperrors.ErrConflict, false, zapcore.WarnLevel, "resource conflict"},
	{apperrors.ErrDatabase, true, zapcore.ErrorLevel, "database error"},
	{apperrors.ErrTimeout, true, zapcore.WarnLevel, "operation timeout"},
	{context.DeadlineExceeded, true, zapcore.WarnLevel, "operation timeout"},
}

// handleRepositoryError wraps a storage error as FatalError or RetryableError. Binding and
// state errors are returned as they are so handlers can still read their kind.
func handleRepositoryError(ctx context.Context, err error, operation string, id string) error {
	if err == nil {
		return nil
	}

	fields := []zap.Field{zap.String("operation", operation), zap.Error(err)}
	if id != "" {
		fields = append(fields, zap.String("id", id))
	}
	log := logger.FromContext(ctx)

	var bindingErr *apperrors.BindingError
	var stateErr *apperrors.StateError
	if errors.As(err, &bindingErr) || errors.As(err, &stateErr) {
		log.Debug("Repository rejected operation", fields...)
		return err
	}

	for _, class := range repositoryErrorClasses {
		if !errors.Is(err, class.sentinel) {
			continue
		}
		log.Log(class.level, "Repository operation failed: "+class.reason, fields...)
		if class.retryable {
			return apperrors.NewRetryable(err, "%s failed: %s", operation, class.reason)
		}
		return apperrors.NewFatal(err, "%s failed: %s", operation, class.reason)
	}

	log.Error("Repository operation failed: unexpected error", fields...)
	return apperrors.NewFatal(err, "%s failed: unexpected repository error", operation)
}
