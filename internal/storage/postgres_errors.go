package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/apperrors"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/logger"
)

const (
	retryInitialInterval      = 50 * time.Millisecond
	retryMaxInterval          = 2 * time.Second
	readRetryMaxElapsedTime   = 5 * time.Second
	commitRetryMaxElapsedTime = 15 * time.Second
)

func newRetryPolicy(ctx context.Context, maxElapsed time.Duration) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = maxElapsed
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// retryableOperation reruns op while it fails with a transient error. Any other error,
// including binding and state errors produced inside op, ends the loop and is returned as is.
func retryableOperation(ctx context.Context, policy backoff.BackOffContext, opName string, op func() error) error {
	return backoff.RetryNotify(
		func() error {
			err := op()
			if err == nil || isTransientError(err) {
				return err
			}
			return backoff.Permanent(err)
		},
		policy,
		func(err error, wait time.Duration) {
			logger.FromContext(ctx).Warn("Retrying DB operation",
				zap.String("operation", opName), zap.Duration("after", wait), zap.Error(err))
		},
	)
}

// SQLSTATE classes and codes worth another attempt: connection exceptions, insufficient
// resources, serialization failures and deadlocks.
var (
	transientClasses = []string{"08", "53"}
	transientCodes   = map[string]bool{"40001": true, "40P01": true}
)

// Driver messages seen when the server is unreachable or still starting.
var transientMessages = []string{
	"connection refused",
	"connection reset",
	"connection timed out",
	"broken pipe",
	"i/o timeout",
	"no route to host",
	"network is unreachable",
	"could not translate host name",
	"database system is starting up",
}

func isTransientError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, gorm.ErrInvalidTransaction),
		errors.Is(err, gorm.ErrDuplicatedKey), errors.Is(err, gorm.ErrForeignKeyViolated):
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientCodes[pgErr.Code] || hasAnyPrefix(pgErr.Code, transientClasses)
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// checkConstraintViolation translates a gorm or pgx error into an apperrors sentinel while
// keeping the driver error in the chain. See
// https://www.postgresql.org/docs/current/errcodes-appendix.html for the codes.
func checkConstraintViolation(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %w", apperrors.ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("%w: %w", apperrors.ErrDatabase, err)
	}

	sentinel, detail := apperrors.ErrDatabase, "unhandled pgcode "+pgErr.Code
	switch code := pgErr.Code; {
	case code == "23505":
		sentinel, detail = apperrors.ErrDuplicate, "constraint "+pgErr.ConstraintName
	case code == "23503", code == "23514":
		sentinel, detail = apperrors.ErrBadRequest, "constraint "+pgErr.ConstraintName
	case code == "23502":
		sentinel, detail = apperrors.ErrBadRequest, "null value in column "+pgErr.ColumnName
	case code == "22001":
		sentinel, detail = apperrors.ErrBadRequest, "value too long for column "+pgErr.ColumnName
	case code == "22P02":
		sentinel, detail = apperrors.ErrBadRequest, "invalid input syntax for type "+pgErr.DataTypeName
	case transientCodes[code]:
		detail = fmt.Sprintf("transaction rollback (%s)", code)
	case strings.HasPrefix(code, "53"):
		detail = fmt.Sprintf("insufficient resources (%s)", code)
	case strings.HasPrefix(code, "08"):
		detail = fmt.Sprintf("connection error (%s)", code)
	}
	return fmt.Errorf("%w: %s: %w", sentinel, detail, err)
}

// passThrough leaves binding, state, not found and conflict errors alone and maps the rest.
func passThrough(err error) error {
	var be *apperrors.BindingError
	var se *apperrors.StateError
	if errors.As(err, &be) || errors.As(err, &se) ||
		errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, apperrors.ErrConflict) {
		return err
	}
	return checkConstraintViolation(err)
}
