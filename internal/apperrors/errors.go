package apperrors

import (
	"errors"
	"fmt"
)

// RetryableError marks a failure that the same call may get past later: a dropped
// connection, a deadlock, a timeout.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryable wraps err as retryable behind a formatted message. The chain stays intact,
// so errors.Is still finds the sentinel underneath.
func NewRetryable(err error, message string, args ...interface{}) error {
	return &RetryableError{Err: wrapf(err, message, args...)}
}

// FatalError marks a failure that repeating the call will not fix.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatal wraps err as fatal behind a formatted message.
func NewFatal(err error, message string, args ...interface{}) error {
	return &FatalError{Err: wrapf(err, message, args...)}
}

func wrapf(err error, message string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(message, args...), err)
}

// Infrastructure sentinels. Storage and transport code wraps these; services decide whether
// the result is retryable or fatal.
var (
	ErrDatabase = errors.New("database error")
	ErrNATS     = errors.New("nats communication error")
	ErrTimeout  = errors.New("operation timeout")
)

// Request and state sentinels, mapped to HTTP statuses by the API layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized access")
	// ErrDuplicate is a unique constraint hit.
	ErrDuplicate   = errors.New("duplicate resource")
	ErrConflict    = errors.New("resource conflict")
	ErrBadRequest  = errors.New("bad request")
	ErrRateLimited = errors.New("rate limited")
	// ErrAlreadyClaimed means another consumer moved the message to PROCESSING first.
	ErrAlreadyClaimed = errors.New("message already claimed")
)

func IsRetryable(err error) bool {
	var target *RetryableError
	return errors.As(err, &target)
}

func IsFatal(err error) bool {
	var target *FatalError
	return errors.As(err, &target)
}

func IsNotFoundError(err error) bool       { return errors.Is(err, ErrNotFound) }
func IsValidationError(err error) bool     { return errors.Is(err, ErrValidation) }
func IsDatabaseError(err error) bool       { return errors.Is(err, ErrDatabase) }
func IsNATSError(err error) bool           { return errors.Is(err, ErrNATS) }
func IsUnauthorizedError(err error) bool   { return errors.Is(err, ErrUnauthorized) }
func IsDuplicateError(err error) bool      { return errors.Is(err, ErrDuplicate) }
func IsConflictError(err error) bool       { return errors.Is(err, ErrConflict) }
func IsBadRequestError(err error) bool     { return errors.Is(err, ErrBadRequest) }
func IsTimeoutError(err error) bool        { return errors.Is(err, ErrTimeout) }
func IsAlreadyClaimedError(err error) bool { return errors.Is(err, ErrAlreadyClaimed) }
func IsRateLimitedError(err error) bool    { return errors.Is(err, ErrRateLimited) }
