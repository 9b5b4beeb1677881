package apperrors

import (
	"errors"
	"fmt"
)

// Kind sentinels for the messaging pipeline. Typed errors below match them via errors.Is.
var (
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrCodeNotFound      = errors.New("binding code not found")
	ErrCodeExpired       = errors.New("binding code expired")
	ErrAlreadyBound      = errors.New("external identity already bound")
	ErrNotBound          = errors.New("external identity not bound")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrDeliveryFailed    = errors.New("delivery failed")
)

// AdapterErrorKind classifies inbound payload rejections.
type AdapterErrorKind string

const (
	MalformedPayload AdapterErrorKind = "malformed_payload"
	Unauthorized     AdapterErrorKind = "unauthorized"
)

// AdapterError is returned by platform adapters. Payloads rejected with it are never persisted.
type AdapterError struct {
	Kind     AdapterErrorKind
	Platform string
	Err      error
}

func NewAdapterError(platform string, kind AdapterErrorKind, err error) error {
	return &AdapterError{Kind: kind, Platform: platform, Err: err}
}

func (e *AdapterError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("adapter %s: %s", e.Platform, e.Kind)
	}
	return fmt.Sprintf("adapter %s: %s: %v", e.Platform, e.Kind, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

func (e *AdapterError) Is(target error) bool {
	switch e.Kind {
	case MalformedPayload:
		return target == ErrMalformedPayload || target == ErrBadRequest
	case Unauthorized:
		return target == ErrUnauthorized
	}
	return false
}

// BindingErrorKind classifies binding code and lookup failures.
type BindingErrorKind string

const (
	CodeNotFound BindingErrorKind = "code_not_found"
	CodeExpired  BindingErrorKind = "code_expired"
	AlreadyBound BindingErrorKind = "already_bound"
	NotBound     BindingErrorKind = "not_bound"
)

// BindingError is surfaced to whoever initiated a binding or lookup.
type BindingError struct {
	Kind   BindingErrorKind
	Detail string
}

func NewBindingError(kind BindingErrorKind, format string, args ...interface{}) error {
	return &BindingError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func (e *BindingError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("binding: %s", e.Kind)
	}
	return fmt.Sprintf("binding: %s: %s", e.Kind, e.Detail)
}

func (e *BindingError) Is(target error) bool {
	switch e.Kind {
	case CodeNotFound:
		return target == ErrCodeNotFound || target == ErrNotFound
	case CodeExpired:
		return target == ErrCodeExpired
	case AlreadyBound:
		return target == ErrAlreadyBound || target == ErrConflict
	case NotBound:
		return target == ErrNotBound || target == ErrNotFound
	}
	return false
}

// StateError reports a rejected status transition on a message log row or task.
type StateError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func NewStateError(entity, id, from, to string) error {
	return &StateError{Entity: entity, ID: id, From: from, To: to}
}

func (e *StateError) Error() string {
	return fmt.Sprintf("invalid transition for %s %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

func (e *StateError) Is(target error) bool {
	return target == ErrInvalidTransition || target == ErrConflict
}

// DispatchError wraps a transport failure while sending a reply to a platform.
type DispatchError struct {
	Platform string
	Err      error
}

func NewDispatchError(platform string, err error) error {
	return &DispatchError{Platform: platform, Err: err}
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("delivery to %s failed: %v", e.Platform, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

func (e *DispatchError) Is(target error) bool {
	return target == ErrDeliveryFailed
}

// BindingKind returns the kind of a BindingError in err's chain, or "" if there is none.
func BindingKind(err error) BindingErrorKind {
	var be *BindingError
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// AdapterKind returns the kind of an AdapterError in err's chain, or "" if there is none.
func AdapterKind(err error) AdapterErrorKind {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}
