package reqctx

import (
	"context"
	"errors"
)

type contextKey string

const (
	requestIDKey contextKey = "requestID"
	platformKey  contextKey = "platform"
)

// ErrNoRequestIDInContext is returned when no request ID is found in context
var ErrNoRequestIDInContext = errors.New("no request ID found in context")

// ErrNoPlatformInContext is returned when no platform identifier is found in context
var ErrNoPlatformInContext = errors.New("no platform found in context")

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFrom extracts the request ID from the context
func RequestIDFrom(ctx context.Context) (string, error) {
	requestID, ok := ctx.Value(requestIDKey).(string)
	if !ok || requestID == "" {
		return "", ErrNoRequestIDInContext
	}
	return requestID, nil
}

// WithPlatform tags the context with the platform a request or message belongs to.
func WithPlatform(ctx context.Context, platform string) context.Context {
	return context.WithValue(ctx, platformKey, platform)
}

// PlatformFrom extracts the platform identifier from the context
func PlatformFrom(ctx context.Context) (string, error) {
	platform, ok := ctx.Value(platformKey).(string)
	if !ok || platform == "" {
		return "", ErrNoPlatformInContext
	}
	return platform, nil
}

// PlatformOr returns the platform from context, or fallback if none is set.
func PlatformOr(ctx context.Context, fallback string) string {
	if p, err := PlatformFrom(ctx); err == nil {
		return p
	}
	return fallback
}
