package httpapi

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/apperrors"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/logger"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/utils"
)

var errPanic = errors.New("handler panicked")

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps the error taxonomy to an HTTP status and a stable code string.
func statusFor(err error) (int, string) {
	switch {
	case apperrors.IsUnauthorizedError(err):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, apperrors.ErrMalformedPayload):
		return http.StatusBadRequest, "malformed_payload"
	case apperrors.IsValidationError(err):
		return http.StatusBadRequest, "validation_failed"
	case apperrors.IsBadRequestError(err):
		return http.StatusBadRequest, "bad_request"
	case apperrors.IsRateLimitedError(err):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, apperrors.ErrCodeExpired):
		return http.StatusGone, "code_expired"
	case errors.Is(err, apperrors.ErrCodeNotFound):
		return http.StatusNotFound, "code_not_found"
	case errors.Is(err, apperrors.ErrNotBound):
		return http.StatusNotFound, "not_bound"
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperrors.ErrAlreadyBound):
		return http.StatusConflict, "already_bound"
	case errors.Is(err, apperrors.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case apperrors.IsAlreadyClaimedError(err):
		return http.StatusConflict, "already_claimed"
	case apperrors.IsConflictError(err), apperrors.IsDuplicateError(err):
		return http.StatusConflict, "conflict"
	case errors.Is(err, apperrors.ErrDeliveryFailed):
		return http.StatusBadGateway, "delivery_failed"
	case errors.Is(err, context.DeadlineExceeded), apperrors.IsTimeoutError(err):
		return http.StatusGatewayTimeout, "timeout"
	case apperrors.IsNATSError(err):
		return http.StatusServiceUnavailable, "unavailable"
	case apperrors.IsRetryable(err) && apperrors.IsDatabaseError(err):
		return http.StatusServiceUnavailable, "database_unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	log := logger.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Bool("fatal", apperrors.IsFatal(err)),
			zap.Error(err),
		)
	} else {
		log.Debug("Request rejected", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	}

	msg := err.Error()
	if status == http.StatusInternalServerError || code == "database_unavailable" {
		// Internal details stay in the logs.
		msg = http.StatusText(status)
	}
	utils.WriteJSONResponse(w, status, ErrorResponse{Error: msg, Code: code})
}
