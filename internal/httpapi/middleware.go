package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/apperrors"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/reqctx"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withRequestID tags the request context with the caller's X-Request-ID, or a fresh one.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		ctx := reqctx.WithRequestID(r.Context(), id)
		ctx = logger.WithLogger(ctx, s.logger)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r.WithContext(ctx))

		logger.FromContext(ctx).Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("Panic recovered in HTTP handler",
					zap.Any("panic_error", rec),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"))
				writeError(w, r, apperrors.NewFatal(errPanic, "handler %s", r.URL.Path))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
