package logger

import (
	"context"
	"time"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/reqctx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName is stamped on every line written by the global logger.
const ServiceName = "daisi-im-bridge"

// Log is the global logger. It starts as a no-op so packages can log before Initialize runs (tests).
var Log = zap.NewNop()

type contextKey int

const loggerKey contextKey = iota

// Initialize replaces Log with a JSON logger on stdout. Unknown levels fall back to info.
func Initialize(level string) error {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339))
	}
	encoderCfg.EncodeDuration = zapcore.SecondsDurationEncoder
	encoderCfg.FunctionKey = zapcore.OmitKey

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "json",
		EncoderConfig:    encoderCfg,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    map[string]interface{}{"service": ServiceName},
	}

	built, err := cfg.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}
	Log = built
	return nil
}

// WithLogger attaches a scoped logger to the context
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the scoped logger of ctx, or Log, with request_id and platform
// fields added when the context carries them.
func FromContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return Log
	}

	base := Log
	if scoped, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		base = scoped
	}

	var fields []zap.Field
	if requestID, err := reqctx.RequestIDFrom(ctx); err == nil {
		fields = append(fields, zap.String("request_id", requestID))
	}
	if platform, err := reqctx.PlatformFrom(ctx); err == nil {
		fields = append(fields, zap.String("platform", platform))
	}
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// FromContextOr is FromContext without the request fields and with an explicit fallback.
// Background workers use it to keep their own named logger.
func FromContextOr(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if scoped, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return scoped
	}
	if fallback != nil {
		return fallback
	}
	return Log
}

// Sync flushes buffered entries; call it on shutdown.
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}
