package utils

import (
	"context"
	"fmt"
	"runtime/debug"

	"gitlab.com/timkado/api/daisi-im-bridge/pkg/logger"
	"go.uber.org/zap"
)

// RecoverFn receives a recovered panic value and the goroutine stack.
type RecoverFn func(r interface{}, stack []byte)

// SafeGo runs fn in a new goroutine. A panic goes to onPanic, or to the global logger
// when onPanic is nil.
func SafeGo(fn func(), onPanic RecoverFn) {
	go func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			stack := debug.Stack()
			if onPanic != nil {
				onPanic(r, stack)
				return
			}
			logPanic(logger.Log, "goroutine", r, stack)
		}()
		fn()
	}()
}

// RecoverWithLog is deferred by long-running loops so one bad iteration does not kill the process.
func RecoverWithLog(ctx context.Context, operation string) {
	if r := recover(); r != nil {
		logPanic(logger.FromContext(ctx), operation, r, debug.Stack())
	}
}

// WrapWithContextRecovery turns a panic inside fn into an error returned to the caller.
func WrapWithContextRecovery(fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logPanic(logger.FromContext(ctx), "wrapped call", r, debug.Stack())
				err = fmt.Errorf("panic recovered: %v", r)
			}
		}()
		return fn(ctx)
	}
}

func logPanic(log *zap.Logger, operation string, r interface{}, stack []byte) {
	log.Error("[panic] Recovered from panic during "+operation,
		zap.Any("panic", r),
		zap.ByteString("stack", stack),
		zap.Time("recovery_time", Now()),
	)
}
