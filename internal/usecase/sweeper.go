package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-im-bridge/pkg/logger"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/utils"
)

// Sweeper runs a housekeeping function on a fixed interval.
type Sweeper struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) (int64, error)
}

func NewSweeper(name string, interval time.Duration, fn func(ctx context.Context) (int64, error)) *Sweeper {
	return &Sweeper{name: name, interval: interval, fn: fn}
}

// NewReclaimSweeper fails PROCESSING messages whose claim is older than timeout.
func NewReclaimSweeper(messages *MessageLogService, interval, timeout time.Duration) *Sweeper {
	return NewSweeper("reclaim", interval, func(ctx context.Context) (int64, error) {
		return messages.ReclaimStale(ctx, timeout)
	})
}

// NewTaskLeaseSweeper fails RUNNING tasks started longer than timeout ago.
func NewTaskLeaseSweeper(tasks *TaskQueue, interval, timeout time.Duration) *Sweeper {
	return NewSweeper("task_lease", interval, func(ctx context.Context) (int64, error) {
		return tasks.FailStale(ctx, timeout)
	})
}

// NewBindingCodeSweeper expires PENDING binding codes past their expiry.
func NewBindingCodeSweeper(bindings *BindingService, interval time.Duration) *Sweeper {
	return NewSweeper("binding_codes", interval, bindings.ExpireStaleCodes)
}

// Run blocks until ctx is done. A non-positive interval disables the sweeper.
func (s *Sweeper) Run(ctx context.Context) {
	log := logger.FromContext(ctx).Named("sweeper").With(zap.String("sweeper", s.name))
	if s.interval <= 0 {
		log.Info("Sweeper disabled")
		return
	}
	defer utils.RecoverWithLog(ctx, "sweeper "+s.name)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.fn(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error("Sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Debug("Sweep done", zap.Int64("affected", n))
			}
		}
	}
}
