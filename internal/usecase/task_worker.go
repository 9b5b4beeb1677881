package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/config"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/events"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/observer"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/logger"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/utils"
)

type taskJob struct {
	ctx  context.Context
	task *model.AsyncTask
}

// TaskWorker drains the async task queue through an ants pool. It dequeues only while a worker is
// free, so tasks it has not picked stay PENDING for other instances.
type TaskWorker struct {
	pool       *ants.PoolWithFunc
	queue      *TaskQueue
	router     *TaskRouter
	notifier   *events.Notifier
	cfg        config.TaskWorkerPoolConfig
	baseLogger *zap.Logger
	busy       atomic.Int64
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	inflight   sync.WaitGroup
}

// NewTaskWorker creates the worker pool. notifier is signalled on task.enqueued.
func NewTaskWorker(cfg config.TaskWorkerPoolConfig, queue *TaskQueue, router *TaskRouter, notifier *events.Notifier, baseLogger *zap.Logger) (*TaskWorker, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if notifier == nil {
		notifier = events.NewNotifier()
	}

	worker := &TaskWorker{
		queue:      queue,
		router:     router,
		notifier:   notifier,
		cfg:        cfg,
		baseLogger: baseLogger.Named("task_worker"),
		stopChan:   make(chan struct{}),
	}

	pool, err := ants.NewPoolWithFunc(cfg.PoolSize, func(i interface{}) {
		job, ok := i.(taskJob)
		if !ok {
			worker.baseLogger.Error("Invalid task data type received", zap.Any("data", i))
			return
		}
		worker.process(job)
	},
		ants.WithExpiryDuration(cfg.ExpiryTime),
		ants.WithNonblocking(false),
		ants.WithMaxBlockingTasks(cfg.MaxBlock),
		ants.WithPanicHandler(func(err interface{}) {
			worker.baseLogger.Error("Panic recovered in task worker",
				zap.Any("panic_error", err),
				zap.Stack("stack"))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task worker pool: %w", err)
	}
	worker.pool = pool

	worker.baseLogger.Info("Task worker initialized",
		zap.Int("pool_size", cfg.PoolSize),
		zap.Duration("poll_interval", cfg.PollInterval))
	return worker, nil
}

// Start runs the dequeue loop until ctx is done or Stop is called.
func (w *TaskWorker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

func (w *TaskWorker) run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		wake := w.notifier.Wait()
		w.fill(ctx)
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

// fill dequeues tasks until every worker is busy or the queue is empty.
func (w *TaskWorker) fill(ctx context.Context) {
	for w.busy.Load() < int64(w.cfg.PoolSize) {
		select {
		case <-w.stopChan:
			return
		default:
		}

		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.baseLogger.Error("Failed to dequeue task", zap.Error(err))
			}
			return
		}
		if task == nil {
			return
		}

		w.inflight.Add(1)
		observer.SetTaskWorkersRunning(int(w.busy.Add(1)))
		if err := w.pool.Invoke(taskJob{ctx: ctx, task: task}); err != nil {
			w.finish()
			observer.IncTaskPoolRejected()
			w.baseLogger.Warn("Task pool rejected task, releasing it",
				zap.String("task_id", task.ID),
				zap.Bool("overload", errors.Is(err, ants.ErrPoolOverload)),
				zap.Error(err))
			if rerr := w.queue.Release(context.WithoutCancel(ctx), task.ID); rerr != nil {
				w.baseLogger.Error("Failed to release rejected task", zap.String("task_id", task.ID), zap.Error(rerr))
			}
			return
		}
	}
}

func (w *TaskWorker) finish() {
	observer.SetTaskWorkersRunning(int(w.busy.Add(-1)))
	w.inflight.Done()
}

func (w *TaskWorker) process(job taskJob) {
	task := job.task
	log := logger.FromContextOr(job.ctx, w.baseLogger).With(
		zap.String("task_id", task.ID),
		zap.String("task_type", task.TaskType))
	defer func() {
		w.finish()
		// A freed worker may pick up the next task right away.
		w.notifier.Notify()
	}()

	// State writes must land even when the run context was cancelled or timed out.
	stateCtx := logger.WithLogger(context.WithoutCancel(job.ctx), log)

	runCtx := stateCtx
	if w.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(job.ctx, w.cfg.TaskTimeout)
		defer cancel()
		runCtx = logger.WithLogger(runCtx, log)
	}

	start := utils.Now()
	output, err := w.invoke(runCtx, task)
	observer.ObserveTaskProcessingDuration(task.TaskType, time.Since(start))

	if err == nil {
		if cerr := w.queue.Complete(stateCtx, task.ID, output); cerr != nil {
			log.Error("Failed to complete task", zap.Error(cerr))
			observer.IncTasksProcessed(task.TaskType, "error")
			return
		}
		observer.IncTasksProcessed(task.TaskType, model.TaskStatusCompleted)
		log.Debug("Task completed", zap.Duration("duration", time.Since(start)))
		return
	}

	retried, ferr := w.queue.Fail(stateCtx, task, err)
	if ferr != nil {
		log.Error("Failed to record task failure", zap.Error(ferr), zap.NamedError("cause", err))
		observer.IncTasksProcessed(task.TaskType, "error")
		return
	}
	if retried {
		observer.IncTasksProcessed(task.TaskType, "retried")
	} else {
		observer.IncTasksProcessed(task.TaskType, model.TaskStatusFailed)
	}
	log.Warn("Task failed", zap.Bool("retried", retried), zap.Error(err))
}

// invoke runs the handler and turns a panic into an error so the task is failed, not stuck RUNNING.
func (w *TaskWorker) invoke(ctx context.Context, task *model.AsyncTask) (output interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).Error("Panic in task handler", zap.Any("panic_error", r), zap.Stack("stack"))
			err = fmt.Errorf("task handler panicked: %v", r)
		}
	}()
	return w.router.Route(ctx, task)
}

// RunOnce dequeues and runs tasks synchronously until the queue is empty. Used by tests and tooling.
func (w *TaskWorker) RunOnce(ctx context.Context) (int, error) {
	n := 0
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			return n, err
		}
		if task == nil {
			return n, nil
		}
		w.inflight.Add(1)
		w.busy.Add(1)
		w.process(taskJob{ctx: ctx, task: task})
		n++
	}
}

// Stop ends the loop, waits up to timeout for running tasks and releases the pool.
func (w *TaskWorker) Stop(timeout time.Duration) {
	w.stopOnce.Do(func() {
		w.baseLogger.Info("Stopping task worker")
		close(w.stopChan)
		w.wg.Wait()

		done := make(chan struct{})
		go func() {
			w.inflight.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			w.baseLogger.Warn("Timed out waiting for running tasks", zap.Int64("running", w.busy.Load()))
		}

		if err := w.pool.ReleaseTimeout(timeout); err != nil {
			w.baseLogger.Warn("Task pool release timed out", zap.Error(err))
		}
		w.baseLogger.Info("Task worker stopped")
	})
}
