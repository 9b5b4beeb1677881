package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/apperrors"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/config"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/events"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/observer"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/storage"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/logger"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/utils"
)

const (
	entityAsyncTask    = "async_task"
	leaseExpiredDetail = "lease expired"
)

// EnqueueRequest describes a new task. A nil Priority means TaskPriorityNormal; 0 is a valid
// explicit priority and runs before everything else.
type EnqueueRequest struct {
	TaskType     string          `json:"task_type" validate:"required"`
	Input        json.RawMessage `json:"input"`
	Priority     *int            `json:"priority,omitempty" validate:"omitempty,gte=0"`
	MessageLogID *string         `json:"message_log_id,omitempty" validate:"omitempty,uuid"`
	BindingID    *string         `json:"binding_id,omitempty" validate:"omitempty,uuid"`
}

// TaskQueue persists async tasks and moves them through PENDING, RUNNING and a terminal state.
type TaskQueue struct {
	repo  storage.AsyncTaskRepo
	bus   events.Bus
	retry config.TaskRetryConfig
	now   func() time.Time
}

func NewTaskQueue(repo storage.AsyncTaskRepo, bus events.Bus, retry config.TaskRetryConfig) *TaskQueue {
	return &TaskQueue{repo: repo, bus: bus, retry: retry, now: utils.Now}
}

// Enqueue stores a PENDING task and announces it so idle workers wake up.
func (q *TaskQueue) Enqueue(ctx context.Context, req EnqueueRequest) (*model.AsyncTask, error) {
	if strings.TrimSpace(req.TaskType) == "" {
		return nil, fmt.Errorf("%w: task_type is required", apperrors.ErrValidation)
	}
	if len(req.Input) > 0 && !json.Valid(req.Input) {
		return nil, fmt.Errorf("%w: input is not valid JSON", apperrors.ErrValidation)
	}
	priority := model.TaskPriorityNormal
	if req.Priority != nil {
		if *req.Priority < 0 {
			return nil, fmt.Errorf("%w: priority must not be negative", apperrors.ErrValidation)
		}
		priority = *req.Priority
	}

	task := model.AsyncTask{
		ID:           uuid.NewString(),
		TaskType:     req.TaskType,
		Status:       model.TaskStatusPending,
		Priority:     priority,
		InputData:    datatypes.JSON(req.Input),
		MessageLogID: req.MessageLogID,
		BindingID:    req.BindingID,
		CreatedAt:    q.now(),
	}
	if err := q.repo.Insert(ctx, task); err != nil {
		return nil, handleRepositoryError(ctx, err, "EnqueueTask", task.TaskType)
	}
	observer.IncTasksEnqueued(task.TaskType)
	q.announce(ctx, &task)
	return &task, nil
}

func (q *TaskQueue) announce(ctx context.Context, task *model.AsyncTask) {
	if q.bus == nil {
		return
	}
	err := q.bus.Publish(ctx, events.Event{Kind: events.KindTaskEnqueued, ID: task.ID, TaskType: task.TaskType})
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to announce task", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// Dequeue claims the next runnable task, or returns nil when the queue is empty.
func (q *TaskQueue) Dequeue(ctx context.Context) (*model.AsyncTask, error) {
	task, err := q.repo.Dequeue(ctx, q.now())
	if err != nil {
		return nil, handleRepositoryError(ctx, err, "DequeueTask", "")
	}
	return task, nil
}

// Get loads a task.
func (q *TaskQueue) Get(ctx context.Context, id string) (*model.AsyncTask, error) {
	task, err := q.repo.FindByID(ctx, id)
	if err != nil {
		return nil, handleRepositoryError(ctx, err, "GetTask", id)
	}
	return task, nil
}

// Complete moves a RUNNING task to COMPLETED with its output document.
func (q *TaskQueue) Complete(ctx context.Context, id string, output interface{}) error {
	fields := map[string]interface{}{"completed_at": q.now()}
	if output != nil {
		data, err := json.Marshal(output)
		if err != nil {
			return fmt.Errorf("marshal task output: %w", err)
		}
		fields["output_data"] = datatypes.JSON(data)
	}
	return q.transition(ctx, id, model.TaskStatusRunning, model.TaskStatusCompleted, fields)
}

// Fail records a handler failure. With automatic retry enabled and attempts left the task goes back
// to PENDING after a backoff delay and retried is true; otherwise it becomes FAILED.
func (q *TaskQueue) Fail(ctx context.Context, task *model.AsyncTask, cause error) (bool, error) {
	detail := "task failed"
	if cause != nil {
		detail = cause.Error()
	}
	next := task.RetryCount + 1

	if q.retry.MaxAttempts > 0 && next <= q.retry.MaxAttempts {
		runAfter := q.now().Add(q.retryDelay(next))
		err := q.transition(ctx, task.ID, model.TaskStatusRunning, model.TaskStatusPending, map[string]interface{}{
			"retry_count":  next,
			"run_after":    runAfter,
			"error_detail": detail,
			"started_at":   nil,
		})
		if err != nil {
			return false, err
		}
		logger.FromContext(ctx).Info("Task scheduled for retry",
			zap.String("task_id", task.ID),
			zap.Int("retry_count", next),
			zap.Time("run_after", runAfter),
		)
		return true, nil
	}

	err := q.transition(ctx, task.ID, model.TaskStatusRunning, model.TaskStatusFailed, map[string]interface{}{
		"retry_count":  next,
		"error_detail": detail,
		"completed_at": q.now(),
	})
	return false, err
}

// retryDelay is the exponential delay before attempt n (1-based), without jitter.
func (q *TaskQueue) retryDelay(n int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.retry.BaseDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = 10 * time.Second
	}
	if q.retry.MaxDelay > 0 {
		b.MaxInterval = q.retry.MaxDelay
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < n; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Release hands a RUNNING task back to PENDING untouched, e.g. when no worker could take it.
func (q *TaskQueue) Release(ctx context.Context, id string) error {
	return q.transition(ctx, id, model.TaskStatusRunning, model.TaskStatusPending, map[string]interface{}{
		"started_at": nil,
	})
}

// Cancel moves a PENDING task to CANCELLED. Running tasks cannot be cancelled.
func (q *TaskQueue) Cancel(ctx context.Context, id string) error {
	return q.transition(ctx, id, model.TaskStatusPending, model.TaskStatusCancelled, map[string]interface{}{
		"completed_at": q.now(),
	})
}

// Requeue creates a new PENDING task from a FAILED one, carrying its input and retry count.
func (q *TaskQueue) Requeue(ctx context.Context, id string) (*model.AsyncTask, error) {
	failed, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if failed.Status != model.TaskStatusFailed {
		return nil, apperrors.NewStateError(entityAsyncTask, id, failed.Status, model.TaskStatusPending)
	}

	task := model.AsyncTask{
		ID:           uuid.NewString(),
		TaskType:     failed.TaskType,
		Status:       model.TaskStatusPending,
		Priority:     failed.Priority,
		InputData:    failed.InputData,
		RetryCount:   failed.RetryCount,
		MessageLogID: failed.MessageLogID,
		BindingID:    failed.BindingID,
		CreatedAt:    q.now(),
	}
	if err := q.repo.Insert(ctx, task); err != nil {
		return nil, handleRepositoryError(ctx, err, "RequeueTask", id)
	}
	observer.IncTasksEnqueued(task.TaskType)
	logger.FromContext(ctx).Info("Task requeued", zap.String("failed_task_id", id), zap.String("task_id", task.ID))
	q.announce(ctx, &task)
	return &task, nil
}

// FailStale fails RUNNING tasks whose worker has not finished them within timeout. This covers
// a crashed process and a dequeue whose result never reached the worker. Requeue revives them.
func (q *TaskQueue) FailStale(ctx context.Context, timeout time.Duration) (int64, error) {
	if timeout <= 0 {
		return 0, nil
	}
	n, err := q.repo.FailStaleRunning(ctx, q.now().Add(-timeout), leaseExpiredDetail)
	if err != nil {
		return 0, handleRepositoryError(ctx, err, "FailStaleTasks", "")
	}
	if n > 0 {
		logger.FromContext(ctx).Warn("Failed tasks with expired lease", zap.Int64("count", n), zap.Duration("timeout", timeout))
	}
	return n, nil
}

func (q *TaskQueue) transition(ctx context.Context, id, from, to string, fields map[string]interface{}) error {
	changed, err := q.repo.Transition(ctx, id, from, to, fields)
	if err != nil {
		return handleRepositoryError(ctx, err, "TransitionTask", id)
	}
	if changed {
		return nil
	}
	current, err := q.repo.FindByID(ctx, id)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			return err
		}
		return handleRepositoryError(ctx, err, "TransitionTask", id)
	}
	return apperrors.NewStateError(entityAsyncTask, id, current.Status, to)
}
