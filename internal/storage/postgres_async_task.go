package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/apperrors"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/observer"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/logger"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/utils"
)

// dequeueSQL claims the next runnable task in a single statement. SKIP LOCKED lets concurrent
// workers pass over rows another transaction is already claiming.
const dequeueSQL = `UPDATE %[1]s SET status = ?, started_at = ?, updated_at = ?
WHERE id = (
	SELECT id FROM %[1]s
	WHERE status = ? AND (run_after IS NULL OR run_after <= ?)
	ORDER BY priority ASC, created_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING *`

// InsertAsyncTask stores a new task row.
func (r *PostgresRepo) InsertAsyncTask(ctx context.Context, task model.AsyncTask) error {
	now := utils.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	operation := func() error {
		if err := r.db.WithContext(ctx).Create(&task).Error; err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	policy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	err := retryableOperation(ctx, policy, "InsertAsyncTask", operation)
	observer.ObserveDbOperationDuration("insert", "async_task", time.Since(startTime), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to insert async task", zap.String("task_type", task.TaskType), zap.Error(err))
		return err
	}
	return nil
}

// DequeueAsyncTask moves the highest priority runnable PENDING task to RUNNING and returns it.
// It returns nil, nil when nothing is runnable. The claim is not retried: if the connection
// drops after the UPDATE committed, a retry would claim a second task and strand the first.
// Such a stranded row is picked up by FailStaleAsyncTasks instead.
func (r *PostgresRepo) DequeueAsyncTask(ctx context.Context, now time.Time) (*model.AsyncTask, error) {
	var tasks []model.AsyncTask

	startTime := utils.Now()
	query := fmt.Sprintf(dequeueSQL, r.tableName("async_tasks"))
	err := checkConstraintViolation(r.db.WithContext(ctx).
		Raw(query, model.TaskStatusRunning, now, now, model.TaskStatusPending, now).
		Scan(&tasks).Error)
	observer.ObserveDbOperationDuration("dequeue", "async_task", time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return &tasks[0], nil
}

// FindAsyncTaskByID loads a task row.
func (r *PostgresRepo) FindAsyncTaskByID(ctx context.Context, id string) (*model.AsyncTask, error) {
	var task model.AsyncTask

	operation := func() error {
		err := r.db.WithContext(ctx).Where("id = ?", id).First(&task).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: async task %s", apperrors.ErrNotFound, id)
			}
			return checkConstraintViolation(err)
		}
		return nil
	}

	policy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	err := retryableOperation(ctx, policy, "FindAsyncTaskByID", operation)
	observer.ObserveDbOperationDuration("select", "async_task", time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// TransitionAsyncTask runs one conditional UPDATE guarded by the current status.
func (r *PostgresRepo) TransitionAsyncTask(ctx context.Context, id, from, to string, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{}
	for k, v := range fields {
		updates[k] = v
	}
	updates["status"] = to
	updates["updated_at"] = utils.Now()

	var changed bool
	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.AsyncTask{}).
			Where("id = ? AND status = ?", id, from).
			Updates(updates)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		changed = result.RowsAffected == 1
		return nil
	}

	policy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	err := retryableOperation(ctx, policy, "TransitionAsyncTask", operation)
	observer.ObserveDbOperationDuration("update", "async_task", time.Since(startTime), err)
	return changed, err
}

// FailStaleAsyncTasks fails RUNNING tasks started before the cutoff. Their worker died or lost
// the claim result; Requeue brings them back.
func (r *PostgresRepo) FailStaleAsyncTasks(ctx context.Context, startedBefore time.Time, detail string) (int64, error) {
	var affected int64

	operation := func() error {
		now := utils.Now()
		result := r.db.WithContext(ctx).Model(&model.AsyncTask{}).
			Where("status = ? AND started_at < ?", model.TaskStatusRunning, startedBefore).
			Updates(map[string]interface{}{
				"status":       model.TaskStatusFailed,
				"error_detail": detail,
				"completed_at": now,
				"updated_at":   now,
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		affected = result.RowsAffected
		return nil
	}

	policy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	err := retryableOperation(ctx, policy, "FailStaleAsyncTasks", operation)
	observer.ObserveDbOperationDuration("update", "async_task", time.Since(startTime), err)
	return affected, err
}
