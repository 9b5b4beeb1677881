package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/apperrors"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/observer"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/logger"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/utils"
)

const maxPendingPageSize = 500

func (r *PostgresRepo) tableName(name string) string {
	return r.db.NamingStrategy.TableName(name)
}

// InsertMessageLog inserts a row unless (platform, external_message_id, direction) already exists.
// It returns the stored row and whether this call created it. created_at is always the insertion
// time so pending pollers never see a row appear behind their cursor.
func (r *PostgresRepo) InsertMessageLog(ctx context.Context, msg model.MessageLog) (*model.MessageLog, bool, error) {
	now := utils.Now()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	var stored model.MessageLog
	var created bool

	operation := func() error {
		result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&msg)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 1 {
			stored = msg
			created = true
			return nil
		}

		created = false
		err := r.db.WithContext(ctx).
			Where("platform = ? AND external_message_id = ? AND direction = ?", msg.Platform, msg.ExternalMessageID, msg.Direction).
			First(&stored).Error
		if err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	policy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	err := retryableOperation(ctx, policy, "InsertMessageLog", operation)
	observer.ObserveDbOperationDuration("insert", "message_log", time.Since(startTime), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to insert message log",
			zap.String("platform", msg.Platform),
			zap.String("external_message_id", msg.ExternalMessageID),
			zap.Error(err),
		)
		return nil, false, err
	}
	return &stored, created, nil
}

// FindMessageLogByID loads a message log row.
func (r *PostgresRepo) FindMessageLogByID(ctx context.Context, id string) (*model.MessageLog, error) {
	var msg model.MessageLog

	operation := func() error {
		err := r.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: message log %s", apperrors.ErrNotFound, id)
			}
			return checkConstraintViolation(err)
		}
		return nil
	}

	policy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	err := retryableOperation(ctx, policy, "FindMessageLogByID", operation)
	observer.ObserveDbOperationDuration("select", "message_log", time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// FindMessageLogByExternalID loads the row stored for a platform message id and direction.
func (r *PostgresRepo) FindMessageLogByExternalID(ctx context.Context, platform, externalMessageID, direction string) (*model.MessageLog, error) {
	var msg model.MessageLog

	operation := func() error {
		err := r.db.WithContext(ctx).
			Where("platform = ? AND external_message_id = ? AND direction = ?", platform, externalMessageID, direction).
			First(&msg).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: message log %s/%s", apperrors.ErrNotFound, platform, externalMessageID)
			}
			return checkConstraintViolation(err)
		}
		return nil
	}

	policy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	err := retryableOperation(ctx, policy, "FindMessageLogByExternalID", operation)
	observer.ObserveDbOperationDuration("select", "message_log", time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// TransitionMessageStatus runs one conditional UPDATE guarded by the current status.
// It reports whether the row was in state `from` and therefore changed.
func (r *PostgresRepo) TransitionMessageStatus(ctx context.Context, id, from, to string, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{}
	for k, v := range fields {
		updates[k] = v
	}
	updates["status"] = to
	updates["updated_at"] = utils.Now()

	var changed bool
	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.MessageLog{}).
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
	err := retryableOperation(ctx, policy, "TransitionMessageStatus", operation)
	observer.ObserveDbOperationDuration("update", "message_log", time.Since(startTime), err)
	return changed, err
}

// StartMessageReply marks a PROCESSING inbound row as being answered. Only one caller per row
// gets true. The statement runs once: after an ambiguous failure a retry could report false
// for an update that did commit.
func (r *PostgresRepo) StartMessageReply(ctx context.Context, id string, at time.Time) (bool, error) {
	startTime := utils.Now()
	result := r.db.WithContext(ctx).Model(&model.MessageLog{}).
		Where("id = ? AND status = ? AND direction = ? AND reply_started_at IS NULL",
			id, model.MessageStatusProcessing, model.MessageFlowIncoming).
		Updates(map[string]interface{}{"reply_started_at": at, "updated_at": utils.Now()})
	err := checkConstraintViolation(result.Error)
	observer.ObserveDbOperationDuration("update", "message_log", time.Since(startTime), err)
	if err != nil {
		return false, err
	}
	return result.RowsAffected == 1, nil
}

// ListPendingMessages returns inbound RECEIVED rows oldest first, with the sender's current binding.
func (r *PostgresRepo) ListPendingMessages(ctx context.Context, filter model.PendingFilter) ([]model.PendingMessage, error) {
	limit := filter.Limit
	if limit <= 0 || limit > maxPendingPageSize {
		limit = maxPendingPageSize
	}

	var rows []model.PendingMessage
	operation := func() error {
		q := r.db.WithContext(ctx).
			Table(r.tableName("message_logs")+" AS m").
			Select(`m.id, m.platform, m.external_user_id, m.external_username, m.conversation_id, m.binding_id,
				b.employee_id AS bound_employee_id, e.name AS employee_name,
				m.content, m.message_kind, m.file_id, m.file_path, m.file_type, m.file_name, m.platform_sent_at, m.created_at`).
			Joins(fmt.Sprintf("LEFT JOIN %s AS b ON b.platform = m.platform AND b.platform_user_id = m.external_user_id AND b.status = ?", r.tableName("user_bindings")), model.BindingStatusBound).
			Joins(fmt.Sprintf("LEFT JOIN %s AS e ON e.id = b.employee_id", r.tableName("employees"))).
			Where("m.status = ? AND m.direction = ?", model.MessageStatusReceived, model.MessageFlowIncoming)
		if filter.Platform != "" {
			q = q.Where("m.platform = ?", filter.Platform)
		}
		if !filter.Since.IsZero() {
			q = q.Where("m.created_at > ?", filter.Since)
		}
		if err := q.Order("m.created_at ASC, m.id ASC").Limit(limit).Scan(&rows).Error; err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	policy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	err := retryableOperation(ctx, policy, "ListPendingMessages", operation)
	observer.ObserveDbOperationDuration("select", "pending_message", time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].FillFileRef()
	}
	return rows, nil
}

// MessageHistory returns the latest messages exchanged with an external user, oldest first.
func (r *PostgresRepo) MessageHistory(ctx context.Context, platform, externalUserID string, limit int) ([]model.HistoryEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []model.MessageLog

	operation := func() error {
		err := r.db.WithContext(ctx).
			Select("direction", "content", "created_at").
			Where("platform = ? AND external_user_id = ? AND content <> ''", platform, externalUserID).
			Order("created_at DESC").
			Limit(limit).
			Find(&rows).Error
		if err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	policy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	err := retryableOperation(ctx, policy, "MessageHistory", operation)
	observer.ObserveDbOperationDuration("select", "message_log", time.Since(startTime), err)
	if err != nil {
		return nil, err
	}

	history := make([]model.HistoryEntry, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		history = append(history, model.HistoryEntry{
			Direction: rows[i].Direction,
			Content:   rows[i].Content,
			CreatedAt: rows[i].CreatedAt,
		})
	}
	return history, nil
}

// UpdateMessageFile stores a resolved attachment reference. Status is left alone.
func (r *PostgresRepo) UpdateMessageFile(ctx context.Context, id string, ref model.FileRef) error {
	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.MessageLog{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"file_id":    ref.ID,
				"file_path":  ref.Path,
				"file_type":  ref.Type,
				"file_name":  ref.Name,
				"updated_at": utils.Now(),
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: message log %s", apperrors.ErrNotFound, id)
		}
		return nil
	}

	policy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	err := retryableOperation(ctx, policy, "UpdateMessageFile", operation)
	observer.ObserveDbOperationDuration("update", "message_log", time.Since(startTime), err)
	return err
}

// FailStaleClaims moves PROCESSING rows claimed before the cutoff to FAILED.
func (r *PostgresRepo) FailStaleClaims(ctx context.Context, claimedBefore time.Time, detail string) (int64, error) {
	var affected int64

	operation := func() error {
		now := utils.Now()
		result := r.db.WithContext(ctx).Model(&model.MessageLog{}).
			Where("status = ? AND claimed_at < ?", model.MessageStatusProcessing, claimedBefore).
			Updates(map[string]interface{}{
				"status":       model.MessageStatusFailed,
				"error_detail": detail,
				"processed_at": now,
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
	err := retryableOperation(ctx, policy, "FailStaleClaims", operation)
	observer.ObserveDbOperationDuration("update", "message_log", time.Since(startTime), err)
	return affected, err
}
