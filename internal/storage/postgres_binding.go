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

// RedeemRequest carries the external identity presenting a binding code.
type RedeemRequest struct {
	Platform         string
	Code             string
	PlatformUserID   string
	PlatformUsername string
	Now              time.Time
}

// IssueBindingCode expires every live code of the employee and inserts the new PENDING row, atomically.
func (r *PostgresRepo) IssueBindingCode(ctx context.Context, binding model.UserBinding) error {
	now := utils.Now()
	binding.Status = model.BindingStatusPending
	binding.CreatedAt = now
	binding.UpdatedAt = now

	operation := func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			err := tx.Model(&model.UserBinding{}).
				Where("employee_id = ? AND status = ?", binding.EmployeeID, model.BindingStatusPending).
				Updates(map[string]interface{}{
					"status":     model.BindingStatusExpired,
					"updated_at": now,
				}).Error
			if err != nil {
				return checkConstraintViolation(err)
			}
			if err := tx.Create(&binding).Error; err != nil {
				return checkConstraintViolation(err)
			}
			return nil
		})
	}

	policy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	err := retryableOperation(ctx, policy, "IssueBindingCode", operation)
	observer.ObserveDbOperationDuration("insert", "user_binding", time.Since(startTime), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to issue binding code",
			zap.String("employee_id", binding.EmployeeID),
			zap.String("platform", binding.Platform),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// RedeemBindingCode turns the PENDING row holding req.Code into a BOUND binding for the external identity.
// The PENDING row is locked for the duration of the transaction. An expired code is marked EXPIRED
// and committed before CodeExpired is returned.
func (r *PostgresRepo) RedeemBindingCode(ctx context.Context, req RedeemRequest) (*model.UserBinding, error) {
	var result model.UserBinding
	var expired bool

	operation := func() error {
		expired = false
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var pending model.UserBinding
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("binding_code = ? AND status = ?", req.Code, model.BindingStatusPending).
				First(&pending).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return apperrors.NewBindingError(apperrors.CodeNotFound, "no pending code %s", req.Code)
				}
				return checkConstraintViolation(err)
			}
			if pending.Platform != req.Platform {
				return apperrors.NewBindingError(apperrors.CodeNotFound, "code %s was issued for %s", req.Code, pending.Platform)
			}

			if !pending.CodeExpiresAt.After(req.Now) {
				if err := expireBinding(tx, pending.ID, req.Now); err != nil {
					return err
				}
				expired = true
				return nil
			}

			var existing model.UserBinding
			err = tx.Where("platform = ? AND platform_user_id = ? AND status = ?", req.Platform, req.PlatformUserID, model.BindingStatusBound).
				First(&existing).Error
			switch {
			case err == nil:
				if existing.EmployeeID != pending.EmployeeID {
					return apperrors.NewBindingError(apperrors.AlreadyBound, "%s user %s is bound to another employee", req.Platform, req.PlatformUserID)
				}
				if err := expireBinding(tx, pending.ID, req.Now); err != nil {
					return err
				}
				result = existing
				return nil
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return checkConstraintViolation(err)
			}

			userID := req.PlatformUserID
			boundAt := req.Now
			err = tx.Model(&model.UserBinding{}).
				Where("id = ? AND status = ?", pending.ID, model.BindingStatusPending).
				Updates(map[string]interface{}{
					"status":            model.BindingStatusBound,
					"platform_user_id":  userID,
					"platform_username": req.PlatformUsername,
					"bound_at":          boundAt,
					"updated_at":        req.Now,
				}).Error
			if err != nil {
				mapped := checkConstraintViolation(err)
				if apperrors.IsDuplicateError(mapped) {
					return apperrors.NewBindingError(apperrors.AlreadyBound, "%s user %s was bound concurrently", req.Platform, req.PlatformUserID)
				}
				return mapped
			}

			pending.Status = model.BindingStatusBound
			pending.PlatformUserID = &userID
			pending.PlatformUsername = req.PlatformUsername
			pending.BoundAt = &boundAt
			pending.UpdatedAt = req.Now
			result = pending
			return nil
		})
	}

	policy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	err := retryableOperation(ctx, policy, "RedeemBindingCode", operation)
	observer.ObserveDbOperationDuration("update", "user_binding", time.Since(startTime), err)
	if err != nil {
		return nil, passThrough(err)
	}
	if expired {
		return nil, apperrors.NewBindingError(apperrors.CodeExpired, "code %s expired", req.Code)
	}
	return &result, nil
}

func expireBinding(tx *gorm.DB, id string, now time.Time) error {
	err := tx.Model(&model.UserBinding{}).
		Where("id = ? AND status = ?", id, model.BindingStatusPending).
		Updates(map[string]interface{}{
			"status":     model.BindingStatusExpired,
			"updated_at": now,
		}).Error
	if err != nil {
		return checkConstraintViolation(err)
	}
	return nil
}

// FindBoundBinding returns the BOUND binding of an external identity.
func (r *PostgresRepo) FindBoundBinding(ctx context.Context, platform, platformUserID string) (*model.UserBinding, error) {
	var binding model.UserBinding

	operation := func() error {
		err := r.db.WithContext(ctx).
			Where("platform = ? AND platform_user_id = ? AND status = ?", platform, platformUserID, model.BindingStatusBound).
			First(&binding).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.NewBindingError(apperrors.NotBound, "%s user %s", platform, platformUserID)
			}
			return checkConstraintViolation(err)
		}
		return nil
	}

	policy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	err := retryableOperation(ctx, policy, "FindBoundBinding", operation)
	observer.ObserveDbOperationDuration("select", "user_binding", time.Since(startTime), err)
	if err != nil {
		return nil, passThrough(err)
	}
	return &binding, nil
}

// FindBindingByID loads a binding row regardless of status.
func (r *PostgresRepo) FindBindingByID(ctx context.Context, id string) (*model.UserBinding, error) {
	var binding model.UserBinding

	operation := func() error {
		err := r.db.WithContext(ctx).Where("id = ?", id).First(&binding).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: binding %s", apperrors.ErrNotFound, id)
			}
			return checkConstraintViolation(err)
		}
		return nil
	}

	policy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	err := retryableOperation(ctx, policy, "FindBindingByID", operation)
	observer.ObserveDbOperationDuration("select", "user_binding", time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return &binding, nil
}

// ExpireStaleBindingCodes marks PENDING rows past expiry as EXPIRED and returns how many changed.
func (r *PostgresRepo) ExpireStaleBindingCodes(ctx context.Context, now time.Time) (int64, error) {
	var affected int64

	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.UserBinding{}).
			Where("status = ? AND code_expires_at <= ?", model.BindingStatusPending, now).
			Updates(map[string]interface{}{
				"status":     model.BindingStatusExpired,
				"updated_at": now,
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		affected = result.RowsAffected
		return nil
	}

	policy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	err := retryableOperation(ctx, policy, "ExpireStaleBindingCodes", operation)
	observer.ObserveDbOperationDuration("update", "user_binding", time.Since(startTime), err)
	return affected, err
}
