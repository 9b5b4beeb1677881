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

// FindPlatformConfig loads the configuration row of a platform.
func (r *PostgresRepo) FindPlatformConfig(ctx context.Context, platform string) (*model.PlatformConfig, error) {
	var cfg model.PlatformConfig

	operation := func() error {
		err := r.db.WithContext(ctx).Where("platform = ?", platform).First(&cfg).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: platform config %s", apperrors.ErrNotFound, platform)
			}
			return checkConstraintViolation(err)
		}
		return nil
	}

	policy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	err := retryableOperation(ctx, policy, "FindPlatformConfig", operation)
	observer.ObserveDbOperationDuration("select", "platform_config", time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ListPlatformConfigs returns every platform row ordered by identifier.
func (r *PostgresRepo) ListPlatformConfigs(ctx context.Context) ([]model.PlatformConfig, error) {
	var cfgs []model.PlatformConfig

	operation := func() error {
		if err := r.db.WithContext(ctx).Order("platform ASC").Find(&cfgs).Error; err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	policy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	err := retryableOperation(ctx, policy, "ListPlatformConfigs", operation)
	observer.ObserveDbOperationDuration("select", "platform_config", time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return cfgs, nil
}

// UpsertPlatformConfig writes a platform row. The platform identifier itself is never updated.
func (r *PostgresRepo) UpsertPlatformConfig(ctx context.Context, cfg model.PlatformConfig) error {
	if !model.IsSupportedPlatform(cfg.Platform) {
		return fmt.Errorf("%w: unsupported platform %q", apperrors.ErrBadRequest, cfg.Platform)
	}
	cfg.UpdatedAt = utils.Now()

	operation := func() error {
		result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "platform"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name", "config", "webhook_url", "enabled", "updated_at"}),
		}).Create(&cfg)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	policy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	err := retryableOperation(ctx, policy, "UpsertPlatformConfig", operation)
	observer.ObserveDbOperationDuration("upsert", "platform_config", time.Since(startTime), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to upsert platform config", zap.String("platform", cfg.Platform), zap.Error(err))
		return err
	}
	return nil
}

// CreatePlatformConfigIfMissing seeds a platform row and leaves existing rows untouched.
// Reports whether a row was inserted.
func (r *PostgresRepo) CreatePlatformConfigIfMissing(ctx context.Context, cfg model.PlatformConfig) (bool, error) {
	if !model.IsSupportedPlatform(cfg.Platform) {
		return false, fmt.Errorf("%w: unsupported platform %q", apperrors.ErrBadRequest, cfg.Platform)
	}
	var created bool

	operation := func() error {
		result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&cfg)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		created = result.RowsAffected == 1
		return nil
	}

	policy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	err := retryableOperation(ctx, policy, "CreatePlatformConfigIfMissing", operation)
	observer.ObserveDbOperationDuration("insert", "platform_config", time.Since(startTime), err)
	return created, err
}

// DeletePlatformConfig removes a platform row unless any binding still references it.
func (r *PostgresRepo) DeletePlatformConfig(ctx context.Context, platform string) error {
	operation := func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var refs int64
			if err := tx.Model(&model.UserBinding{}).Where("platform = ?", platform).Count(&refs).Error; err != nil {
				return checkConstraintViolation(err)
			}
			if refs > 0 {
				return fmt.Errorf("%w: platform %s is referenced by %d bindings", apperrors.ErrConflict, platform, refs)
			}
			result := tx.Where("platform = ?", platform).Delete(&model.PlatformConfig{})
			if result.Error != nil {
				return checkConstraintViolation(result.Error)
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("%w: platform config %s", apperrors.ErrNotFound, platform)
			}
			return nil
		})
	}

	policy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	err := retryableOperation(ctx, policy, "DeletePlatformConfig", operation)
	observer.ObserveDbOperationDuration("delete", "platform_config", time.Since(startTime), err)
	return err
}
