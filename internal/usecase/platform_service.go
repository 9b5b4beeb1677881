package usecase

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/apperrors"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/config"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/events"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/storage"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/logger"
)

// Invalidator drops cached platform configs. *cache.PlatformCache implements it.
type Invalidator interface {
	Invalidate(platform string)
}

// PlatformUpdate is a partial update; nil and empty fields are left unchanged.
// A settings key mapped to "" is removed from the config document.
type PlatformUpdate struct {
	DisplayName *string           `json:"display_name,omitempty"`
	WebhookURL  *string           `json:"webhook_url,omitempty" validate:"omitempty,url"`
	Enabled     *bool             `json:"enabled,omitempty"`
	Settings    map[string]string `json:"settings,omitempty"`
}

// PlatformService administers platform configs and keeps every instance's cache coherent.
type PlatformService struct {
	repo  storage.PlatformConfigRepo
	cache Invalidator
	bus   events.Bus
}

func NewPlatformService(repo storage.PlatformConfigRepo, cache Invalidator, bus events.Bus) *PlatformService {
	return &PlatformService{repo: repo, cache: cache, bus: bus}
}

// List returns every platform config. Settings are not part of the JSON rendering.
func (s *PlatformService) List(ctx context.Context) ([]model.PlatformConfig, error) {
	cfgs, err := s.repo.List(ctx)
	if err != nil {
		return nil, handleRepositoryError(ctx, err, "ListPlatforms", "")
	}
	return cfgs, nil
}

// Update applies upd to the platform's row, creating it when missing, then invalidates caches.
func (s *PlatformService) Update(ctx context.Context, platform string, upd PlatformUpdate) (*model.PlatformConfig, error) {
	if !model.IsSupportedPlatform(platform) {
		return nil, fmt.Errorf("%w: unsupported platform %q", apperrors.ErrValidation, platform)
	}

	cfg, err := s.repo.FindByPlatform(ctx, platform)
	if err != nil {
		if !apperrors.IsNotFoundError(err) {
			return nil, handleRepositoryError(ctx, err, "UpdatePlatform", platform)
		}
		cfg = &model.PlatformConfig{Platform: platform}
	}

	if upd.DisplayName != nil {
		cfg.DisplayName = *upd.DisplayName
	}
	if upd.WebhookURL != nil {
		cfg.WebhookURL = *upd.WebhookURL
	}
	if upd.Enabled != nil {
		cfg.Enabled = *upd.Enabled
	}
	if len(upd.Settings) > 0 {
		settings, err := cfg.Settings()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrBadRequest, err)
		}
		for k, v := range upd.Settings {
			if v == "" {
				delete(settings, k)
				continue
			}
			settings[k] = v
		}
		cfg.Config = model.SettingsJSON(settings)
	}

	if err := s.repo.Upsert(ctx, *cfg); err != nil {
		return nil, handleRepositoryError(ctx, err, "UpdatePlatform", platform)
	}
	s.invalidate(ctx, platform)

	logger.FromContext(ctx).Info("Platform config updated",
		zap.String("platform", platform),
		zap.Bool("enabled", cfg.Enabled),
		zap.Strings("settings_changed", settingKeys(upd.Settings)))

	stored, err := s.repo.FindByPlatform(ctx, platform)
	if err != nil {
		return nil, handleRepositoryError(ctx, err, "UpdatePlatform", platform)
	}
	return stored, nil
}

// Delete removes a platform config. Its adapter stops accepting webhooks.
func (s *PlatformService) Delete(ctx context.Context, platform string) error {
	if err := s.repo.Delete(ctx, platform); err != nil {
		return handleRepositoryError(ctx, err, "DeletePlatform", platform)
	}
	s.invalidate(ctx, platform)
	return nil
}

// Seed creates rows for configured platforms that have none yet. Existing rows are never overwritten.
func (s *PlatformService) Seed(ctx context.Context, seeds map[string]config.PlatformSeed) error {
	log := logger.FromContext(ctx)
	for platform, seed := range seeds {
		if !model.IsSupportedPlatform(platform) {
			log.Warn("Skipping seed for unsupported platform", zap.String("platform", platform))
			continue
		}
		created, err := s.repo.CreateIfMissing(ctx, model.PlatformConfig{
			Platform:    platform,
			DisplayName: seed.DisplayName,
			WebhookURL:  seed.WebhookURL,
			Enabled:     seed.Enabled,
			Config:      model.SettingsJSON(seed.Settings),
		})
		if err != nil {
			return handleRepositoryError(ctx, err, "SeedPlatform", platform)
		}
		if created {
			log.Info("Seeded platform config", zap.String("platform", platform), zap.Bool("enabled", seed.Enabled))
		}
	}
	return nil
}

func (s *PlatformService) invalidate(ctx context.Context, platform string) {
	if s.cache != nil {
		s.cache.Invalidate(platform)
	}
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, events.Event{Kind: events.KindPlatformConfigUpdated, Platform: platform}); err != nil {
		logger.FromContext(ctx).Warn("Failed to broadcast platform config update", zap.String("platform", platform), zap.Error(err))
	}
}

func settingKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
