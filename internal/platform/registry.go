package platform

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/apperrors"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
)

// ConfigSource supplies platform configs, normally cache.PlatformCache.
type ConfigSource interface {
	Get(ctx context.Context, platform string) (*model.PlatformConfig, error)
}

// Factory builds an adapter from a platform config.
type Factory func(cfg *model.PlatformConfig, httpClient *http.Client) (Adapter, error)

type registryEntry struct {
	adapter   Adapter
	updatedAt time.Time
}

// Registry selects the adapter variant for a platform identifier. Adapters are rebuilt
// whenever the config row they were built from changes.
type Registry struct {
	configs    ConfigSource
	httpClient *http.Client
	factories  map[string]Factory

	mu      sync.Mutex
	entries map[string]registryEntry
}

// NewRegistry registers the telegram, discord and webhook variants.
func NewRegistry(configs ConfigSource, httpClient *http.Client) *Registry {
	r := &Registry{
		configs:    configs,
		httpClient: httpClient,
		factories:  make(map[string]Factory),
		entries:    make(map[string]registryEntry),
	}
	r.Register(model.PlatformTelegram, func(cfg *model.PlatformConfig, c *http.Client) (Adapter, error) {
		return NewTelegramAdapter(cfg, c)
	})
	r.Register(model.PlatformDiscord, func(cfg *model.PlatformConfig, c *http.Client) (Adapter, error) {
		return NewDiscordAdapter(cfg, c)
	})
	r.Register(model.PlatformWebhook, func(cfg *model.PlatformConfig, c *http.Client) (Adapter, error) {
		return NewWebhookAdapter(cfg, c)
	})
	return r
}

// Register replaces the factory for platform. Intended for tests and startup wiring.
func (r *Registry) Register(platform string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[platform] = f
	delete(r.entries, platform)
}

// Adapter returns the adapter for an enabled platform.
func (r *Registry) Adapter(ctx context.Context, platform string) (Adapter, error) {
	r.mu.Lock()
	factory, ok := r.factories[platform]
	r.mu.Unlock()
	if !ok {
		return nil, apperrors.NewAdapterError(platform, apperrors.MalformedPayload, fmt.Errorf("unknown platform %q", platform))
	}

	cfg, err := r.configs.Get(ctx, platform)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("%w: platform %s is disabled", apperrors.ErrNotFound, platform)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[platform]; ok && entry.updatedAt.Equal(cfg.UpdatedAt) {
		return entry.adapter, nil
	}
	adapter, err := factory(cfg, r.httpClient)
	if err != nil {
		return nil, fmt.Errorf("build %s adapter: %w", platform, err)
	}
	r.entries[platform] = registryEntry{adapter: adapter, updatedAt: cfg.UpdatedAt}
	return adapter, nil
}
