package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/events"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/observer"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/storage"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/logger"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/utils"
)

type platformEntry struct {
	cfg      model.PlatformConfig
	loadedAt time.Time
}

// PlatformCache keeps platform configs in memory for ttl. Entries are dropped on
// platform.config.updated so every instance sees admin changes without waiting for expiry.
type PlatformCache struct {
	repo    storage.PlatformConfigRepo
	ttl     time.Duration
	mu      sync.RWMutex
	entries map[string]platformEntry
	now     func() time.Time
}

// NewPlatformCache creates a cache in front of repo. A ttl <= 0 disables expiry.
func NewPlatformCache(repo storage.PlatformConfigRepo, ttl time.Duration) *PlatformCache {
	return &PlatformCache{
		repo:    repo,
		ttl:     ttl,
		entries: make(map[string]platformEntry),
		now:     utils.Now,
	}
}

// Get returns the config for platform, loading it from the repository on a miss.
// The returned value is a copy; callers may not mutate the cached entry.
func (c *PlatformCache) Get(ctx context.Context, platform string) (*model.PlatformConfig, error) {
	c.mu.RLock()
	entry, ok := c.entries[platform]
	c.mu.RUnlock()

	if ok && (c.ttl <= 0 || c.now().Sub(entry.loadedAt) < c.ttl) {
		observer.IncCacheCheck("platform_config", "hit")
		cfg := entry.cfg
		return &cfg, nil
	}
	observer.IncCacheCheck("platform_config", "miss")

	cfg, err := c.repo.FindByPlatform(ctx, platform)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[platform] = platformEntry{cfg: *cfg, loadedAt: c.now()}
	c.mu.Unlock()

	out := *cfg
	return &out, nil
}

// Invalidate drops one platform.
func (c *PlatformCache) Invalidate(platform string) {
	c.mu.Lock()
	delete(c.entries, platform)
	c.mu.Unlock()
}

func (c *PlatformCache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]platformEntry)
	c.mu.Unlock()
}

// Subscribe wires invalidation to platform.config.updated events on bus.
func (c *PlatformCache) Subscribe(bus events.Bus) (func(), error) {
	return bus.Subscribe(events.KindPlatformConfigUpdated, func(ev events.Event) {
		if ev.Platform == "" {
			c.InvalidateAll()
			return
		}
		logger.Log.Debug("Invalidating platform config", zap.String("platform", ev.Platform))
		c.Invalidate(ev.Platform)
	})
}
