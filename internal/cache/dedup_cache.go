package cache

import (
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/observer"
)

// DedupStatus is the result of a dedup check.
type DedupStatus int

const (
	// StatusDefinitelyNew means the key was never marked in the current filter generation.
	StatusDefinitelyNew DedupStatus = iota
	// StatusMaybeSeen means the key was probably marked before (false positives possible).
	StatusMaybeSeen
)

// DedupCache remembers inbound (platform, external message id) pairs in a bloom filter.
// The database unique index stays authoritative; the filter only answers "definitely new" cheaply.
type DedupCache struct {
	filter         *bloom.BloomFilter
	capacity       uint
	fpRate         float64
	mu             sync.RWMutex
	hits           atomic.Int64
	misses         atomic.Int64
	falsePositives atomic.Int64
	rotations      atomic.Int64
}

// NewDedupCache creates a filter sized for capacity keys at the given false positive rate.
func NewDedupCache(capacity uint, fpRate float64) *DedupCache {
	if capacity == 0 {
		capacity = 100_000
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.001
	}
	return &DedupCache{
		filter:   bloom.NewWithEstimates(capacity, fpRate),
		capacity: capacity,
		fpRate:   fpRate,
	}
}

func dedupKey(platform, externalMessageID string) string {
	return platform + "\x00" + externalMessageID
}

// Check reports whether the message may have been seen before.
func (c *DedupCache) Check(platform, externalMessageID string) DedupStatus {
	key := dedupKey(platform, externalMessageID)

	c.mu.RLock()
	seen := c.filter.TestString(key)
	c.mu.RUnlock()

	if seen {
		c.hits.Add(1)
		observer.IncCacheCheck("dedup_bloom", "possible_hit")
		return StatusMaybeSeen
	}
	c.misses.Add(1)
	observer.IncCacheCheck("dedup_bloom", "miss")
	return StatusDefinitelyNew
}

// MarkSeen records a persisted message. The filter is reset once it holds more than its capacity.
func (c *DedupCache) MarkSeen(platform, externalMessageID string) {
	key := dedupKey(platform, externalMessageID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if uint(c.filter.ApproximatedSize()) >= c.capacity {
		c.filter.ClearAll()
		c.rotations.Add(1)
	}
	c.filter.AddString(key)
}

// RecordFalsePositive tracks a MaybeSeen answer that turned out to be a new row.
func (c *DedupCache) RecordFalsePositive() {
	c.falsePositives.Add(1)
	observer.IncCacheCheck("dedup_bloom", "false_positive")
}

// Stats returns cache statistics
func (c *DedupCache) Stats() DedupCacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	fps := c.falsePositives.Load()

	c.mu.RLock()
	size := c.filter.ApproximatedSize()
	c.mu.RUnlock()

	return DedupCacheStats{
		Hits:           hits,
		Misses:         misses,
		FalsePositives: fps,
		Rotations:      c.rotations.Load(),
		ApproxSize:     uint64(size),
	}
}

type DedupCacheStats struct {
	Hits           int64
	Misses         int64
	FalsePositives int64
	Rotations      int64
	ApproxSize     uint64
}
