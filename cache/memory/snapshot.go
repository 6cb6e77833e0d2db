package memorycache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/open-rails/entitlementkit/core"
)

// SnapshotCache is an in-memory core.Cache for tests and single-node use.
type SnapshotCache struct {
	mu       sync.Mutex
	staleTTL time.Duration
	data     map[uuid.UUID]core.Record
	now      func() time.Time
}

// NewSnapshotCache creates an in-memory snapshot cache. If staleTTL <= 0,
// a default of 72 hours is used.
func NewSnapshotCache(staleTTL time.Duration) *SnapshotCache {
	if staleTTL <= 0 {
		staleTTL = 72 * time.Hour
	}
	return &SnapshotCache{
		staleTTL: staleTTL,
		data:     make(map[uuid.UUID]core.Record),
		now:      time.Now,
	}
}

func (c *SnapshotCache) Put(ctx context.Context, rec core.Record) error {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[rec.AccountID] = rec
	return nil
}

func (c *SnapshotCache) Get(ctx context.Context, accountID uuid.UUID) (core.CacheEntry, bool, error) {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.data[accountID]
	if !ok {
		return core.CacheEntry{}, false, nil
	}
	entry := core.CacheEntry{
		Record: rec,
		Stale:  c.now().Sub(rec.LastVerifiedAt) > c.staleTTL,
	}
	return entry, true, nil
}
