package rediscache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/open-rails/entitlementkit/core"
)

// SnapshotCache is the Redis-backed last-known-good entitlement cache.
// Entries persist until overwritten; staleness is computed against the
// record's LastVerifiedAt on read and never mutates the record.
type SnapshotCache struct {
	rdb      *redis.Client
	keyNS    string
	staleTTL time.Duration
}

func NewSnapshotCache(rdb *redis.Client, keyPrefix string, staleTTL time.Duration) *SnapshotCache {
	if keyPrefix == "" {
		keyPrefix = "entitlements:snapshot:"
	}
	if staleTTL <= 0 {
		staleTTL = 72 * time.Hour
	}
	return &SnapshotCache{rdb: rdb, keyNS: keyPrefix, staleTTL: staleTTL}
}

func (c *SnapshotCache) key(accountID uuid.UUID) string { return c.keyNS + accountID.String() }

func (c *SnapshotCache) Put(ctx context.Context, rec core.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.key(rec.AccountID), b, 0).Err()
}

func (c *SnapshotCache) Get(ctx context.Context, accountID uuid.UUID) (core.CacheEntry, bool, error) {
	val, err := c.rdb.Get(ctx, c.key(accountID)).Bytes()
	if err == redis.Nil {
		return core.CacheEntry{}, false, nil
	}
	if err != nil {
		return core.CacheEntry{}, false, err
	}
	var rec core.Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return core.CacheEntry{}, false, err
	}
	entry := core.CacheEntry{
		Record: rec,
		Stale:  time.Since(rec.LastVerifiedAt) > c.staleTTL,
	}
	return entry, true, nil
}
