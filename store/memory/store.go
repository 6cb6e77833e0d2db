package memorystore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/open-rails/entitlementkit/core"
)

// Store is an in-memory core.Store. It is intended for tests and
// single-node development, mirroring the durable Postgres store's
// semantics: per-account records, a dedup window, and atomic apply.
type Store struct {
	mu        sync.Mutex
	records   map[uuid.UUID]core.Record
	processed map[string]time.Time
}

func New() *Store {
	return &Store{
		records:   make(map[uuid.UUID]core.Record),
		processed: make(map[string]time.Time),
	}
}

func dedupKey(accountID uuid.UUID, eventID string) string {
	return accountID.String() + ":" + eventID
}

func (s *Store) Get(ctx context.Context, accountID uuid.UUID) (core.Record, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[accountID]
	return rec, ok, nil
}

func (s *Store) Apply(ctx context.Context, accountID uuid.UUID, eventID string, fn core.TransitionFunc) (core.ApplyResult, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[accountID]
	if !ok {
		current = core.NewRecord(accountID)
	}

	key := dedupKey(accountID, eventID)
	if _, seen := s.processed[key]; seen {
		return core.ApplyResult{Record: current, Duplicate: true}, nil
	}

	next, res, err := fn(current)
	if err != nil {
		return core.ApplyResult{}, err
	}

	s.processed[key] = time.Now()
	if res.Changed {
		s.records[accountID] = next
	} else if !ok {
		// First contact with this account, even a no-op, materializes the
		// default record so reads and sweeps can see it.
		s.records[accountID] = current
	}
	return core.ApplyResult{Record: next, Result: res}, nil
}

func (s *Store) ListExpiring(ctx context.Context, cutoff time.Time, limit int) ([]core.Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []core.Record
	for _, rec := range s.records {
		if rec.ExpiryDate == nil || !rec.IsPremium() {
			continue
		}
		if rec.ExpiryDate.Before(cutoff) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiryDate.Before(*out[j].ExpiryDate)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PruneDedup(ctx context.Context, horizon time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key, at := range s.processed {
		if at.Before(horizon) {
			delete(s.processed, key)
			removed++
		}
	}
	return removed, nil
}
