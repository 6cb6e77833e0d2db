package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TransitionFunc is applied to the current record inside the store's
// critical section. It is always core.Transition bound to one event.
type TransitionFunc func(current Record) (Record, Result, error)

// ApplyResult is what a Store reports after one event application.
type ApplyResult struct {
	Record    Record
	Result    Result
	Duplicate bool
}

// Store is durable keyed storage of one Record per account plus the
// bounded dedup window of processed event ids. Apply must execute the
// dedup check, the transition, the version-guarded write and the
// processed-mark as one atomic unit: a crash in between must not yield a
// missed or double-applied transition.
type Store interface {
	// Get returns the stored record, or ok=false when the account has
	// never produced a verified event or reconciliation.
	Get(ctx context.Context, accountID uuid.UUID) (Record, bool, error)

	// Apply runs fn against the current record (creating the initial
	// record for unseen accounts) and persists the result when fn reports
	// a change. A previously processed eventID short-circuits with
	// Duplicate=true and the unmodified record.
	Apply(ctx context.Context, accountID uuid.UUID, eventID string, fn TransitionFunc) (ApplyResult, error)

	// ListExpiring returns records whose expiry falls before cutoff and
	// whose status can still transition on expiry. Used by the sweep.
	ListExpiring(ctx context.Context, cutoff time.Time, limit int) ([]Record, error)

	// PruneDedup drops processed-event marks older than horizon and
	// returns how many were removed.
	PruneDedup(ctx context.Context, horizon time.Time) (int64, error)
}

// CacheEntry is a last-known-good snapshot with advisory staleness.
type CacheEntry struct {
	Record Record
	Stale  bool
}

// Cache is the last-resort snapshot store. Staleness is metadata for the
// caller; cache expiry never changes a record's status.
type Cache interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, accountID uuid.UUID) (CacheEntry, bool, error)
}

// Change describes one accepted transition, published to the rest of the
// application after commit.
type Change struct {
	Record         Record    `json:"record"`
	PreviousStatus Status    `json:"previous_status"`
	PreviousTier   Tier      `json:"previous_tier"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// ChangePublisher delivers entitlement-changed notifications.
// Implementations should be non-blocking and best-effort.
type ChangePublisher interface {
	PublishChange(ctx context.Context, ch Change) error
}
