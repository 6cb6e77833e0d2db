package core

import (
	"time"

	"github.com/google/uuid"
)

// Event is a verified, rail-asserted entitlement change. Events are
// ephemeral: they exist between verification and application and are
// remembered only by event id inside the dedup window.
//
// The asserted Status is produced by the boundary translator for the rail
// (webhook handler, transaction stream adapter, reconcile client); the
// state machine decides whether the assertion is allowed to take effect.
type Event struct {
	AccountID             uuid.UUID
	EventID               string
	Rail                  Rail
	Status                Status
	ProductID             string
	TransactionID         string
	OriginalTransactionID string
	ExpiresAt             *time.Time
	StartedAt             *time.Time
	AutoRenew             *bool
	OccurredAt            time.Time
	// PayloadDigest is a base58-encoded SHA-256 of the raw inbound payload,
	// carried for log and audit correlation only.
	PayloadDigest string
}

// Valid reports whether the event carries the fields required to be fed
// into the state machine at all.
func (e Event) Valid() bool {
	if e.AccountID == uuid.Nil || e.EventID == "" {
		return false
	}
	if e.Rail != RailNative && e.Rail != RailCardProcessor {
		return false
	}
	if !ValidStatus(e.Status) {
		return false
	}
	if e.OccurredAt.IsZero() {
		return false
	}
	// A claim of entitlement without an expiry horizon is malformed; every
	// subscription period has an end even when auto-renew is on.
	if premiumStatuses[e.Status] && e.ExpiresAt == nil {
		return false
	}
	return true
}
