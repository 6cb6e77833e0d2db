package core

import (
	"time"

	"github.com/google/uuid"
)

// Tier is the access level derived from subscription status.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// Status is the lifecycle state of an account's subscription.
type Status string

const (
	StatusNotSubscribed  Status = "not_subscribed"
	StatusActive         Status = "active"
	StatusInGracePeriod  Status = "in_grace_period"
	StatusPendingRenewal Status = "pending_renewal"
	StatusExpired        Status = "expired"
	StatusCancelled      Status = "cancelled"
)

// Rail identifies which billing system asserted a state.
type Rail string

const (
	RailNone          Rail = "none"
	RailNative        Rail = "native"
	RailCardProcessor Rail = "card_processor"
)

// Record is the canonical entitlement state for one account. There is at
// most one Record per account; all mutation goes through Machine.Transition.
type Record struct {
	AccountID             uuid.UUID  `json:"account_id"`
	Tier                  Tier       `json:"tier"`
	Status                Status     `json:"status"`
	Source                Rail       `json:"source"`
	StartDate             *time.Time `json:"start_date,omitempty"`
	ExpiryDate            *time.Time `json:"expiry_date,omitempty"`
	AutoRenewEnabled      bool       `json:"auto_renew_enabled"`
	ProductID             string     `json:"product_id,omitempty"`
	TransactionID         string     `json:"transaction_id,omitempty"`
	OriginalTransactionID string     `json:"original_transaction_id,omitempty"`
	Version               int64      `json:"version"`
	LastVerifiedAt        time.Time  `json:"last_verified_at"`
}

// NewRecord returns the initial record for an account that has never held
// an entitlement: free tier, not subscribed, version zero.
func NewRecord(accountID uuid.UUID) Record {
	return Record{
		AccountID: accountID,
		Tier:      TierFree,
		Status:    StatusNotSubscribed,
		Source:    RailNone,
	}
}

// premiumStatuses are the only statuses under which tier may be premium.
var premiumStatuses = map[Status]bool{
	StatusActive:         true,
	StatusInGracePeriod:  true,
	StatusPendingRenewal: true,
}

// TierFor derives the access tier from a status. Tier is never set
// independently; it is recomputed on every accepted transition.
func TierFor(s Status) Tier {
	if premiumStatuses[s] {
		return TierPremium
	}
	return TierFree
}

// IsPremium reports whether the record grants premium access.
func (r Record) IsPremium() bool { return r.Tier == TierPremium }

// ExpiredBy reports whether the record carries an expiry in the past
// relative to now and has not already been marked expired or cancelled.
func (r Record) ExpiredBy(now time.Time) bool {
	if r.ExpiryDate == nil {
		return false
	}
	if r.Status == StatusExpired || r.Status == StatusCancelled || r.Status == StatusNotSubscribed {
		return false
	}
	return r.ExpiryDate.Before(now)
}

// ValidStatus reports whether s is one of the six legal statuses.
func ValidStatus(s Status) bool {
	switch s {
	case StatusNotSubscribed, StatusActive, StatusInGracePeriod,
		StatusPendingRenewal, StatusExpired, StatusCancelled:
		return true
	}
	return false
}
