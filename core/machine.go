package core

import "time"

// Outcome classifies what the state machine did with an event.
type Outcome string

const (
	// OutcomeApplied means the event produced a new record version.
	OutcomeApplied Outcome = "applied"
	// OutcomeUnchanged means the event asserts the state the record
	// already holds; applying it again would change nothing.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeStale means the event is older than the record's last
	// verification for the same rail. Treated as success.
	OutcomeStale Outcome = "stale"
	// OutcomeCrossRailIgnored means a non-originating rail attempted to
	// downgrade an entitlement it did not create. Recorded for audit only.
	OutcomeCrossRailIgnored Outcome = "cross_rail_ignored"
	// OutcomeDuplicate means the event id was already processed inside
	// the dedup window. Produced by the store, not by Transition.
	OutcomeDuplicate Outcome = "duplicate"
)

// Result reports the machine's decision for one event.
type Result struct {
	Outcome Outcome
	Changed bool
}

// Transition is the single place entitlement state changes. It is pure:
// given the current record and a verified event it returns the next record
// and a decision, with no side effects. Every accepted transition bumps
// Version by exactly one and rederives Tier from Status.
//
// Rules, in precedence order:
//  1. malformed events are rejected without touching the record
//  2. same-rail events not newer than LastVerifiedAt are no-ops
//  3. events asserting the state already held are no-ops
//  4. a non-originating rail cannot downgrade a premium entitlement
//  5. everything else applies
func Transition(current Record, ev Event) (Record, Result, error) {
	if ev.AccountID != current.AccountID {
		return current, Result{}, ErrMalformedEvent
	}
	if !ev.Valid() {
		return current, Result{}, ErrMalformedEvent
	}

	// Staleness guard. Only compares within one rail: clocks across rails
	// are not assumed comparable, cross-rail conflicts are settled below.
	if current.Source == ev.Rail && !ev.OccurredAt.After(current.LastVerifiedAt) {
		return current, Result{Outcome: OutcomeStale}, nil
	}

	if assertsHeldState(current, ev) {
		return current, Result{Outcome: OutcomeUnchanged}, nil
	}

	// Cross-rail precedence: the rail that originated the current
	// entitlement is the only one allowed to take it away. A verified
	// purchase from the other rail may still upgrade (most permissive
	// tier wins); anything else from a non-originating rail is ignored.
	if current.IsPremium() && current.Source != ev.Rail && !sameOrigination(current, ev) {
		if !premiumStatuses[ev.Status] {
			return current, Result{Outcome: OutcomeCrossRailIgnored}, nil
		}
	}

	next := current
	next.Status = ev.Status
	next.Tier = TierFor(ev.Status)
	next.Source = ev.Rail
	next.ExpiryDate = ev.ExpiresAt
	next.Version = current.Version + 1
	next.LastVerifiedAt = ev.OccurredAt

	if ev.AutoRenew != nil {
		next.AutoRenewEnabled = *ev.AutoRenew
	}
	if ev.ProductID != "" {
		next.ProductID = ev.ProductID
	}
	if ev.TransactionID != "" {
		next.TransactionID = ev.TransactionID
	}
	if ev.OriginalTransactionID != "" {
		next.OriginalTransactionID = ev.OriginalTransactionID
	}

	// Start date survives renewals; it resets only when entitlement is
	// (re)established from a non-premium state.
	if next.IsPremium() && !current.IsPremium() {
		if ev.StartedAt != nil {
			next.StartDate = ev.StartedAt
		} else {
			t := ev.OccurredAt
			next.StartDate = &t
		}
	}

	return next, Result{Outcome: OutcomeApplied, Changed: true}, nil
}

// assertsHeldState reports whether ev describes exactly the state the
// record already holds. Reconciliation passes re-assert current state on
// every run; those must not burn versions.
func assertsHeldState(r Record, ev Event) bool {
	if r.Status != ev.Status || r.Source != ev.Rail {
		return false
	}
	if !timePtrEqual(r.ExpiryDate, ev.ExpiresAt) {
		return false
	}
	if ev.AutoRenew != nil && r.AutoRenewEnabled != *ev.AutoRenew {
		return false
	}
	if ev.TransactionID != "" && r.TransactionID != ev.TransactionID {
		return false
	}
	if ev.ProductID != "" && r.ProductID != ev.ProductID {
		return false
	}
	return true
}

// sameOrigination reports whether the event refers to the same logical
// subscription the record tracks. Correlation is by original transaction
// id where both sides carry one.
func sameOrigination(r Record, ev Event) bool {
	if r.OriginalTransactionID == "" || ev.OriginalTransactionID == "" {
		return false
	}
	return r.OriginalTransactionID == ev.OriginalTransactionID
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
