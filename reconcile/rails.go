// Package reconcile re-derives entitlement directly from each rail's
// canonical source and feeds the results through the same verify/dedup/
// transition path push events take, so there is exactly one code path for
// all state changes.
package reconcile

import (
	"context"

	"github.com/open-rails/entitlementkit/core"
)

// RailClient pulls the canonical current entitlement state from one rail.
// The record supplies correlation (original transaction or subscription
// id); a rail with nothing to correlate returns no events.
//
// Transient failures wrap core.ErrRailUnavailable; a definitive "no
// entitlement on this rail" is an empty slice, never an error. Synthetic
// events bypass signature verification: the authenticated call to the
// rail's own API is the trust boundary here.
type RailClient interface {
	Rail() core.Rail
	CurrentEntitlements(ctx context.Context, rec core.Record) ([]core.Event, error)
}
