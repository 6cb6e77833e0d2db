package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/open-rails/entitlementkit/core"
	"github.com/open-rails/entitlementkit/verify"
)

// CardRail pulls the canonical subscription state from the card
// processor's API. Correlation is the subscription id the webhook path
// stored as the record's original transaction id.
type CardRail struct {
	api *client.API
	now func() time.Time
}

func NewCardRail(apiKey string) *CardRail {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &CardRail{api: api, now: time.Now}
}

func (r *CardRail) Rail() core.Rail { return core.RailCardProcessor }

func (r *CardRail) CurrentEntitlements(ctx context.Context, rec core.Record) ([]core.Event, error) {
	if rec.OriginalTransactionID == "" || rec.Source != core.RailCardProcessor {
		return nil, nil
	}

	params := &stripelib.SubscriptionParams{}
	params.Context = ctx
	sub, err := r.api.Subscriptions.Get(rec.OriginalTransactionID, params)
	if err != nil {
		var serr *stripelib.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode == 404 {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: card processor: %v", core.ErrRailUnavailable, err)
	}

	status := verify.SubscriptionStatus(string(sub.Status), sub.CancelAtPeriodEnd)
	autoRenew := !sub.CancelAtPeriodEnd

	ev := core.Event{
		AccountID:             rec.AccountID,
		Rail:                  core.RailCardProcessor,
		Status:                status,
		TransactionID:         sub.ID,
		OriginalTransactionID: sub.ID,
		AutoRenew:             &autoRenew,
		OccurredAt:            r.now().UTC(),
	}

	var periodEnd int64
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.CurrentPeriodEnd > 0 {
				periodEnd = item.CurrentPeriodEnd
				break
			}
		}
	}
	if periodEnd > 0 {
		t := time.Unix(periodEnd, 0).UTC()
		ev.ExpiresAt = &t
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		ev.ProductID = sub.Items.Data[0].Price.ID
	}

	// Deterministic id: a repeat observation of the same state dedups,
	// a changed state produces a fresh event.
	ev.EventID = fmt.Sprintf("reconcile:card:%s:%s:%d:%t", sub.ID, status, periodEnd, autoRenew)

	if !ev.Valid() {
		return nil, fmt.Errorf("card processor returned unusable state for subscription %s", sub.ID)
	}
	return []core.Event{ev}, nil
}
