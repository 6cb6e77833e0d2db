package core

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
)

var testAccount = uuid.MustParse("6f1f64a2-3c7e-4a8e-9a9f-0f5b1c2d3e4f")

func activeEvent(occurredAt time.Time, expiry time.Time) Event {
	return Event{
		AccountID:             testAccount,
		EventID:               "ev-" + occurredAt.Format(time.RFC3339Nano),
		Rail:                  RailNative,
		Status:                StatusActive,
		ProductID:             "premium.monthly",
		TransactionID:         "tx-1",
		OriginalTransactionID: "otx-1",
		ExpiresAt:             &expiry,
		OccurredAt:            occurredAt,
	}
}

func TestTransitionFreshPurchase(t *testing.T) {
	now := time.Now().UTC()
	expiry := now.Add(30 * 24 * time.Hour)
	rec := NewRecord(testAccount)

	next, res, err := Transition(rec, activeEvent(now, expiry))
	if err != nil {
		t.Fatalf("transition error: %v", err)
	}
	if !res.Changed || res.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %+v", res)
	}
	if next.Tier != TierPremium || next.Status != StatusActive {
		t.Errorf("tier/status = %s/%s", next.Tier, next.Status)
	}
	if next.Source != RailNative {
		t.Errorf("source = %s", next.Source)
	}
	if next.Version != 1 {
		t.Errorf("version = %d, want 1", next.Version)
	}
	if next.StartDate == nil {
		t.Error("start date not set on fresh purchase")
	}
	if !next.LastVerifiedAt.Equal(now) {
		t.Errorf("last verified = %v, want %v", next.LastVerifiedAt, now)
	}
}

func TestTransitionIdempotent(t *testing.T) {
	now := time.Now().UTC()
	ev := activeEvent(now, now.Add(30*24*time.Hour))

	rec := NewRecord(testAccount)
	first, res, err := Transition(rec, ev)
	if err != nil || !res.Changed {
		t.Fatalf("first application: res=%+v err=%v", res, err)
	}

	second, res, err := Transition(first, ev)
	if err != nil {
		t.Fatalf("second application: %v", err)
	}
	if res.Changed {
		t.Error("second application changed the record")
	}
	if second != first {
		t.Errorf("record mutated by no-op: %+v != %+v", second, first)
	}
}

func TestTransitionStaleSameRail(t *testing.T) {
	now := time.Now().UTC()
	rec := NewRecord(testAccount)
	rec, _, _ = Transition(rec, activeEvent(now, now.Add(720*time.Hour)))

	old := Event{
		AccountID:  testAccount,
		EventID:    "ev-old",
		Rail:       RailNative,
		Status:     StatusCancelled,
		OccurredAt: now.Add(-time.Hour),
	}
	next, res, err := Transition(rec, old)
	if err != nil {
		t.Fatalf("transition error: %v", err)
	}
	if res.Changed || res.Outcome != OutcomeStale {
		t.Fatalf("expected stale no-op, got %+v", res)
	}
	if next.Status != StatusActive {
		t.Errorf("stale event downgraded record to %s", next.Status)
	}
}

func TestTransitionOutOfOrderConverges(t *testing.T) {
	now := time.Now().UTC()
	early := activeEvent(now, now.Add(30*24*time.Hour))
	lateExpiry := now.Add(60 * 24 * time.Hour)
	late := Event{
		AccountID:             testAccount,
		EventID:               "ev-late",
		Rail:                  RailNative,
		Status:                StatusActive,
		TransactionID:         "tx-2",
		OriginalTransactionID: "otx-1",
		ExpiresAt:             &lateExpiry,
		OccurredAt:            now.Add(time.Hour),
	}

	inOrder := NewRecord(testAccount)
	inOrder, _, _ = Transition(inOrder, early)
	inOrder, _, _ = Transition(inOrder, late)

	reversed := NewRecord(testAccount)
	reversed, _, _ = Transition(reversed, late)
	reversed, _, _ = Transition(reversed, early)

	if inOrder.Status != reversed.Status ||
		!timePtrEqual(inOrder.ExpiryDate, reversed.ExpiryDate) ||
		inOrder.TransactionID != reversed.TransactionID ||
		!inOrder.LastVerifiedAt.Equal(reversed.LastVerifiedAt) {
		t.Errorf("order-dependent result:\n in order: %+v\n reversed: %+v", inOrder, reversed)
	}
}

func TestTransitionCrossRailPrecedence(t *testing.T) {
	now := time.Now().UTC()
	rec := NewRecord(testAccount)
	rec, _, _ = Transition(rec, activeEvent(now, now.Add(720*time.Hour)))

	conflicting := Event{
		AccountID:             testAccount,
		EventID:               "card-ev-1",
		Rail:                  RailCardProcessor,
		Status:                StatusCancelled,
		OriginalTransactionID: "sub-unrelated",
		OccurredAt:            now.Add(time.Minute),
	}
	next, res, err := Transition(rec, conflicting)
	if err != nil {
		t.Fatalf("transition error: %v", err)
	}
	if res.Outcome != OutcomeCrossRailIgnored || res.Changed {
		t.Fatalf("expected cross-rail ignore, got %+v", res)
	}
	if next.Status != StatusActive || next.Source != RailNative {
		t.Errorf("non-originating rail downgraded record: %+v", next)
	}
}

func TestTransitionCrossRailUpgradeAllowed(t *testing.T) {
	now := time.Now().UTC()
	rec := NewRecord(testAccount)
	rec, _, _ = Transition(rec, Event{
		AccountID:  testAccount,
		EventID:    "native-expired",
		Rail:       RailNative,
		Status:     StatusExpired,
		OccurredAt: now.Add(-time.Hour),
	})

	expiry := now.Add(720 * time.Hour)
	purchase := Event{
		AccountID:             testAccount,
		EventID:               "card-purchase",
		Rail:                  RailCardProcessor,
		Status:                StatusActive,
		OriginalTransactionID: "sub-1",
		ExpiresAt:             &expiry,
		OccurredAt:            now,
	}
	next, res, err := Transition(rec, purchase)
	if err != nil {
		t.Fatalf("transition error: %v", err)
	}
	if !res.Changed {
		t.Fatalf("fresh purchase from other rail rejected: %+v", res)
	}
	if next.Status != StatusActive || next.Source != RailCardProcessor {
		t.Errorf("resubscription not applied: %+v", next)
	}
}

func TestTransitionSameOriginationCrossRailDowngrade(t *testing.T) {
	now := time.Now().UTC()
	expiry := now.Add(720 * time.Hour)
	rec := NewRecord(testAccount)
	rec, _, _ = Transition(rec, Event{
		AccountID:             testAccount,
		EventID:               "card-active",
		Rail:                  RailCardProcessor,
		Status:                StatusActive,
		OriginalTransactionID: "sub-1",
		ExpiresAt:             &expiry,
		OccurredAt:            now.Add(-time.Minute),
	})

	// Same logical subscription asserted from the native rail must not be
	// treated as a foreign downgrade.
	cancel := Event{
		AccountID:             testAccount,
		EventID:               "native-cancel",
		Rail:                  RailNative,
		Status:                StatusCancelled,
		OriginalTransactionID: "sub-1",
		OccurredAt:            now,
	}
	next, res, err := Transition(rec, cancel)
	if err != nil {
		t.Fatalf("transition error: %v", err)
	}
	if !res.Changed || next.Status != StatusCancelled {
		t.Errorf("correlated cross-rail event ignored: res=%+v rec=%+v", res, next)
	}
}

func TestTransitionMalformed(t *testing.T) {
	rec := NewRecord(testAccount)

	cases := map[string]Event{
		"wrong account": {
			AccountID:  uuid.New(),
			EventID:    "x",
			Rail:       RailNative,
			Status:     StatusCancelled,
			OccurredAt: time.Now(),
		},
		"premium without expiry": {
			AccountID:  testAccount,
			EventID:    "x",
			Rail:       RailNative,
			Status:     StatusActive,
			OccurredAt: time.Now(),
		},
		"unknown status": {
			AccountID:  testAccount,
			EventID:    "x",
			Rail:       RailNative,
			Status:     Status("paused"),
			OccurredAt: time.Now(),
		},
		"missing event id": {
			AccountID:  testAccount,
			Rail:       RailNative,
			Status:     StatusCancelled,
			OccurredAt: time.Now(),
		},
	}
	for name, ev := range cases {
		next, _, err := Transition(rec, ev)
		if err == nil {
			t.Errorf("%s: expected rejection", name)
		}
		if next != rec {
			t.Errorf("%s: malformed event mutated record", name)
		}
	}
}

// TestTransitionDerivedTierProperty drives random event sequences through
// the machine and checks the tier/status invariant and version
// monotonicity after every accepted transition.
func TestTransitionDerivedTierProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	statuses := []Status{
		StatusNotSubscribed, StatusActive, StatusInGracePeriod,
		StatusPendingRenewal, StatusExpired, StatusCancelled,
	}
	rails := []Rail{RailNative, RailCardProcessor}

	rec := NewRecord(testAccount)
	base := time.Now().UTC()
	for i := 0; i < 500; i++ {
		status := statuses[rng.Intn(len(statuses))]
		ev := Event{
			AccountID:             testAccount,
			EventID:               "rand",
			Rail:                  rails[rng.Intn(len(rails))],
			Status:                status,
			OriginalTransactionID: "otx-shared",
			OccurredAt:            base.Add(time.Duration(rng.Intn(7200)-3600) * time.Second),
		}
		if premiumStatuses[status] {
			exp := ev.OccurredAt.Add(720 * time.Hour)
			ev.ExpiresAt = &exp
		}

		prev := rec
		next, res, err := Transition(rec, ev)
		if err != nil {
			t.Fatalf("step %d: unexpected error: %v", i, err)
		}
		if res.Changed {
			if next.Version != prev.Version+1 {
				t.Fatalf("step %d: version %d -> %d", i, prev.Version, next.Version)
			}
		} else if next != prev {
			t.Fatalf("step %d: no-op mutated record", i)
		}
		if premium := premiumStatuses[next.Status]; (next.Tier == TierPremium) != premium {
			t.Fatalf("step %d: tier %s with status %s", i, next.Tier, next.Status)
		}
		rec = next
	}
}
