package testkit

import (
	"context"
	"sync"

	"github.com/open-rails/entitlementkit/core"
)

// FakeRail is a scriptable reconcile.RailClient. Queue events or an
// error before each reconciliation pass.
type FakeRail struct {
	RailName core.Rail

	mu     sync.Mutex
	events []core.Event
	err    error
	calls  int
}

func NewFakeRail(rail core.Rail) *FakeRail {
	return &FakeRail{RailName: rail}
}

func (f *FakeRail) Rail() core.Rail { return f.RailName }

// Respond sets what the next CurrentEntitlements calls return.
func (f *FakeRail) Respond(events []core.Event, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = events
	f.err = err
}

// Calls reports how many times the rail was queried.
func (f *FakeRail) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeRail) CurrentEntitlements(ctx context.Context, rec core.Record) ([]core.Event, error) {
	_ = ctx
	_ = rec
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]core.Event, len(f.events))
	copy(out, f.events)
	return out, nil
}
