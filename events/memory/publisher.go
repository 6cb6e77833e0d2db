package memoryevents

import (
	"context"
	"sync"

	"github.com/open-rails/entitlementkit/core"
)

// Publisher is an in-process entitlement-changed fan-out. Subscribers get
// buffered channels; a subscriber that falls behind loses notifications
// rather than blocking the mutation path.
type Publisher struct {
	mu   sync.Mutex
	subs []chan core.Change
}

func NewPublisher() *Publisher {
	return &Publisher{}
}

// Subscribe returns a channel that receives every published change.
func (p *Publisher) Subscribe() <-chan core.Change {
	ch := make(chan core.Change, 16)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()
	return ch
}

func (p *Publisher) PublishChange(ctx context.Context, change core.Change) error {
	_ = ctx
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- change:
		default:
		}
	}
	return nil
}
