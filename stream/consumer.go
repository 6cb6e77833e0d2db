// Package stream consumes the native rail's long-lived transaction feed.
// Platform SDK callbacks are bridged into Submit at the boundary; the
// consumer owns verification and application so the callback adapters
// stay thin translators.
package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/open-rails/entitlementkit/core"
	"github.com/open-rails/entitlementkit/verify"
)

const defaultFeedBuffer = 64

// ConsumerConfig carries optional consumer tuning.
type ConsumerConfig struct {
	Logger *logrus.Logger
	// FeedBuffer is the submit queue depth. Default 64.
	FeedBuffer int
}

// Consumer is the explicitly started/stopped worker for the native
// transaction stream. Each item is one logical unit of work:
// verify -> dedup -> transition -> persist -> publish.
type Consumer struct {
	svc      *core.Service
	verifier verify.Verifier
	log      *logrus.Logger

	feed    chan []byte
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewConsumer(svc *core.Service, verifier verify.Verifier, cfg ConsumerConfig) *Consumer {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.FeedBuffer <= 0 {
		cfg.FeedBuffer = defaultFeedBuffer
	}
	return &Consumer{
		svc:      svc,
		verifier: verifier,
		log:      cfg.Logger,
		feed:     make(chan []byte, cfg.FeedBuffer),
	}
}

// Submit places one raw signed transaction on the feed. It blocks while
// the feed is full and fails once ctx is done or the consumer stopped.
func (c *Consumer) Submit(ctx context.Context, raw []byte) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return errors.New("transaction consumer not running")
	}
	select {
	case c.feed <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the worker. The worker is supervised: a panic while
// processing one transaction is logged and the loop restarts.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("transaction consumer already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.started = true

	go func() {
		defer close(c.done)
		for runCtx.Err() == nil {
			c.run(runCtx)
		}
	}()
	c.log.Info("native transaction consumer started")
	return nil
}

// Stop cancels the worker and waits for it to drain out.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	cancel()
	<-done
	c.log.Info("native transaction consumer stopped")
}

func (c *Consumer) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Error("transaction consumer crashed, restarting")
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-c.feed:
			c.process(ctx, raw)
		}
	}
}

func (c *Consumer) process(ctx context.Context, raw []byte) {
	ev, err := c.verifier.Verify(raw, "")
	if err != nil {
		var verr *core.VerificationError
		if errors.As(err, &verr) {
			c.log.WithField("reason", verr.Reason).Warn("transaction rejected")
			return
		}
		c.log.WithError(err).Error("transaction verification failed")
		return
	}
	if _, _, err := c.svc.ApplyEvent(ctx, ev); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"account_id": ev.AccountID,
			"event_id":   ev.EventID,
		}).Error("transaction application failed")
	}
}
