package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/entitlementkit/core"
)

// Outcome summarizes one reconciliation pass for an account.
type Outcome string

const (
	OutcomeUnchanged         Outcome = "unchanged"
	OutcomeUpdated           Outcome = "updated"
	OutcomeSourceUnavailable Outcome = "source_unavailable"
)

// RetryEnqueuer schedules a later reconciliation attempt for an account
// whose rails could not be reached.
type RetryEnqueuer interface {
	EnqueueReconcile(ctx context.Context, accountID uuid.UUID) error
}

// SchedulerConfig carries sweep and timeout tuning. Zero values get
// defaults in NewScheduler.
type SchedulerConfig struct {
	// SweepSchedule is a cron spec for the periodic sweep. Default every 24h.
	SweepSchedule string
	// ExpiryLookahead targets accounts whose expiry has passed or falls
	// within this window. Default 48h.
	ExpiryLookahead time.Duration
	// RailTimeout bounds each rail's canonical-state call. Default 10s.
	RailTimeout time.Duration
	// DedupHorizon is how long processed event ids are remembered.
	// Default 30 days.
	DedupHorizon time.Duration
	// SweepBatch caps accounts per sweep pass. Default 500.
	SweepBatch int
	Logger     *logrus.Logger
}

// Scheduler re-derives entitlement from the rails' canonical sources on
// demand (restore, foreground) and on a periodic sweep targeting records
// near or past expiry. All resulting state changes flow through the same
// service path push events take.
type Scheduler struct {
	svc   *core.Service
	rails []RailClient
	cfg   SchedulerConfig
	log   *logrus.Logger

	cron  *cron.Cron
	mu    sync.Mutex
	ctx   context.Context
	stop  context.CancelFunc
	retry RetryEnqueuer
}

func NewScheduler(svc *core.Service, rails []RailClient, cfg SchedulerConfig) *Scheduler {
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "@every 24h"
	}
	if cfg.ExpiryLookahead <= 0 {
		cfg.ExpiryLookahead = 48 * time.Hour
	}
	if cfg.RailTimeout <= 0 {
		cfg.RailTimeout = 10 * time.Second
	}
	if cfg.DedupHorizon <= 0 {
		cfg.DedupHorizon = 30 * 24 * time.Hour
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 500
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Scheduler{svc: svc, rails: rails, cfg: cfg, log: cfg.Logger}
}

// SetRetry wires the durable retry queue. Optional; without it,
// rail-unavailable accounts wait for the next sweep or restore.
func (s *Scheduler) SetRetry(r RetryEnqueuer) { s.retry = r }

// Start registers the periodic sweep and dedup prune and begins running
// them. The scheduler stops when Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler already started")
	}
	s.ctx, s.stop = context.WithCancel(ctx)

	c := cron.New()
	if _, err := c.AddFunc(s.cfg.SweepSchedule, func() { s.Sweep(s.ctx) }); err != nil {
		s.stop()
		return fmt.Errorf("register sweep: %w", err)
	}
	if _, err := c.AddFunc("@every 24h", func() { s.pruneDedup(s.ctx) }); err != nil {
		s.stop()
		return fmt.Errorf("register dedup prune: %w", err)
	}
	c.Start()
	s.cron = c
	s.log.WithField("schedule", s.cfg.SweepSchedule).Info("reconciliation scheduler started")
	return nil
}

// Stop halts the periodic work. In-flight sweep iterations observe the
// cancelled context and return between accounts.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return
	}
	s.stop()
	cronCtx := s.cron.Stop()
	<-cronCtx.Done()
	s.cron = nil
	s.log.Info("reconciliation scheduler stopped")
}

// Restore is the explicit user-triggered reconciliation ("restore
// purchases").
func (s *Scheduler) Restore(ctx context.Context, accountID uuid.UUID) (Outcome, error) {
	s.log.WithField("account_id", accountID).Info("restore requested")
	return s.Reconcile(ctx, accountID)
}

// Reconcile queries every configured rail for the account's canonical
// state and applies the results. A rail that cannot be reached is skipped
// for this pass; only when every rail is unreachable does the outcome
// become OutcomeSourceUnavailable, and the record is left untouched for
// the caller to fall back on the local cache.
func (s *Scheduler) Reconcile(ctx context.Context, accountID uuid.UUID) (Outcome, error) {
	rec, _, err := s.svc.GetRecord(ctx, accountID)
	if err != nil {
		return OutcomeSourceUnavailable, fmt.Errorf("reconcile %s: %w", accountID, err)
	}

	changed := false
	unavailable := 0
	for _, rail := range s.rails {
		railCtx, cancel := context.WithTimeout(ctx, s.cfg.RailTimeout)
		events, err := rail.CurrentEntitlements(railCtx, rec)
		cancel()

		if err != nil {
			if errors.Is(err, core.ErrRailUnavailable) {
				unavailable++
				s.log.WithError(err).WithFields(logrus.Fields{
					"account_id": accountID,
					"rail":       rail.Rail(),
				}).Warn("rail unavailable during reconciliation")
				continue
			}
			// Unusable data from a reachable rail: reported, not retried.
			s.log.WithError(err).WithFields(logrus.Fields{
				"account_id": accountID,
				"rail":       rail.Rail(),
			}).Error("rail returned unusable state")
			continue
		}

		for _, ev := range events {
			_, res, err := s.svc.ApplyEvent(ctx, ev)
			if err != nil {
				s.log.WithError(err).WithFields(logrus.Fields{
					"account_id": accountID,
					"event_id":   ev.EventID,
				}).Error("reconciliation event rejected")
				continue
			}
			changed = changed || res.Changed
		}
	}

	// Expiry is enforced from the record's own clock, not the network:
	// a past expiry with no renewal signal transitions to expired even
	// when rails are down, and a later renewal re-activates.
	expired, err := s.enforceExpiry(ctx, accountID)
	if err != nil {
		return OutcomeSourceUnavailable, err
	}
	changed = changed || expired

	if len(s.rails) > 0 && unavailable == len(s.rails) && !changed {
		if s.retry != nil {
			if err := s.retry.EnqueueReconcile(ctx, accountID); err != nil {
				s.log.WithError(err).WithField("account_id", accountID).
					Warn("failed to enqueue reconciliation retry")
			}
		}
		return OutcomeSourceUnavailable, nil
	}
	if changed {
		return OutcomeUpdated, nil
	}
	return OutcomeUnchanged, nil
}

func (s *Scheduler) enforceExpiry(ctx context.Context, accountID uuid.UUID) (bool, error) {
	rec, _, err := s.svc.GetRecord(ctx, accountID)
	if err != nil {
		return false, fmt.Errorf("enforce expiry %s: %w", accountID, err)
	}
	now := time.Now().UTC()
	if !rec.ExpiredBy(now) {
		return false, nil
	}
	if rec.Source != core.RailNative && rec.Source != core.RailCardProcessor {
		return false, nil
	}

	ev := core.Event{
		AccountID:             accountID,
		EventID:               fmt.Sprintf("sweep:%s:%d", accountID, rec.ExpiryDate.Unix()),
		Rail:                  rec.Source,
		Status:                core.StatusExpired,
		ProductID:             rec.ProductID,
		TransactionID:         rec.TransactionID,
		OriginalTransactionID: rec.OriginalTransactionID,
		ExpiresAt:             rec.ExpiryDate,
		OccurredAt:            now,
	}
	_, res, err := s.svc.ApplyEvent(ctx, ev)
	if err != nil {
		return false, fmt.Errorf("apply expiry for %s: %w", accountID, err)
	}
	return res.Changed, nil
}

// Sweep reconciles every account whose expiry has passed or falls within
// the lookahead window. It is resumable: cancellation between accounts
// stops the pass, and the next tick picks up whatever remains.
func (s *Scheduler) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(s.cfg.ExpiryLookahead)
	records, err := s.svc.Store().ListExpiring(ctx, cutoff, s.cfg.SweepBatch)
	if err != nil {
		s.log.WithError(err).Error("sweep: listing expiring records failed")
		return
	}
	s.log.WithField("count", len(records)).Debug("sweep pass starting")

	for _, rec := range records {
		if ctx.Err() != nil {
			s.log.Info("sweep interrupted, resuming next tick")
			return
		}
		if _, err := s.Reconcile(ctx, rec.AccountID); err != nil {
			s.log.WithError(err).WithField("account_id", rec.AccountID).
				Warn("sweep reconcile failed")
		}
	}
}

func (s *Scheduler) pruneDedup(ctx context.Context) {
	horizon := time.Now().UTC().Add(-s.cfg.DedupHorizon)
	removed, err := s.svc.Store().PruneDedup(ctx, horizon)
	if err != nil {
		s.log.WithError(err).Error("dedup prune failed")
		return
	}
	if removed > 0 {
		s.log.WithField("removed", removed).Info("pruned processed-event window")
	}
}
