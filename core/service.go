package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultCacheStaleTTL = 72 * time.Hour

// ServiceConfig carries the optional collaborators of a Service.
// Zero values get defaults in NewService.
type ServiceConfig struct {
	Cache     Cache
	Publisher ChangePublisher
	Audit     AuditLogger
	Logger    *logrus.Logger
	// CacheStaleTTL is how old a snapshot's LastVerifiedAt may be before
	// reads flag it stale. Defaults to 72h.
	CacheStaleTTL time.Duration
}

// Service owns the one mutation path for entitlement records:
// verified event -> dedup -> transition -> persist -> cache -> publish.
// Per-account application is serialized; different accounts run in
// parallel.
type Service struct {
	store    Store
	cache    Cache
	pub      ChangePublisher
	audit    AuditLogger
	log      *logrus.Logger
	locks    *accountLocks
	staleTTL time.Duration
}

func NewService(store Store, cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.CacheStaleTTL <= 0 {
		cfg.CacheStaleTTL = defaultCacheStaleTTL
	}
	return &Service{
		store:    store,
		cache:    cfg.Cache,
		pub:      cfg.Publisher,
		audit:    cfg.Audit,
		log:      cfg.Logger,
		locks:    newAccountLocks(),
		staleTTL: cfg.CacheStaleTTL,
	}
}

// ApplyEvent feeds one verified event through the machine and persists
// the outcome. Duplicates and stale events return the current record with
// Changed=false and no error; only malformed events and storage failures
// error out.
func (s *Service) ApplyEvent(ctx context.Context, ev Event) (Record, Result, error) {
	if !ev.Valid() {
		return Record{}, Result{}, ErrMalformedEvent
	}

	release := s.locks.acquire(ev.AccountID)
	defer release()

	var prev Record
	res, err := s.store.Apply(ctx, ev.AccountID, ev.EventID, func(current Record) (Record, Result, error) {
		prev = current
		return Transition(current, ev)
	})
	if err != nil {
		return Record{}, Result{}, fmt.Errorf("apply event %s: %w", ev.EventID, err)
	}

	fields := logrus.Fields{
		"account_id": ev.AccountID,
		"event_id":   ev.EventID,
		"rail":       ev.Rail,
		"status":     ev.Status,
		"digest":     ev.PayloadDigest,
	}

	if res.Duplicate {
		s.log.WithFields(fields).Debug("entitlement event already processed")
		return res.Record, Result{Outcome: OutcomeDuplicate}, nil
	}

	switch res.Result.Outcome {
	case OutcomeApplied:
		s.log.WithFields(fields).WithFields(logrus.Fields{
			"version": res.Record.Version,
			"tier":    res.Record.Tier,
			"expires": res.Record.ExpiryDate,
		}).Info("entitlement transition applied")
		s.afterApply(ctx, ev, prev, res.Record)
	case OutcomeCrossRailIgnored:
		s.log.WithFields(fields).WithField("holding_rail", res.Record.Source).
			Warn("cross-rail downgrade ignored")
		if s.audit != nil {
			ig := IgnoredEvent{Event: ev, HoldingRail: res.Record.Source, Record: res.Record}
			if err := s.audit.LogCrossRailIgnored(ctx, ig); err != nil {
				s.log.WithError(err).WithField("event_id", ev.EventID).
					Warn("cross-rail audit write failed")
			}
		}
	default:
		s.log.WithFields(fields).WithField("outcome", res.Result.Outcome).
			Debug("entitlement event was a no-op")
	}

	return res.Record, res.Result, nil
}

// afterApply refreshes the snapshot cache and publishes the change.
// Both are best-effort: the durable record is already committed.
func (s *Service) afterApply(ctx context.Context, ev Event, prev, rec Record) {
	if s.cache != nil {
		if err := s.cache.Put(ctx, rec); err != nil {
			s.log.WithError(err).WithField("account_id", rec.AccountID).
				Warn("entitlement cache refresh failed")
		}
	}
	if s.pub != nil {
		ch := Change{
			Record:         rec,
			PreviousStatus: prev.Status,
			PreviousTier:   prev.Tier,
			OccurredAt:     ev.OccurredAt,
		}
		if err := s.pub.PublishChange(ctx, ch); err != nil {
			s.log.WithError(err).WithField("account_id", rec.AccountID).
				Warn("entitlement change publish failed")
		}
	}
}

// GetRecord returns the account's record. When the durable store cannot
// answer, it falls back to the snapshot cache and reports staleness;
// accounts never seen get the free/not-subscribed default.
func (s *Service) GetRecord(ctx context.Context, accountID uuid.UUID) (Record, bool, error) {
	rec, ok, err := s.store.Get(ctx, accountID)
	if err == nil {
		if !ok {
			return NewRecord(accountID), false, nil
		}
		return rec, false, nil
	}

	if s.cache == nil {
		return Record{}, false, fmt.Errorf("get record: %w", err)
	}
	entry, ok, cerr := s.cache.Get(ctx, accountID)
	if cerr != nil || !ok {
		return Record{}, false, fmt.Errorf("get record: %w", err)
	}
	s.log.WithError(err).WithField("account_id", accountID).
		Warn("serving entitlement from snapshot cache")
	return entry.Record, entry.Stale || s.isStale(entry.Record), nil
}

// IsPremium is the one question the rest of the application asks. It is
// purely derived from the record's tier and never blocks on network.
func (s *Service) IsPremium(ctx context.Context, accountID uuid.UUID) (bool, error) {
	rec, _, err := s.GetRecord(ctx, accountID)
	if err != nil {
		return false, err
	}
	return rec.IsPremium(), nil
}

func (s *Service) isStale(rec Record) bool {
	if rec.LastVerifiedAt.IsZero() {
		return true
	}
	return time.Since(rec.LastVerifiedAt) > s.staleTTL
}

// Store exposes the underlying store to collaborators that share the
// transition path (reconciliation sweep).
func (s *Service) Store() Store { return s.store }
