package reconcile

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/open-rails/entitlementkit/core"
)

// ReconcileArgs is the job payload for a deferred reconciliation attempt.
type ReconcileArgs struct {
	AccountID uuid.UUID `json:"account_id"`
}

func (ReconcileArgs) Kind() string { return "entitlement_reconcile" }

// ReconcileWorker runs deferred reconciliations. Returning an error when
// the rails are still unreachable lets the queue retry with backoff.
type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileArgs]
	scheduler *Scheduler
}

func (w *ReconcileWorker) Work(ctx context.Context, job *river.Job[ReconcileArgs]) error {
	outcome, err := w.scheduler.Reconcile(ctx, job.Args.AccountID)
	if err != nil {
		return err
	}
	if outcome == OutcomeSourceUnavailable {
		return fmt.Errorf("reconcile %s: %w", job.Args.AccountID, core.ErrAllRailsUnavailable)
	}
	return nil
}

// RetryQueue is the durable retry path for rail outages, backed by the
// same Postgres the record store uses so retries survive restarts.
type RetryQueue struct {
	client *river.Client[pgx.Tx]
}

func NewRetryQueue(pool *pgxpool.Pool, sched *Scheduler) (*RetryQueue, error) {
	workers := river.NewWorkers()
	river.AddWorker(workers, &ReconcileWorker{scheduler: sched})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 4},
		},
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("river client: %w", err)
	}
	q := &RetryQueue{client: client}
	sched.SetRetry(q)
	return q, nil
}

func (q *RetryQueue) Start(ctx context.Context) error { return q.client.Start(ctx) }
func (q *RetryQueue) Stop(ctx context.Context) error  { return q.client.Stop(ctx) }

// EnqueueReconcile schedules one retry per account at a time: repeated
// enqueues while a job is still pending collapse into it.
func (q *RetryQueue) EnqueueReconcile(ctx context.Context, accountID uuid.UUID) error {
	_, err := q.client.Insert(ctx, ReconcileArgs{AccountID: accountID}, &river.InsertOpts{
		MaxAttempts: 10,
		UniqueOpts: river.UniqueOpts{
			ByArgs: true,
		},
	})
	return err
}
