package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/open-rails/entitlementkit/core"
)

// Store is the durable core.Store backed by Postgres. One row per account
// in entitlement_records, one row per processed event in processed_events.
// Apply runs dedup check, transition, version-guarded write and
// processed-mark inside a single transaction.
type Store struct {
	pg     *pgxpool.Pool
	schema string
}

func NewStore(pg *pgxpool.Pool, schema string) *Store {
	s := strings.TrimSpace(schema)
	if s == "" {
		s = "entitlements"
	}
	return &Store{pg: pg, schema: s}
}

func (s *Store) recordsTable() string   { return s.schema + ".entitlement_records" }
func (s *Store) processedTable() string { return s.schema + ".processed_events" }

const recordColumns = `account_id, tier, status, source, start_date, expiry_date,
	auto_renew_enabled, product_id, transaction_id, original_transaction_id,
	version, last_verified_at`

func scanRecord(row pgx.Row) (core.Record, error) {
	var r core.Record
	var productID, transactionID, originalTransactionID *string
	err := row.Scan(&r.AccountID, &r.Tier, &r.Status, &r.Source, &r.StartDate,
		&r.ExpiryDate, &r.AutoRenewEnabled, &productID, &transactionID,
		&originalTransactionID, &r.Version, &r.LastVerifiedAt)
	if err != nil {
		return core.Record{}, err
	}
	if productID != nil {
		r.ProductID = *productID
	}
	if transactionID != nil {
		r.TransactionID = *transactionID
	}
	if originalTransactionID != nil {
		r.OriginalTransactionID = *originalTransactionID
	}
	// Unseen accounts are materialized with a sentinel epoch timestamp;
	// present that as the zero value the state machine expects.
	if r.LastVerifiedAt.Unix() == 0 {
		r.LastVerifiedAt = time.Time{}
	}
	return r, nil
}

func (s *Store) Get(ctx context.Context, accountID uuid.UUID) (core.Record, bool, error) {
	row := s.pg.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM `+s.recordsTable()+` WHERE account_id=$1`, accountID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Record{}, false, nil
	}
	if err != nil {
		return core.Record{}, false, err
	}
	return rec, true, nil
}

func (s *Store) Apply(ctx context.Context, accountID uuid.UUID, eventID string, fn core.TransitionFunc) (core.ApplyResult, error) {
	tx, err := s.pg.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return core.ApplyResult{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Materialize the default row so the FOR UPDATE below always has
	// something to serialize on.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.recordsTable()+` (account_id, tier, status, source, version, last_verified_at)
		 VALUES ($1, $2, $3, $4, 0, to_timestamp(0))
		 ON CONFLICT (account_id) DO NOTHING`,
		accountID, core.TierFree, core.StatusNotSubscribed, core.RailNone); err != nil {
		return core.ApplyResult{}, fmt.Errorf("ensure record: %w", err)
	}

	row := tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM `+s.recordsTable()+` WHERE account_id=$1 FOR UPDATE`, accountID)
	current, err := scanRecord(row)
	if err != nil {
		return core.ApplyResult{}, fmt.Errorf("lock record: %w", err)
	}

	var seen bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM `+s.processedTable()+` WHERE account_id=$1 AND event_id=$2)`,
		accountID, eventID).Scan(&seen); err != nil {
		return core.ApplyResult{}, fmt.Errorf("dedup check: %w", err)
	}
	if seen {
		if err := tx.Commit(ctx); err != nil {
			return core.ApplyResult{}, fmt.Errorf("commit: %w", err)
		}
		return core.ApplyResult{Record: current, Duplicate: true}, nil
	}

	next, res, err := fn(current)
	if err != nil {
		return core.ApplyResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.processedTable()+` (account_id, event_id, processed_at) VALUES ($1, $2, NOW())`,
		accountID, eventID); err != nil {
		return core.ApplyResult{}, fmt.Errorf("mark processed: %w", err)
	}

	if res.Changed {
		ct, err := tx.Exec(ctx,
			`UPDATE `+s.recordsTable()+` SET
				tier=$2, status=$3, source=$4, start_date=$5, expiry_date=$6,
				auto_renew_enabled=$7, product_id=$8, transaction_id=$9,
				original_transaction_id=$10, version=$11, last_verified_at=$12,
				updated_at=NOW()
			 WHERE account_id=$1 AND version=$13`,
			accountID, next.Tier, next.Status, next.Source, next.StartDate,
			next.ExpiryDate, next.AutoRenewEnabled, nullable(next.ProductID),
			nullable(next.TransactionID), nullable(next.OriginalTransactionID),
			next.Version, next.LastVerifiedAt, current.Version)
		if err != nil {
			return core.ApplyResult{}, fmt.Errorf("write record: %w", err)
		}
		if ct.RowsAffected() != 1 {
			return core.ApplyResult{}, core.ErrVersionConflict
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return core.ApplyResult{}, fmt.Errorf("commit: %w", err)
	}
	return core.ApplyResult{Record: next, Result: res}, nil
}

func (s *Store) ListExpiring(ctx context.Context, cutoff time.Time, limit int) ([]core.Record, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pg.Query(ctx,
		`SELECT `+recordColumns+` FROM `+s.recordsTable()+`
		 WHERE tier=$1 AND expiry_date IS NOT NULL AND expiry_date < $2
		 ORDER BY expiry_date ASC LIMIT $3`,
		core.TierPremium, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PruneDedup(ctx context.Context, horizon time.Time) (int64, error) {
	ct, err := s.pg.Exec(ctx,
		`DELETE FROM `+s.processedTable()+` WHERE processed_at < $1`, horizon)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
