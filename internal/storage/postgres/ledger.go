package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velora/promo-engine/internal/discount"
	"github.com/velora/promo-engine/internal/ledger"
)

var (
	_ ledger.AtomicStore = (*LedgerStore)(nil)
	_ ledger.Reader      = (*LedgerStore)(nil)
)

// LedgerStore implements the usage ledger on PostgreSQL. The conditional
// counter update is a single row UPDATE guarded by the expected value, so
// concurrent redemptions of one code resolve through row-level locking
// without ever blocking redemptions of other codes.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore returns a LedgerStore that uses the given pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// UsedCount returns the current usage counter for the code.
func (s *LedgerStore) UsedCount(ctx context.Context, codeID string) (int, error) {
	var used int
	err := s.pool.QueryRow(ctx,
		`SELECT used_count FROM discount_codes WHERE id = $1`, codeID).Scan(&used)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, discount.ErrNotFound
		}
		return 0, errors.Wrapf(err, "read used_count for %s", codeID)
	}
	return used, nil
}

const casUsageSQL = `
UPDATE discount_codes SET used_count = $3
WHERE id = $1 AND used_count = $2
`

// ConditionalUpdateUsage swaps the counter only if it still holds expected.
func (s *LedgerStore) ConditionalUpdateUsage(ctx context.Context, codeID string, expected, updated int) (bool, error) {
	tag, err := s.pool.Exec(ctx, casUsageSQL, codeID, expected, updated)
	if err != nil {
		return false, errors.Wrapf(err, "conditional usage update for %s", codeID)
	}
	return tag.RowsAffected() == 1, nil
}

const insertRecordSQL = `
INSERT INTO usage_records
	(id, discount_code_id, order_reference, customer_id,
	 discount_cents, order_total_cents, redeemed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

// AppendUsageRecord persists a redemption record.
func (s *LedgerStore) AppendUsageRecord(ctx context.Context, rec *ledger.UsageRecord) error {
	_, err := s.pool.Exec(ctx, insertRecordSQL,
		rec.ID, rec.DiscountCodeID, rec.OrderReference, rec.CustomerID,
		rec.DiscountAmount, rec.OrderTotal, rec.RedeemedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "append usage record %s", rec.ID)
	}
	return nil
}

// RedeemAtomic runs the counter swap and the record insert in one
// transaction: either both land or neither does.
func (s *LedgerStore) RedeemAtomic(ctx context.Context, codeID string, expected int, rec *ledger.UsageRecord) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	tag, err := tx.Exec(ctx, casUsageSQL, codeID, expected, expected+1)
	if err != nil {
		return false, errors.Wrapf(err, "conditional usage update for %s", codeID)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, insertRecordSQL,
		rec.ID, rec.DiscountCodeID, rec.OrderReference, rec.CustomerID,
		rec.DiscountAmount, rec.OrderTotal, rec.RedeemedAt,
	); err != nil {
		return false, errors.Wrapf(err, "append usage record %s", rec.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, errors.Wrap(err, "commit tx")
	}
	return true, nil
}

// ListByCode returns the code's usage records in redemption order.
func (s *LedgerStore) ListByCode(ctx context.Context, codeID string) ([]ledger.UsageRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, discount_code_id, order_reference, customer_id,
		       discount_cents, order_total_cents, redeemed_at
		FROM usage_records
		WHERE discount_code_id = $1
		ORDER BY redeemed_at`, codeID)
	if err != nil {
		return nil, errors.Wrapf(err, "list usage records for %s", codeID)
	}
	defer rows.Close()

	var out []ledger.UsageRecord
	for rows.Next() {
		var rec ledger.UsageRecord
		if err := rows.Scan(
			&rec.ID, &rec.DiscountCodeID, &rec.OrderReference, &rec.CustomerID,
			&rec.DiscountAmount, &rec.OrderTotal, &rec.RedeemedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan usage record")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate usage records")
	}
	return out, nil
}
