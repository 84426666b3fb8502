package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velora/promo-engine/internal/discount"
	"github.com/velora/promo-engine/internal/money"
)

var _ discount.Repository = (*CodeRepository)(nil)

// CodeRepository implements discount.Repository backed by PostgreSQL.
type CodeRepository struct {
	pool *pgxpool.Pool
}

// NewCodeRepository returns a CodeRepository that uses the given pool.
func NewCodeRepository(pool *pgxpool.Pool) *CodeRepository {
	return &CodeRepository{pool: pool}
}

const findCodeSQL = `
SELECT id, code, kind, description, value,
       min_order_cents, max_discount_cents,
       usage_limit, used_count,
       valid_from, valid_until, is_active, created_at
FROM discount_codes
WHERE UPPER(code) = UPPER($1)
ORDER BY is_active DESC, created_at DESC
LIMIT 1
`

// FindByCode looks up a code by its token, case-insensitively, and loads its
// override tables. The active holder of a token wins; with only deactivated
// rows the newest one is returned so the evaluator can report it as inactive
// rather than unknown. Returns discount.ErrNotFound when no row matches.
func (r *CodeRepository) FindByCode(ctx context.Context, token string) (*discount.Code, error) {
	var c discount.Code
	err := r.pool.QueryRow(ctx, findCodeSQL, token).Scan(
		&c.ID, &c.Code, &c.Kind, &c.Description, &c.Value,
		&c.MinOrderAmount, &c.MaxDiscountAmount,
		&c.UsageLimit, &c.UsedCount,
		&c.ValidFrom, &c.ValidUntil, &c.Active, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrNotFound
		}
		return nil, errors.Wrapf(err, "find code %q", token)
	}

	if err := r.loadOverrides(ctx, &c); err != nil {
		return nil, err
	}

	return &c, nil
}

// loadOverrides fills the flat override and quantity tier tables.
func (r *CodeRepository) loadOverrides(ctx context.Context, c *discount.Code) error {
	rows, err := r.pool.Query(ctx,
		`SELECT product_id, price_cents FROM discount_override_prices WHERE code_id = $1`, c.ID)
	if err != nil {
		return errors.Wrap(err, "load override prices")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			pid   string
			price money.Cents
		)
		if err := rows.Scan(&pid, &price); err != nil {
			return errors.Wrap(err, "scan override price")
		}
		if c.OverridePrices == nil {
			c.OverridePrices = make(map[string]money.Cents)
		}
		c.OverridePrices[pid] = price
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "iterate override prices")
	}

	tierRows, err := r.pool.Query(ctx,
		`SELECT product_id, min_quantity, price_cents
		 FROM discount_quantity_tiers
		 WHERE code_id = $1
		 ORDER BY product_id, min_quantity`, c.ID)
	if err != nil {
		return errors.Wrap(err, "load quantity tiers")
	}
	defer tierRows.Close()

	for tierRows.Next() {
		var (
			pid  string
			tier discount.Tier
		)
		if err := tierRows.Scan(&pid, &tier.MinQuantity, &tier.Price); err != nil {
			return errors.Wrap(err, "scan quantity tier")
		}
		if c.QuantityTiers == nil {
			c.QuantityTiers = make(map[string][]discount.Tier)
		}
		c.QuantityTiers[pid] = append(c.QuantityTiers[pid], tier)
	}
	if err := tierRows.Err(); err != nil {
		return errors.Wrap(err, "iterate quantity tiers")
	}

	return nil
}

// Create validates and inserts a new code definition with its override
// tables in one transaction. A token collision among active codes surfaces
// as a DefinitionError via the partial unique index.
func (r *CodeRepository) Create(ctx context.Context, c *discount.Code) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.Exec(ctx, `
		INSERT INTO discount_codes
			(id, code, kind, description, value,
			 min_order_cents, max_discount_cents,
			 usage_limit, used_count, valid_from, valid_until, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.Code, c.Kind, c.Description, c.Value,
		c.MinOrderAmount, c.MaxDiscountAmount,
		c.UsageLimit, c.UsedCount, c.ValidFrom, c.ValidUntil, c.Active,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return &discount.DefinitionError{Field: "code", Msg: "already exists"}
		}
		return errors.Wrapf(err, "insert code %q", c.Code)
	}

	for pid, price := range c.OverridePrices {
		if _, err := tx.Exec(ctx, `
			INSERT INTO discount_override_prices (code_id, product_id, price_cents)
			VALUES ($1, $2, $3)`, c.ID, pid, price); err != nil {
			return errors.Wrapf(err, "insert override price for %s", pid)
		}
	}

	for pid, tiers := range c.QuantityTiers {
		for _, t := range tiers {
			if _, err := tx.Exec(ctx, `
				INSERT INTO discount_quantity_tiers (code_id, product_id, min_quantity, price_cents)
				VALUES ($1, $2, $3, $4)`, c.ID, pid, t.MinQuantity, t.Price); err != nil {
				return errors.Wrapf(err, "insert quantity tier for %s", pid)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

// Deactivate soft-disables a code by token. Rows are never deleted.
func (r *CodeRepository) Deactivate(ctx context.Context, token string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE discount_codes SET is_active = FALSE WHERE UPPER(code) = UPPER($1) AND is_active`,
		token)
	if err != nil {
		return errors.Wrapf(err, "deactivate code %q", token)
	}
	if tag.RowsAffected() == 0 {
		return discount.ErrNotFound
	}
	return nil
}
