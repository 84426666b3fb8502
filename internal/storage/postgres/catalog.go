package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/velora/promo-engine/internal/catalog"
	"github.com/velora/promo-engine/internal/money"
)

var _ catalog.Repository = (*CatalogRepository)(nil)

// CatalogRepository implements catalog.Repository backed by PostgreSQL.
// Prices live in a NUMERIC column and convert to cents at this boundary.
type CatalogRepository struct {
	pool *pgxpool.Pool
}

// NewCatalogRepository returns a CatalogRepository that uses the given pool.
func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

// List returns all catalog products.
func (r *CatalogRepository) List(ctx context.Context) ([]catalog.Product, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, price, category FROM products ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	defer rows.Close()
	return scanProducts(rows)
}

// GetByID returns a single product. Returns catalog.ErrNotFound when the
// product does not exist.
func (r *CatalogRepository) GetByID(ctx context.Context, id string) (*catalog.Product, error) {
	var (
		p     catalog.Product
		price decimal.Decimal
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, price, category FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &price, &p.Category)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get product %s", id)
	}
	p.Price = money.FromDecimal(price)
	return &p, nil
}

// GetByIDs batch-fetches the products matching ids. Missing ids are absent
// from the result; the caller decides whether that is an error.
func (r *CatalogRepository) GetByIDs(ctx context.Context, ids []string) ([]catalog.Product, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, price, category FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products by ids")
	}
	defer rows.Close()
	return scanProducts(rows)
}

func scanProducts(rows pgx.Rows) ([]catalog.Product, error) {
	var out []catalog.Product
	for rows.Next() {
		var (
			p     catalog.Product
			price decimal.Decimal
		)
		if err := rows.Scan(&p.ID, &p.Name, &price, &p.Category); err != nil {
			return nil, errors.Wrap(err, "scan product")
		}
		p.Price = money.FromDecimal(price)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate products")
	}
	return out, nil
}
