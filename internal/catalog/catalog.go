// Package catalog exposes the product price lookup the pricing core consumes.
// The catalog itself is an external collaborator; this package only defines
// the narrow read interface and the product shape.
package catalog

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/velora/promo-engine/internal/money"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

// Product is a catalog item with its current list price.
type Product struct {
	ID       string
	Name     string
	Price    money.Cents
	Category string
}

// Repository defines read operations for the product catalog.
type Repository interface {
	List(ctx context.Context) ([]Product, error)
	GetByID(ctx context.Context, id string) (*Product, error)
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
}
