package discount

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/velora/promo-engine/internal/money"
)

// Kind enumerates the supported discount strategies.
type Kind string

const (
	// KindPercentage reduces each eligible unit price by a percentage.
	KindPercentage Kind = "percentage"
	// KindFixedAmount subtracts a fixed amount from each eligible unit price.
	KindFixedAmount Kind = "fixed_amount"
	// KindPriceOverride replaces unit prices with the values in the override
	// tables and applies no generic discount to other products.
	KindPriceOverride Kind = "price_override"
)

// ErrNotFound is returned when no active code matches the requested token.
var ErrNotFound = errors.New("discount code not found")

// Tier maps a minimum purchased quantity to an override unit price.
// Tiers for a product are ordered ascending by MinQuantity; the tier with the
// greatest MinQuantity not exceeding the requested quantity applies.
type Tier struct {
	MinQuantity int
	Price       money.Cents
}

// Code is a promotional rule: eligibility constraints plus a price-adjustment
// strategy. ID, Code and Kind are immutable after creation; UsedCount and
// Active are the only fields mutated afterwards. Codes are never deleted,
// only deactivated, so the usage ledger stays referentially intact.
type Code struct {
	ID          string
	Code        string
	Kind        Kind
	Description string

	// Value is the percent (0-100) for KindPercentage or the major-unit
	// amount for KindFixedAmount. Unused for KindPriceOverride.
	Value decimal.Decimal

	// MinOrderAmount and MaxDiscountAmount are optional bounds; zero means
	// unset.
	MinOrderAmount    money.Cents
	MaxDiscountAmount money.Cents

	UsageLimit int
	UsedCount  int

	// ValidFrom and ValidUntil define an inclusive validity window.
	ValidFrom  time.Time
	ValidUntil time.Time

	// Active is a kill-switch independent of the date window.
	Active bool

	// OverridePrices maps product IDs to flat authoritative unit prices.
	// Override prices win over the code's Kind for the products they name,
	// so one code can mix hard-coded SKU prices with a generic discount.
	OverridePrices map[string]money.Cents

	// QuantityTiers maps product IDs to ascending tier lists. A tier beats a
	// flat override for the same product.
	QuantityTiers map[string][]Tier

	CreatedAt time.Time
}

// DefinitionError describes a malformed field in a code definition. It is
// raised at creation time only; evaluation degrades gracefully instead.
type DefinitionError struct {
	Field string
	Msg   string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("invalid code definition: %s: %s", e.Field, e.Msg)
}

// Validate checks a definition for structural problems before it is stored.
// Entries that slip past creation (e.g. hand-edited rows) are skipped at
// evaluation time rather than failing whole quotes.
func (c *Code) Validate() error {
	if c.Code == "" {
		return &DefinitionError{Field: "code", Msg: "must not be empty"}
	}

	switch c.Kind {
	case KindPercentage:
		if c.Value.IsNegative() || c.Value.GreaterThan(decimal.NewFromInt(100)) {
			return &DefinitionError{Field: "value", Msg: "percent must be between 0 and 100"}
		}
	case KindFixedAmount:
		if c.Value.IsNegative() {
			return &DefinitionError{Field: "value", Msg: "fixed amount must not be negative"}
		}
	case KindPriceOverride:
		// Value unused.
	default:
		return &DefinitionError{Field: "kind", Msg: fmt.Sprintf("unsupported kind %q", c.Kind)}
	}

	if c.MinOrderAmount < 0 {
		return &DefinitionError{Field: "minOrderAmount", Msg: "must not be negative"}
	}
	if c.MaxDiscountAmount < 0 {
		return &DefinitionError{Field: "maxDiscountAmount", Msg: "must not be negative"}
	}
	if c.UsageLimit <= 0 {
		return &DefinitionError{Field: "usageLimit", Msg: "must be positive"}
	}
	if c.UsedCount < 0 {
		return &DefinitionError{Field: "usedCount", Msg: "must not be negative"}
	}
	if !c.ValidFrom.Before(c.ValidUntil) {
		return &DefinitionError{Field: "validFrom", Msg: "must be before validUntil"}
	}

	for pid, price := range c.OverridePrices {
		if price <= 0 {
			return &DefinitionError{
				Field: "overridePrices",
				Msg:   fmt.Sprintf("price for product %s must be positive", pid),
			}
		}
	}

	for pid, tiers := range c.QuantityTiers {
		prevMin := 0
		for i, t := range tiers {
			if t.MinQuantity <= 0 {
				return &DefinitionError{
					Field: "quantityTiers",
					Msg:   fmt.Sprintf("product %s tier %d: minQuantity must be positive", pid, i),
				}
			}
			if i > 0 && t.MinQuantity <= prevMin {
				return &DefinitionError{
					Field: "quantityTiers",
					Msg:   fmt.Sprintf("product %s tier %d: minQuantity must be ascending", pid, i),
				}
			}
			if t.Price <= 0 {
				return &DefinitionError{
					Field: "quantityTiers",
					Msg:   fmt.Sprintf("product %s tier %d: price must be positive", pid, i),
				}
			}
			prevMin = t.MinQuantity
		}
	}

	return nil
}

// Repository provides lookup and lifecycle operations for discount codes.
// Codes are matched case-insensitively.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Code, error)
	Create(ctx context.Context, code *Code) error
	Deactivate(ctx context.Context, code string) error
}
