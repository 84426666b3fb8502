// Package money provides integer-cent currency arithmetic.
//
// All pricing computation in this service happens in minor units (cents) to
// avoid floating-point drift. Decimal values appear only at the boundaries:
// JSON payloads, NUMERIC database columns, and percentage math, which rounds
// half-up exactly once at the final per-item price.
package money

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Cents is a monetary amount in minor units (1/100 of the major unit).
type Cents int64

// FromDecimal converts a major-unit decimal amount to Cents, rounding half-up
// at the cent.
func FromDecimal(d decimal.Decimal) Cents {
	return Cents(d.Mul(hundred).Round(0).IntPart())
}

// Decimal converts c back to a major-unit decimal amount.
func (c Cents) Decimal() decimal.Decimal {
	return decimal.New(int64(c), -2)
}

// Float64 returns the major-unit amount as a float64 for JSON responses.
// Exact for any realistic order total.
func (c Cents) Float64() float64 {
	return c.Decimal().InexactFloat64()
}

// ApplyPercent returns c reduced by pct percent, rounded half-up at the cent.
// pct is expected in [0, 100]; values outside clamp the result to [0, c].
func (c Cents) ApplyPercent(pct decimal.Decimal) Cents {
	keep := hundred.Sub(pct)
	out := FromDecimal(c.Decimal().Mul(keep).Div(hundred))
	if out < 0 {
		return 0
	}
	if out > c {
		return c
	}
	return out
}

// Min returns the smaller of a and b.
func Min(a, b Cents) Cents {
	if a < b {
		return a
	}
	return b
}
