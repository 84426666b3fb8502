package discount

import (
	"time"

	"github.com/velora/promo-engine/internal/money"
)

// Reason explains why a code failed evaluation. Reasons are business outcomes,
// not errors; they travel to the client as structured responses.
type Reason string

const (
	ReasonInactive          Reason = "inactive"
	ReasonExpired           Reason = "expired"
	ReasonNotYetValid       Reason = "not_yet_valid"
	ReasonUsageLimitReached Reason = "usage_limit_reached"
	ReasonBelowMinimum      Reason = "below_minimum"
	ReasonCodeNotFound      Reason = "code_not_found"
)

// AppliedRule tags which cascade level produced a line item's final price.
type AppliedRule string

const (
	RulePriceOverride AppliedRule = "price_override"
	RulePercentage    AppliedRule = "percentage"
	RuleFixedAmount   AppliedRule = "fixed_amount"
	RuleNone          AppliedRule = "none"
)

// LineItem is a request-scoped cart line with its catalog unit price.
type LineItem struct {
	ProductID string
	Quantity  int
	UnitPrice money.Cents
}

// ItemPrice is the resolved pricing for one line item.
//
// FinalUnitPrice is rounded half-up at the cent; LineTotal carries the exact
// post-discount line amount so order totals stay cent-accurate even when a
// capped discount does not divide evenly across units.
type ItemPrice struct {
	ProductID      string
	Quantity       int
	UnitPrice      money.Cents
	FinalUnitPrice money.Cents
	AppliedRule    AppliedRule
	UnitSavings    money.Cents
	LineTotal      money.Cents
}

// Outcome aggregates the per-item results of a successful evaluation.
type Outcome struct {
	Items            []ItemPrice
	SubtotalOriginal money.Cents
	SubtotalFinal    money.Cents
	TotalSavings     money.Cents
}

// Result is the verdict of evaluating a code against an order: either a
// rejection Reason or a computed Outcome, never both.
type Result struct {
	Reason  Reason
	Outcome *Outcome
}

// Valid reports whether the evaluation produced a pricing outcome.
func (r Result) Valid() bool {
	return r.Reason == ""
}

// invalid builds a rejection result.
func invalid(reason Reason) Result {
	return Result{Reason: reason}
}

// Evaluate is the pure pricing function: given a code definition, the order
// subtotal, the cart line items and the evaluation instant, it returns a
// validity verdict and, when valid, the final per-item prices.
//
// Eligibility checks run in a fixed order and the first failure wins:
// active flag, validity window (inclusive on both ends), usage counter,
// minimum order amount (inclusive).
//
// Per item, the price cascade is, highest precedence first:
//
//  1. quantity-tiered override (largest qualifying tier)
//  2. flat override price
//  3. percentage off the unit price (when Kind is percentage)
//  4. fixed amount off each unit (when Kind is fixed_amount); the subtraction
//     is per unit, not per order
//  5. the original unit price
//
// Levels 1-2 apply regardless of Kind and are authoritative: the resulting
// price may exceed the original, is never capped, and contributes zero to
// savings in that case. MaxDiscountAmount caps only percentage/fixed savings,
// scaled proportionally across the affected items so the capped total is
// exact to the cent.
func Evaluate(code *Code, orderSubtotal money.Cents, items []LineItem, now time.Time) Result {
	if !code.Active {
		return invalid(ReasonInactive)
	}
	if now.Before(code.ValidFrom) {
		return invalid(ReasonNotYetValid)
	}
	if now.After(code.ValidUntil) {
		return invalid(ReasonExpired)
	}
	if code.UsedCount >= code.UsageLimit {
		return invalid(ReasonUsageLimitReached)
	}
	if code.MinOrderAmount > 0 && orderSubtotal < code.MinOrderAmount {
		return invalid(ReasonBelowMinimum)
	}

	out := &Outcome{Items: make([]ItemPrice, len(items))}

	// lineSavings tracks exact per-line savings for items priced by the
	// cappable levels (percentage/fixed). Override lines never appear here.
	lineSavings := make([]money.Cents, len(items))
	var rawSavings money.Cents

	for i, item := range items {
		ip := resolveItem(code, item)
		qty := money.Cents(item.Quantity)

		lineOriginal := item.UnitPrice * qty
		out.SubtotalOriginal += lineOriginal

		switch ip.AppliedRule {
		case RulePercentage, RuleFixedAmount:
			lineSavings[i] = ip.UnitSavings * qty
			rawSavings += lineSavings[i]
		default:
		}

		out.Items[i] = ip
	}

	if code.MaxDiscountAmount > 0 && rawSavings > 0 {
		limit := money.Min(code.MaxDiscountAmount, orderSubtotal)
		if rawSavings > limit {
			scaleSavings(out.Items, lineSavings, rawSavings, limit)
		}
	}

	for i := range out.Items {
		ip := &out.Items[i]
		out.SubtotalFinal += ip.LineTotal
		if lineGain := ip.UnitPrice*money.Cents(ip.Quantity) - ip.LineTotal; lineGain > 0 {
			out.TotalSavings += lineGain
		}
	}

	return Result{Outcome: out}
}

// resolveItem walks the priority cascade for a single line item.
func resolveItem(code *Code, item LineItem) ItemPrice {
	ip := ItemPrice{
		ProductID: item.ProductID,
		Quantity:  item.Quantity,
		UnitPrice: item.UnitPrice,
	}

	if price, ok := tierPrice(code.QuantityTiers[item.ProductID], item.Quantity); ok {
		return finishOverride(ip, price)
	}

	if price, ok := code.OverridePrices[item.ProductID]; ok && price > 0 {
		return finishOverride(ip, price)
	}

	switch code.Kind {
	case KindPercentage:
		ip.AppliedRule = RulePercentage
		ip.FinalUnitPrice = item.UnitPrice.ApplyPercent(code.Value)
	case KindFixedAmount:
		ip.AppliedRule = RuleFixedAmount
		final := item.UnitPrice - money.FromDecimal(code.Value)
		if final < 0 {
			final = 0
		}
		ip.FinalUnitPrice = final
	default:
		ip.AppliedRule = RuleNone
		ip.FinalUnitPrice = item.UnitPrice
	}

	ip.UnitSavings = item.UnitPrice - ip.FinalUnitPrice
	ip.LineTotal = ip.FinalUnitPrice * money.Cents(item.Quantity)
	return ip
}

// finishOverride completes an item priced by an authoritative override.
// The final price is taken verbatim and may exceed the original; savings
// floor at zero in that case.
func finishOverride(ip ItemPrice, price money.Cents) ItemPrice {
	ip.AppliedRule = RulePriceOverride
	ip.FinalUnitPrice = price
	if saved := ip.UnitPrice - price; saved > 0 {
		ip.UnitSavings = saved
	}
	ip.LineTotal = price * money.Cents(ip.Quantity)
	return ip
}

// tierPrice selects the tier with the greatest MinQuantity not exceeding qty.
// Tiers are stored ascending, so the last qualifying entry wins. Malformed
// entries (non-positive price) are skipped rather than failing the quote.
func tierPrice(tiers []Tier, qty int) (money.Cents, bool) {
	var (
		price money.Cents
		found bool
	)
	for _, t := range tiers {
		if t.MinQuantity > qty {
			break
		}
		if t.Price <= 0 {
			continue
		}
		price = t.Price
		found = true
	}
	return price, found
}

// scaleSavings reduces the percentage/fixed line savings proportionally so
// their sum equals limit exactly. Allocation uses cumulative integer division,
// which distributes remainder cents without ever over- or under-shooting.
func scaleSavings(items []ItemPrice, lineSavings []money.Cents, rawSavings, limit money.Cents) {
	var cumRaw, cumAlloc money.Cents
	for i := range items {
		if lineSavings[i] == 0 {
			continue
		}

		cumRaw += lineSavings[i]
		target := money.Cents(int64(limit) * int64(cumRaw) / int64(rawSavings))
		alloc := target - cumAlloc
		cumAlloc = target

		ip := &items[i]
		qty := money.Cents(ip.Quantity)
		ip.LineTotal = ip.UnitPrice*qty - alloc
		ip.FinalUnitPrice = divRoundHalfUp(ip.LineTotal, qty)
		ip.UnitSavings = ip.UnitPrice - ip.FinalUnitPrice
	}
}

// divRoundHalfUp divides a by b rounding half-up. b must be positive.
func divRoundHalfUp(a, b money.Cents) money.Cents {
	return (2*a + b) / (2 * b)
}
