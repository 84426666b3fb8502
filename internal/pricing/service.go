// Package pricing is the entry point of the discount core: it resolves
// catalog prices, runs the rule evaluator, and, on committed orders only,
// consumes a usage slot through the redemption guard.
package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/velora/promo-engine/internal/catalog"
	"github.com/velora/promo-engine/internal/discount"
	"github.com/velora/promo-engine/internal/ledger"
	"github.com/velora/promo-engine/internal/money"
)

// Sentinel errors for cart validation.
var ErrEmptyItems = errors.New("items required")

// ProductNotFoundError indicates a requested product does not exist.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// InvalidQuantityError indicates a line item has a non-positive quantity.
type InvalidQuantityError struct {
	ProductID string
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for product %s", e.ProductID)
}

// CartItem is a client-supplied line: product and quantity. Unit prices come
// from the catalog, never from the client.
type CartItem struct {
	ProductID string
	Quantity  int
}

// Quote is the outcome of a read-only pricing pass. Quoting has no side
// effects and may run any number of times while a cart is being edited.
type Quote struct {
	// Code is the loaded definition; nil when the token matched nothing.
	Code     *discount.Code
	Items    []discount.LineItem
	Products []catalog.Product
	Result   discount.Result
}

// Order is a committed purchase to price and redeem against.
type Order struct {
	Reference  string
	CustomerID string
	CouponCode string
	Items      []CartItem
}

// Commitment is the outcome of a commit: the fresh quote plus, when the quote
// held up, the usage record of the consumed slot.
type Commitment struct {
	Quote  *Quote
	Record *ledger.UsageRecord
}

// Service orchestrates quote and commit. Quotes touch no shared mutable
// state; commits contend only on the counter of the code they redeem.
type Service struct {
	codes   discount.Repository
	catalog catalog.Repository
	guard   *ledger.Guard
	now     func() time.Time
}

// NewService creates a pricing Service with the required collaborators.
func NewService(codes discount.Repository, cat catalog.Repository, guard *ledger.Guard) *Service {
	return &Service{
		codes:   codes,
		catalog: cat,
		guard:   guard,
		now:     time.Now,
	}
}

// Quote resolves catalog prices for the cart and evaluates the code against
// current state. An unknown code is a business rejection, not an error; only
// store connectivity failures surface as errors.
func (s *Service) Quote(ctx context.Context, codeToken string, items []CartItem) (*Quote, error) {
	lineItems, products, err := s.resolveItems(ctx, items)
	if err != nil {
		return nil, err
	}

	var subtotal money.Cents
	for _, li := range lineItems {
		subtotal += li.UnitPrice * money.Cents(li.Quantity)
	}

	q := &Quote{Items: lineItems, Products: products}

	code, err := s.codes.FindByCode(ctx, codeToken)
	if err != nil {
		if errors.Is(err, discount.ErrNotFound) {
			q.Result = discount.Result{Reason: discount.ReasonCodeNotFound}
			return q, nil
		}
		return nil, errors.Wrap(err, "load discount code")
	}

	q.Code = code
	q.Result = discount.Evaluate(code, subtotal, lineItems, s.now())
	return q, nil
}

// Commit re-quotes the order against current state and, only if the code is
// still valid, consumes one usage slot. The fresh quote defends against stale
// client-side quotes: a cart that idled past the code's window or limit is
// rejected here, not silently redeemed.
func (s *Service) Commit(ctx context.Context, ord Order) (*Commitment, error) {
	q, err := s.Quote(ctx, ord.CouponCode, ord.Items)
	if err != nil {
		return nil, err
	}
	if !q.Result.Valid() {
		return &Commitment{Quote: q}, nil
	}

	ref := ord.Reference
	if ref == "" {
		ref = uuid.New().String()
	}

	outcome := q.Result.Outcome
	rec, err := s.guard.Redeem(ctx, ledger.RedeemRequest{
		CodeID:         q.Code.ID,
		UsageLimit:     q.Code.UsageLimit,
		OrderReference: ref,
		CustomerID:     ord.CustomerID,
		DiscountAmount: outcome.TotalSavings,
		OrderTotal:     outcome.SubtotalFinal,
	})
	if err != nil {
		return nil, err
	}

	return &Commitment{Quote: q, Record: rec}, nil
}

// resolveItems validates quantities and batch-fetches catalog prices.
func (s *Service) resolveItems(ctx context.Context, items []CartItem) ([]discount.LineItem, []catalog.Product, error) {
	if len(items) == 0 {
		return nil, nil, ErrEmptyItems
	}

	ids := make([]string, len(items))
	for i, item := range items {
		if item.Quantity <= 0 {
			return nil, nil, &InvalidQuantityError{ProductID: item.ProductID}
		}
		ids[i] = item.ProductID
	}

	fetched, err := s.catalog.GetByIDs(ctx, ids)
	if err != nil {
		return nil, nil, errors.Wrap(err, "get products")
	}

	productMap := make(map[string]catalog.Product, len(fetched))
	for _, p := range fetched {
		productMap[p.ID] = p
	}

	lineItems := make([]discount.LineItem, len(items))
	products := make([]catalog.Product, len(items))
	for i, item := range items {
		p, ok := productMap[item.ProductID]
		if !ok {
			return nil, nil, &ProductNotFoundError{ProductID: item.ProductID}
		}
		products[i] = p
		lineItems[i] = discount.LineItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: p.Price,
		}
	}

	return lineItems, products, nil
}
