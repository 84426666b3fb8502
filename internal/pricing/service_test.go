package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velora/promo-engine/internal/catalog"
	"github.com/velora/promo-engine/internal/discount"
	"github.com/velora/promo-engine/internal/ledger"
	"github.com/velora/promo-engine/internal/money"
	"github.com/velora/promo-engine/internal/storage/memstore"
)

func newTestService(t *testing.T) (*Service, *memstore.Store) {
	t.Helper()

	store := memstore.New()
	store.PutProduct(catalog.Product{ID: "1", Name: "Waffle", Price: 650, Category: "Waffle"})
	store.PutProduct(catalog.Product{ID: "2", Name: "Tiramisu", Price: 550, Category: "Tiramisu"})

	return NewService(store, store, ledger.NewGuard(store)), store
}

func createCode(t *testing.T, store *memstore.Store, c *discount.Code) *discount.Code {
	t.Helper()
	if c.ValidFrom.IsZero() {
		c.ValidFrom = time.Now().Add(-time.Hour)
	}
	if c.ValidUntil.IsZero() {
		c.ValidUntil = time.Now().Add(time.Hour)
	}
	require.NoError(t, store.Create(context.Background(), c))
	return c
}

func tenPercent(limit int) *discount.Code {
	return &discount.Code{
		Code:       "TENOFF",
		Kind:       discount.KindPercentage,
		Value:      decimal.NewFromInt(10),
		UsageLimit: limit,
		Active:     true,
	}
}

func TestQuote_AppliesDiscount(t *testing.T) {
	svc, store := newTestService(t)
	createCode(t, store, tenPercent(10))

	q, err := svc.Quote(context.Background(), "TENOFF", []CartItem{
		{ProductID: "1", Quantity: 2},
		{ProductID: "2", Quantity: 1},
	})
	require.NoError(t, err)

	require.True(t, q.Result.Valid())
	out := q.Result.Outcome
	assert.Equal(t, money.Cents(1850), out.SubtotalOriginal)
	assert.Equal(t, money.Cents(1665), out.SubtotalFinal)
	assert.Equal(t, money.Cents(185), out.TotalSavings)
	require.Len(t, q.Products, 2)
	assert.Equal(t, "Waffle", q.Products[0].Name)
}

func TestQuote_TokenCaseInsensitive(t *testing.T) {
	svc, store := newTestService(t)
	createCode(t, store, tenPercent(10))

	q, err := svc.Quote(context.Background(), "tenoff", []CartItem{{ProductID: "1", Quantity: 1}})
	require.NoError(t, err)
	assert.True(t, q.Result.Valid())
}

func TestQuote_UnknownCodeIsRejectionNotError(t *testing.T) {
	svc, _ := newTestService(t)

	q, err := svc.Quote(context.Background(), "NOPE", []CartItem{{ProductID: "1", Quantity: 1}})
	require.NoError(t, err)

	assert.False(t, q.Result.Valid())
	assert.Equal(t, discount.ReasonCodeNotFound, q.Result.Reason)
	assert.Nil(t, q.Code)
}

func TestQuote_CartValidation(t *testing.T) {
	svc, store := newTestService(t)
	createCode(t, store, tenPercent(10))
	ctx := context.Background()

	_, err := svc.Quote(ctx, "TENOFF", nil)
	assert.ErrorIs(t, err, ErrEmptyItems)

	_, err = svc.Quote(ctx, "TENOFF", []CartItem{{ProductID: "1", Quantity: 0}})
	var qtyErr *InvalidQuantityError
	require.ErrorAs(t, err, &qtyErr)
	assert.Equal(t, "1", qtyErr.ProductID)

	_, err = svc.Quote(ctx, "TENOFF", []CartItem{{ProductID: "missing", Quantity: 1}})
	var notFound *ProductNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.ProductID)
}

func TestQuote_HasNoSideEffects(t *testing.T) {
	svc, store := newTestService(t)
	code := createCode(t, store, tenPercent(10))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		q, err := svc.Quote(ctx, "TENOFF", []CartItem{{ProductID: "1", Quantity: 1}})
		require.NoError(t, err)
		require.True(t, q.Result.Valid())
	}

	used, err := store.UsedCount(ctx, code.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, used, "quoting must not consume usage")
}

func TestCommit_ConsumesUsageAndRecords(t *testing.T) {
	svc, store := newTestService(t)
	code := createCode(t, store, tenPercent(10))
	ctx := context.Background()

	com, err := svc.Commit(ctx, Order{
		Reference:  "ord-42",
		CustomerID: "cust-7",
		CouponCode: "TENOFF",
		Items:      []CartItem{{ProductID: "1", Quantity: 2}},
	})
	require.NoError(t, err)

	require.NotNil(t, com.Record)
	assert.Equal(t, "ord-42", com.Record.OrderReference)
	assert.Equal(t, "cust-7", com.Record.CustomerID)
	assert.Equal(t, money.Cents(130), com.Record.DiscountAmount)
	assert.Equal(t, money.Cents(1170), com.Record.OrderTotal)

	used, err := store.UsedCount(ctx, code.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, used)

	records, err := store.ListByCode(ctx, code.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, com.Record.ID, records[0].ID)
}

func TestCommit_GeneratesReference(t *testing.T) {
	svc, store := newTestService(t)
	createCode(t, store, tenPercent(10))

	com, err := svc.Commit(context.Background(), Order{
		CouponCode: "TENOFF",
		Items:      []CartItem{{ProductID: "1", Quantity: 1}},
	})
	require.NoError(t, err)
	require.NotNil(t, com.Record)
	assert.NotEmpty(t, com.Record.OrderReference)
}

func TestCommit_InvalidQuoteConsumesNothing(t *testing.T) {
	svc, store := newTestService(t)
	code := createCode(t, store, tenPercent(10))
	ctx := context.Background()

	require.NoError(t, store.Deactivate(ctx, "TENOFF"))

	com, err := svc.Commit(ctx, Order{
		CouponCode: "TENOFF",
		Items:      []CartItem{{ProductID: "1", Quantity: 1}},
	})
	require.NoError(t, err)

	assert.Nil(t, com.Record)
	assert.Equal(t, discount.ReasonInactive, com.Quote.Result.Reason)

	used, err := store.UsedCount(ctx, code.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, used)
}

func TestCommit_RevalidatesAgainstFreshState(t *testing.T) {
	svc, store := newTestService(t)
	createCode(t, store, tenPercent(1))
	ctx := context.Background()
	ord := Order{CouponCode: "TENOFF", Items: []CartItem{{ProductID: "1", Quantity: 1}}}

	// A stale client-side quote is worthless: the first commit takes the
	// only slot, the second is rejected by the fresh evaluation.
	first, err := svc.Commit(ctx, ord)
	require.NoError(t, err)
	require.NotNil(t, first.Record)

	second, err := svc.Commit(ctx, ord)
	require.NoError(t, err)
	assert.Nil(t, second.Record)
	assert.Equal(t, discount.ReasonUsageLimitReached, second.Quote.Result.Reason)
}

func TestCommit_DuplicateProductLines(t *testing.T) {
	svc, store := newTestService(t)
	createCode(t, store, tenPercent(10))

	q, err := svc.Quote(context.Background(), "TENOFF", []CartItem{
		{ProductID: "1", Quantity: 1},
		{ProductID: "1", Quantity: 2},
	})
	require.NoError(t, err)

	require.True(t, q.Result.Valid())
	require.Len(t, q.Items, 2)
	assert.Equal(t, money.Cents(650*3), q.Result.Outcome.SubtotalOriginal)
}
