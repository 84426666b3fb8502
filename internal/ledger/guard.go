package ledger

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/velora/promo-engine/internal/money"
)

// maxAttempts bounds the compare-and-swap retry loop. Losing a swap means
// another redemption of the same code landed between our read and our write;
// a handful of retries absorbs normal contention, beyond that we surface
// ErrContention instead of spinning.
const maxAttempts = 5

// RedeemRequest carries everything the guard needs to consume one usage slot.
type RedeemRequest struct {
	CodeID         string
	UsageLimit     int
	OrderReference string
	CustomerID     string
	DiscountAmount money.Cents
	OrderTotal     money.Cents
}

// Guard enforces the usage limit of each code under concurrent redemption.
//
// Correctness argument: every successful redemption is a compare-and-swap
// from an observed counter value N to N+1, so no two redemptions can both
// increment from the same stale value, and the counter reaching UsageLimit
// blocks all later attempts. Redemptions of different codes touch different
// counters and never serialize against each other.
type Guard struct {
	store Store
	now   func() time.Time
}

// NewGuard creates a Guard backed by the given store.
func NewGuard(store Store) *Guard {
	return &Guard{store: store, now: time.Now}
}

// Redeem atomically consumes one usage slot for the code and writes the
// usage record. It returns ErrLimitReached when the code is exhausted and
// ErrContention when the retry budget runs out.
func (g *Guard) Redeem(ctx context.Context, req RedeemRequest) (*UsageRecord, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		used, err := g.store.UsedCount(ctx, req.CodeID)
		if err != nil {
			return nil, errors.Wrap(err, "read usage counter")
		}
		if used >= req.UsageLimit {
			return nil, ErrLimitReached
		}

		rec := &UsageRecord{
			ID:             uuid.New().String(),
			DiscountCodeID: req.CodeID,
			OrderReference: req.OrderReference,
			CustomerID:     req.CustomerID,
			DiscountAmount: req.DiscountAmount,
			OrderTotal:     req.OrderTotal,
			RedeemedAt:     g.now().UTC(),
		}

		swapped, err := g.redeemOnce(ctx, req.CodeID, used, rec)
		if err != nil {
			return nil, err
		}
		if swapped {
			return rec, nil
		}
		// Lost the swap to a concurrent redemption; re-read and retry.
	}

	return nil, ErrContention
}

// redeemOnce attempts a single counter swap plus record append, atomically
// when the store supports it.
func (g *Guard) redeemOnce(ctx context.Context, codeID string, expected int, rec *UsageRecord) (bool, error) {
	if as, ok := g.store.(AtomicStore); ok {
		swapped, err := as.RedeemAtomic(ctx, codeID, expected, rec)
		if err != nil {
			return false, errors.Wrap(err, "atomic redeem")
		}
		return swapped, nil
	}

	swapped, err := g.store.ConditionalUpdateUsage(ctx, codeID, expected, expected+1)
	if err != nil {
		return false, errors.Wrap(err, "conditional usage update")
	}
	if !swapped {
		return false, nil
	}
	if err := g.store.AppendUsageRecord(ctx, rec); err != nil {
		return false, errors.Wrap(err, "append usage record")
	}
	return true, nil
}
