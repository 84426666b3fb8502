// Package ledger records discount code redemptions and guards the per-code
// usage counter against concurrent over-redemption.
package ledger

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/velora/promo-engine/internal/money"
)

var (
	// ErrLimitReached is returned when a code has no redemptions left.
	// This is a normal business outcome, not an infrastructure failure.
	ErrLimitReached = errors.New("usage limit reached")
	// ErrContention is returned when the bounded compare-and-swap retry
	// loop exhausts its attempts without winning a slot.
	ErrContention = errors.New("redemption contention exhausted")
)

// UsageRecord is an immutable fact: one successful redemption of a code.
// Records are created exactly once and never mutated or deleted.
type UsageRecord struct {
	ID             string
	DiscountCodeID string
	OrderReference string
	CustomerID     string
	DiscountAmount money.Cents
	OrderTotal     money.Cents
	RedeemedAt     time.Time
}

// Store is the durable backing for usage counters and records. The counter
// update is conditional (compare-and-swap on the expected value) so the guard
// can detect lost-update races regardless of the backend.
type Store interface {
	// UsedCount returns the current usage counter for the code.
	UsedCount(ctx context.Context, codeID string) (int, error)
	// ConditionalUpdateUsage sets the counter to updated only if it still
	// equals expected. It reports whether the swap happened.
	ConditionalUpdateUsage(ctx context.Context, codeID string, expected, updated int) (bool, error)
	// AppendUsageRecord persists a redemption record.
	AppendUsageRecord(ctx context.Context, rec *UsageRecord) error
}

// AtomicStore is implemented by stores that can apply the counter increment
// and the record append as one atomic step (a transaction, or one critical
// section). The guard prefers this path when available so a crash can never
// leave a record without its increment or vice versa.
type AtomicStore interface {
	Store
	// RedeemAtomic performs ConditionalUpdateUsage(codeID, expected,
	// expected+1) and AppendUsageRecord(rec) atomically, reporting whether
	// the swap happened.
	RedeemAtomic(ctx context.Context, codeID string, expected int, rec *UsageRecord) (bool, error)
}

// Reader provides read-only access to usage records for reporting.
type Reader interface {
	ListByCode(ctx context.Context, codeID string) ([]UsageRecord, error)
}
