// Package memstore is an in-process storage backend for single-node
// deployments and tests. Usage counters follow the per-key-lock shape: the
// outer RWMutex only guards the entry maps, each code carries its own mutex,
// so redemptions of different codes never serialize against each other.
package memstore

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/velora/promo-engine/internal/catalog"
	"github.com/velora/promo-engine/internal/discount"
	"github.com/velora/promo-engine/internal/ledger"
)

// codeEntry holds one code's mutable state behind its own lock.
type codeEntry struct {
	mu      sync.Mutex
	code    discount.Code
	records []ledger.UsageRecord
}

// Store keeps discount codes, usage records and catalog products in memory.
// It implements discount.Repository, ledger.AtomicStore, ledger.Reader and
// catalog.Repository.
type Store struct {
	mu       sync.RWMutex
	codes    map[string]*codeEntry // keyed by code ID
	byToken  map[string]string     // uppercased code token -> code ID
	products map[string]catalog.Product
}

var (
	_ discount.Repository = (*Store)(nil)
	_ ledger.AtomicStore  = (*Store)(nil)
	_ ledger.Reader       = (*Store)(nil)
	_ catalog.Repository  = (*Store)(nil)
)

// New creates an empty Store.
func New() *Store {
	return &Store{
		codes:    make(map[string]*codeEntry),
		byToken:  make(map[string]string),
		products: make(map[string]catalog.Product),
	}
}

// entry resolves a code entry by ID under the read lock.
func (s *Store) entry(codeID string) (*codeEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.codes[codeID]
	return e, ok
}

// FindByCode looks up an active-or-inactive code case-insensitively and
// returns a snapshot of its current state.
func (s *Store) FindByCode(_ context.Context, token string) (*discount.Code, error) {
	s.mu.RLock()
	id, ok := s.byToken[strings.ToUpper(token)]
	e := s.codes[id]
	s.mu.RUnlock()
	if !ok || e == nil {
		return nil, discount.ErrNotFound
	}

	e.mu.Lock()
	snapshot := e.code
	e.mu.Unlock()
	return &snapshot, nil
}

// Create validates and stores a new code definition. The uppercased token
// must be unique among active codes, matching the partial unique index of
// the SQL backend: a deactivated holder releases its token, but stays
// reachable by ID so its usage records survive.
func (s *Store) Create(_ context.Context, code *discount.Code) error {
	if err := code.Validate(); err != nil {
		return err
	}
	if code.ID == "" {
		code.ID = uuid.New().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	token := strings.ToUpper(code.Code)
	if prev, exists := s.byToken[token]; exists {
		if e := s.codes[prev]; e != nil {
			e.mu.Lock()
			active := e.code.Active
			e.mu.Unlock()
			if active {
				return &discount.DefinitionError{Field: "code", Msg: "already exists"}
			}
		}
	}

	s.codes[code.ID] = &codeEntry{code: *code}
	s.byToken[token] = code.ID
	return nil
}

// Deactivate flips the kill-switch. Codes are never removed so the ledger
// stays referentially intact.
func (s *Store) Deactivate(ctx context.Context, token string) error {
	s.mu.RLock()
	id, ok := s.byToken[strings.ToUpper(token)]
	e := s.codes[id]
	s.mu.RUnlock()
	if !ok || e == nil {
		return discount.ErrNotFound
	}

	e.mu.Lock()
	e.code.Active = false
	e.mu.Unlock()
	return nil
}

// UsedCount returns the current usage counter for the code.
func (s *Store) UsedCount(_ context.Context, codeID string) (int, error) {
	e, ok := s.entry(codeID)
	if !ok {
		return 0, discount.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.code.UsedCount, nil
}

// ConditionalUpdateUsage swaps the counter only if it still holds expected.
func (s *Store) ConditionalUpdateUsage(_ context.Context, codeID string, expected, updated int) (bool, error) {
	e, ok := s.entry(codeID)
	if !ok {
		return false, discount.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.code.UsedCount != expected {
		return false, nil
	}
	e.code.UsedCount = updated
	return true, nil
}

// AppendUsageRecord persists a redemption record.
func (s *Store) AppendUsageRecord(_ context.Context, rec *ledger.UsageRecord) error {
	e, ok := s.entry(rec.DiscountCodeID)
	if !ok {
		return discount.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, *rec)
	return nil
}

// RedeemAtomic applies the counter swap and the record append in one critical
// section, satisfying ledger.AtomicStore.
func (s *Store) RedeemAtomic(_ context.Context, codeID string, expected int, rec *ledger.UsageRecord) (bool, error) {
	e, ok := s.entry(codeID)
	if !ok {
		return false, discount.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.code.UsedCount != expected {
		return false, nil
	}
	e.code.UsedCount = expected + 1
	e.records = append(e.records, *rec)
	return true, nil
}

// ListByCode returns a copy of the code's usage records in append order.
func (s *Store) ListByCode(_ context.Context, codeID string) ([]ledger.UsageRecord, error) {
	e, ok := s.entry(codeID)
	if !ok {
		return nil, discount.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ledger.UsageRecord, len(e.records))
	copy(out, e.records)
	return out, nil
}

// PutProduct adds or replaces a catalog product.
func (s *Store) PutProduct(p catalog.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// List returns all catalog products.
func (s *Store) List(_ context.Context) ([]catalog.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]catalog.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	return out, nil
}

// GetByID returns a single product.
func (s *Store) GetByID(_ context.Context, id string) (*catalog.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &p, nil
}

// GetByIDs returns the products matching ids; missing ids are simply absent
// from the result, mirroring the batch query of the SQL backend.
func (s *Store) GetByIDs(_ context.Context, ids []string) ([]catalog.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]catalog.Product, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if p, ok := s.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}
