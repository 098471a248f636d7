package order

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/genexchange/settlement/internal/pagination"
)

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor restricts results to orders older than the cursor position.
// A malformed cursor is ignored.
func WithCursor(cursor string) ListOption {
	return func(o *listOpts) {
		c, err := pagination.Decode(cursor)
		if err == nil {
			o.cursor = c
		}
	}
}

// PageKey extracts the cursor position of an order.
func PageKey(o *Order) (time.Time, string) {
	return o.CreatedAt, o.ID
}

// Store persists orders with secondary indexes by buyer and seller. Only the
// Engine writes to it.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, o *Order) error
	// Delete removes an order whose escrow could not be opened.
	Delete(ctx context.Context, id string) error
	ListByBuyer(ctx context.Context, buyer string, limit int, opts ...ListOption) ([]*Order, error)
	ListBySeller(ctx context.Context, seller string, limit int, opts ...ListOption) ([]*Order, error)
	CountByBuyer(ctx context.Context, buyer string) (uint64, error)
}

// MemoryStore is an in-memory order ledger for development and tests.
type MemoryStore struct {
	orders   map[string]*Order
	byBuyer  map[string][]string
	bySeller map[string][]string
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[string]*Order),
		byBuyer:  make(map[string][]string),
		bySeller: make(map[string][]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[o.ID]; exists {
		return ErrAlreadyExists
	}
	m.orders[o.ID] = clone(o)
	m.byBuyer[o.BuyerID] = append(m.byBuyer[o.BuyerID], o.ID)
	m.bySeller[o.SellerID] = append(m.bySeller[o.SellerID], o.ID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(o), nil
}

func (m *MemoryStore) Update(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[o.ID]; !ok {
		return ErrNotFound
	}
	m.orders[o.ID] = clone(o)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.orders, id)
	m.byBuyer[o.BuyerID] = without(m.byBuyer[o.BuyerID], id)
	m.bySeller[o.SellerID] = without(m.bySeller[o.SellerID], id)
	return nil
}

func (m *MemoryStore) ListByBuyer(ctx context.Context, buyer string, limit int, opts ...ListOption) ([]*Order, error) {
	return m.list(m.byBuyer, buyer, limit, applyListOpts(opts)), nil
}

func (m *MemoryStore) ListBySeller(ctx context.Context, seller string, limit int, opts ...ListOption) ([]*Order, error) {
	return m.list(m.bySeller, seller, limit, applyListOpts(opts)), nil
}

func (m *MemoryStore) CountByBuyer(ctx context.Context, buyer string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.byBuyer[buyer])), nil
}

// list returns newest first, ties broken by descending id.
func (m *MemoryStore) list(index map[string][]string, account string, limit int, lo listOpts) []*Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := index[account]
	result := make([]*Order, 0, len(ids))
	for _, id := range ids {
		o, ok := m.orders[id]
		if !ok || (lo.cursor != nil && !lo.cursor.Includes(o.CreatedAt, o.ID)) {
			continue
		}
		result = append(result, clone(o))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
