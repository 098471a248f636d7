package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/genexchange/settlement/internal/pagination"
)

// MemoryStore is an in-memory escrow store for development and tests.
type MemoryStore struct {
	records map[string]*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Create(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.OrderID]; ok {
		return ErrAlreadyExists
	}
	m.records[rec.OrderID] = clone(rec)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, orderID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(rec), nil
}

func (m *MemoryStore) Update(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.OrderID]; !ok {
		return ErrNotFound
	}
	m.records[rec.OrderID] = clone(rec)
	return nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.records {
		if r.IsFunded() && !r.IsSettled() && !before.Before(r.ExpiresAt) {
			result = append(result, clone(r))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListUnsettled(ctx context.Context, after *pagination.Cursor, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.records {
		if r.IsSettled() {
			continue
		}
		if after != nil && !after.Includes(r.CreatedAt, r.OrderID) {
			continue
		}
		result = append(result, clone(r))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].OrderID > result[j].OrderID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// clone copies a record so callers never share pointers with the map.
func clone(r *Record) *Record {
	cp := *r
	cp.Account = ""
	if r.AssetID != nil {
		id := *r.AssetID
		cp.AssetID = &id
	}
	if r.SettledAt != nil {
		t := *r.SettledAt
		cp.SettledAt = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
