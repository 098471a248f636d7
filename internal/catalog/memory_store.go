package catalog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory catalog for development and tests.
type MemoryStore struct {
	services map[string]*Service
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{services: make(map[string]*Service)}
}

func (m *MemoryStore) Put(ctx context.Context, s *Service) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := cloneService(s)
	normalizeService(cp)
	now := time.Now()
	if existing, ok := m.services[cp.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.services[cp.ID] = cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, serviceID string) (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.services[serviceID]
	if !ok {
		return nil, ErrServiceNotFound
	}
	return cloneService(s), nil
}

func (m *MemoryStore) PriceTable(ctx context.Context, serviceID string) ([]PriceByCurrency, error) {
	s, err := m.Get(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	return s.Prices, nil
}

func (m *MemoryStore) OwnerOf(ctx context.Context, serviceID string) (string, error) {
	s, err := m.Get(ctx, serviceID)
	if err != nil {
		return "", err
	}
	return s.Owner, nil
}

func (m *MemoryStore) ListByOwner(ctx context.Context, owner string) ([]*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Service
	for _, s := range m.services {
		if s.Owner == owner {
			result = append(result, cloneService(s))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
