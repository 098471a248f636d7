package subscription

import (
	"context"
	"sort"
	"sync"

	"github.com/genexchange/settlement/internal/asset"
)

// Store persists subscriptions, the payer→active index and the price table.
type Store interface {
	Create(ctx context.Context, s *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	Update(ctx context.Context, s *Subscription) error
	ListByPayer(ctx context.Context, payer string, limit int) ([]*Subscription, error)
	CountByPayer(ctx context.Context, payer string) (uint64, error)

	// ActiveID returns the payer's active subscription id, or "" if none.
	ActiveID(ctx context.Context, payer string) (string, error)
	// Activate saves s, saves previous when non-nil, and points the
	// payer's active index at s. All three happen together.
	Activate(ctx context.Context, s, previous *Subscription) error
	// Deactivate saves s and clears the active index if it points at s.
	Deactivate(ctx context.Context, s *Subscription) error

	SetPrice(ctx context.Context, p *Price) error
	GetPrice(ctx context.Context, d Duration, c asset.Currency) (*Price, error)
	ListPrices(ctx context.Context) ([]*Price, error)
}

type priceKey struct {
	duration Duration
	currency asset.Currency
}

// MemoryStore is an in-memory subscription store for development and tests.
type MemoryStore struct {
	subs    map[string]*Subscription
	byPayer map[string][]string
	active  map[string]string
	prices  map[priceKey]*Price
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:    make(map[string]*Subscription),
		byPayer: make(map[string][]string),
		active:  make(map[string]string),
		prices:  make(map[priceKey]*Price),
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[s.ID]; ok {
		return ErrAlreadyExists
	}
	m.subs[s.ID] = clone(s)
	m.byPayer[s.Payer] = append(m.byPayer[s.Payer], s.ID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *MemoryStore) Update(ctx context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(s)
}

func (m *MemoryStore) updateLocked(s *Subscription) error {
	if _, ok := m.subs[s.ID]; !ok {
		return ErrNotFound
	}
	m.subs[s.ID] = clone(s)
	return nil
}

func (m *MemoryStore) ListByPayer(ctx context.Context, payer string, limit int) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byPayer[payer]
	out := make([]*Subscription, 0, len(ids))
	for _, id := range ids {
		out = append(out, clone(m.subs[id]))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountByPayer(ctx context.Context, payer string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.byPayer[payer])), nil
}

func (m *MemoryStore) ActiveID(ctx context.Context, payer string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[payer], nil
}

func (m *MemoryStore) Activate(ctx context.Context, s, previous *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[s.ID]; !ok {
		return ErrNotFound
	}
	if previous != nil {
		if err := m.updateLocked(previous); err != nil {
			return err
		}
	}
	m.subs[s.ID] = clone(s)
	m.active[s.Payer] = s.ID
	return nil
}

func (m *MemoryStore) Deactivate(ctx context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.updateLocked(s); err != nil {
		return err
	}
	if m.active[s.Payer] == s.ID {
		delete(m.active, s.Payer)
	}
	return nil
}

func (m *MemoryStore) SetPrice(ctx context.Context, p *Price) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.prices[priceKey{p.Duration, p.Currency}] = &cp
	return nil
}

func (m *MemoryStore) GetPrice(ctx context.Context, d Duration, c asset.Currency) (*Price, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prices[priceKey{d, c}]
	if !ok {
		return nil, ErrPriceNotSet
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListPrices(ctx context.Context) ([]*Price, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Price, 0, len(m.prices))
	for _, p := range m.prices {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Currency != out[j].Currency {
			return out[i].Currency < out[j].Currency
		}
		return out[i].Duration < out[j].Duration
	})
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
