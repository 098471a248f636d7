package asset

import (
	"context"
	"sync"
)

// MemoryRegistry is an in-memory asset registry.
type MemoryRegistry struct {
	symbols map[uint32]string
	mu      sync.RWMutex
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{symbols: make(map[uint32]string)}
}

// Register records (or replaces) the symbol for an asset id.
func (m *MemoryRegistry) Register(ctx context.Context, id uint32, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbols[id] = symbol
	return nil
}

func (m *MemoryRegistry) SymbolOf(ctx context.Context, id uint32) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.symbols[id]
	if !ok {
		return "", ErrUnknownAsset
	}
	return s, nil
}

var _ Registry = (*MemoryRegistry)(nil)
