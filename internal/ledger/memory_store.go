package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/genexchange/settlement/internal/amount"
	"github.com/genexchange/settlement/internal/idgen"
)

type balanceKey struct {
	account string
	asset   string
}

type accountState struct {
	nonce  uint64
	frozen bool
}

// MemoryStore is an in-memory ledger store for development and tests.
type MemoryStore struct {
	balances map[balanceKey]*Balance
	accounts map[string]*accountState
	entries  []*Entry
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[balanceKey]*Balance),
		accounts: make(map[string]*accountState),
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, account string, assetID *uint32) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	frozen := false
	if st, ok := m.accounts[account]; ok {
		frozen = st.frozen
	}
	if bal, ok := m.balances[balanceKey{account, AssetKey(assetID)}]; ok {
		cp := *bal
		cp.Frozen = frozen
		return &cp, nil
	}
	return &Balance{
		Account:   account,
		AssetID:   assetID,
		Free:      "0.000000",
		Frozen:    frozen,
		UpdatedAt: time.Now(),
	}, nil
}

func (m *MemoryStore) Credit(ctx context.Context, account string, assetID *uint32, amt, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balanceLocked(account, assetID)
	total, err := amount.Sum(bal.Free, amt)
	if err != nil {
		return ErrInvalidAmount
	}
	bal.Free = total
	bal.UpdatedAt = time.Now()
	m.record(account, assetID, EntryMint, amt, "", reference)
	return nil
}

func (m *MemoryStore) Move(ctx context.Context, mv Movement, existentialDeposit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.balanceLocked(mv.From, mv.AssetID)
	fromState := m.accountLocked(mv.From)
	toFree := "0"
	if mv.To != "" {
		if b, ok := m.balances[balanceKey{mv.To, AssetKey(mv.AssetID)}]; ok {
			toFree = b.Free
		}
	}

	newFrom, newTo, err := CheckMove(mv, from.Free, toFree, existentialDeposit, fromState.frozen)
	if err != nil {
		return err
	}

	now := time.Now()
	from.Free = amount.Format(newFrom)
	from.UpdatedAt = now
	fromState.nonce++

	if mv.To == "" {
		m.record(mv.From, mv.AssetID, EntryBurn, mv.Amount, "", mv.Reference)
		return nil
	}

	to := m.balanceLocked(mv.To, mv.AssetID)
	to.Free = amount.Format(newTo)
	to.UpdatedAt = now
	m.record(mv.From, mv.AssetID, EntryDebit, mv.Amount, mv.To, mv.Reference)
	m.record(mv.To, mv.AssetID, EntryCredit, mv.Amount, mv.From, mv.Reference)
	return nil
}

func (m *MemoryStore) SetFrozen(ctx context.Context, account string, frozen bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accountLocked(account).frozen = frozen
	return nil
}

func (m *MemoryStore) Nonce(ctx context.Context, account string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.accounts[account]; ok {
		return st.nonce, nil
	}
	return 0, nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].Account == account {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) balanceLocked(account string, assetID *uint32) *Balance {
	key := balanceKey{account, AssetKey(assetID)}
	bal, ok := m.balances[key]
	if !ok {
		bal = &Balance{Account: account, AssetID: assetID, Free: "0.000000"}
		m.balances[key] = bal
	}
	return bal
}

func (m *MemoryStore) accountLocked(account string) *accountState {
	st, ok := m.accounts[account]
	if !ok {
		st = &accountState{}
		m.accounts[account] = st
	}
	return st
}

func (m *MemoryStore) record(account string, assetID *uint32, typ, amt, counterparty, reference string) {
	m.entries = append(m.entries, &Entry{
		ID:           idgen.WithPrefix("le_"),
		Account:      account,
		AssetID:      assetID,
		Type:         typ,
		Amount:       amt,
		Counterparty: counterparty,
		Reference:    reference,
		CreatedAt:    time.Now(),
	})
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
