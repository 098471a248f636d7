// Package ledger is the currency transfer primitive used by settlement.
//
// Balances are held per (account, asset). A nil asset id means the native
// coin. Every account must either hold nothing or at least the existential
// deposit; transfers made with keepAlive refuse to take the sender below it,
// transfers without keepAlive may drain the sender to zero (used by escrow
// accounts, which are purpose-built holding accounts).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/genexchange/settlement/internal/amount"
)

var (
	// ErrTransferFailed wraps every rejected fund movement.
	ErrTransferFailed      = errors.New("transfer failed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountFrozen       = errors.New("account frozen")
	ErrBelowExistential    = errors.New("balance would fall below existential deposit")
	ErrInvalidAmount       = errors.New("invalid amount")
)

// DefaultExistentialDeposit is the minimum non-zero balance an account may hold.
const DefaultExistentialDeposit = "0.010000"

// Entry types
const (
	EntryMint   = "mint"
	EntryDebit  = "debit"
	EntryCredit = "credit"
	EntryBurn   = "burn"
)

// Balance is an account's holding of one asset.
type Balance struct {
	Account   string    `json:"account"`
	AssetID   *uint32   `json:"assetId,omitempty"`
	Free      string    `json:"free"`
	Frozen    bool      `json:"frozen"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Entry is one side of a fund movement.
type Entry struct {
	ID           string    `json:"id"`
	Account      string    `json:"account"`
	AssetID      *uint32   `json:"assetId,omitempty"`
	Type         string    `json:"type"`
	Amount       string    `json:"amount"`
	Counterparty string    `json:"counterparty,omitempty"`
	Reference    string    `json:"reference,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Movement describes a debit from From and, unless To is empty (burn), a
// matching credit to To.
type Movement struct {
	From      string
	To        string
	AssetID   *uint32
	Amount    string
	KeepAlive bool
	Reference string
}

// Store persists balances. Move must apply the debit and credit atomically
// and enforce CheckMove under the same lock or transaction.
type Store interface {
	GetBalance(ctx context.Context, account string, assetID *uint32) (*Balance, error)
	Credit(ctx context.Context, account string, assetID *uint32, amount, reference string) error
	Move(ctx context.Context, m Movement, existentialDeposit string) error
	SetFrozen(ctx context.Context, account string, frozen bool) error
	Nonce(ctx context.Context, account string) (uint64, error)
	GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error)
}

// Ledger validates and routes fund movements to a Store.
type Ledger struct {
	store              Store
	existentialDeposit string
}

// New creates a ledger. An empty existentialDeposit uses the default.
func New(store Store, existentialDeposit string) *Ledger {
	if existentialDeposit == "" {
		existentialDeposit = DefaultExistentialDeposit
	}
	return &Ledger{store: store, existentialDeposit: existentialDeposit}
}

// ExistentialDeposit returns the configured minimum balance.
func (l *Ledger) ExistentialDeposit() string {
	return l.existentialDeposit
}

// Transfer moves amount of an asset between accounts.
func (l *Ledger) Transfer(ctx context.Context, assetID *uint32, from, to, amt string, keepAlive bool) error {
	if err := positive(amt); err != nil {
		return err
	}
	from, to = normalize(from), normalize(to)
	if from == to {
		return fmt.Errorf("%w: sender and recipient are the same account", ErrTransferFailed)
	}
	err := l.store.Move(ctx, Movement{
		From:      from,
		To:        to,
		AssetID:   assetID,
		Amount:    amt,
		KeepAlive: keepAlive,
	}, l.existentialDeposit)
	return wrapTransfer(err)
}

// Burn destroys amount of an asset held by from. The sender is kept alive.
func (l *Ledger) Burn(ctx context.Context, assetID *uint32, from, amt string) error {
	if err := positive(amt); err != nil {
		return err
	}
	err := l.store.Move(ctx, Movement{
		From:      normalize(from),
		AssetID:   assetID,
		Amount:    amt,
		KeepAlive: true,
	}, l.existentialDeposit)
	return wrapTransfer(err)
}

// Mint credits new funds to an account (genesis, faucet and tests).
func (l *Ledger) Mint(ctx context.Context, assetID *uint32, to, amt string) error {
	if err := positive(amt); err != nil {
		return err
	}
	c, err := amount.Cmp(amt, l.existentialDeposit)
	if err != nil {
		return ErrInvalidAmount
	}
	bal, err := l.store.GetBalance(ctx, normalize(to), assetID)
	if err != nil {
		return err
	}
	if c < 0 && amount.IsZero(bal.Free) {
		return fmt.Errorf("%w: %w", ErrTransferFailed, ErrBelowExistential)
	}
	return l.store.Credit(ctx, normalize(to), assetID, amt, "")
}

// Balance returns an account's free balance of an asset.
func (l *Ledger) Balance(ctx context.Context, assetID *uint32, account string) (*Balance, error) {
	return l.store.GetBalance(ctx, normalize(account), assetID)
}

// Freeze blocks outgoing movements from account.
func (l *Ledger) Freeze(ctx context.Context, account string) error {
	return l.store.SetFrozen(ctx, normalize(account), true)
}

// Thaw lifts a freeze.
func (l *Ledger) Thaw(ctx context.Context, account string) error {
	return l.store.SetFrozen(ctx, normalize(account), false)
}

// Nonce returns the number of outgoing movements made by account.
func (l *Ledger) Nonce(ctx context.Context, account string) (uint64, error) {
	return l.store.Nonce(ctx, normalize(account))
}

// GetHistory returns recent entries for an account.
func (l *Ledger) GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.GetHistory(ctx, normalize(account), limit)
}

// CheckMove applies the balance rules to a pending movement. fromFree and
// toFree are the current balances; toFree is ignored for burns.
func CheckMove(m Movement, fromFree, toFree, existentialDeposit string, fromFrozen bool) (newFrom, newTo *big.Int, err error) {
	if fromFrozen {
		return nil, nil, ErrAccountFrozen
	}
	amt, ok := amount.Parse(m.Amount)
	if !ok || amt.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	from, _ := amount.Parse(fromFree)
	to, _ := amount.Parse(toFree)
	ed, _ := amount.Parse(existentialDeposit)

	if from.Cmp(amt) < 0 {
		return nil, nil, ErrInsufficientBalance
	}
	newFrom = new(big.Int).Sub(from, amt)
	if newFrom.Sign() > 0 && newFrom.Cmp(ed) < 0 {
		return nil, nil, ErrBelowExistential
	}
	if m.KeepAlive && newFrom.Cmp(ed) < 0 {
		return nil, nil, ErrBelowExistential
	}
	if m.To == "" {
		return newFrom, nil, nil
	}
	newTo = new(big.Int).Add(to, amt)
	if newTo.Cmp(ed) < 0 {
		return nil, nil, ErrBelowExistential
	}
	return newFrom, newTo, nil
}

// AssetKey is the storage key for an asset id.
func AssetKey(assetID *uint32) string {
	if assetID == nil {
		return "native"
	}
	return fmt.Sprintf("asset:%d", *assetID)
}

func positive(amt string) error {
	v, ok := amount.Parse(amt)
	if !ok || v.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func normalize(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}

func wrapTransfer(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrAccountFrozen),
		errors.Is(err, ErrBelowExistential),
		errors.Is(err, ErrInvalidAmount):
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	return err
}
