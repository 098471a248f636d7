// Package escrow holds buyer funds for an order in a custodial account.
//
// Flow:
//  1. Order created → Open records the amount due; nothing moves yet
//  2. Payment confirmed → Deposit moves the full amount buyer → escrow account
//  3. Order fulfilled → Release drains the escrow account to the seller
//  4. Order cancelled/refunded/failed → Refund drains it back to the buyer
//  5. Order closed before payment → Void closes the record; nothing moves
//
// The escrow account is never stored. It is recomputed from the order id by
// DeriveAccount whenever it is needed.
package escrow

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/genexchange/settlement/internal/amount"
	"github.com/genexchange/settlement/internal/metrics"
	"github.com/genexchange/settlement/internal/pagination"
	"github.com/genexchange/settlement/internal/retry"
	"github.com/genexchange/settlement/internal/syncutil"
	"github.com/genexchange/settlement/internal/traces"
)

var (
	ErrNotFound       = errors.New("escrow not found")
	ErrAlreadyExists  = errors.New("escrow already exists for order")
	ErrTransferFailed = errors.New("escrow transfer failed")
	ErrAlreadyFunded  = errors.New("escrow already funded")
	ErrNotFunded      = errors.New("escrow not funded")
	ErrAlreadySettled = errors.New("escrow already settled")
	ErrInvalidAmount  = errors.New("invalid escrow amount")
	ErrBelowMinimum   = errors.New("escrow amount below existential deposit")
)

// DefaultHoldWindow is how long funds are held before the escrow counts as
// expired.
const DefaultHoldWindow = 7 * 24 * time.Hour

// PalletID namespaces derived escrow accounts. Exactly 8 bytes.
type PalletID [8]byte

// DefaultPalletID is the namespace for order escrows.
var DefaultPalletID = PalletID{'d', 'b', 'i', 'o', '/', 'e', 's', 'c'}

// Settlement records how an escrow was closed.
type Settlement string

const (
	SettlementNone     Settlement = ""
	SettlementReleased Settlement = "released"
	SettlementRefunded Settlement = "refunded"
	// SettlementVoided closes an escrow that was never funded.
	SettlementVoided Settlement = "voided"
)

// Record is the escrow state for one order.
type Record struct {
	OrderID     string     `json:"orderId"`
	Account     string     `json:"account"` // derived on read, never persisted
	BuyerAddr   string     `json:"buyerAddr"`
	SellerAddr  string     `json:"sellerAddr"`
	AssetID     *uint32    `json:"assetId,omitempty"`
	AmountToPay string     `json:"amountToPay"`
	AmountPaid  string     `json:"amountPaid"`
	Settlement  Settlement `json:"settlement,omitempty"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	SettledAt   *time.Time `json:"settledAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// IsFunded reports whether the deposit has been made.
func (r *Record) IsFunded() bool {
	return !amount.IsZero(r.AmountPaid)
}

// IsSettled reports whether the record is closed.
func (r *Record) IsSettled() bool {
	return r.Settlement != SettlementNone
}

// IsExpired reports whether the hold window has passed at now. Expiry only
// makes a refund eligible; nothing is moved automatically.
func IsExpired(r *Record, now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// DeriveAccount returns the custodial account for an order under the default
// pallet namespace.
func DeriveAccount(orderID string) string {
	return DeriveAccountFor(DefaultPalletID, orderID)
}

// DeriveAccountFor hashes "modl" ‖ pallet ‖ order id and keeps the low 20
// bytes as an account address. Pure and stable across calls.
func DeriveAccountFor(pallet PalletID, orderID string) string {
	h := crypto.Keccak256([]byte("modl"), pallet[:], orderIDBytes(orderID))
	return strings.ToLower(common.BytesToAddress(h).Hex())
}

func orderIDBytes(orderID string) []byte {
	id := strings.ToLower(strings.TrimSpace(orderID))
	if strings.HasPrefix(id, "0x") && len(id) > 2 {
		if b, err := hex.DecodeString(id[2:]); err == nil {
			return b
		}
	}
	return []byte(id)
}

// Store persists escrow records. Only Manager writes to it.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, orderID string) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Record, error)
	// ListUnsettled returns open records newest first, strictly after the
	// cursor when one is given.
	ListUnsettled(ctx context.Context, after *pagination.Cursor, limit int) ([]*Record, error)
}

// Transferer is the currency transfer primitive.
type Transferer interface {
	Transfer(ctx context.Context, assetID *uint32, from, to, amount string, keepAlive bool) error
}

// Manager derives escrow accounts and moves funds in and out of them.
type Manager struct {
	store      Store
	funds      Transferer
	holdWindow time.Duration
	minDeposit string
	locks      *syncutil.KeyLock
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithHoldWindow overrides DefaultHoldWindow.
func WithHoldWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.holdWindow = d
		}
	}
}

// WithMinDeposit rejects amounts due below the ledger's existential deposit.
func WithMinDeposit(amt string) Option {
	return func(m *Manager) { m.minDeposit = amt }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an escrow manager.
func NewManager(store Store, funds Transferer, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		funds:      funds,
		holdWindow: DefaultHoldWindow,
		locks:      syncutil.NewKeyLock(),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HoldWindow returns the configured hold window.
func (m *Manager) HoldWindow() time.Duration {
	return m.holdWindow
}

// Account returns the derived escrow account for orderID.
func (m *Manager) Account(orderID string) string {
	return DeriveAccount(orderID)
}

// Open writes an unfunded escrow record for an order.
func (m *Manager) Open(ctx context.Context, orderID, buyer, seller string, assetID *uint32, amt string, orderCreatedAt time.Time) (*Record, error) {
	normalized, err := m.checkAmount(amt)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		OrderID:     orderID,
		BuyerAddr:   strings.ToLower(buyer),
		SellerAddr:  strings.ToLower(seller),
		AssetID:     assetID,
		AmountToPay: normalized,
		AmountPaid:  amount.Format(nil),
		ExpiresAt:   orderCreatedAt.Add(m.holdWindow),
		CreatedAt:   orderCreatedAt,
		UpdatedAt:   orderCreatedAt,
	}
	err = m.store.Create(ctx, rec)
	metrics.EscrowOperationsTotal.WithLabelValues("open", metrics.Result(err)).Inc()
	if err != nil {
		return nil, err
	}
	return m.withAccount(rec), nil
}

// Reprice changes the amount due on an unfunded escrow.
func (m *Manager) Reprice(ctx context.Context, orderID, amt string) (*Record, error) {
	normalized, err := m.checkAmount(amt)
	if err != nil {
		return nil, err
	}

	unlock, err := m.locks.Lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := m.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if rec.IsFunded() {
		return nil, ErrAlreadyFunded
	}
	rec.AmountToPay = normalized
	rec.UpdatedAt = m.now()
	if err := m.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	return m.withAccount(rec), nil
}

// Deposit moves exactly AmountToPay from depositor into the escrow account
// with keep-alive semantics. A funded escrow rejects a second deposit.
func (m *Manager) Deposit(ctx context.Context, orderID, depositor string) (rec *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Deposit",
		traces.OrderID(orderID), traces.Account(depositor), traces.EscrowAccount(m.Account(orderID)))
	defer func() {
		traces.End(span, err)
		metrics.EscrowOperationsTotal.WithLabelValues("deposit", metrics.Result(err)).Inc()
	}()

	unlock, err := m.locks.Lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err = m.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if rec.IsSettled() {
		return nil, ErrAlreadySettled
	}
	if rec.IsFunded() {
		return nil, ErrAlreadyFunded
	}

	account := m.Account(orderID)
	if err := m.funds.Transfer(ctx, rec.AssetID, depositor, account, rec.AmountToPay, true); err != nil {
		return nil, fmt.Errorf("%w: deposit for order %s: %w", ErrTransferFailed, orderID, err)
	}

	rec.AmountPaid = rec.AmountToPay
	rec.UpdatedAt = m.now()
	span.SetAttributes(traces.Amount(rec.AmountPaid))
	if err := m.persist(ctx, rec, "deposit"); err != nil {
		return nil, err
	}

	m.logger.Info("escrow funded",
		"orderId", orderID, "account", account, "depositor", depositor, "amount", rec.AmountPaid)
	return m.withAccount(rec), nil
}

// Release drains the escrow account to the seller.
func (m *Manager) Release(ctx context.Context, orderID string) (*Record, error) {
	return m.settle(ctx, orderID, SettlementReleased)
}

// Refund drains the escrow account back to the buyer.
func (m *Manager) Refund(ctx context.Context, orderID string) (*Record, error) {
	return m.settle(ctx, orderID, SettlementRefunded)
}

func (m *Manager) settle(ctx context.Context, orderID string, outcome Settlement) (rec *Record, err error) {
	op := "release"
	if outcome == SettlementRefunded {
		op = "refund"
	}
	ctx, span := traces.StartSpan(ctx, "escrow."+op, traces.OrderID(orderID))
	defer func() {
		traces.End(span, err)
		metrics.EscrowOperationsTotal.WithLabelValues(op, metrics.Result(err)).Inc()
	}()

	unlock, err := m.locks.Lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err = m.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if rec.IsSettled() {
		return nil, ErrAlreadySettled
	}
	if !rec.IsFunded() {
		return nil, ErrNotFunded
	}

	to := rec.SellerAddr
	if outcome == SettlementRefunded {
		to = rec.BuyerAddr
	}
	account := m.Account(orderID)
	span.SetAttributes(traces.EscrowAccount(account), traces.Amount(rec.AmountPaid))
	// The escrow account exists only to hold this order's funds, so it may
	// be drained below the existential deposit.
	if err := m.funds.Transfer(ctx, rec.AssetID, account, to, rec.AmountPaid, false); err != nil {
		return nil, fmt.Errorf("%w: %s for order %s: %w", ErrTransferFailed, op, orderID, err)
	}

	now := m.now()
	rec.Settlement = outcome
	rec.SettledAt = &now
	rec.UpdatedAt = now
	if err := m.persist(ctx, rec, op); err != nil {
		return nil, err
	}

	metrics.EscrowDuration.Observe(now.Sub(rec.CreatedAt).Seconds())
	m.logger.Info("escrow settled",
		"orderId", orderID, "account", account, "to", to, "amount", rec.AmountPaid, "settlement", outcome)
	return m.withAccount(rec), nil
}

// Void closes an unfunded escrow whose order ended before payment. No funds
// move. A funded escrow must be released or refunded instead. Voiding a
// voided escrow is a no-op.
func (m *Manager) Void(ctx context.Context, orderID string) (rec *Record, err error) {
	defer func() {
		metrics.EscrowOperationsTotal.WithLabelValues("void", metrics.Result(err)).Inc()
	}()

	unlock, err := m.locks.Lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err = m.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if rec.Settlement == SettlementVoided {
		return m.withAccount(rec), nil
	}
	if rec.IsSettled() {
		return nil, ErrAlreadySettled
	}
	if rec.IsFunded() {
		return nil, ErrAlreadyFunded
	}

	now := m.now()
	rec.Settlement = SettlementVoided
	rec.SettledAt = &now
	rec.UpdatedAt = now
	if err := m.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	m.logger.Info("escrow voided", "orderId", orderID)
	return m.withAccount(rec), nil
}

// checkAmount normalizes an amount due. A fresh escrow account can only be
// credited with at least the existential deposit, so smaller totals could
// never be paid.
func (m *Manager) checkAmount(amt string) (string, error) {
	normalized, err := amount.Normalize(amt)
	if err != nil || amount.IsZero(normalized) {
		return "", ErrInvalidAmount
	}
	if m.minDeposit == "" {
		return normalized, nil
	}
	if c, err := amount.Cmp(normalized, m.minDeposit); err == nil && c < 0 {
		return "", fmt.Errorf("%w: %s is below the existential deposit %s", ErrBelowMinimum, normalized, m.minDeposit)
	}
	return normalized, nil
}

// persist writes a record whose funds have already moved. The write is
// retried; if it still fails the ledger and the record disagree and an
// operator must reconcile them.
func (m *Manager) persist(ctx context.Context, rec *Record, op string) error {
	err := retry.Do(ctx, retry.Persist, func() error {
		return m.store.Update(ctx, rec)
	})
	if err != nil {
		m.logger.Error("CRITICAL: escrow funds moved but record update failed",
			"orderId", rec.OrderID, "operation", op, "amount", rec.AmountToPay, "error", err)
		return fmt.Errorf("failed to update escrow after %s (requires manual resolution): %w", op, err)
	}
	return nil
}

// Get returns the escrow record for an order.
func (m *Manager) Get(ctx context.Context, orderID string) (*Record, error) {
	rec, err := m.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return m.withAccount(rec), nil
}

// Expired reports whether the order's escrow hold window has passed.
func (m *Manager) Expired(ctx context.Context, orderID string) (bool, error) {
	rec, err := m.store.Get(ctx, orderID)
	if err != nil {
		return false, err
	}
	return IsExpired(rec, m.now()), nil
}

// ListExpired returns funded, unsettled escrows past expiry.
func (m *Manager) ListExpired(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	recs, err := m.store.ListExpired(ctx, m.now(), limit)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		m.withAccount(r)
	}
	return recs, nil
}

// ListUnsettled returns escrows that still hold, or are waiting for, funds,
// newest first. Pass the cursor of the previous page's last record to
// continue.
func (m *Manager) ListUnsettled(ctx context.Context, after *pagination.Cursor, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	recs, err := m.store.ListUnsettled(ctx, after, limit)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		m.withAccount(r)
	}
	return recs, nil
}

func (m *Manager) withAccount(rec *Record) *Record {
	rec.Account = m.Account(rec.OrderID)
	return rec
}
