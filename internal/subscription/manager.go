package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/genexchange/settlement/internal/amount"
	"github.com/genexchange/settlement/internal/asset"
	"github.com/genexchange/settlement/internal/auth"
	"github.com/genexchange/settlement/internal/metrics"
	"github.com/genexchange/settlement/internal/retry"
	"github.com/genexchange/settlement/internal/syncutil"
	"github.com/genexchange/settlement/internal/traces"
)

// Burner destroys funds. *ledger.Ledger implements it.
type Burner interface {
	Burn(ctx context.Context, assetID *uint32, from, amount string) error
}

// AssetValidator resolves a currency to its backing asset id.
type AssetValidator interface {
	Validate(ctx context.Context, currency asset.Currency, assetID *uint32) (*uint32, error)
}

// Manager applies subscription operations. Mutations for one payer are
// serialized, which keeps the single-active-subscription index consistent.
type Manager struct {
	store  Store
	assets AssetValidator
	burner Burner
	authz  auth.Authorizer
	locks  *syncutil.KeyLock
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a subscription manager.
func NewManager(store Store, assets AssetValidator, burner Burner, authz auth.Authorizer, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		assets: assets,
		burner: burner,
		authz:  authz,
		locks:  syncutil.NewKeyLock(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add queues a new unpaid subscription for payer at the current price.
func (m *Manager) Add(ctx context.Context, payer string, d Duration, c asset.Currency, assetID *uint32) (s *Subscription, err error) {
	defer func() {
		metrics.SubscriptionEventsTotal.WithLabelValues("add", metrics.Result(err)).Inc()
	}()

	payer = strings.ToLower(strings.TrimSpace(payer))
	if payer == "" {
		return nil, fmt.Errorf("%w: payer is required", ErrUnauthorized)
	}
	if d, err = ParseDuration(string(d)); err != nil {
		return nil, err
	}
	if c, err = asset.ParseCurrency(string(c)); err != nil {
		return nil, err
	}
	resolved, err := m.assets.Validate(ctx, c, assetID)
	if err != nil {
		return nil, err
	}
	price, err := m.store.GetPrice(ctx, d, c)
	if err != nil {
		return nil, err
	}

	unlock, err := m.locks.Lock(ctx, payer)
	if err != nil {
		return nil, err
	}
	defer unlock()

	count, err := m.store.CountByPayer(ctx, payer)
	if err != nil {
		return nil, fmt.Errorf("count subscriptions: %w", err)
	}
	now := m.now()
	s = &Subscription{
		ID:            DeriveID(payer, d, c, count),
		Payer:         payer,
		Duration:      d,
		Currency:      c,
		AssetID:       resolved,
		Price:         price.Amount,
		PaymentStatus: Unpaid,
		Status:        StatusInQueue,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, err
	}

	m.logger.Info("subscription added",
		"subscriptionId", s.ID, "payer", payer, "duration", d, "currency", c, "price", s.Price)
	return clone(s), nil
}

// SetPaid burns the subscription price from the payer. Only the payer may
// pay, and only once.
func (m *Manager) SetPaid(ctx context.Context, caller, id string) (s *Subscription, err error) {
	ctx, span := traces.StartSpan(ctx, "subscription.SetPaid", traces.SubscriptionID(id), traces.Account(caller))
	defer func() {
		traces.End(span, err)
		metrics.SubscriptionEventsTotal.WithLabelValues("set_paid", metrics.Result(err)).Inc()
	}()

	s, unlock, err := m.lockSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if caller == "" || !strings.EqualFold(caller, s.Payer) {
		return nil, ErrUnauthorized
	}
	if s.IsPaid() {
		return nil, ErrAlreadyPaid
	}

	if err := m.burner.Burn(ctx, s.AssetID, s.Payer, s.Price); err != nil {
		return nil, fmt.Errorf("%w: subscription %s: %w", ErrPaymentFailed, id, err)
	}

	now := m.now()
	s.PaymentStatus = Paid
	s.PaidAt = &now
	s.UpdatedAt = now
	err = retry.Do(ctx, retry.Persist, func() error {
		return m.store.Update(ctx, s)
	})
	if err != nil {
		m.logger.Error("CRITICAL: subscription price burned but record update failed",
			"subscriptionId", id, "payer", s.Payer, "price", s.Price, "error", err)
		return nil, fmt.Errorf("failed to update subscription after payment (requires manual resolution): %w", err)
	}

	m.logger.Info("subscription paid", "subscriptionId", id, "payer", s.Payer, "amount", s.Price)
	return clone(s), nil
}

// ChangeStatus activates or deactivates a subscription. Only the escrow or
// treasury key may call it. Activation requires payment and deactivates the
// payer's previously active subscription, if any.
func (m *Manager) ChangeStatus(ctx context.Context, caller, id string, target Status) (s *Subscription, err error) {
	ctx, span := traces.StartSpan(ctx, "subscription.ChangeStatus", traces.SubscriptionID(id))
	event := EventDeactivate
	if target == StatusActive {
		event = EventActivate
	}
	defer func() {
		traces.End(span, err)
		metrics.SubscriptionEventsTotal.WithLabelValues(string(event), metrics.Result(err)).Inc()
	}()

	if _, err := ParseStatus(string(target)); err != nil {
		return nil, err
	}
	if !auth.AnyOf(ctx, m.authz, caller, auth.RoleEscrow, auth.RoleTreasury) {
		return nil, fmt.Errorf("%w: escrow or treasury key required", ErrUnauthorized)
	}

	s, unlock, err := m.lockSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if event == EventActivate && !s.IsPaid() {
		return nil, ErrNotPaid
	}
	next, err := Lifecycle.Fire(s.Status, event)
	if err != nil {
		return nil, err
	}

	now := m.now()
	from := s.Status
	s.Status = next
	s.UpdatedAt = now

	if event == EventDeactivate {
		if err := m.store.Deactivate(ctx, s); err != nil {
			return nil, err
		}
		m.logger.Info("subscription deactivated", "subscriptionId", id, "payer", s.Payer, "from", from)
		return clone(s), nil
	}

	until := s.Duration.Period(now)
	s.ActiveUntil = &until

	previous, err := m.previousActive(ctx, s, now)
	if err != nil {
		return nil, err
	}
	if err := m.store.Activate(ctx, s, previous); err != nil {
		return nil, err
	}

	attrs := []any{"subscriptionId", id, "payer", s.Payer, "from", from, "activeUntil", until}
	if previous != nil {
		attrs = append(attrs, "replaced", previous.ID)
	}
	m.logger.Info("subscription activated", attrs...)
	return clone(s), nil
}

// previousActive returns the payer's other active subscription moved to
// inactive, or nil when there is none.
func (m *Manager) previousActive(ctx context.Context, s *Subscription, now time.Time) (*Subscription, error) {
	prevID, err := m.store.ActiveID(ctx, s.Payer)
	if err != nil {
		return nil, err
	}
	if prevID == "" || prevID == s.ID {
		return nil, nil
	}
	prev, err := m.store.Get(ctx, prevID)
	if err != nil {
		return nil, fmt.Errorf("load active subscription %s: %w", prevID, err)
	}
	next, err := Lifecycle.Fire(prev.Status, EventDeactivate)
	if err != nil {
		// The index is stale; overwrite it without touching the record.
		m.logger.Warn("active index points at non-active subscription",
			"payer", s.Payer, "subscriptionId", prevID, "status", prev.Status)
		return nil, nil
	}
	prev.Status = next
	prev.UpdatedAt = now
	return prev, nil
}

// SetPrice sets the cost of a duration in a currency. Only the treasury key
// may call it. Existing subscriptions keep the price they were added at.
func (m *Manager) SetPrice(ctx context.Context, caller string, d Duration, c asset.Currency, amt string) (*Price, error) {
	if !m.authz.IsAuthorized(ctx, auth.RoleTreasury, caller) {
		return nil, fmt.Errorf("%w: treasury key required", ErrUnauthorized)
	}
	d, err := ParseDuration(string(d))
	if err != nil {
		return nil, err
	}
	if c, err = asset.ParseCurrency(string(c)); err != nil {
		return nil, err
	}
	normalized, err := amount.Normalize(amt)
	if err != nil || amount.IsZero(normalized) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPrice, amt)
	}

	p := &Price{Duration: d, Currency: c, Amount: normalized, UpdatedAt: m.now()}
	if err := m.store.SetPrice(ctx, p); err != nil {
		return nil, err
	}
	m.logger.Info("subscription price set", "duration", d, "currency", c, "amount", normalized)
	return p, nil
}

// Prices lists the price table.
func (m *Manager) Prices(ctx context.Context) ([]*Price, error) {
	return m.store.ListPrices(ctx)
}

// Get returns a subscription.
func (m *Manager) Get(ctx context.Context, id string) (*Subscription, error) {
	return m.store.Get(ctx, id)
}

// ActiveFor returns the payer's active subscription.
func (m *Manager) ActiveFor(ctx context.Context, payer string) (*Subscription, error) {
	id, err := m.store.ActiveID(ctx, strings.ToLower(payer))
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, ErrNotFound
	}
	return m.store.Get(ctx, id)
}

// ListByPayer returns a payer's subscriptions, newest first.
func (m *Manager) ListByPayer(ctx context.Context, payer string, limit int) ([]*Subscription, error) {
	return m.store.ListByPayer(ctx, strings.ToLower(payer), limit)
}

// lockSubscription loads a subscription and takes its payer's lock, then
// reloads it so the returned copy is current.
func (m *Manager) lockSubscription(ctx context.Context, id string) (*Subscription, func(), error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	unlock, err := m.locks.Lock(ctx, s.Payer)
	if err != nil {
		return nil, nil, err
	}
	if s, err = m.store.Get(ctx, id); err != nil {
		unlock()
		return nil, nil, err
	}
	return s, unlock, nil
}
