package subscription

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genexchange/settlement/internal/asset"
	"github.com/genexchange/settlement/internal/auth"
	"github.com/genexchange/settlement/internal/ledger"
)

const (
	payer     = "0x00000000000000000000000000000000000000b1"
	otherUser = "0x00000000000000000000000000000000000000b2"
	escrowKey = "0x00000000000000000000000000000000000000e1"
	treasury  = "0x00000000000000000000000000000000000000f1"
)

type fixture struct {
	manager *Manager
	ledger  *ledger.Ledger
	store   *MemoryStore
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		ledger: ledger.New(ledger.NewMemoryStore(), "1"),
		store:  NewMemoryStore(),
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	registry := asset.NewMemoryRegistry()
	require.NoError(t, registry.Register(ctx, 1, "USDT"))

	authz := auth.NewKeyAuthorizer(auth.NewMemoryAuthorityStore(), "", quiet)
	require.NoError(t, authz.Bootstrap(ctx, map[auth.Role]string{
		auth.RoleEscrow:   escrowKey,
		auth.RoleTreasury: treasury,
	}))

	f.manager = NewManager(f.store, asset.NewValidator(registry), f.ledger, authz,
		WithLogger(quiet), WithClock(func() time.Time { return f.now }))

	_, err := f.manager.SetPrice(ctx, treasury, Monthly, asset.DBIO, "10")
	require.NoError(t, err)
	_, err = f.manager.SetPrice(ctx, treasury, Yearly, asset.DBIO, "100")
	require.NoError(t, err)
	require.NoError(t, f.ledger.Mint(ctx, nil, payer, "200"))
	return f
}

func (f *fixture) add(t *testing.T, d Duration) *Subscription {
	t.Helper()
	s, err := f.manager.Add(context.Background(), payer, d, asset.DBIO, nil)
	require.NoError(t, err)
	return s
}

func (f *fixture) balance(t *testing.T) string {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), nil, payer)
	require.NoError(t, err)
	return b.Free
}

func TestAdd(t *testing.T) {
	f := newFixture(t)
	s := f.add(t, Monthly)

	assert.Equal(t, StatusInQueue, s.Status)
	assert.Equal(t, Unpaid, s.PaymentStatus)
	assert.Equal(t, "10.000000", s.Price)
	assert.Nil(t, s.AssetID)

	again := f.add(t, Monthly)
	assert.NotEqual(t, s.ID, again.ID)
	assert.Equal(t, "200.000000", f.balance(t), "adding does not charge")
}

func TestAdd_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wrong := uint32(5)

	_, err := f.manager.Add(ctx, payer, "weekly", asset.DBIO, nil)
	assert.ErrorIs(t, err, ErrInvalidDuration)
	_, err = f.manager.Add(ctx, payer, Quarterly, asset.DBIO, nil)
	assert.ErrorIs(t, err, ErrPriceNotSet)
	_, err = f.manager.Add(ctx, payer, Monthly, asset.USDT, &wrong)
	assert.ErrorIs(t, err, asset.ErrInvalidAsset)
	_, err = f.manager.Add(ctx, payer, Monthly, "DOGE", nil)
	assert.ErrorIs(t, err, asset.ErrUnknownCurrency)
}

func TestSetPaid_Burns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.add(t, Monthly)

	_, err := f.manager.SetPaid(ctx, otherUser, s.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	s, err = f.manager.SetPaid(ctx, payer, s.ID)
	require.NoError(t, err)
	assert.Equal(t, Paid, s.PaymentStatus)
	assert.Equal(t, StatusInQueue, s.Status, "payment does not activate")
	require.NotNil(t, s.PaidAt)
	assert.Equal(t, "190.000000", f.balance(t))

	history, err := f.ledger.GetHistory(ctx, payer, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ledger.EntryBurn, history[0].Type)

	_, err = f.manager.SetPaid(ctx, payer, s.ID)
	assert.ErrorIs(t, err, ErrAlreadyPaid)
	assert.Equal(t, "190.000000", f.balance(t))
}

func TestSetPaid_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.SetPrice(ctx, treasury, Monthly, asset.DBIO, "200")
	require.NoError(t, err)
	s := f.add(t, Monthly)

	// Burning everything would take the payer below the existential deposit.
	_, err = f.manager.SetPaid(ctx, payer, s.ID)
	assert.ErrorIs(t, err, ErrPaymentFailed)
	assert.ErrorIs(t, err, ledger.ErrBelowExistential)

	got, err := f.manager.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, Unpaid, got.PaymentStatus)
	assert.Equal(t, "200.000000", f.balance(t))
}

func TestChangeStatus_RequiresPaymentAndRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.add(t, Monthly)

	_, err := f.manager.ChangeStatus(ctx, payer, s.ID, StatusActive)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.manager.ChangeStatus(ctx, escrowKey, s.ID, StatusActive)
	assert.ErrorIs(t, err, ErrNotPaid)
	_, err = f.manager.ChangeStatus(ctx, escrowKey, s.ID, StatusInQueue)
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = f.manager.SetPaid(ctx, payer, s.ID)
	require.NoError(t, err)
	s, err = f.manager.ChangeStatus(ctx, treasury, s.ID, StatusActive)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, s.Status)
	require.NotNil(t, s.ActiveUntil)
	assert.Equal(t, f.now.AddDate(0, 1, 0), *s.ActiveUntil)

	_, err = f.manager.ChangeStatus(ctx, escrowKey, s.ID, StatusActive)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestChangeStatus_SingleActivePerPayer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.add(t, Monthly)
	second := f.add(t, Yearly)
	for _, s := range []*Subscription{first, second} {
		_, err := f.manager.SetPaid(ctx, payer, s.ID)
		require.NoError(t, err)
	}

	_, err := f.manager.ChangeStatus(ctx, escrowKey, first.ID, StatusActive)
	require.NoError(t, err)
	active, err := f.manager.ActiveFor(ctx, payer)
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)

	_, err = f.manager.ChangeStatus(ctx, escrowKey, second.ID, StatusActive)
	require.NoError(t, err)

	active, err = f.manager.ActiveFor(ctx, payer)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID, "index overwritten")

	prev, err := f.manager.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInactive, prev.Status, "previous active subscription deactivated")

	subs, err := f.manager.ListByPayer(ctx, payer, 10)
	require.NoError(t, err)
	activeCount := 0
	for _, s := range subs {
		if s.Status == StatusActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)
}

func TestChangeStatus_DeactivateClearsIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.add(t, Monthly)
	_, err := f.manager.SetPaid(ctx, payer, s.ID)
	require.NoError(t, err)
	_, err = f.manager.ChangeStatus(ctx, escrowKey, s.ID, StatusActive)
	require.NoError(t, err)

	s, err = f.manager.ChangeStatus(ctx, escrowKey, s.ID, StatusInactive)
	require.NoError(t, err)
	assert.Equal(t, StatusInactive, s.Status)

	_, err = f.manager.ActiveFor(ctx, payer)
	assert.ErrorIs(t, err, ErrNotFound)

	// Inactive subscriptions may be reactivated.
	s, err = f.manager.ChangeStatus(ctx, escrowKey, s.ID, StatusActive)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, s.Status)

	queued := f.add(t, Monthly)
	queued, err = f.manager.ChangeStatus(ctx, escrowKey, queued.ID, StatusInactive)
	require.NoError(t, err, "queued subscriptions can be deactivated unpaid")
	assert.Equal(t, StatusInactive, queued.Status)

	active, err := f.manager.ActiveFor(ctx, payer)
	require.NoError(t, err)
	assert.Equal(t, s.ID, active.ID, "deactivating another subscription leaves the index alone")
}

func TestSetPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.add(t, Monthly)

	_, err := f.manager.SetPrice(ctx, escrowKey, Monthly, asset.DBIO, "12")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.manager.SetPrice(ctx, treasury, Monthly, asset.DBIO, "0")
	assert.ErrorIs(t, err, ErrInvalidPrice)
	_, err = f.manager.SetPrice(ctx, treasury, Monthly, asset.DBIO, "-3")
	assert.ErrorIs(t, err, ErrInvalidPrice)

	p, err := f.manager.SetPrice(ctx, treasury, "MONTHLY", "dbio", "12.5")
	require.NoError(t, err)
	assert.Equal(t, "12.500000", p.Amount)

	got, err := f.manager.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.000000", got.Price, "existing subscriptions keep their price")

	prices, err := f.manager.Prices(ctx)
	require.NoError(t, err)
	assert.Len(t, prices, 2)
}

func TestLifecycleTable(t *testing.T) {
	tests := []struct {
		from  Status
		event string
		want  Status
		ok    bool
	}{
		{StatusInQueue, "activate", StatusActive, true},
		{StatusInactive, "activate", StatusActive, true},
		{StatusActive, "activate", "", false},
		{StatusInQueue, "deactivate", StatusInactive, true},
		{StatusActive, "deactivate", StatusInactive, true},
		{StatusInactive, "deactivate", "", false},
	}
	for _, tt := range tests {
		got, err := Lifecycle.Fire(tt.from, EventActivate)
		if tt.event == "deactivate" {
			got, err = Lifecycle.Fire(tt.from, EventDeactivate)
		}
		if tt.ok {
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}
	}
}

func TestDurationPeriod(t *testing.T) {
	start := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, start.AddDate(0, 1, 0), Monthly.Period(start))
	assert.Equal(t, start.AddDate(0, 3, 0), Quarterly.Period(start))
	assert.Equal(t, start.AddDate(1, 0, 0), Yearly.Period(start))
}
