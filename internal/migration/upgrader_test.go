package migration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genexchange/settlement/internal/asset"
	"github.com/genexchange/settlement/internal/escrow"
	"github.com/genexchange/settlement/internal/order"
)

type upgradeFixture struct {
	orders   *order.MemoryStore
	escrows  *escrow.MemoryStore
	upgrader *Upgrader
}

func newUpgradeFixture(t *testing.T) *upgradeFixture {
	t.Helper()
	reg := asset.NewMemoryRegistry()
	require.NoError(t, reg.Register(context.Background(), 7, "USDT"))

	f := &upgradeFixture{orders: order.NewMemoryStore(), escrows: escrow.NewMemoryStore()}
	f.upgrader = NewUpgrader(f.orders, f.escrows, asset.NewValidator(reg), 10, 72*time.Hour, nil)
	return f
}

func snapshot() *Snapshot {
	paid := v1Order("0x11", "paid")
	usdt := v1Order("0x12", "fulfilled")
	usdt.Currency = "USDT"
	return &Snapshot{
		Orders: []OrderV1{paid, usdt},
		Escrows: []EscrowV1{
			{OrderID: "0x11", BuyerAddr: buyer, SellerAddr: seller, AmountToPay: "105", AmountPaid: "105", CreatedAt: created},
			{OrderID: "0x12", BuyerAddr: buyer, SellerAddr: seller, AmountToPay: "105", AmountPaid: "105", CreatedAt: created},
		},
	}
}

func TestUpgrade(t *testing.T) {
	f := newUpgradeFixture(t)
	ctx := context.Background()

	res, err := f.upgrader.Upgrade(ctx, snapshot())
	require.NoError(t, err)
	assert.Equal(t, &Result{Orders: 2, Escrows: 2}, res)

	o, err := f.orders.Get(ctx, "0x12")
	require.NoError(t, err)
	require.NotNil(t, o.AssetID)
	assert.Equal(t, uint32(7), *o.AssetID, "asset id discovered by scanning the registry")

	rec, err := f.escrows.Get(ctx, "0x12")
	require.NoError(t, err)
	assert.Equal(t, escrow.SettlementReleased, rec.Settlement)
	assert.Equal(t, uint32(7), *rec.AssetID)

	rec, err = f.escrows.Get(ctx, "0x11")
	require.NoError(t, err)
	assert.Equal(t, created.Add(72*time.Hour), rec.ExpiresAt)
	assert.False(t, rec.IsSettled())

	buyerOrders, err := f.orders.ListByBuyer(ctx, buyer, 10)
	require.NoError(t, err)
	assert.Len(t, buyerOrders, 2)
}

func TestUpgrade_RerunSkipsExisting(t *testing.T) {
	f := newUpgradeFixture(t)
	ctx := context.Background()

	_, err := f.upgrader.Upgrade(ctx, snapshot())
	require.NoError(t, err)

	res, err := f.upgrader.Upgrade(ctx, snapshot())
	require.NoError(t, err)
	assert.Zero(t, res.Total())
	assert.Equal(t, 2, res.SkippedOrders)
	assert.Equal(t, 2, res.SkippedEscrows)
}

func TestUpgrade_EscrowForPreviouslyImportedOrder(t *testing.T) {
	f := newUpgradeFixture(t)
	ctx := context.Background()

	snap := snapshot()
	_, err := f.upgrader.Upgrade(ctx, &Snapshot{Orders: snap.Orders})
	require.NoError(t, err)

	res, err := f.upgrader.Upgrade(ctx, &Snapshot{Escrows: snap.Escrows})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Escrows)
}

func TestUpgrade_UnknownCurrencyAsset(t *testing.T) {
	f := newUpgradeFixture(t)
	o := v1Order("0x13", "unpaid")
	o.Currency = "USDC"

	_, err := f.upgrader.Upgrade(context.Background(), &Snapshot{Orders: []OrderV1{o}})
	assert.ErrorIs(t, err, asset.ErrInvalidAsset)
}

func TestUpgrade_OrphanEscrow(t *testing.T) {
	f := newUpgradeFixture(t)
	_, err := f.upgrader.Upgrade(context.Background(), &Snapshot{
		Escrows: []EscrowV1{{OrderID: "0x99", AmountToPay: "1", CreatedAt: created}},
	})
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestRunner_RunsOnce(t *testing.T) {
	ctx := context.Background()
	versions := NewMemoryVersionStore()
	runner := NewRunner(versions, nil)

	calls := 0
	fn := func(context.Context) (int, error) {
		calls++
		return 4, nil
	}

	ran, err := runner.Run(ctx, "legacy_v1_import", fn)
	require.NoError(t, err)
	assert.True(t, ran)

	ran, err = runner.Run(ctx, "legacy_v1_import", fn)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 1, calls)

	a, err := versions.Get(ctx, "legacy_v1_import")
	require.NoError(t, err)
	assert.Equal(t, 4, a.Records)

	all, err := versions.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRunner_FailureIsNotRecorded(t *testing.T) {
	ctx := context.Background()
	versions := NewMemoryVersionStore()
	runner := NewRunner(versions, nil)

	_, err := runner.Run(ctx, "broken", func(context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	require.Error(t, err)

	a, err := versions.Get(ctx, "broken")
	require.NoError(t, err)
	assert.Nil(t, a, "a failed migration can be retried")
}

func TestMemoryVersionStore_Duplicate(t *testing.T) {
	s := NewMemoryVersionStore()
	ctx := context.Background()
	require.NoError(t, s.Record(ctx, &Applied{Name: "x"}))
	assert.ErrorIs(t, s.Record(ctx, &Applied{Name: "x"}), ErrAlreadyApplied)
}
