//go:build integration

package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genexchange/settlement/internal/pagination"
	"github.com/genexchange/settlement/internal/testutil"
)

func TestPostgresStore_CreateGetUpdate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	asset := uint32(7)

	rec := &Record{
		OrderID:     orderID,
		BuyerAddr:   buyer,
		SellerAddr:  seller,
		AssetID:     &asset,
		AmountToPay: "105.000000",
		AmountPaid:  "0.000000",
		ExpiresAt:   now.Add(DefaultHoldWindow),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, store.Create(ctx, rec))
	assert.ErrorIs(t, store.Create(ctx, rec), ErrAlreadyExists)

	got, err := store.Get(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, "105.000000", got.AmountToPay)
	require.NotNil(t, got.AssetID)
	assert.Equal(t, asset, *got.AssetID)
	assert.False(t, got.IsSettled())

	got.AmountPaid = got.AmountToPay
	settled := now.Add(time.Minute)
	got.Settlement = SettlementReleased
	got.SettledAt = &settled
	require.NoError(t, store.Update(ctx, got))

	got, err = store.Get(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, SettlementReleased, got.Settlement)
	require.NotNil(t, got.SettledAt)

	_, err = store.Get(ctx, "0xmissing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_ListExpired(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	past := time.Now().UTC().Add(-30 * 24 * time.Hour).Truncate(time.Microsecond)

	funded := &Record{OrderID: "0xaa", BuyerAddr: buyer, SellerAddr: seller,
		AmountToPay: "1.000000", AmountPaid: "1.000000",
		ExpiresAt: past.Add(DefaultHoldWindow), CreatedAt: past, UpdatedAt: past}
	unfunded := &Record{OrderID: "0xbb", BuyerAddr: buyer, SellerAddr: seller,
		AmountToPay: "1.000000", AmountPaid: "0.000000",
		ExpiresAt: past.Add(DefaultHoldWindow), CreatedAt: past, UpdatedAt: past}
	require.NoError(t, store.Create(ctx, funded))
	require.NoError(t, store.Create(ctx, unfunded))

	recs, err := store.ListExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "0xaa", recs[0].OrderID)
}

func TestPostgresStore_ListUnsettledPages(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)

	for i, id := range []string{"0xc1", "0xc2", "0xc3", "0xc4"} {
		at := base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.Create(ctx, &Record{OrderID: id, BuyerAddr: buyer, SellerAddr: seller,
			AmountToPay: "1.000000", AmountPaid: "0.000000",
			ExpiresAt: at.Add(DefaultHoldWindow), CreatedAt: at, UpdatedAt: at}))
	}
	voided, err := store.Get(ctx, "0xc2")
	require.NoError(t, err)
	voided.Settlement = SettlementVoided
	voided.SettledAt = &base
	require.NoError(t, store.Update(ctx, voided))

	first, err := store.ListUnsettled(ctx, nil, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "0xc4", first[0].OrderID)
	assert.Equal(t, "0xc3", first[1].OrderID)

	last := first[1]
	rest, err := store.ListUnsettled(ctx, &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.OrderID}, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "0xc1", rest[0].OrderID)
}
