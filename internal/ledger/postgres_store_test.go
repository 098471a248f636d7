//go:build integration

package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genexchange/settlement/internal/testutil"
)

func TestPostgresLedger_TransferRules(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	l := New(NewPostgresStore(db), "1")
	ctx := context.Background()

	require.NoError(t, l.Mint(ctx, nil, "0xa", "10"))

	err := l.Transfer(ctx, nil, "0xa", "0xb", "9.5", true)
	assert.ErrorIs(t, err, ErrBelowExistential)

	require.NoError(t, l.Transfer(ctx, nil, "0xa", "0xb", "10", false))
	a, err := l.Balance(ctx, nil, "0xa")
	require.NoError(t, err)
	assert.Equal(t, "0.000000", a.Free)
	b, err := l.Balance(ctx, nil, "0xb")
	require.NoError(t, err)
	assert.Equal(t, "10.000000", b.Free)

	nonce, err := l.Nonce(ctx, "0xa")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nonce)
}

func TestPostgresLedger_BurnAndFreeze(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	l := New(NewPostgresStore(db), "1")
	ctx := context.Background()
	asset := uint32(3)

	require.NoError(t, l.Mint(ctx, &asset, "0xa", "50"))
	require.NoError(t, l.Burn(ctx, &asset, "0xa", "20"))
	bal, err := l.Balance(ctx, &asset, "0xa")
	require.NoError(t, err)
	assert.Equal(t, "30.000000", bal.Free)

	require.NoError(t, l.Freeze(ctx, "0xa"))
	assert.ErrorIs(t, l.Transfer(ctx, &asset, "0xa", "0xb", "5", true), ErrAccountFrozen)

	history, err := l.GetHistory(ctx, "0xa", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, history)
}
