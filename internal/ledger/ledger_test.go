package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return New(NewMemoryStore(), "1")
}

func mint(t *testing.T, l *Ledger, account, amt string) {
	t.Helper()
	require.NoError(t, l.Mint(context.Background(), nil, account, amt))
}

func free(t *testing.T, l *Ledger, assetID *uint32, account string) string {
	t.Helper()
	bal, err := l.Balance(context.Background(), assetID, account)
	require.NoError(t, err)
	return bal.Free
}

func TestTransfer_MovesFunds(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	mint(t, l, "0xAlice", "200")

	require.NoError(t, l.Transfer(ctx, nil, "0xalice", "0xbob", "105", true))

	assert.Equal(t, "95.000000", free(t, l, nil, "0xalice"))
	assert.Equal(t, "105.000000", free(t, l, nil, "0xbob"))

	nonce, err := l.Nonce(ctx, "0xalice")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nonce)
}

func TestTransfer_KeepAliveRefusesDrain(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	mint(t, l, "0xalice", "105")

	err := l.Transfer(ctx, nil, "0xalice", "0xbob", "105", true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransferFailed))
	assert.True(t, errors.Is(err, ErrBelowExistential))
	assert.Equal(t, "105.000000", free(t, l, nil, "0xalice"), "failed transfer must not move funds")

	// Without keep-alive the account may be drained to zero.
	require.NoError(t, l.Transfer(ctx, nil, "0xalice", "0xbob", "105", false))
	assert.Equal(t, "0.000000", free(t, l, nil, "0xalice"))
}

func TestTransfer_NoDustLeftBehind(t *testing.T) {
	l := newTestLedger(t)
	mint(t, l, "0xalice", "10")

	err := l.Transfer(context.Background(), nil, "0xalice", "0xbob", "9.5", false)
	assert.ErrorIs(t, err, ErrBelowExistential)
}

func TestTransfer_RecipientBelowExistential(t *testing.T) {
	l := newTestLedger(t)
	mint(t, l, "0xalice", "10")

	err := l.Transfer(context.Background(), nil, "0xalice", "0xbob", "0.5", true)
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.ErrorIs(t, err, ErrBelowExistential)
}

func TestTransfer_Insufficient(t *testing.T) {
	l := newTestLedger(t)
	mint(t, l, "0xalice", "10")

	err := l.Transfer(context.Background(), nil, "0xalice", "0xbob", "50", true)
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestTransfer_Frozen(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	mint(t, l, "0xalice", "10")
	require.NoError(t, l.Freeze(ctx, "0xalice"))

	err := l.Transfer(ctx, nil, "0xalice", "0xbob", "2", true)
	assert.ErrorIs(t, err, ErrAccountFrozen)

	require.NoError(t, l.Thaw(ctx, "0xalice"))
	assert.NoError(t, l.Transfer(ctx, nil, "0xalice", "0xbob", "2", true))
}

func TestTransfer_InvalidInput(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	mint(t, l, "0xalice", "10")

	assert.ErrorIs(t, l.Transfer(ctx, nil, "0xalice", "0xbob", "0", true), ErrInvalidAmount)
	assert.ErrorIs(t, l.Transfer(ctx, nil, "0xalice", "0xbob", "-1", true), ErrInvalidAmount)
	assert.ErrorIs(t, l.Transfer(ctx, nil, "0xalice", "0xALICE", "1", true), ErrTransferFailed)
}

func TestAssetsAreIsolated(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	usdt := uint32(7)
	require.NoError(t, l.Mint(ctx, &usdt, "0xalice", "50"))

	assert.Equal(t, "0.000000", free(t, l, nil, "0xalice"))
	assert.Equal(t, "50.000000", free(t, l, &usdt, "0xalice"))

	require.NoError(t, l.Transfer(ctx, &usdt, "0xalice", "0xbob", "20", true))
	assert.Equal(t, "20.000000", free(t, l, &usdt, "0xbob"))

	err := l.Transfer(ctx, nil, "0xalice", "0xbob", "20", true)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestBurn(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	mint(t, l, "0xalice", "30")

	require.NoError(t, l.Burn(ctx, nil, "0xalice", "20"))
	assert.Equal(t, "10.000000", free(t, l, nil, "0xalice"))

	err := l.Burn(ctx, nil, "0xalice", "10")
	assert.ErrorIs(t, err, ErrBelowExistential, "burn keeps the payer alive")

	hist, err := l.GetHistory(ctx, "0xalice", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, EntryBurn, hist[0].Type)
	assert.Equal(t, EntryMint, hist[1].Type)
}

func TestMint_BelowExistential(t *testing.T) {
	l := newTestLedger(t)
	err := l.Mint(context.Background(), nil, "0xalice", "0.5")
	assert.ErrorIs(t, err, ErrBelowExistential)
}

func TestAssetKey(t *testing.T) {
	id := uint32(3)
	assert.Equal(t, "native", AssetKey(nil))
	assert.Equal(t, "asset:3", AssetKey(&id))
	assert.Equal(t, uint32(3), *parseAssetKey("asset:3"))
	assert.Nil(t, parseAssetKey("native"))
}
