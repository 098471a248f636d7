package migration

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genexchange/settlement/internal/asset"
	"github.com/genexchange/settlement/internal/catalog"
	"github.com/genexchange/settlement/internal/escrow"
	"github.com/genexchange/settlement/internal/order"
)

const (
	buyer  = "0x00000000000000000000000000000000000000b1"
	seller = "0x00000000000000000000000000000000000000a1"
)

var created = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func v1Order(id, status string) OrderV1 {
	return OrderV1{
		ID:          id,
		ServiceID:   "svc-lab",
		BuyerID:     strings.ToUpper(buyer),
		SellerID:    seller,
		BuyerBoxKey: "0xbox",
		TrackingID:  "",
		Currency:    "dbio",
		Prices:      []catalog.Price{{Component: "testing_price", Value: "100"}, {Component: "qc_price", Value: "5"}},
		Status:      status,
		CreatedAt:   created,
	}
}

func TestOrderV1ToV2(t *testing.T) {
	v1 := v1Order("0x01", "paid")
	v1.BuyerID = buyer

	o, err := OrderV1ToV2(v1, nil)
	require.NoError(t, err)

	assert.Equal(t, order.FlowRequestTest, o.Flow)
	assert.Equal(t, order.StatusPaid, o.Status)
	assert.Equal(t, catalog.KindLabTest, o.Kind)
	assert.Equal(t, asset.DBIO, o.Currency)
	assert.Nil(t, o.AssetID)
	assert.Equal(t, "105.000000", o.TotalPrice)
	assert.NotNil(t, o.AdditionalPrices)
	assert.Empty(t, o.AdditionalPrices)
	assert.Equal(t, order.TrackingID("0x01"), o.TrackingID)
	assert.Equal(t, created, o.UpdatedAt, "missing update time falls back to creation")
}

func TestOrderV1ToV2_KeepsExistingTracking(t *testing.T) {
	v1 := v1Order("0x02", "unpaid")
	v1.TrackingID = "ABCDEFGHIJKLMNOPQRSTU"
	v1.Kind = catalog.KindGeneticAnalysis
	v1.Currency = "USDT"
	id := uint32(1)

	o, err := OrderV1ToV2(v1, &id)
	require.NoError(t, err)
	assert.Equal(t, "ABCDEFGHIJKLMNOPQRSTU", o.TrackingID)
	assert.Equal(t, catalog.KindGeneticAnalysis, o.Kind)
	require.NotNil(t, o.AssetID)
	assert.Equal(t, uint32(1), *o.AssetID)
}

func TestOrderV1ToV2_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*OrderV1)
		asset  *uint32
	}{
		{"missing id", func(o *OrderV1) { o.ID = "" }, nil},
		{"missing seller", func(o *OrderV1) { o.SellerID = "" }, nil},
		{"unknown status", func(o *OrderV1) { o.Status = "shipped" }, nil},
		{"unknown currency", func(o *OrderV1) { o.Currency = "BTC" }, nil},
		{"non-native without asset", func(o *OrderV1) { o.Currency = "USDC" }, nil},
		{"bad price", func(o *OrderV1) { o.Prices = []catalog.Price{{Component: "x", Value: "-1"}} }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v1 := v1Order("0x03", "unpaid")
			tt.mutate(&v1)
			_, err := OrderV1ToV2(v1, tt.asset)
			assert.ErrorIs(t, err, ErrInvalidRecord)
		})
	}
}

func TestOrderV1ToV2_LegacyCancelledSpelling(t *testing.T) {
	o, err := OrderV1ToV2(v1Order("0x04", "Canceled"), nil)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, o.Status)
}

func TestEscrowV1ToV2(t *testing.T) {
	id := uint32(3)
	parent := &order.Order{ID: "0x05", Status: order.StatusPaid, AssetID: &id, UpdatedAt: created.Add(time.Hour)}

	rec, err := EscrowV1ToV2(EscrowV1{
		OrderID: "0x05", BuyerAddr: buyer, SellerAddr: seller,
		AmountToPay: "105", AmountPaid: "105", CreatedAt: created,
	}, parent, 48*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, created.Add(48*time.Hour), rec.ExpiresAt)
	assert.Equal(t, "105.000000", rec.AmountPaid)
	assert.Equal(t, &id, rec.AssetID)
	assert.False(t, rec.IsSettled())
}

func TestEscrowV1ToV2_DefaultHoldWindow(t *testing.T) {
	parent := &order.Order{ID: "0x06", Status: order.StatusUnpaid}
	rec, err := EscrowV1ToV2(EscrowV1{OrderID: "0x06", AmountToPay: "10", CreatedAt: created}, parent, 0)
	require.NoError(t, err)
	assert.Equal(t, created.Add(escrow.DefaultHoldWindow), rec.ExpiresAt)
	assert.False(t, rec.IsFunded())
}

func TestEscrowV1ToV2_SettlementFromOrder(t *testing.T) {
	tests := []struct {
		status order.Status
		paid   string
		want   escrow.Settlement
	}{
		{order.StatusFulfilled, "10", escrow.SettlementReleased},
		{order.StatusRefunded, "10", escrow.SettlementRefunded},
		{order.StatusCancelled, "10", escrow.SettlementRefunded},
		{order.StatusCancelled, "0", escrow.SettlementVoided},
		{order.StatusRefunded, "0", escrow.SettlementVoided},
		{order.StatusFailed, "10", escrow.SettlementNone},
		{order.StatusFailed, "0", escrow.SettlementNone},
	}
	for _, tt := range tests {
		t.Run(string(tt.status)+"/"+tt.paid, func(t *testing.T) {
			settledAt := created.Add(24 * time.Hour)
			parent := &order.Order{ID: "0x07", Status: tt.status, UpdatedAt: settledAt}
			rec, err := EscrowV1ToV2(EscrowV1{OrderID: "0x07", AmountToPay: "10", AmountPaid: tt.paid, CreatedAt: created}, parent, time.Hour)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.Settlement)
			if tt.want != escrow.SettlementNone {
				require.NotNil(t, rec.SettledAt)
				assert.Equal(t, settledAt, *rec.SettledAt)
			}
		})
	}
}

func TestEscrowV1ToV2_Rejects(t *testing.T) {
	parent := &order.Order{ID: "0x08"}
	tests := []struct {
		name   string
		v1     EscrowV1
		parent *order.Order
	}{
		{"no order id", EscrowV1{AmountToPay: "1"}, parent},
		{"orphan", EscrowV1{OrderID: "0x08", AmountToPay: "1"}, nil},
		{"mismatched parent", EscrowV1{OrderID: "0x09", AmountToPay: "1"}, parent},
		{"zero amount", EscrowV1{OrderID: "0x08", AmountToPay: "0"}, parent},
		{"partial funding", EscrowV1{OrderID: "0x08", AmountToPay: "10", AmountPaid: "4"}, parent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EscrowV1ToV2(tt.v1, tt.parent, time.Hour)
			assert.ErrorIs(t, err, ErrInvalidRecord)
		})
	}
}

func TestReadSnapshot(t *testing.T) {
	snap, err := ReadSnapshot(strings.NewReader(`{
		"orders": [{"id": "0x01", "serviceId": "svc", "customerId": "0xb1", "sellerId": "0xa1",
			"currency": "DBIO", "prices": [{"component": "testing_price", "value": "1"}],
			"status": "unpaid", "createdAt": "2025-06-01T09:00:00Z"}],
		"escrows": [{"orderId": "0x01", "amountToPay": "1", "amountPaid": "0", "createdAt": "2025-06-01T09:00:00Z"}]
	}`))
	require.NoError(t, err)
	require.Len(t, snap.Orders, 1)
	assert.Equal(t, "0xb1", snap.Orders[0].BuyerID)
	require.Len(t, snap.Escrows, 1)

	_, err = ReadSnapshot(strings.NewReader(`{"orders": [], "flow": "x"}`))
	assert.Error(t, err, "unknown fields are rejected")
}
