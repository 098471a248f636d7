// Package migration upgrades records written by earlier releases.
//
// Old record shapes live only here, as versioned snapshot types. Each version
// bump is a pure mapping function; Upgrader applies them to a snapshot and
// writes the results into the live stores, and Runner makes sure a given
// upgrade only happens once.
package migration

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/genexchange/settlement/internal/amount"
	"github.com/genexchange/settlement/internal/asset"
	"github.com/genexchange/settlement/internal/catalog"
	"github.com/genexchange/settlement/internal/escrow"
	"github.com/genexchange/settlement/internal/order"
)

var ErrInvalidRecord = errors.New("invalid legacy record")

// OrderV1 is an order as stored before flows, asset ids and additional
// price components existed.
type OrderV1 struct {
	ID            string          `json:"id"`
	ServiceID     string          `json:"serviceId"`
	BuyerID       string          `json:"customerId"`
	SellerID      string          `json:"sellerId"`
	BuyerBoxKey   string          `json:"customerBoxPublicKey"`
	TrackingID    string          `json:"dnaSampleTrackingId"`
	Kind          catalog.Kind    `json:"kind,omitempty"`
	GeneticDataID string          `json:"geneticDataId,omitempty"`
	Currency      asset.Currency  `json:"currency"`
	Prices        []catalog.Price `json:"prices"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// EscrowV1 is an escrow record from before the hold window existed. It has
// no asset id either; that is taken from its order.
type EscrowV1 struct {
	OrderID     string    `json:"orderId"`
	BuyerAddr   string    `json:"customerAddr"`
	SellerAddr  string    `json:"sellerAddr"`
	AmountToPay string    `json:"amountToPay"`
	AmountPaid  string    `json:"amountPaid"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Snapshot is an export of V1 records.
type Snapshot struct {
	Orders  []OrderV1  `json:"orders"`
	Escrows []EscrowV1 `json:"escrows"`
}

// ReadSnapshot decodes a JSON snapshot.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

// legacyStatus maps V1 status names to the current ones.
var legacyStatus = map[string]order.Status{
	"unpaid":    order.StatusUnpaid,
	"paid":      order.StatusPaid,
	"fulfilled": order.StatusFulfilled,
	"refunded":  order.StatusRefunded,
	"cancelled": order.StatusCancelled,
	"canceled":  order.StatusCancelled,
	"failed":    order.StatusFailed,
}

// OrderV1ToV2 maps a V1 order to the current shape. V1 orders all came from
// the request-then-pay flow and had no additional prices; assetID is the
// id resolved for the order's currency (nil for the native coin).
func OrderV1ToV2(v1 OrderV1, assetID *uint32) (*order.Order, error) {
	if v1.ID == "" || v1.BuyerID == "" || v1.SellerID == "" {
		return nil, fmt.Errorf("%w: order %q is missing id, buyer or seller", ErrInvalidRecord, v1.ID)
	}
	status, ok := legacyStatus[strings.ToLower(strings.TrimSpace(v1.Status))]
	if !ok {
		return nil, fmt.Errorf("%w: order %s has unknown status %q", ErrInvalidRecord, v1.ID, v1.Status)
	}
	currency, err := asset.ParseCurrency(string(v1.Currency))
	if err != nil {
		return nil, fmt.Errorf("%w: order %s: %w", ErrInvalidRecord, v1.ID, err)
	}
	if !currency.IsNative() && assetID == nil {
		return nil, fmt.Errorf("%w: order %s: %s requires an asset id", ErrInvalidRecord, v1.ID, currency)
	}
	total, err := catalog.Total(v1.Prices, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: order %s: %w", ErrInvalidRecord, v1.ID, err)
	}

	kind := v1.Kind
	if kind == "" {
		kind = catalog.KindLabTest
	}
	tracking := v1.TrackingID
	if tracking == "" {
		tracking = order.TrackingID(v1.ID)
	}
	updated := v1.UpdatedAt
	if updated.IsZero() {
		updated = v1.CreatedAt
	}

	return &order.Order{
		ID:               v1.ID,
		ServiceID:        v1.ServiceID,
		BuyerID:          strings.ToLower(v1.BuyerID),
		SellerID:         strings.ToLower(v1.SellerID),
		BuyerBoxKey:      v1.BuyerBoxKey,
		TrackingID:       tracking,
		Kind:             kind,
		GeneticDataID:    v1.GeneticDataID,
		Currency:         currency,
		AssetID:          assetID,
		Prices:           append([]catalog.Price(nil), v1.Prices...),
		AdditionalPrices: []catalog.Price{},
		TotalPrice:       total,
		Status:           status,
		Flow:             order.FlowRequestTest,
		CreatedAt:        v1.CreatedAt,
		UpdatedAt:        updated,
	}, nil
}

// EscrowV1ToV2 maps a V1 escrow to the current shape. The asset id comes
// from the already upgraded parent order, the expiry is placed one hold
// window after creation. Escrows of closed orders are marked settled the way
// the order ended, and unfunded ones are voided.
func EscrowV1ToV2(v1 EscrowV1, parent *order.Order, holdWindow time.Duration) (*escrow.Record, error) {
	if v1.OrderID == "" {
		return nil, fmt.Errorf("%w: escrow without order id", ErrInvalidRecord)
	}
	if parent == nil || parent.ID != v1.OrderID {
		return nil, fmt.Errorf("%w: escrow %s has no matching order", ErrInvalidRecord, v1.OrderID)
	}
	toPay, err := amount.Normalize(v1.AmountToPay)
	if err != nil || amount.IsZero(toPay) {
		return nil, fmt.Errorf("%w: escrow %s amount to pay %q", ErrInvalidRecord, v1.OrderID, v1.AmountToPay)
	}
	paid, err := amount.Normalize(v1.AmountPaid)
	if err != nil {
		return nil, fmt.Errorf("%w: escrow %s amount paid %q", ErrInvalidRecord, v1.OrderID, v1.AmountPaid)
	}
	if !amount.IsZero(paid) && paid != toPay {
		return nil, fmt.Errorf("%w: escrow %s partially funded (%s of %s)", ErrInvalidRecord, v1.OrderID, paid, toPay)
	}
	if holdWindow <= 0 {
		holdWindow = escrow.DefaultHoldWindow
	}

	rec := &escrow.Record{
		OrderID:     v1.OrderID,
		BuyerAddr:   strings.ToLower(v1.BuyerAddr),
		SellerAddr:  strings.ToLower(v1.SellerAddr),
		AssetID:     parent.AssetID,
		AmountToPay: toPay,
		AmountPaid:  paid,
		ExpiresAt:   v1.CreatedAt.Add(holdWindow),
		CreatedAt:   v1.CreatedAt,
		UpdatedAt:   v1.CreatedAt,
	}
	switch {
	case amount.IsZero(paid):
		if parent.IsTerminal() {
			rec.Settlement = escrow.SettlementVoided
		}
	case parent.Status == order.StatusFulfilled:
		rec.Settlement = escrow.SettlementReleased
	case parent.Status == order.StatusRefunded, parent.Status == order.StatusCancelled:
		rec.Settlement = escrow.SettlementRefunded
	}
	if rec.IsSettled() {
		at := parent.UpdatedAt
		rec.SettledAt = &at
		rec.UpdatedAt = at
	}
	return rec, nil
}
