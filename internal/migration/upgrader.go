package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/genexchange/settlement/internal/asset"
	"github.com/genexchange/settlement/internal/escrow"
	"github.com/genexchange/settlement/internal/order"
)

// AssetDiscoverer finds the asset id backing a currency by scanning ids
// 0..maxID. *asset.Validator implements it.
type AssetDiscoverer interface {
	Discover(ctx context.Context, currency asset.Currency, maxID uint32) (*uint32, error)
}

// Result counts what an upgrade wrote.
type Result struct {
	Orders         int `json:"orders"`
	Escrows        int `json:"escrows"`
	SkippedOrders  int `json:"skippedOrders"`
	SkippedEscrows int `json:"skippedEscrows"`
}

// Total is the number of records written.
func (r *Result) Total() int {
	return r.Orders + r.Escrows
}

// Upgrader maps a V1 snapshot to current records and writes them straight
// into the stores. It bypasses the order engine: no funds move and no
// lifecycle rules are applied.
type Upgrader struct {
	orders     order.Store
	escrows    escrow.Store
	assets     AssetDiscoverer
	maxAssetID uint32
	holdWindow time.Duration
	logger     *slog.Logger
}

// NewUpgrader creates an upgrader.
func NewUpgrader(orders order.Store, escrows escrow.Store, assets AssetDiscoverer, maxAssetID uint32, holdWindow time.Duration, logger *slog.Logger) *Upgrader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Upgrader{
		orders:     orders,
		escrows:    escrows,
		assets:     assets,
		maxAssetID: maxAssetID,
		holdWindow: holdWindow,
		logger:     logger,
	}
}

// Upgrade imports every order and then every escrow in snap. Records that
// already exist are skipped, so a partially applied snapshot can be rerun.
func (u *Upgrader) Upgrade(ctx context.Context, snap *Snapshot) (*Result, error) {
	res := &Result{}
	resolved := make(map[asset.Currency]*uint32)
	parents := make(map[string]*order.Order, len(snap.Orders))

	for _, v1 := range snap.Orders {
		assetID, err := u.resolve(ctx, resolved, v1.Currency)
		if err != nil {
			return res, fmt.Errorf("order %s: %w", v1.ID, err)
		}
		o, err := OrderV1ToV2(v1, assetID)
		if err != nil {
			return res, err
		}
		parents[o.ID] = o

		switch err := u.orders.Create(ctx, o); {
		case errors.Is(err, order.ErrAlreadyExists):
			res.SkippedOrders++
		case err != nil:
			return res, fmt.Errorf("create order %s: %w", o.ID, err)
		default:
			res.Orders++
		}
	}

	for _, v1 := range snap.Escrows {
		parent, ok := parents[v1.OrderID]
		if !ok {
			existing, err := u.orders.Get(ctx, v1.OrderID)
			if err != nil {
				return res, fmt.Errorf("escrow %s: %w", v1.OrderID, err)
			}
			parent = existing
		}
		rec, err := EscrowV1ToV2(v1, parent, u.holdWindow)
		if err != nil {
			return res, err
		}

		switch err := u.escrows.Create(ctx, rec); {
		case errors.Is(err, escrow.ErrAlreadyExists):
			res.SkippedEscrows++
		case err != nil:
			return res, fmt.Errorf("create escrow %s: %w", rec.OrderID, err)
		default:
			res.Escrows++
		}
	}

	u.logger.Info("legacy snapshot upgraded",
		"orders", res.Orders, "escrows", res.Escrows,
		"skippedOrders", res.SkippedOrders, "skippedEscrows", res.SkippedEscrows)
	return res, nil
}

func (u *Upgrader) resolve(ctx context.Context, cache map[asset.Currency]*uint32, raw asset.Currency) (*uint32, error) {
	c, err := asset.ParseCurrency(string(raw))
	if err != nil {
		return nil, err
	}
	if c.IsNative() {
		return nil, nil
	}
	if id, ok := cache[c]; ok {
		return id, nil
	}
	id, err := u.assets.Discover(ctx, c, u.maxAssetID)
	if err != nil {
		return nil, err
	}
	u.logger.Info("discovered asset for legacy currency", "currency", c, "assetId", *id)
	cache[c] = id
	return id, nil
}
