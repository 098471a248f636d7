// Package asset resolves an order's currency to the fungible asset backing it.
//
// The native coin needs no lookup. Every other currency must come with a
// caller-supplied asset id whose registered symbol matches the currency;
// the check guards against id/symbol mismatch and is not a discovery
// mechanism.
package asset

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidAsset    = errors.New("invalid asset for currency")
	ErrUnknownAsset    = errors.New("asset not registered")
	ErrUnknownCurrency = errors.New("unknown currency")
)

// Currency is the currency tag carried on orders and subscriptions.
type Currency string

const (
	DBIO  Currency = "DBIO" // native coin
	ETH   Currency = "ETH"
	USDT  Currency = "USDT"
	USDTE Currency = "USDTE"
	USDC  Currency = "USDC"
)

// ParseCurrency accepts any casing of a known tag.
func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	switch c {
	case DBIO, ETH, USDT, USDTE, USDC:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, s)
}

// IsNative reports whether c is the chain's native coin.
func (c Currency) IsNative() bool {
	return c == DBIO
}

// Symbol is the canonical registry symbol for c.
func (c Currency) Symbol() string {
	if c == USDTE {
		return "USDT.e"
	}
	return string(c)
}

// Registry maps asset ids to symbols.
type Registry interface {
	SymbolOf(ctx context.Context, id uint32) (string, error)
}

// Validator checks currency/asset pairs against a Registry.
type Validator struct {
	registry Registry
}

// NewValidator creates a validator.
func NewValidator(registry Registry) *Validator {
	return &Validator{registry: registry}
}

// Validate returns the asset id that backs currency, or nil for the native
// coin. assetID is the caller's candidate and is ignored for native orders.
func (v *Validator) Validate(ctx context.Context, currency Currency, assetID *uint32) (*uint32, error) {
	if currency.IsNative() {
		return nil, nil
	}
	if assetID == nil {
		return nil, fmt.Errorf("%w: %s requires an asset id", ErrInvalidAsset, currency)
	}
	symbol, err := v.registry.SymbolOf(ctx, *assetID)
	if err != nil {
		if errors.Is(err, ErrUnknownAsset) {
			return nil, fmt.Errorf("%w: asset %d not registered", ErrInvalidAsset, *assetID)
		}
		return nil, err
	}
	if !strings.EqualFold(symbol, currency.Symbol()) {
		return nil, fmt.Errorf("%w: asset %d is %s, not %s", ErrInvalidAsset, *assetID, symbol, currency)
	}
	id := *assetID
	return &id, nil
}

// Discover scans ids 0..maxID for the first asset whose symbol matches
// currency. It exists for migrating records that predate asset ids.
func (v *Validator) Discover(ctx context.Context, currency Currency, maxID uint32) (*uint32, error) {
	if currency.IsNative() {
		return nil, nil
	}
	for id := uint32(0); id <= maxID; id++ {
		found, err := v.Validate(ctx, currency, &id)
		if err == nil {
			return found, nil
		}
		if !errors.Is(err, ErrInvalidAsset) {
			return nil, err
		}
		if id == maxID {
			break
		}
	}
	return nil, fmt.Errorf("%w: no asset for %s in ids 0..%d", ErrInvalidAsset, currency, maxID)
}
