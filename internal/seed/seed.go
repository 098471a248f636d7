// Package seed loads bootstrap data (asset registry, service catalog,
// subscription prices and development balances) from a YAML file.
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/genexchange/settlement/internal/amount"
	"github.com/genexchange/settlement/internal/asset"
	"github.com/genexchange/settlement/internal/catalog"
	"github.com/genexchange/settlement/internal/subscription"
)

// File is the on-disk seed document.
type File struct {
	Assets             []AssetSpec             `yaml:"assets"`
	Services           []catalog.Service       `yaml:"services"`
	SubscriptionPrices []SubscriptionPriceSpec `yaml:"subscription_prices"`
	Balances           []BalanceSpec           `yaml:"balances,omitempty"`
}

// AssetSpec registers a fungible asset id under a symbol.
type AssetSpec struct {
	ID     uint32 `yaml:"id"`
	Symbol string `yaml:"symbol"`
}

// SubscriptionPriceSpec is one row of the subscription price table.
type SubscriptionPriceSpec struct {
	Duration string `yaml:"duration"`
	Currency string `yaml:"currency"`
	Amount   string `yaml:"amount"`
}

// BalanceSpec funds an account. Only applied when minting is allowed.
type BalanceSpec struct {
	Account string  `yaml:"account"`
	AssetID *uint32 `yaml:"asset_id,omitempty"`
	Amount  string  `yaml:"amount"`
}

// Load reads and validates a seed file. An empty path yields an empty File.
func Load(path string) (*File, error) {
	if strings.TrimSpace(path) == "" {
		return &File{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes and validates seed YAML.
func Parse(b []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	return &f, nil
}

// Validate checks every entry before anything is written.
func (f *File) Validate() error {
	seen := make(map[uint32]bool, len(f.Assets))
	for i, a := range f.Assets {
		if strings.TrimSpace(a.Symbol) == "" {
			return fmt.Errorf("assets[%d]: symbol is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("assets[%d]: duplicate id %d", i, a.ID)
		}
		seen[a.ID] = true
	}

	for i := range f.Services {
		if err := f.Services[i].Validate(); err != nil {
			return fmt.Errorf("services[%d]: %w", i, err)
		}
	}

	for i, p := range f.SubscriptionPrices {
		if _, err := subscription.ParseDuration(p.Duration); err != nil {
			return fmt.Errorf("subscription_prices[%d]: %w", i, err)
		}
		if _, err := asset.ParseCurrency(p.Currency); err != nil {
			return fmt.Errorf("subscription_prices[%d]: %w", i, err)
		}
		if err := positive(p.Amount); err != nil {
			return fmt.Errorf("subscription_prices[%d]: %w", i, err)
		}
	}

	for i, b := range f.Balances {
		if strings.TrimSpace(b.Account) == "" {
			return fmt.Errorf("balances[%d]: account is required", i)
		}
		if err := positive(b.Amount); err != nil {
			return fmt.Errorf("balances[%d]: %w", i, err)
		}
	}
	return nil
}

func positive(s string) error {
	n, err := amount.Normalize(s)
	if err != nil || amount.IsZero(n) {
		return fmt.Errorf("amount %q must be a positive decimal", s)
	}
	return nil
}

// AssetRegistrar records asset symbols.
type AssetRegistrar interface {
	Register(ctx context.Context, id uint32, symbol string) error
}

// ServiceWriter upserts catalog services.
type ServiceWriter interface {
	Put(ctx context.Context, s *catalog.Service) error
}

// PriceWriter upserts subscription prices.
type PriceWriter interface {
	SetPrice(ctx context.Context, p *subscription.Price) error
}

// Minter credits development balances.
type Minter interface {
	Mint(ctx context.Context, assetID *uint32, to, amount string) error
}

// Targets are the stores a seed file is applied to. Nil targets are skipped.
type Targets struct {
	Assets   AssetRegistrar
	Services ServiceWriter
	Prices   PriceWriter
	Funds    Minter
}

// Summary counts what Apply wrote.
type Summary struct {
	Assets   int
	Services int
	Prices   int
	Balances int
}

// Apply writes f into t. Balances are only minted when allowMint is set.
// Every write is an upsert, so applying the same file twice is harmless
// apart from balances.
func (f *File) Apply(ctx context.Context, t Targets, allowMint bool, logger *slog.Logger) (*Summary, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var sum Summary

	if t.Assets != nil {
		for _, a := range f.Assets {
			if err := t.Assets.Register(ctx, a.ID, strings.ToUpper(strings.TrimSpace(a.Symbol))); err != nil {
				return &sum, fmt.Errorf("register asset %d: %w", a.ID, err)
			}
			sum.Assets++
		}
	}

	if t.Services != nil {
		for i := range f.Services {
			svc := f.Services[i]
			if err := t.Services.Put(ctx, &svc); err != nil {
				return &sum, fmt.Errorf("put service %s: %w", svc.ID, err)
			}
			sum.Services++
		}
	}

	if t.Prices != nil {
		now := time.Now()
		for _, p := range f.SubscriptionPrices {
			d, _ := subscription.ParseDuration(p.Duration)
			c, _ := asset.ParseCurrency(p.Currency)
			n, _ := amount.Normalize(p.Amount)
			if err := t.Prices.SetPrice(ctx, &subscription.Price{Duration: d, Currency: c, Amount: n, UpdatedAt: now}); err != nil {
				return &sum, fmt.Errorf("set %s/%s price: %w", d, c, err)
			}
			sum.Prices++
		}
	}

	if len(f.Balances) > 0 {
		if !allowMint || t.Funds == nil {
			logger.Warn("seed balances skipped", "count", len(f.Balances))
		} else {
			for _, b := range f.Balances {
				if err := t.Funds.Mint(ctx, b.AssetID, strings.ToLower(b.Account), b.Amount); err != nil {
					return &sum, fmt.Errorf("mint %s to %s: %w", b.Amount, b.Account, err)
				}
				sum.Balances++
			}
		}
	}

	logger.Info("seed applied",
		"assets", sum.Assets, "services", sum.Services,
		"subscriptionPrices", sum.Prices, "balances", sum.Balances)
	return &sum, nil
}
