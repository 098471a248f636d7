// Package catalog holds the services sellers offer and their price tables.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/genexchange/settlement/internal/amount"
	"github.com/genexchange/settlement/internal/asset"
)

var (
	ErrServiceNotFound = errors.New("service not found")
	ErrInvalidService  = errors.New("invalid service")
)

// Kind distinguishes the two order variants a service produces.
type Kind string

const (
	KindLabTest         Kind = "lab_test"
	KindGeneticAnalysis Kind = "genetic_analysis"
)

// Valid reports whether k is a known service kind.
func (k Kind) Valid() bool {
	return k == KindLabTest || k == KindGeneticAnalysis
}

// Price is one named component of a price.
type Price struct {
	Component string `json:"component" yaml:"component"`
	Value     string `json:"value" yaml:"value"`
}

// PriceByCurrency is one row of a service's price table.
type PriceByCurrency struct {
	Currency         asset.Currency `json:"currency" yaml:"currency"`
	Prices           []Price        `json:"prices" yaml:"prices"`
	AdditionalPrices []Price        `json:"additionalPrices,omitempty" yaml:"additional_prices"`
}

// Total sums every component of the row.
func (p PriceByCurrency) Total() (string, error) {
	return Total(p.Prices, p.AdditionalPrices)
}

// Total sums prices and additional prices.
func Total(prices, additional []Price) (string, error) {
	values := make([]string, 0, len(prices)+len(additional))
	for _, p := range prices {
		values = append(values, p.Value)
	}
	for _, p := range additional {
		values = append(values, p.Value)
	}
	return amount.Sum(values...)
}

// Service is a priced offering owned by a seller.
type Service struct {
	ID        string            `json:"id" yaml:"id"`
	Owner     string            `json:"owner" yaml:"owner"`
	Kind      Kind              `json:"kind" yaml:"kind"`
	Name      string            `json:"name,omitempty" yaml:"name"`
	Prices    []PriceByCurrency `json:"prices" yaml:"prices"`
	CreatedAt time.Time         `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time         `json:"updatedAt" yaml:"-"`
}

// Validate checks ownership, kind and that every price parses.
func (s *Service) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidService)
	}
	if strings.TrimSpace(s.Owner) == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidService)
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidService, s.Kind)
	}
	if len(s.Prices) == 0 {
		return fmt.Errorf("%w: price table is empty", ErrInvalidService)
	}
	for i, row := range s.Prices {
		if _, err := asset.ParseCurrency(string(row.Currency)); err != nil {
			return fmt.Errorf("%w: price %d: %w", ErrInvalidService, i, err)
		}
		if len(row.Prices) == 0 {
			return fmt.Errorf("%w: price %d has no components", ErrInvalidService, i)
		}
		if _, err := row.Total(); err != nil {
			return fmt.Errorf("%w: price %d: %w", ErrInvalidService, i, err)
		}
	}
	return nil
}

// Catalog is what the order engine needs from the service catalog.
type Catalog interface {
	Get(ctx context.Context, serviceID string) (*Service, error)
	PriceTable(ctx context.Context, serviceID string) ([]PriceByCurrency, error)
	OwnerOf(ctx context.Context, serviceID string) (string, error)
}

// Store persists services.
type Store interface {
	Catalog
	Put(ctx context.Context, s *Service) error
	ListByOwner(ctx context.Context, owner string) ([]*Service, error)
}

func normalizeService(s *Service) {
	s.Owner = strings.ToLower(strings.TrimSpace(s.Owner))
	for i := range s.Prices {
		if c, err := asset.ParseCurrency(string(s.Prices[i].Currency)); err == nil {
			s.Prices[i].Currency = c
		}
		normalizePrices(s.Prices[i].Prices)
		normalizePrices(s.Prices[i].AdditionalPrices)
	}
}

func normalizePrices(ps []Price) {
	for i := range ps {
		if v, err := amount.Normalize(ps[i].Value); err == nil {
			ps[i].Value = v
		}
	}
}

func cloneService(s *Service) *Service {
	cp := *s
	cp.Prices = make([]PriceByCurrency, len(s.Prices))
	for i, row := range s.Prices {
		cp.Prices[i] = PriceByCurrency{
			Currency:         row.Currency,
			Prices:           append([]Price(nil), row.Prices...),
			AdditionalPrices: append([]Price(nil), row.AdditionalPrices...),
		}
	}
	return &cp
}
