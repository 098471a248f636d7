// Package admin provides treasury-only endpoints for inspecting and
// correcting settlement state: ledger balances, frozen accounts, escrow
// expiry scans and reconciliation runs.
package admin

import (
	"context"

	"github.com/genexchange/settlement/internal/ledger"
	"github.com/genexchange/settlement/internal/reconciliation"
)

// LedgerAdmin is the slice of the ledger the admin endpoints touch.
type LedgerAdmin interface {
	Balance(ctx context.Context, assetID *uint32, account string) (*ledger.Balance, error)
	GetHistory(ctx context.Context, account string, limit int) ([]*ledger.Entry, error)
	Freeze(ctx context.Context, account string) error
	Thaw(ctx context.Context, account string) error
	Mint(ctx context.Context, assetID *uint32, to, amount string) error
}

// ReconciliationRunner runs an escrow/ledger reconciliation pass.
type ReconciliationRunner interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
}

// EscrowScanner reports how many funded escrows are past expiry.
type EscrowScanner interface {
	Scan(ctx context.Context) int
}

// MintRequest funds an account in development deployments.
type MintRequest struct {
	Account string  `json:"account" binding:"required"`
	AssetID *uint32 `json:"assetId"`
	Amount  string  `json:"amount" binding:"required"`
}
