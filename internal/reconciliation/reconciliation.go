// Package reconciliation compares escrow records against the balances the
// ledger holds for their derived accounts.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/genexchange/settlement/internal/amount"
	"github.com/genexchange/settlement/internal/escrow"
	"github.com/genexchange/settlement/internal/ledger"
	"github.com/genexchange/settlement/internal/pagination"
)

// EscrowLister pages through escrows that are not yet closed, newest first.
type EscrowLister interface {
	ListUnsettled(ctx context.Context, after *pagination.Cursor, limit int) ([]*escrow.Record, error)
}

// BalanceReader reads an account's ledger balance.
type BalanceReader interface {
	Balance(ctx context.Context, assetID *uint32, account string) (*ledger.Balance, error)
}

// Mismatch is one escrow whose account balance disagrees with its record.
type Mismatch struct {
	OrderID  string  `json:"orderId"`
	Account  string  `json:"account"`
	AssetID  *uint32 `json:"assetId,omitempty"`
	Expected string  `json:"expected"`
	Actual   string  `json:"actual"`
	Diff     string  `json:"diff"`
}

// Report summarizes one reconciliation run.
type Report struct {
	EscrowsChecked int        `json:"escrowsChecked"`
	Mismatches     []Mismatch `json:"mismatches"`
	Expired        int        `json:"expired"`
	Errors         int        `json:"errors"`
	Duration       string     `json:"duration"`
	RanAt          time.Time  `json:"ranAt"`
}

// Healthy reports whether the run found nothing to act on.
func (r *Report) Healthy() bool {
	return len(r.Mismatches) == 0 && r.Errors == 0
}

// Runner performs escrow/ledger reconciliation.
type Runner struct {
	escrows   EscrowLister
	balances  BalanceReader
	logger    *slog.Logger
	now       func() time.Time
	batchSize int
}

// NewRunner creates a reconciliation runner.
func NewRunner(escrows EscrowLister, balances BalanceReader, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		escrows:   escrows,
		balances:  balances,
		logger:    logger,
		now:       time.Now,
		batchSize: 1000,
	}
}

// WithClock overrides the clock used for expiry checks.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// RunAll checks every unsettled escrow, a batch at a time. A funded
// escrow's account must hold exactly AmountPaid; an unfunded one must hold
// nothing.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := r.now()
	report := &Report{RanAt: start, Mismatches: []Mismatch{}}

	var after *pagination.Cursor
	for {
		recs, err := r.escrows.ListUnsettled(ctx, after, r.batchSize)
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("failed to list unsettled escrows: %w", err)
		}
		for _, rec := range recs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			r.checkOne(ctx, rec, start, report)
		}
		if len(recs) < r.batchSize {
			break
		}
		last := recs[len(recs)-1]
		after = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.OrderID}
	}

	elapsed := r.now().Sub(start)
	report.Duration = elapsed.String()
	reconcileMismatches.Set(float64(len(report.Mismatches)))
	reconcileExpired.Set(float64(report.Expired))
	reconcileDuration.Observe(elapsed.Seconds())

	if report.Healthy() {
		r.logger.Info("reconciliation complete", "checked", report.EscrowsChecked, "expired", report.Expired)
	}
	return report, nil
}

func (r *Runner) checkOne(ctx context.Context, rec *escrow.Record, now time.Time, report *Report) {
	report.EscrowsChecked++
	if rec.IsFunded() && escrow.IsExpired(rec, now) {
		report.Expired++
	}

	m, err := r.check(ctx, rec)
	if err != nil {
		report.Errors++
		reconcileErrors.Inc()
		r.logger.Warn("reconciliation check failed", "orderId", rec.OrderID, "error", err)
		return
	}
	if m != nil {
		report.Mismatches = append(report.Mismatches, *m)
		r.logger.Error("escrow balance mismatch",
			"orderId", m.OrderID, "account", m.Account,
			"expected", m.Expected, "actual", m.Actual, "diff", m.Diff)
	}
}

func (r *Runner) check(ctx context.Context, rec *escrow.Record) (*Mismatch, error) {
	account := rec.Account
	if account == "" {
		account = escrow.DeriveAccount(rec.OrderID)
	}

	expected := "0"
	if rec.IsFunded() {
		expected = rec.AmountPaid
	}
	want, ok := amount.Parse(expected)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q on escrow %s", expected, rec.OrderID)
	}

	bal, err := r.balances.Balance(ctx, rec.AssetID, account)
	if err != nil {
		return nil, err
	}
	got, ok := amount.Parse(bal.Free)
	if !ok {
		return nil, fmt.Errorf("malformed ledger balance %q for %s", bal.Free, account)
	}

	if got.Cmp(want) == 0 {
		return nil, nil
	}
	return &Mismatch{
		OrderID:  rec.OrderID,
		Account:  account,
		AssetID:  rec.AssetID,
		Expected: amount.Format(want),
		Actual:   amount.Format(got),
		Diff:     amount.Format(new(big.Int).Sub(got, want)),
	}, nil
}
