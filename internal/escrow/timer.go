package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/genexchange/settlement/internal/metrics"
)

// Monitor periodically reports funded escrows whose hold window has passed.
// It never moves funds: expiry only makes an order eligible for a refund by
// a privileged caller.
type Monitor struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewMonitor creates an expiry monitor.
func NewMonitor(manager *Manager, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		manager:  manager,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the monitor loop is active.
func (t *Monitor) Running() bool {
	return t.running.Load()
}

// Start runs the monitor loop. Call in a goroutine.
func (t *Monitor) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeScan(ctx)
		}
	}
}

// Stop signals the monitor to stop.
func (t *Monitor) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Monitor) safeScan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow monitor", "panic", fmt.Sprint(r))
		}
	}()
	t.Scan(ctx)
}

// Scan performs one pass and returns the number of expired escrows found.
func (t *Monitor) Scan(ctx context.Context) int {
	expired, err := t.manager.ListExpired(ctx, 500)
	if err != nil {
		t.logger.Warn("failed to list expired escrows", "error", err)
		return 0
	}
	metrics.EscrowsExpiredUnsettled.Set(float64(len(expired)))
	for _, rec := range expired {
		t.logger.Info("escrow expired, eligible for refund",
			"orderId", rec.OrderID,
			"account", rec.Account,
			"buyer", rec.BuyerAddr,
			"amount", rec.AmountPaid,
			"expiredAt", rec.ExpiresAt,
		)
	}
	return len(expired)
}
