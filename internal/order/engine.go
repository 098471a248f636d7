package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/genexchange/settlement/internal/asset"
	"github.com/genexchange/settlement/internal/auth"
	"github.com/genexchange/settlement/internal/catalog"
	"github.com/genexchange/settlement/internal/escrow"
	"github.com/genexchange/settlement/internal/metrics"
	"github.com/genexchange/settlement/internal/retry"
	"github.com/genexchange/settlement/internal/settlement"
	"github.com/genexchange/settlement/internal/syncutil"
	"github.com/genexchange/settlement/internal/traces"
)

// Escrow is the custody side of the lifecycle. *escrow.Manager implements it.
type Escrow interface {
	Open(ctx context.Context, orderID, buyer, seller string, assetID *uint32, amount string, createdAt time.Time) (*escrow.Record, error)
	Reprice(ctx context.Context, orderID, amount string) (*escrow.Record, error)
	Deposit(ctx context.Context, orderID, depositor string) (*escrow.Record, error)
	Release(ctx context.Context, orderID string) (*escrow.Record, error)
	Refund(ctx context.Context, orderID string) (*escrow.Record, error)
	Void(ctx context.Context, orderID string) (*escrow.Record, error)
	Expired(ctx context.Context, orderID string) (bool, error)
	Get(ctx context.Context, orderID string) (*escrow.Record, error)
}

// AssetValidator resolves a currency to its backing asset id.
type AssetValidator interface {
	Validate(ctx context.Context, currency asset.Currency, assetID *uint32) (*uint32, error)
}

// NonceSource reports an account's transaction nonce.
type NonceSource interface {
	Nonce(ctx context.Context, account string) (uint64, error)
}

// WorkflowVerifier reports whether the downstream sample or analysis
// workflow has succeeded for an order.
type WorkflowVerifier interface {
	Succeeded(ctx context.Context, o *Order) (bool, error)
}

// RecordedVerifier trusts the flag set by VerifyWorkflow.
type RecordedVerifier struct{}

func (RecordedVerifier) Succeeded(ctx context.Context, o *Order) (bool, error) {
	return o.WorkflowVerified, nil
}

// CancelPolicy decides what cancelling a paid order does.
type CancelPolicy string

const (
	// CancelAutoRefund refunds escrow to the buyer as part of cancellation.
	CancelAutoRefund CancelPolicy = "auto_refund"
	// CancelRejectPaid refuses to cancel paid orders; they must be refunded.
	CancelRejectPaid CancelPolicy = "reject_paid"
)

// ParseCancelPolicy validates a policy name. Empty means CancelAutoRefund.
func ParseCancelPolicy(s string) (CancelPolicy, error) {
	switch p := CancelPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return CancelAutoRefund, nil
	case CancelAutoRefund, CancelRejectPaid:
		return p, nil
	}
	return "", fmt.Errorf("unknown cancel policy %q", s)
}

// Engine applies lifecycle events to orders. Every mutation of one order is
// serialized by a per-order lock.
type Engine struct {
	store    Store
	catalog  catalog.Catalog
	assets   AssetValidator
	escrow   Escrow
	authz    auth.Authorizer
	nonces   NonceSource
	workflow WorkflowVerifier
	policy   CancelPolicy
	locks    *syncutil.KeyLock
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithCancelPolicy sets the cancel-after-paid policy.
func WithCancelPolicy(p CancelPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithWorkflowVerifier gates FulfillOrder on downstream success.
func WithWorkflowVerifier(v WorkflowVerifier) Option {
	return func(e *Engine) { e.workflow = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an order engine.
func NewEngine(store Store, cat catalog.Catalog, assets AssetValidator, esc Escrow, authz auth.Authorizer, nonces NonceSource, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		catalog: cat,
		assets:  assets,
		escrow:  esc,
		authz:   authz,
		nonces:  nonces,
		policy:  CancelAutoRefund,
		locks:   syncutil.NewKeyLock(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the configured cancel policy.
func (e *Engine) Policy() CancelPolicy {
	return e.policy
}

// CreateOrderRequest holds the buyer's order parameters. Prices always come
// from the catalog, never from the request.
type CreateOrderRequest struct {
	Buyer         string
	ServiceID     string
	PriceIndex    int
	BuyerBoxKey   string
	Flow          Flow
	AssetID       *uint32
	GeneticDataID string
}

// CreateOrder prices a new order from the catalog and opens its escrow.
func (e *Engine) CreateOrder(ctx context.Context, req CreateOrderRequest) (o *Order, err error) {
	ctx, span := traces.StartSpan(ctx, "order.CreateOrder", traces.Account(req.Buyer))
	kind := catalog.KindLabTest
	defer func() {
		traces.End(span, err)
		metrics.OrderTransitionsTotal.WithLabelValues(string(kind), "create_order", metrics.Result(err)).Inc()
	}()

	buyer := strings.ToLower(strings.TrimSpace(req.Buyer))
	if buyer == "" {
		return nil, fmt.Errorf("%w: buyer is required", ErrInvalidOrder)
	}
	flow, err := ParseFlow(string(req.Flow))
	if err != nil {
		return nil, err
	}

	svc, err := e.catalog.Get(ctx, req.ServiceID)
	if err != nil {
		return nil, err
	}
	kind = svc.Kind
	if req.PriceIndex < 0 || req.PriceIndex >= len(svc.Prices) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidPriceIndex, req.PriceIndex, len(svc.Prices))
	}
	row := svc.Prices[req.PriceIndex]
	assetID, err := e.assets.Validate(ctx, row.Currency, req.AssetID)
	if err != nil {
		return nil, err
	}
	if svc.Kind == catalog.KindGeneticAnalysis && strings.TrimSpace(req.GeneticDataID) == "" {
		return nil, fmt.Errorf("%w: genetic analysis orders require a genetic data id", ErrInvalidOrder)
	}

	// Serialize creates per buyer so nonce and count are read consistently.
	unlock, err := e.locks.Lock(ctx, "buyer:"+buyer)
	if err != nil {
		return nil, err
	}
	defer unlock()

	nonce, err := e.nonces.Nonce(ctx, buyer)
	if err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	count, err := e.store.CountByBuyer(ctx, buyer)
	if err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}

	now := e.now()
	id := DeriveID(buyer, svc.ID, nonce, count)
	o = &Order{
		ID:            id,
		ServiceID:     svc.ID,
		BuyerID:       buyer,
		SellerID:      strings.ToLower(svc.Owner),
		BuyerBoxKey:   req.BuyerBoxKey,
		TrackingID:    TrackingID(id),
		Kind:          svc.Kind,
		GeneticDataID: req.GeneticDataID,
		Currency:      row.Currency,
		AssetID:       assetID,
		Status:        StatusUnpaid,
		Flow:          flow,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.setPrices(row.Prices, row.AdditionalPrices); err != nil {
		return nil, err
	}

	if err := e.store.Create(ctx, o); err != nil {
		return nil, err
	}
	if _, err := e.escrow.Open(ctx, id, buyer, o.SellerID, assetID, o.TotalPrice, now); err != nil {
		if delErr := e.store.Delete(ctx, id); delErr != nil {
			e.logger.Error("failed to roll back order after escrow open failed",
				"orderId", id, "error", delErr)
		}
		return nil, fmt.Errorf("open escrow: %w", err)
	}

	e.logger.Info("order created",
		"orderId", id, "buyer", buyer, "seller", o.SellerID, "service", svc.ID,
		"kind", o.Kind, "total", o.TotalPrice, "currency", o.Currency)
	return clone(o), nil
}

// CancelOrder cancels an unpaid or paid order. Only the buyer may cancel.
// A paid order is refunded under CancelAutoRefund and rejected under
// CancelRejectPaid.
func (e *Engine) CancelOrder(ctx context.Context, caller, orderID string) (*Order, error) {
	return e.transition(ctx, orderID, EventCancel,
		func(ctx context.Context, o *Order) error {
			return e.requireParty(caller, o.BuyerID)
		},
		func(ctx context.Context, o *Order) (bool, error) {
			if o.Status != StatusPaid {
				return false, nil
			}
			if e.policy == CancelRejectPaid {
				return false, ErrPaidCancel
			}
			if _, err := e.escrow.Refund(ctx, o.ID); err != nil {
				return false, err
			}
			return true, nil
		})
}

// SetOrderPaid deposits the buyer's funds into escrow on behalf of the
// payment oracle. Only the escrow key may call it.
func (e *Engine) SetOrderPaid(ctx context.Context, caller, orderID string) (*Order, error) {
	return e.transition(ctx, orderID, EventPay,
		func(ctx context.Context, o *Order) error {
			return e.requireRole(ctx, caller, auth.RoleEscrow)
		},
		func(ctx context.Context, o *Order) (bool, error) {
			if _, err := e.escrow.Deposit(ctx, o.ID, o.BuyerID); err != nil {
				return false, err
			}
			return true, nil
		})
}

// FulfillOrder releases escrow to the seller. Only the seller may call it,
// and only after the downstream workflow has succeeded when a verifier is
// configured.
func (e *Engine) FulfillOrder(ctx context.Context, caller, orderID string) (*Order, error) {
	return e.transition(ctx, orderID, EventFulfill,
		func(ctx context.Context, o *Order) error {
			return e.requireParty(caller, o.SellerID)
		},
		func(ctx context.Context, o *Order) (bool, error) {
			if e.workflow != nil {
				ok, err := e.workflow.Succeeded(ctx, o)
				if err != nil {
					return false, fmt.Errorf("check workflow: %w", err)
				}
				if !ok {
					return false, ErrWorkflowPending
				}
			}
			if _, err := e.escrow.Release(ctx, o.ID); err != nil {
				return false, err
			}
			return true, nil
		})
}

// SetOrderRefunded returns escrowed funds to the buyer. The escrow and
// treasury keys may always refund; the buyer may refund a failed order or
// one whose escrow hold window has passed.
func (e *Engine) SetOrderRefunded(ctx context.Context, caller, orderID string) (*Order, error) {
	return e.transition(ctx, orderID, EventRefund,
		func(ctx context.Context, o *Order) error {
			if auth.AnyOf(ctx, e.authz, caller, auth.RoleEscrow, auth.RoleTreasury) {
				return nil
			}
			if !strings.EqualFold(caller, o.BuyerID) {
				return ErrUnauthorized
			}
			if o.Status == StatusFailed {
				return nil
			}
			expired, err := e.escrow.Expired(ctx, o.ID)
			if err != nil {
				return err
			}
			if !expired {
				return fmt.Errorf("%w: escrow has not expired", ErrUnauthorized)
			}
			return nil
		},
		func(ctx context.Context, o *Order) (bool, error) {
			_, err := e.escrow.Refund(ctx, o.ID)
			if errors.Is(err, escrow.ErrNotFunded) {
				// Failed before payment: there is nothing to return.
				e.logger.Info("refunding unfunded order without transfer", "orderId", o.ID)
				return false, nil
			}
			if err != nil {
				return false, err
			}
			return true, nil
		})
}

// MarkFailed records that the downstream workflow rejected the order. Only
// the workflow key may call it.
func (e *Engine) MarkFailed(ctx context.Context, caller, orderID string) (*Order, error) {
	return e.transition(ctx, orderID, EventFail,
		func(ctx context.Context, o *Order) error {
			return e.requireRole(ctx, caller, auth.RoleWorkflow)
		},
		nil)
}

// VerifyWorkflow records downstream success for a paid order. Only the
// workflow key may call it.
func (e *Engine) VerifyWorkflow(ctx context.Context, caller, orderID string) (*Order, error) {
	return e.transition(ctx, orderID, EventVerify,
		func(ctx context.Context, o *Order) error {
			return e.requireRole(ctx, caller, auth.RoleWorkflow)
		},
		func(ctx context.Context, o *Order) (bool, error) {
			o.WorkflowVerified = true
			return false, nil
		})
}

// UpdatePrices lets the seller re-price an unpaid order. The total is
// recomputed and the escrow amount follows it.
func (e *Engine) UpdatePrices(ctx context.Context, caller, orderID string, prices, additional []catalog.Price) (*Order, error) {
	if len(prices) == 0 {
		return nil, fmt.Errorf("%w: at least one price component is required", ErrInvalidOrder)
	}
	return e.transition(ctx, orderID, EventUpdatePrices,
		func(ctx context.Context, o *Order) error {
			return e.requireParty(caller, o.SellerID)
		},
		func(ctx context.Context, o *Order) (bool, error) {
			if err := o.setPrices(prices, additional); err != nil {
				return false, err
			}
			if _, err := e.escrow.Reprice(ctx, o.ID, o.TotalPrice); err != nil {
				return false, err
			}
			return false, nil
		})
}

// Get returns an order.
func (e *Engine) Get(ctx context.Context, orderID string) (*Order, error) {
	return e.store.Get(ctx, orderID)
}

// Escrow returns the escrow record backing an order.
func (e *Engine) Escrow(ctx context.Context, orderID string) (*escrow.Record, error) {
	if _, err := e.store.Get(ctx, orderID); err != nil {
		return nil, err
	}
	return e.escrow.Get(ctx, orderID)
}

// ListByBuyer returns a buyer's orders, newest first.
func (e *Engine) ListByBuyer(ctx context.Context, buyer string, limit int, opts ...ListOption) ([]*Order, error) {
	return e.store.ListByBuyer(ctx, strings.ToLower(buyer), limit, opts...)
}

// ListBySeller returns a seller's orders, newest first.
func (e *Engine) ListBySeller(ctx context.Context, seller string, limit int, opts ...ListOption) ([]*Order, error) {
	return e.store.ListBySeller(ctx, strings.ToLower(seller), limit, opts...)
}

type (
	guardFunc  func(ctx context.Context, o *Order) error
	effectFunc func(ctx context.Context, o *Order) (movedFunds bool, err error)
)

// transition loads the order under its lock, authorizes the caller, checks
// the lifecycle table, runs the side effect and persists the new status.
// Authorization is checked before the status so an unauthorized caller is
// told so regardless of the order's state.
func (e *Engine) transition(ctx context.Context, orderID string, event settlement.Event, guard guardFunc, effect effectFunc) (o *Order, err error) {
	ctx, span := traces.StartSpan(ctx, "order."+string(event), traces.OrderID(orderID))
	kind := "unknown"
	defer func() {
		traces.End(span, err)
		metrics.OrderTransitionsTotal.WithLabelValues(kind, string(event), resultLabel(err)).Inc()
	}()

	unlock, err := e.locks.Lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err = e.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	kind = string(o.Kind)

	if err := guard(ctx, o); err != nil {
		return nil, err
	}
	next, err := Lifecycle.Fire(o.Status, event)
	if err != nil {
		return nil, err
	}

	movedFunds := false
	if effect != nil {
		if movedFunds, err = effect(ctx, o); err != nil {
			e.logger.Warn("order transition rejected",
				"orderId", orderID, "event", event, "status", o.Status, "error", err)
			return nil, err
		}
	}

	from := o.Status
	o.Status = next
	o.UpdatedAt = e.now()
	if o.IsTerminal() && !movedFunds {
		// Closed before payment: the escrow never held funds.
		if _, err := e.escrow.Void(ctx, o.ID); err != nil && !errors.Is(err, escrow.ErrNotFound) {
			return nil, fmt.Errorf("void escrow: %w", err)
		}
	}
	if err := e.persist(ctx, o, event, movedFunds); err != nil {
		return nil, err
	}

	e.logger.Info("order transitioned",
		"orderId", orderID, "event", event, "from", from, "to", next, "kind", o.Kind)
	return clone(o), nil
}

// persist writes the new order state. When funds have already moved the
// write is retried, and a final failure is logged for manual resolution.
func (e *Engine) persist(ctx context.Context, o *Order, event settlement.Event, movedFunds bool) error {
	if !movedFunds {
		return e.store.Update(ctx, o)
	}
	err := retry.Do(ctx, retry.Persist, func() error {
		return e.store.Update(ctx, o)
	})
	if err != nil {
		e.logger.Error("CRITICAL: escrow funds moved but order update failed",
			"orderId", o.ID, "event", event, "status", o.Status, "total", o.TotalPrice, "error", err)
		return fmt.Errorf("failed to update order after %s (requires manual resolution): %w", event, err)
	}
	return nil
}

func (e *Engine) requireParty(caller, party string) error {
	if caller == "" || !strings.EqualFold(caller, party) {
		return ErrUnauthorized
	}
	return nil
}

func (e *Engine) requireRole(ctx context.Context, caller string, role auth.Role) error {
	if !e.authz.IsAuthorized(ctx, role, caller) {
		return fmt.Errorf("%w: %s key required", ErrUnauthorized, role)
	}
	return nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, escrow.ErrTransferFailed):
		return "transfer_failed"
	}
	return metrics.Result(err)
}
