// Package order owns the order ledger and the order lifecycle.
//
// Flow:
//  1. CreateOrder prices the order from the service catalog and opens an
//     unfunded escrow for the total
//  2. SetOrderPaid (escrow key) deposits the buyer's funds into escrow
//  3. FulfillOrder (seller) releases escrow to the seller
//  4. CancelOrder (buyer), SetOrderRefunded (escrow/treasury key or buyer
//     for failed and expired orders) return funds to the buyer
//  5. MarkFailed (workflow key) records a rejected sample or analysis
//
// An order's status only advances after its escrow step has succeeded.
package order

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/genexchange/settlement/internal/asset"
	"github.com/genexchange/settlement/internal/catalog"
	"github.com/genexchange/settlement/internal/idgen"
	"github.com/genexchange/settlement/internal/settlement"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrAlreadyExists     = errors.New("order already exists")
	ErrUnauthorized      = errors.New("caller is not permitted to perform this action")
	ErrInvalidPriceIndex = errors.New("price index out of range")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrWorkflowPending   = errors.New("sample workflow has not reported success")

	// ErrInvalidTransition is returned for any (status, event) pair outside
	// the lifecycle table.
	ErrInvalidTransition = settlement.ErrInvalidTransition
	// ErrPaidCancel is returned by CancelOrder on a paid order under the
	// reject_paid policy.
	ErrPaidCancel = fmt.Errorf("%w: paid orders must be refunded, not cancelled", settlement.ErrInvalidTransition)
)

// Status is an order's lifecycle position.
type Status string

const (
	StatusUnpaid    Status = "unpaid"
	StatusPaid      Status = "paid"
	StatusFulfilled Status = "fulfilled"
	StatusRefunded  Status = "refunded"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Flow distinguishes the business process that produced the order.
type Flow string

const (
	// FlowRequestTest is request-then-pay.
	FlowRequestTest Flow = "request_test"
	// FlowStakingRequestService is stake-then-request.
	FlowStakingRequestService Flow = "staking_request_service"
)

// ParseFlow validates a flow tag. Empty means FlowRequestTest.
func ParseFlow(s string) (Flow, error) {
	switch f := Flow(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FlowRequestTest, nil
	case FlowRequestTest, FlowStakingRequestService:
		return f, nil
	}
	return "", fmt.Errorf("%w: unknown flow %q", ErrInvalidOrder, s)
}

// Lifecycle events
const (
	EventPay          settlement.Event = "set_paid"
	EventCancel       settlement.Event = "cancel"
	EventFulfill      settlement.Event = "fulfill"
	EventRefund       settlement.Event = "refund"
	EventFail         settlement.Event = "mark_failed"
	EventUpdatePrices settlement.Event = "update_prices"
	EventVerify       settlement.Event = "verify_workflow"
)

// Lifecycle is the transition table shared by lab-test and
// genetic-analysis orders.
var Lifecycle = settlement.NewMachine("order", []settlement.Transition[Status]{
	{From: []Status{StatusUnpaid}, Event: EventPay, To: StatusPaid},
	{From: []Status{StatusUnpaid, StatusPaid}, Event: EventCancel, To: StatusCancelled},
	{From: []Status{StatusPaid}, Event: EventFulfill, To: StatusFulfilled},
	{From: []Status{StatusPaid, StatusFailed}, Event: EventRefund, To: StatusRefunded},
	{From: []Status{StatusUnpaid, StatusPaid}, Event: EventFail, To: StatusFailed},
	{From: []Status{StatusUnpaid}, Event: EventUpdatePrices, To: StatusUnpaid},
	{From: []Status{StatusPaid}, Event: EventVerify, To: StatusPaid},
}, StatusFulfilled, StatusCancelled, StatusRefunded)

// Order is one purchase of a service.
type Order struct {
	ID               string          `json:"id"`
	ServiceID        string          `json:"serviceId"`
	BuyerID          string          `json:"buyerId"`
	SellerID         string          `json:"sellerId"`
	BuyerBoxKey      string          `json:"buyerBoxPublicKey"`
	TrackingID       string          `json:"trackingId"`
	Kind             catalog.Kind    `json:"kind"`
	GeneticDataID    string          `json:"geneticDataId,omitempty"`
	Currency         asset.Currency  `json:"currency"`
	AssetID          *uint32         `json:"assetId,omitempty"`
	Prices           []catalog.Price `json:"prices"`
	AdditionalPrices []catalog.Price `json:"additionalPrices"`
	TotalPrice       string          `json:"totalPrice"`
	Status           Status          `json:"status"`
	Flow             Flow            `json:"flow"`
	WorkflowVerified bool            `json:"workflowVerified"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// IsTerminal reports whether the order accepts no further events.
func (o *Order) IsTerminal() bool {
	return Lifecycle.IsTerminal(o.Status)
}

// setPrices replaces the price components and recomputes TotalPrice.
func (o *Order) setPrices(prices, additional []catalog.Price) error {
	total, err := catalog.Total(prices, additional)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOrder, err)
	}
	o.Prices = append([]catalog.Price(nil), prices...)
	o.AdditionalPrices = append([]catalog.Price(nil), additional...)
	if o.AdditionalPrices == nil {
		o.AdditionalPrices = []catalog.Price{}
	}
	o.TotalPrice = total
	return nil
}

// DeriveID hashes buyer ‖ service id ‖ nonce ‖ order count. The count makes
// identical resubmissions by the same buyer produce distinct ids.
func DeriveID(buyer, serviceID string, nonce, count uint64) string {
	var n, c [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	binary.BigEndian.PutUint64(c[:], count)
	h := crypto.Keccak256(
		[]byte(strings.ToLower(buyer)),
		[]byte(serviceID),
		n[:],
		c[:],
	)
	return hexutil.Encode(h)
}

// TrackingID derives the sample or analysis tracking id for an order.
func TrackingID(orderID string) string {
	return idgen.Tracking([]byte("track:" + orderID))
}

func clone(o *Order) *Order {
	cp := *o
	cp.Prices = append([]catalog.Price(nil), o.Prices...)
	cp.AdditionalPrices = append([]catalog.Price(nil), o.AdditionalPrices...)
	if o.AssetID != nil {
		id := *o.AssetID
		cp.AssetID = &id
	}
	return &cp
}
