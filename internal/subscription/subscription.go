// Package subscription handles recurring service access paid by burning
// funds.
//
// Unlike orders there is no seller fulfilment step, so nothing is held in
// escrow: SetPaid destroys the price outright. Status (in_queue, active,
// inactive) and payment status (unpaid, paid) move independently, except
// that only a paid subscription may become active. A payer has at most one
// active subscription; activating another one deactivates the previous.
package subscription

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/genexchange/settlement/internal/asset"
	"github.com/genexchange/settlement/internal/settlement"
)

var (
	ErrNotFound          = errors.New("subscription not found")
	ErrAlreadyExists     = errors.New("subscription already exists")
	ErrUnauthorized      = errors.New("caller is not permitted to perform this action")
	ErrAlreadyPaid       = errors.New("subscription already paid")
	ErrNotPaid           = errors.New("subscription must be paid before activation")
	ErrPriceNotSet       = errors.New("no price set for duration and currency")
	ErrInvalidDuration   = errors.New("invalid subscription duration")
	ErrInvalidStatus     = errors.New("invalid subscription status")
	ErrInvalidPrice      = errors.New("invalid subscription price")
	ErrPaymentFailed     = errors.New("subscription payment failed")
	ErrInvalidTransition = settlement.ErrInvalidTransition
)

// Duration is the billing period.
type Duration string

const (
	Monthly   Duration = "monthly"
	Quarterly Duration = "quarterly"
	Yearly    Duration = "yearly"
)

// ParseDuration accepts any casing of a known period.
func ParseDuration(s string) (Duration, error) {
	switch d := Duration(strings.ToLower(strings.TrimSpace(s))); d {
	case Monthly, Quarterly, Yearly:
		return d, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDuration, s)
}

// Period returns the calendar length of d, starting at from.
func (d Duration) Period(from time.Time) time.Time {
	switch d {
	case Quarterly:
		return from.AddDate(0, 3, 0)
	case Yearly:
		return from.AddDate(1, 0, 0)
	}
	return from.AddDate(0, 1, 0)
}

// PaymentStatus is orthogonal to Status.
type PaymentStatus string

const (
	Unpaid PaymentStatus = "unpaid"
	Paid   PaymentStatus = "paid"
)

// Status is a subscription's access state.
type Status string

const (
	StatusInQueue  Status = "in_queue"
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// ParseStatus validates a target status for ChangeStatus.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusActive, StatusInactive:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Lifecycle events
const (
	EventActivate   settlement.Event = "activate"
	EventDeactivate settlement.Event = "deactivate"
)

// Lifecycle is the subscription transition table. No status is terminal:
// an inactive subscription may be reactivated.
var Lifecycle = settlement.NewMachine("subscription", []settlement.Transition[Status]{
	{From: []Status{StatusInQueue, StatusInactive}, Event: EventActivate, To: StatusActive},
	{From: []Status{StatusInQueue, StatusActive}, Event: EventDeactivate, To: StatusInactive},
})

// Subscription is one purchased access period.
type Subscription struct {
	ID            string         `json:"id"`
	Payer         string         `json:"payer"`
	Duration      Duration       `json:"duration"`
	Currency      asset.Currency `json:"currency"`
	AssetID       *uint32        `json:"assetId,omitempty"`
	Price         string         `json:"price"`
	PaymentStatus PaymentStatus  `json:"paymentStatus"`
	Status        Status         `json:"status"`
	PaidAt        *time.Time     `json:"paidAt,omitempty"`
	ActiveUntil   *time.Time     `json:"activeUntil,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// IsPaid reports whether the price has been burned.
func (s *Subscription) IsPaid() bool {
	return s.PaymentStatus == Paid
}

// Price is the treasury-set cost of one duration in one currency.
type Price struct {
	Duration  Duration       `json:"duration"`
	Currency  asset.Currency `json:"currency"`
	Amount    string         `json:"amount"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// DeriveID hashes payer ‖ duration ‖ currency ‖ count.
func DeriveID(payer string, d Duration, c asset.Currency, count uint64) string {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], count)
	h := crypto.Keccak256(
		[]byte("subscription"),
		[]byte(strings.ToLower(payer)),
		[]byte(d),
		[]byte(c),
		n[:],
	)
	return hexutil.Encode(h)
}

func clone(s *Subscription) *Subscription {
	cp := *s
	if s.AssetID != nil {
		id := *s.AssetID
		cp.AssetID = &id
	}
	if s.PaidAt != nil {
		t := *s.PaidAt
		cp.PaidAt = &t
	}
	if s.ActiveUntil != nil {
		t := *s.ActiveUntil
		cp.ActiveUntil = &t
	}
	return &cp
}
