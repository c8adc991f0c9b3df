// Package payment orchestrates the lifecycle of individual payments: intent
// creation, webhook-driven state transitions and refunds.
package payment

import (
	"errors"
	"time"

	"github.com/noah-isme/backend-stays/internal/provider"
)

// Status enumerates payment lifecycle states. Transitions are monotonic and
// enforced by Transition; a terminal failure or refund is never overwritten.
type Status string

const (
	StatusInitiated Status = "INITIATED"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
	StatusRefunded  Status = "REFUNDED"
)

var (
	// ErrNotFound indicates no payment matches the given identifier or reference.
	ErrNotFound = errors.New("payment: not found")
	// ErrInvalidBookingState indicates the booking cannot accept a payment.
	ErrInvalidBookingState = errors.New("payment: booking not payable")
	// ErrNotRefundable indicates the payment is not in a refundable state.
	ErrNotRefundable = errors.New("payment: not refundable")
	// ErrRefundExceedsAmount indicates the requested refund would exceed the
	// captured amount net of prior refunds.
	ErrRefundExceedsAmount = errors.New("payment: refund exceeds captured amount")
)

// Payment is the persisted record of a single collection attempt against a
// provider. Reference is globally unique and is the only key inbound webhooks
// are matched on.
type Payment struct {
	ID            string
	BookingID     string
	GroupID       string
	Provider      provider.ID
	Reference     string
	Method        string
	AmountMinor   int64
	Currency      string
	Status        Status
	CheckoutURL   string
	CustomerEmail string
	ExpiresAt     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Open reports whether the payment can still be settled by a webhook.
func (p Payment) Open() bool { return p.Status == StatusInitiated }

// Reusable reports whether an existing intent can be handed back to the
// caller instead of opening a new one.
func (p Payment) Reusable(now time.Time) bool {
	return p.Status == StatusInitiated && now.Before(p.ExpiresAt)
}

// Refund is the persisted record of a refund attempt.
type Refund struct {
	ID               string
	PaymentID        string
	ProviderRefundID string
	AmountMinor      int64
	Status           provider.RefundStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Event is the immutable audit row written for every webhook applied, or
// attempted, against a payment.
type Event struct {
	ID          string
	PaymentID   string
	Reference   string
	Provider    provider.ID
	Type        provider.EventType
	AmountMinor int64
	Currency    string
	Applied     bool
	Raw         []byte
	CreatedAt   time.Time
}
