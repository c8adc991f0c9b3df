// Package booking defines the boundary to the marketplace's booking record
// store. The payments subsystem consumes bookings; it does not own them.
package booking

import (
	"context"
	"errors"
)

// Status enumerates booking lifecycle states consumed by this subsystem.
type Status string

const (
	StatusDraft          Status = "draft"
	StatusPendingPayment Status = "pending_payment"
	StatusConfirmed      Status = "confirmed"
	StatusCancelled      Status = "cancelled"
	StatusCompleted      Status = "completed"
)

// ErrNotFound indicates the booking does not exist.
var ErrNotFound = errors.New("booking: not found")

// Booking is the subset of the booking record this subsystem reads.
type Booking struct {
	ID          string
	Status      Status
	TotalMinor  int64
	Currency    string
	CountryCode string
	Group       bool
}

// Payable reports whether a new payment may be opened against the booking.
func (b Booking) Payable() bool {
	return b.Status == StatusDraft || b.Status == StatusPendingPayment
}

// Store is the record-store contract the orchestrators depend on.
type Store interface {
	Get(ctx context.Context, id string) (Booking, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	// CompareAndSwapStatus transitions the booking only when its current
	// status is one of from. It reports whether the swap happened.
	CompareAndSwapStatus(ctx context.Context, id string, from []Status, to Status) (bool, error)
}
