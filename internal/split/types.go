// Package split orchestrates group payments: several contributors each pay a
// share of one booking, and the booking settles all-or-nothing.
package split

import (
	"errors"
	"time"
)

// GroupStatus enumerates split-group lifecycle states. A group leaves
// collecting exactly once.
type GroupStatus string

const (
	GroupCollecting GroupStatus = "collecting"
	GroupConfirmed  GroupStatus = "confirmed"
	GroupCancelled  GroupStatus = "cancelled"
)

var (
	// ErrNotFound indicates the group does not exist.
	ErrNotFound = errors.New("split: group not found")
	// ErrSharesMismatch indicates the contribution shares do not sum to the
	// booking total.
	ErrSharesMismatch = errors.New("split: shares do not sum to booking total")
	// ErrNoShares indicates an empty contributor list.
	ErrNoShares = errors.New("split: at least one share required")
	// ErrShareNotRetryable indicates the contribution cannot be reopened.
	ErrShareNotRetryable = errors.New("split: share is not retryable")
)

// Group is the persisted split-payment container for one booking.
type Group struct {
	ID         string
	BookingID  string
	Status     GroupStatus
	TotalMinor int64
	Currency   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Settled reports whether the group reached a terminal state.
func (g Group) Settled() bool {
	return g.Status == GroupConfirmed || g.Status == GroupCancelled
}

// ContributionStatus enumerates one share's collection lifecycle.
type ContributionStatus string

const (
	ContributionPending    ContributionStatus = "PENDING"
	ContributionAuthorized ContributionStatus = "AUTHORIZED"
	ContributionCaptured   ContributionStatus = "CAPTURED"
	ContributionFailed     ContributionStatus = "FAILED"
	ContributionRefunded   ContributionStatus = "REFUNDED"
)

// Contribution is one contributor's share of a group. Every requested share
// gets a row, whether or not its intent opened; PaymentID links the share to
// the payment collecting it and stays empty until one is open.
type Contribution struct {
	ID          string
	GroupID     string
	PayerEmail  string
	PaymentID   string
	AmountMinor int64
	Status      ContributionStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Collectable reports whether the share can still be (re)collected.
func (c Contribution) Collectable() bool {
	return c.Status == ContributionPending && c.PaymentID == ""
}

// Share is a requested contribution at group creation time.
type Share struct {
	PayerEmail  string
	AmountMinor int64
}
