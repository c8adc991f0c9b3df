package split

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/backend-stays/internal/booking"
	"github.com/noah-isme/backend-stays/internal/obs"
	"github.com/noah-isme/backend-stays/internal/payment"
)

// GroupStore is the persistence contract for groups and contributions.
type GroupStore interface {
	InsertGroup(ctx context.Context, g Group) (Group, error)
	GetGroup(ctx context.Context, id string) (Group, error)
	SettleGroup(ctx context.Context, id string, to GroupStatus) (bool, error)
	ListCollecting(ctx context.Context, limit int) ([]string, error)
	InsertContribution(ctx context.Context, c Contribution) (Contribution, error)
	UpdateContributionStatus(ctx context.Context, id string, status ContributionStatus) error
	AttachPayment(ctx context.Context, contributionID, paymentID string) error
	ListContributions(ctx context.Context, groupID string) ([]Contribution, error)
}

// PaymentStore reads the payments opened under a group.
type PaymentStore interface {
	ListByGroup(ctx context.Context, groupID string) ([]payment.Payment, error)
}

// PaymentOpener opens contributor payments and issues compensating refunds.
// Implemented by the payment orchestrator.
type PaymentOpener interface {
	OpenForGroup(ctx context.Context, b booking.Booking, groupID, payerEmail string, amountMinor int64) (payment.Payment, error)
	Refund(ctx context.Context, paymentID string, amountMinor int64) (payment.Refund, error)
}

// Service orchestrates split payments: fanning out contributor intents and
// settling the group all-or-nothing.
type Service struct {
	Groups      GroupStore
	Payments    PaymentStore
	Opener      PaymentOpener
	Bookings    booking.Store
	FanoutLimit int
	Logger      zerolog.Logger

	tracer trace.Tracer
}

// NewService wires a split orchestrator.
func NewService(groups GroupStore, payments PaymentStore, opener PaymentOpener, bookings booking.Store, fanoutLimit int, logger zerolog.Logger) *Service {
	if fanoutLimit <= 0 {
		fanoutLimit = 8
	}
	return &Service{
		Groups:      groups,
		Payments:    payments,
		Opener:      opener,
		Bookings:    bookings,
		FanoutLimit: fanoutLimit,
		Logger:      logger,
		tracer:      otel.Tracer("split"),
	}
}

// ShareOutcome reports one contributor's intent after fan-out.
type ShareOutcome struct {
	Contribution Contribution
	Payment      payment.Payment
	Err          error
}

// CreateGroupResult is the fan-out outcome. Failed shares carry their error;
// the group stays collecting so the failed contributors can be retried.
type CreateGroupResult struct {
	Group  Group
	Shares []ShareOutcome
}

// CreateGroup validates the shares against the booking total, persists the
// group and opens one payment intent per contributor. Intents are opened
// concurrently with bounded parallelism; one contributor's provider failure
// does not abort the others.
func (s *Service) CreateGroup(ctx context.Context, bookingID string, shares []Share) (CreateGroupResult, error) {
	ctx, span := s.tracer.Start(ctx, "split.create_group",
		trace.WithAttributes(attribute.String("booking.id", bookingID)))
	defer span.End()

	if len(shares) == 0 {
		return CreateGroupResult{}, ErrNoShares
	}
	b, err := s.Bookings.Get(ctx, bookingID)
	if err != nil {
		return CreateGroupResult{}, err
	}
	if !b.Payable() || !b.Group {
		return CreateGroupResult{}, fmt.Errorf("%w: booking %s is %s", payment.ErrInvalidBookingState, b.ID, b.Status)
	}
	var sum int64
	for _, sh := range shares {
		if sh.AmountMinor <= 0 || sh.PayerEmail == "" {
			return CreateGroupResult{}, fmt.Errorf("%w: each share needs a payer and a positive amount", ErrNoShares)
		}
		sum += sh.AmountMinor
	}
	if sum != b.TotalMinor {
		return CreateGroupResult{}, fmt.Errorf("%w: shares sum %d, booking total %d", ErrSharesMismatch, sum, b.TotalMinor)
	}

	g, err := s.Groups.InsertGroup(ctx, Group{
		BookingID:  b.ID,
		Status:     GroupCollecting,
		TotalMinor: b.TotalMinor,
		Currency:   b.Currency,
	})
	if err != nil {
		return CreateGroupResult{}, err
	}
	if _, err := s.Bookings.CompareAndSwapStatus(ctx, b.ID,
		[]booking.Status{booking.StatusDraft}, booking.StatusPendingPayment); err != nil {
		s.Logger.Error().Err(err).Str("booking_id", b.ID).Msg("mark booking pending_payment")
	}

	outcomes := make([]ShareOutcome, len(shares))
	sem := make(chan struct{}, s.FanoutLimit)
	var wg sync.WaitGroup
	for i, sh := range shares {
		wg.Add(1)
		go func(i int, sh Share) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[i] = s.openShare(ctx, b, g.ID, sh)
		}(i, sh)
	}
	wg.Wait()

	opened := 0
	for _, o := range outcomes {
		if o.Err == nil {
			opened++
		}
	}
	span.SetAttributes(
		attribute.String("group.id", g.ID),
		attribute.Int("shares.total", len(shares)),
		attribute.Int("shares.opened", opened))
	s.Logger.Info().
		Str("group_id", g.ID).
		Str("booking_id", b.ID).
		Int("shares", len(shares)).
		Int("opened", opened).
		Msg("split group created")
	return CreateGroupResult{Group: g, Shares: outcomes}, nil
}

// openShare opens one contributor's intent and persists their contribution
// row. The row is written even when the intent fails so the group's share
// ledger always covers the full total; a payment-less PENDING row is picked
// up by RetryShare.
func (s *Service) openShare(ctx context.Context, b booking.Booking, groupID string, sh Share) ShareOutcome {
	p, openErr := s.Opener.OpenForGroup(ctx, b, groupID, sh.PayerEmail, sh.AmountMinor)
	if openErr != nil {
		s.Logger.Warn().Err(openErr).
			Str("group_id", groupID).
			Str("payer", sh.PayerEmail).
			Msg("contributor intent failed")
	}
	c, err := s.Groups.InsertContribution(ctx, Contribution{
		GroupID:     groupID,
		PayerEmail:  sh.PayerEmail,
		PaymentID:   p.ID,
		AmountMinor: sh.AmountMinor,
		Status:      ContributionPending,
	})
	if err != nil {
		return ShareOutcome{Payment: p, Err: err}
	}
	return ShareOutcome{Contribution: c, Payment: p, Err: openErr}
}

// RetryShare reopens the intent for a share whose original fan-out attempt
// failed. Only payment-less PENDING shares of a still-collecting group
// qualify.
func (s *Service) RetryShare(ctx context.Context, groupID, contributionID string) (ShareOutcome, error) {
	g, err := s.Groups.GetGroup(ctx, groupID)
	if err != nil {
		return ShareOutcome{}, err
	}
	if g.Settled() {
		return ShareOutcome{}, fmt.Errorf("%w: group is %s", ErrShareNotRetryable, g.Status)
	}
	contributions, err := s.Groups.ListContributions(ctx, groupID)
	if err != nil {
		return ShareOutcome{}, err
	}
	var target Contribution
	found := false
	for _, c := range contributions {
		if c.ID == contributionID {
			target, found = c, true
			break
		}
	}
	if !found {
		return ShareOutcome{}, ErrNotFound
	}
	if !target.Collectable() {
		if target.PaymentID != "" {
			return ShareOutcome{}, fmt.Errorf("%w: share already has an open payment", ErrShareNotRetryable)
		}
		return ShareOutcome{}, fmt.Errorf("%w: share is %s", ErrShareNotRetryable, target.Status)
	}
	b, err := s.Bookings.Get(ctx, g.BookingID)
	if err != nil {
		return ShareOutcome{}, err
	}
	p, err := s.Opener.OpenForGroup(ctx, b, g.ID, target.PayerEmail, target.AmountMinor)
	if err != nil {
		return ShareOutcome{}, err
	}
	if err := s.Groups.AttachPayment(ctx, target.ID, p.ID); err != nil {
		return ShareOutcome{}, err
	}
	target.PaymentID = p.ID
	s.Logger.Info().
		Str("group_id", g.ID).
		Str("contribution_id", target.ID).
		Str("payment_id", p.ID).
		Msg("share intent reopened")
	return ShareOutcome{Contribution: target, Payment: p}, nil
}

// Reconcile re-evaluates a group's settlement from the full contribution
// ledger. Each share's status is refreshed from its underlying payment, then
// the group settles: every share captured and the captured sum covering the
// group total confirms the booking; any terminal failure cancels the group
// and refunds every contributor already captured. Shares still pending, with
// or without an open payment, leave the group collecting. Safe to call
// concurrently and repeatedly: the group row's single collecting-to-terminal
// swap elects one winner.
func (s *Service) Reconcile(ctx context.Context, groupID string) error {
	ctx, span := s.tracer.Start(ctx, "split.reconcile",
		trace.WithAttributes(attribute.String("group.id", groupID)))
	defer span.End()

	g, err := s.Groups.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if g.Settled() {
		return nil
	}
	contributions, err := s.Groups.ListContributions(ctx, groupID)
	if err != nil {
		return err
	}
	payments, err := s.Payments.ListByGroup(ctx, groupID)
	if err != nil {
		return err
	}
	byID := make(map[string]payment.Payment, len(payments))
	for _, p := range payments {
		byID[p.ID] = p
	}

	captured, failed := 0, 0
	var collected int64
	for i, c := range contributions {
		next := shareStatus(c, byID)
		if next != c.Status {
			if err := s.Groups.UpdateContributionStatus(ctx, c.ID, next); err != nil {
				return err
			}
			contributions[i].Status = next
		}
		switch next {
		case ContributionCaptured:
			captured++
			collected += c.AmountMinor
		case ContributionFailed, ContributionRefunded:
			failed++
		}
	}

	switch {
	case failed > 0:
		return s.cancel(ctx, g, payments)
	case len(contributions) > 0 && captured == len(contributions) && collected == g.TotalMinor:
		return s.confirm(ctx, g)
	default:
		return nil
	}
}

// shareStatus derives a contribution's status from its linked payment. A
// share with no payment keeps its current status.
func shareStatus(c Contribution, payments map[string]payment.Payment) ContributionStatus {
	p, ok := payments[c.PaymentID]
	if c.PaymentID == "" || !ok {
		return c.Status
	}
	switch p.Status {
	case payment.StatusConfirmed:
		return ContributionCaptured
	case payment.StatusFailed:
		return ContributionFailed
	case payment.StatusRefunded:
		return ContributionRefunded
	default:
		return ContributionPending
	}
}

func (s *Service) confirm(ctx context.Context, g Group) error {
	swapped, err := s.Groups.SettleGroup(ctx, g.ID, GroupConfirmed)
	if err != nil {
		return err
	}
	if !swapped {
		return nil
	}
	if _, err := s.Bookings.CompareAndSwapStatus(ctx, g.BookingID,
		[]booking.Status{booking.StatusDraft, booking.StatusPendingPayment}, booking.StatusConfirmed); err != nil {
		return err
	}
	s.countSettlement("confirmed")
	s.Logger.Info().Str("group_id", g.ID).Str("booking_id", g.BookingID).Msg("split group confirmed")
	return nil
}

func (s *Service) cancel(ctx context.Context, g Group, payments []payment.Payment) error {
	swapped, err := s.Groups.SettleGroup(ctx, g.ID, GroupCancelled)
	if err != nil {
		return err
	}
	if !swapped {
		return nil
	}
	if _, err := s.Bookings.CompareAndSwapStatus(ctx, g.BookingID,
		[]booking.Status{booking.StatusDraft, booking.StatusPendingPayment}, booking.StatusCancelled); err != nil {
		return err
	}
	// Compensate contributors who already paid. Refund failures are logged
	// and retried by the sweep-driven reconcile of still-open refund rows.
	for _, p := range payments {
		if p.Status != payment.StatusConfirmed {
			continue
		}
		if _, err := s.Opener.Refund(ctx, p.ID, 0); err != nil {
			s.Logger.Error().Err(err).
				Str("group_id", g.ID).
				Str("payment_id", p.ID).
				Msg("compensating refund failed")
		}
	}
	s.countSettlement("cancelled")
	s.Logger.Info().Str("group_id", g.ID).Str("booking_id", g.BookingID).Msg("split group cancelled")
	return nil
}

// GroupDetail is the consolidated view of one group.
type GroupDetail struct {
	Group         Group
	Contributions []Contribution
	Payments      []payment.Payment
}

// Status returns the group with its contributions and payments.
func (s *Service) Status(ctx context.Context, groupID string) (GroupDetail, error) {
	g, err := s.Groups.GetGroup(ctx, groupID)
	if err != nil {
		return GroupDetail{}, err
	}
	contributions, err := s.Groups.ListContributions(ctx, groupID)
	if err != nil {
		return GroupDetail{}, err
	}
	payments, err := s.Payments.ListByGroup(ctx, groupID)
	if err != nil {
		return GroupDetail{}, err
	}
	return GroupDetail{Group: g, Contributions: contributions, Payments: payments}, nil
}

// Sweep reconciles every group still collecting, up to limit. Backstop for
// reconcile enqueues lost at webhook time.
func (s *Service) Sweep(ctx context.Context, limit int) error {
	ids, err := s.Groups.ListCollecting(ctx, limit)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.Reconcile(ctx, id); err != nil {
			s.Logger.Error().Err(err).Str("group_id", id).Msg("sweep reconcile")
		}
	}
	return nil
}

func (s *Service) countSettlement(result string) {
	if obs.SplitSettlementTotal != nil {
		obs.SplitSettlementTotal.WithLabelValues(result).Inc()
	}
}
