package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/backend-stays/internal/booking"
	"github.com/noah-isme/backend-stays/internal/lock"
	"github.com/noah-isme/backend-stays/internal/obs"
	"github.com/noah-isme/backend-stays/internal/provider"
)

// Store is the persistence contract the orchestrator depends on.
type Store interface {
	Insert(ctx context.Context, p Payment) (Payment, error)
	GetByID(ctx context.Context, id string) (Payment, error)
	GetByReference(ctx context.Context, reference string) (Payment, error)
	FindReusable(ctx context.Context, bookingID string, now time.Time) (Payment, error)
	ListByBooking(ctx context.Context, bookingID string) ([]Payment, error)
	Transition(ctx context.Context, reference string, to Status, ev Event) (Payment, bool, error)
	RecordEvent(ctx context.Context, ev Event) error
	ListEvents(ctx context.Context, paymentID string) ([]Event, error)
	ExpireStale(ctx context.Context, now time.Time, limit int) ([]string, error)
	InsertRefund(ctx context.Context, rf Refund) (Refund, error)
	SettleRefunds(ctx context.Context, paymentID string, status provider.RefundStatus) error
	SumRefunded(ctx context.Context, paymentID string) (int64, error)
	ListRefunds(ctx context.Context, paymentID string) ([]Refund, error)
}

// Service orchestrates payment creation, webhook application and refunds.
type Service struct {
	Store    Store
	Bookings booking.Store
	Registry *provider.Registry
	Locker   lock.Locker
	LockTTL  time.Duration
	Logger   zerolog.Logger
	Now      func() time.Time

	tracer trace.Tracer
}

// NewService wires a payment orchestrator.
func NewService(store Store, bookings booking.Store, registry *provider.Registry, locker lock.Locker, lockTTL time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		Store:    store,
		Bookings: bookings,
		Registry: registry,
		Locker:   locker,
		LockTTL:  lockTTL,
		Logger:   logger,
		Now:      time.Now,
		tracer:   otel.Tracer("payment"),
	}
}

// CreateRequest carries the caller's intent-creation parameters. Provider is
// optional; when empty the registry picks by booking country and preferences.
type CreateRequest struct {
	BookingID     string
	Provider      provider.ID
	Method        string
	CustomerEmail string
	Metadata      map[string]string
}

// CreateResult reports the opened (or reused) intent.
type CreateResult struct {
	Payment Payment
	Reused  bool
}

// Create opens a payment intent for a booking. An open, unexpired intent for
// the same booking is handed back instead of opening a second session with
// the provider. Group bookings settle through the split orchestrator, never
// through a single direct payment.
func (s *Service) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	ctx, span := s.tracer.Start(ctx, "payment.create",
		trace.WithAttributes(attribute.String("booking.id", req.BookingID)))
	defer span.End()

	b, err := s.Bookings.Get(ctx, req.BookingID)
	if err != nil {
		return CreateResult{}, err
	}
	if !b.Payable() || b.Group {
		return CreateResult{}, fmt.Errorf("%w: booking %s is %s", ErrInvalidBookingState, b.ID, b.Status)
	}

	if existing, err := s.Store.FindReusable(ctx, b.ID, s.now()); err == nil {
		s.countIntent(existing.Provider, existing.Method, "reused")
		return CreateResult{Payment: existing, Reused: true}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return CreateResult{}, err
	}

	adapter, err := s.pickAdapter(b, req)
	if err != nil {
		return CreateResult{}, err
	}

	intent, err := adapter.CreateIntent(ctx, provider.IntentRequest{
		AmountMinor:   b.TotalMinor,
		Currency:      b.Currency,
		CustomerEmail: req.CustomerEmail,
		Metadata:      req.Metadata,
	})
	if err != nil {
		s.countIntent(adapter.ID(), req.Method, intentResult(err))
		return CreateResult{}, err
	}

	p, err := s.Store.Insert(ctx, Payment{
		BookingID:     b.ID,
		Provider:      adapter.ID(),
		Reference:     intent.Reference,
		Method:        req.Method,
		AmountMinor:   intent.AmountMinor,
		Currency:      intent.Currency,
		Status:        StatusInitiated,
		CheckoutURL:   intent.CheckoutURL,
		CustomerEmail: req.CustomerEmail,
		ExpiresAt:     intent.ExpiresAt,
	})
	if err != nil {
		return CreateResult{}, err
	}

	if _, err := s.Bookings.CompareAndSwapStatus(ctx, b.ID,
		[]booking.Status{booking.StatusDraft}, booking.StatusPendingPayment); err != nil {
		s.Logger.Error().Err(err).Str("booking_id", b.ID).Msg("mark booking pending_payment")
	}

	span.SetAttributes(attribute.String("payment.reference", p.Reference))
	s.countIntent(p.Provider, p.Method, "created")
	s.Logger.Info().
		Str("payment_id", p.ID).
		Str("reference", p.Reference).
		Str("provider", string(p.Provider)).
		Int64("amount_minor", p.AmountMinor).
		Msg("payment intent created")
	return CreateResult{Payment: p}, nil
}

// OpenForGroup opens one contributor's payment under a split group. Reuse is
// deliberately skipped: each contributor needs their own reference.
func (s *Service) OpenForGroup(ctx context.Context, b booking.Booking, groupID, payerEmail string, amountMinor int64) (Payment, error) {
	adapter, err := s.Registry.ForCountry(b.CountryCode)
	if err != nil {
		return Payment{}, err
	}
	intent, err := adapter.CreateIntent(ctx, provider.IntentRequest{
		AmountMinor:   amountMinor,
		Currency:      b.Currency,
		CustomerEmail: payerEmail,
		Metadata:      map[string]string{"group_id": groupID},
	})
	if err != nil {
		s.countIntent(adapter.ID(), "", intentResult(err))
		return Payment{}, err
	}
	p, err := s.Store.Insert(ctx, Payment{
		BookingID:     b.ID,
		GroupID:       groupID,
		Provider:      adapter.ID(),
		Reference:     intent.Reference,
		AmountMinor:   intent.AmountMinor,
		Currency:      intent.Currency,
		Status:        StatusInitiated,
		CheckoutURL:   intent.CheckoutURL,
		CustomerEmail: payerEmail,
		ExpiresAt:     intent.ExpiresAt,
	})
	if err != nil {
		return Payment{}, err
	}
	s.countIntent(p.Provider, "", "created")
	return p, nil
}

// Detail is a payment with its audit trail and refund history.
type Detail struct {
	Payment Payment
	Events  []Event
	Refunds []Refund
}

// Get returns a payment with its events and refunds.
func (s *Service) Get(ctx context.Context, id string) (Detail, error) {
	p, err := s.Store.GetByID(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	events, err := s.Store.ListEvents(ctx, p.ID)
	if err != nil {
		return Detail{}, err
	}
	refunds, err := s.Store.ListRefunds(ctx, p.ID)
	if err != nil {
		return Detail{}, err
	}
	return Detail{Payment: p, Events: events, Refunds: refunds}, nil
}

// BookingStatus is the consolidated payment view of one booking.
type BookingStatus struct {
	Booking  booking.Booking
	Payments []Payment
}

// StatusForBooking returns the booking together with every payment opened
// against it.
func (s *Service) StatusForBooking(ctx context.Context, bookingID string) (BookingStatus, error) {
	b, err := s.Bookings.Get(ctx, bookingID)
	if err != nil {
		return BookingStatus{}, err
	}
	payments, err := s.Store.ListByBooking(ctx, bookingID)
	if err != nil {
		return BookingStatus{}, err
	}
	return BookingStatus{Booking: b, Payments: payments}, nil
}

// Refund requests a refund against a confirmed payment. amountMinor of zero
// refunds the remaining captured balance. Over-subscription is rejected
// before the provider is called.
func (s *Service) Refund(ctx context.Context, paymentID string, amountMinor int64) (Refund, error) {
	ctx, span := s.tracer.Start(ctx, "payment.refund",
		trace.WithAttributes(attribute.String("payment.id", paymentID)))
	defer span.End()

	p, err := s.Store.GetByID(ctx, paymentID)
	if err != nil {
		return Refund{}, err
	}
	if p.Status != StatusConfirmed {
		return Refund{}, fmt.Errorf("%w: payment is %s", ErrNotRefundable, p.Status)
	}

	refunded, err := s.Store.SumRefunded(ctx, p.ID)
	if err != nil {
		return Refund{}, err
	}
	remaining := p.AmountMinor - refunded
	if amountMinor == 0 {
		amountMinor = remaining
	}
	if amountMinor <= 0 || amountMinor > remaining {
		return Refund{}, fmt.Errorf("%w: requested %d, remaining %d", ErrRefundExceedsAmount, amountMinor, remaining)
	}

	adapter, err := s.Registry.Adapter(p.Provider)
	if err != nil {
		return Refund{}, err
	}
	result, err := adapter.Refund(ctx, p.Reference, amountMinor)
	if err != nil {
		s.countRefund(p.Provider, "unavailable")
		return Refund{}, err
	}

	rf, err := s.Store.InsertRefund(ctx, Refund{
		PaymentID:        p.ID,
		ProviderRefundID: result.ProviderRefundID,
		AmountMinor:      amountMinor,
		Status:           result.Status,
	})
	if err != nil {
		return Refund{}, err
	}
	s.countRefund(p.Provider, string(result.Status))

	// A synchronously completed full refund settles the payment without
	// waiting for a webhook.
	if result.Status == provider.RefundCompleted && refunded+amountMinor >= p.AmountMinor {
		if _, _, err := s.Store.Transition(ctx, p.Reference, StatusRefunded, Event{
			Reference: p.Reference,
			Provider:  p.Provider,
			Type:      provider.EventRefundSuccess,
		}); err != nil {
			s.Logger.Error().Err(err).Str("reference", p.Reference).Msg("mark payment refunded")
		}
	}

	s.Logger.Info().
		Str("payment_id", p.ID).
		Str("refund_id", rf.ID).
		Int64("amount_minor", amountMinor).
		Str("status", string(rf.Status)).
		Msg("refund requested")
	return rf, nil
}

// Outcome reports the effect of applying a verified webhook event.
type Outcome struct {
	Payment      Payment
	Transitioned bool
	// NeedsReconcile is set when the payment belongs to a split group whose
	// settlement should be re-evaluated.
	NeedsReconcile bool
}

// ApplyEvent applies a verified webhook event to the payment it references.
// Concurrent deliveries for the same reference serialize on a per-reference
// lock; duplicates and out-of-order events fall through the status guard and
// are recorded as unapplied audit rows.
func (s *Service) ApplyEvent(ctx context.Context, ev provider.VerifiedEvent) (Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "payment.apply_event",
		trace.WithAttributes(
			attribute.String("payment.reference", ev.Reference),
			attribute.String("event.type", string(ev.Type))))
	defer span.End()

	var out Outcome
	err := s.Locker.WithLock(ctx, lock.ReferenceKey(ev.Reference), s.LockTTL, func(ctx context.Context) error {
		var err error
		out, err = s.applyLocked(ctx, ev)
		return err
	})
	return out, err
}

func (s *Service) applyLocked(ctx context.Context, ev provider.VerifiedEvent) (Outcome, error) {
	target, drives := StatusForEvent(ev.Type)
	if !drives {
		p, err := s.Store.GetByReference(ctx, ev.Reference)
		if err != nil {
			return Outcome{}, err
		}
		if err := s.Store.RecordEvent(ctx, Event{
			PaymentID:   p.ID,
			Reference:   ev.Reference,
			Provider:    ev.Provider,
			Type:        ev.Type,
			AmountMinor: ev.AmountMinor,
			Currency:    ev.Currency,
			Raw:         ev.Raw,
		}); err != nil {
			return Outcome{}, err
		}
		if ev.Type == provider.EventRefundFailed {
			if err := s.Store.SettleRefunds(ctx, p.ID, provider.RefundFailed); err != nil {
				return Outcome{}, err
			}
		}
		return Outcome{Payment: p}, nil
	}

	if ev.Type == provider.EventRefundSuccess {
		covered, p, err := s.settleRefundEvent(ctx, ev)
		if err != nil {
			return Outcome{}, err
		}
		if !covered {
			return Outcome{Payment: p}, nil
		}
	}

	p, transitioned, err := s.Store.Transition(ctx, ev.Reference, target, Event{
		Reference:   ev.Reference,
		Provider:    ev.Provider,
		Type:        ev.Type,
		AmountMinor: ev.AmountMinor,
		Currency:    ev.Currency,
		Raw:         ev.Raw,
	})
	if err != nil {
		return Outcome{}, err
	}
	if !transitioned {
		s.Logger.Info().
			Str("reference", ev.Reference).
			Str("event", string(ev.Type)).
			Str("status", string(p.Status)).
			Msg("event not applicable, recorded only")
		return Outcome{Payment: p}, nil
	}

	if p.GroupID != "" {
		return Outcome{Payment: p, Transitioned: true, NeedsReconcile: true}, nil
	}

	if err := s.settleBooking(ctx, p, target); err != nil {
		return Outcome{}, err
	}
	return Outcome{Payment: p, Transitioned: true}, nil
}

// settleRefundEvent resolves pending refund rows for the referenced payment
// and reports whether refunded money now covers the captured amount. The
// payment flips to REFUNDED only at full coverage; a partial refund settling
// asynchronously leaves it CONFIRMED with the event recorded for audit.
func (s *Service) settleRefundEvent(ctx context.Context, ev provider.VerifiedEvent) (bool, Payment, error) {
	p, err := s.Store.GetByReference(ctx, ev.Reference)
	if err != nil {
		return false, Payment{}, err
	}
	if err := s.Store.SettleRefunds(ctx, p.ID, provider.RefundCompleted); err != nil {
		return false, Payment{}, err
	}
	refunded, err := s.Store.SumRefunded(ctx, p.ID)
	if err != nil {
		return false, Payment{}, err
	}
	if refunded >= p.AmountMinor {
		return true, p, nil
	}
	if err := s.Store.RecordEvent(ctx, Event{
		PaymentID:   p.ID,
		Reference:   ev.Reference,
		Provider:    ev.Provider,
		Type:        ev.Type,
		AmountMinor: ev.AmountMinor,
		Currency:    ev.Currency,
		Raw:         ev.Raw,
	}); err != nil {
		return false, Payment{}, err
	}
	s.Logger.Info().
		Str("reference", ev.Reference).
		Int64("refunded_minor", refunded).
		Int64("amount_minor", p.AmountMinor).
		Msg("partial refund settled, payment remains confirmed")
	return false, p, nil
}

// settleBooking reflects a direct (non-group) payment outcome on the booking.
// A failed payment leaves the booking pending so the customer can retry.
func (s *Service) settleBooking(ctx context.Context, p Payment, target Status) error {
	switch target {
	case StatusConfirmed:
		_, err := s.Bookings.CompareAndSwapStatus(ctx, p.BookingID,
			[]booking.Status{booking.StatusDraft, booking.StatusPendingPayment}, booking.StatusConfirmed)
		return err
	case StatusRefunded:
		_, err := s.Bookings.CompareAndSwapStatus(ctx, p.BookingID,
			[]booking.Status{booking.StatusConfirmed}, booking.StatusCancelled)
		return err
	default:
		return nil
	}
}

// ExpireStale fails open intents past their deadline. It returns the touched
// references; group references need reconciliation afterwards.
func (s *Service) ExpireStale(ctx context.Context, limit int) ([]string, error) {
	refs, err := s.Store.ExpireStale(ctx, s.now(), limit)
	if err != nil {
		return nil, err
	}
	if len(refs) > 0 {
		s.Logger.Info().Int("count", len(refs)).Msg("expired stale payment intents")
	}
	return refs, nil
}

func (s *Service) pickAdapter(b booking.Booking, req CreateRequest) (provider.Adapter, error) {
	if req.Provider != "" {
		adapter, err := s.Registry.Adapter(req.Provider)
		if err != nil {
			return nil, err
		}
		if !adapter.SupportsCountry(b.CountryCode) {
			return nil, fmt.Errorf("%w: %s does not serve %s", provider.ErrUnsupported, req.Provider, b.CountryCode)
		}
		return adapter, nil
	}
	return s.Registry.Best(b.CountryCode, req.Method, "")
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) countIntent(id provider.ID, method, result string) {
	if obs.PaymentIntentTotal != nil {
		obs.PaymentIntentTotal.WithLabelValues(string(id), method, result).Inc()
	}
}

func (s *Service) countRefund(id provider.ID, result string) {
	if obs.RefundTotal != nil {
		obs.RefundTotal.WithLabelValues(string(id), result).Inc()
	}
}

func intentResult(err error) string {
	if errors.Is(err, provider.ErrRejected) {
		return "rejected"
	}
	return "unavailable"
}
