package split

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-stays/internal/booking"
	"github.com/noah-isme/backend-stays/internal/payment"
)

type memGroups struct {
	mu            sync.Mutex
	groups        map[string]Group
	contributions map[string][]Contribution
	nextID        int
}

func newMemGroups() *memGroups {
	return &memGroups{groups: make(map[string]Group), contributions: make(map[string][]Contribution)}
}

func (m *memGroups) InsertGroup(_ context.Context, g Group) (Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	g.ID = fmt.Sprintf("grp-%d", m.nextID)
	m.groups[g.ID] = g
	return g, nil
}

func (m *memGroups) GetGroup(_ context.Context, id string) (Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return Group{}, ErrNotFound
	}
	return g, nil
}

func (m *memGroups) SettleGroup(_ context.Context, id string, to GroupStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok || g.Status != GroupCollecting {
		return false, nil
	}
	g.Status = to
	m.groups[id] = g
	return true, nil
}

func (m *memGroups) ListCollecting(_ context.Context, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, g := range m.groups {
		if g.Status == GroupCollecting && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memGroups) InsertContribution(_ context.Context, c Contribution) (Contribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c.ID = fmt.Sprintf("con-%d", m.nextID)
	m.contributions[c.GroupID] = append(m.contributions[c.GroupID], c)
	return c, nil
}

func (m *memGroups) UpdateContributionStatus(_ context.Context, id string, status ContributionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for gid, cs := range m.contributions {
		for i, c := range cs {
			if c.ID == id {
				m.contributions[gid][i].Status = status
				return nil
			}
		}
	}
	return ErrNotFound
}

func (m *memGroups) AttachPayment(_ context.Context, contributionID, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for gid, cs := range m.contributions {
		for i, c := range cs {
			if c.ID == contributionID {
				m.contributions[gid][i].PaymentID = paymentID
				return nil
			}
		}
	}
	return ErrNotFound
}

func (m *memGroups) ListContributions(_ context.Context, groupID string) ([]Contribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Contribution, len(m.contributions[groupID]))
	copy(out, m.contributions[groupID])
	return out, nil
}

type memPayments struct {
	mu       sync.Mutex
	payments map[string][]payment.Payment
}

func newMemPayments() *memPayments {
	return &memPayments{payments: make(map[string][]payment.Payment)}
}

func (m *memPayments) ListByGroup(_ context.Context, groupID string) ([]payment.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payments[groupID], nil
}

func (m *memPayments) add(p payment.Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.GroupID] = append(m.payments[p.GroupID], p)
}

func (m *memPayments) setStatus(groupID, paymentID string, status payment.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.payments[groupID] {
		if p.ID == paymentID {
			m.payments[groupID][i].Status = status
		}
	}
}

type fakeOpener struct {
	mu       sync.Mutex
	payments *memPayments
	nextID   int
	failFor  map[string]error
	refunded []string
}

func (f *fakeOpener) OpenForGroup(_ context.Context, b booking.Booking, groupID, payerEmail string, amountMinor int64) (payment.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failFor[payerEmail]; ok {
		return payment.Payment{}, err
	}
	f.nextID++
	p := payment.Payment{
		ID:          fmt.Sprintf("pay-%d", f.nextID),
		BookingID:   b.ID,
		GroupID:     groupID,
		Reference:   fmt.Sprintf("stays_ps_1_%06d", f.nextID),
		AmountMinor: amountMinor,
		Currency:    b.Currency,
		Status:      payment.StatusInitiated,
	}
	f.payments.add(p)
	return p, nil
}

func (f *fakeOpener) Refund(_ context.Context, paymentID string, _ int64) (payment.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunded = append(f.refunded, paymentID)
	return payment.Refund{PaymentID: paymentID}, nil
}

type memBookings struct {
	mu       sync.Mutex
	bookings map[string]booking.Booking
}

func newMemBookings(bs ...booking.Booking) *memBookings {
	m := &memBookings{bookings: make(map[string]booking.Booking)}
	for _, b := range bs {
		m.bookings[b.ID] = b
	}
	return m
}

func (m *memBookings) Get(_ context.Context, id string) (booking.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return booking.Booking{}, booking.ErrNotFound
	}
	return b, nil
}

func (m *memBookings) UpdateStatus(_ context.Context, id string, status booking.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bookings[id]
	b.Status = status
	m.bookings[id] = b
	return nil
}

func (m *memBookings) CompareAndSwapStatus(_ context.Context, id string, from []booking.Status, to booking.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return false, booking.ErrNotFound
	}
	for _, f := range from {
		if b.Status == f {
			b.Status = to
			m.bookings[id] = b
			return true, nil
		}
	}
	return false, nil
}

type fixture struct {
	groups   *memGroups
	payments *memPayments
	opener   *fakeOpener
	bookings *memBookings
	svc      *Service
}

func newFixture(failFor map[string]error) *fixture {
	payments := newMemPayments()
	opener := &fakeOpener{payments: payments, failFor: failFor}
	bookings := newMemBookings(booking.Booking{
		ID:          "b1",
		Status:      booking.StatusDraft,
		TotalMinor:  100000,
		Currency:    "NGN",
		CountryCode: "NG",
		Group:       true,
	})
	groups := newMemGroups()
	return &fixture{
		groups:   groups,
		payments: payments,
		opener:   opener,
		bookings: bookings,
		svc:      NewService(groups, payments, opener, bookings, 4, zerolog.Nop()),
	}
}

func twoShares() []Share {
	return []Share{
		{PayerEmail: "a@example.com", AmountMinor: 60000},
		{PayerEmail: "b@example.com", AmountMinor: 40000},
	}
}

func TestCreateGroupValidatesShares(t *testing.T) {
	f := newFixture(nil)

	_, err := f.svc.CreateGroup(context.Background(), "b1", nil)
	require.ErrorIs(t, err, ErrNoShares)

	_, err = f.svc.CreateGroup(context.Background(), "b1", []Share{
		{PayerEmail: "a@example.com", AmountMinor: 60000},
		{PayerEmail: "b@example.com", AmountMinor: 30000},
	})
	require.ErrorIs(t, err, ErrSharesMismatch)

	_, err = f.svc.CreateGroup(context.Background(), "b1", []Share{
		{PayerEmail: "", AmountMinor: 100000},
	})
	require.ErrorIs(t, err, ErrNoShares)
}

func TestCreateGroupRejectsNonGroupBooking(t *testing.T) {
	f := newFixture(nil)
	b := f.bookings.bookings["b1"]
	b.Group = false
	f.bookings.bookings["b1"] = b

	_, err := f.svc.CreateGroup(context.Background(), "b1", twoShares())
	require.ErrorIs(t, err, payment.ErrInvalidBookingState)
}

func TestCreateGroupFansOutAllShares(t *testing.T) {
	f := newFixture(nil)

	result, err := f.svc.CreateGroup(context.Background(), "b1", twoShares())
	require.NoError(t, err)
	require.Len(t, result.Shares, 2)
	for _, sh := range result.Shares {
		require.NoError(t, sh.Err)
		require.NotEmpty(t, sh.Payment.Reference)
		require.Equal(t, sh.Contribution.AmountMinor, sh.Payment.AmountMinor)
	}

	contributions, _ := f.groups.ListContributions(context.Background(), result.Group.ID)
	require.Len(t, contributions, 2)

	b, _ := f.bookings.Get(context.Background(), "b1")
	require.Equal(t, booking.StatusPendingPayment, b.Status)
}

func TestCreateGroupOneFailureDoesNotAbortOthers(t *testing.T) {
	f := newFixture(map[string]error{"b@example.com": errors.New("provider down")})

	result, err := f.svc.CreateGroup(context.Background(), "b1", twoShares())
	require.NoError(t, err)

	var opened, failed int
	for _, sh := range result.Shares {
		if sh.Err != nil {
			failed++
		} else {
			opened++
		}
	}
	require.Equal(t, 1, opened)
	require.Equal(t, 1, failed)

	// The failed share still gets a row so the ledger covers the full total.
	contributions, _ := f.groups.ListContributions(context.Background(), result.Group.ID)
	require.Len(t, contributions, 2)
	var collectable int
	for _, c := range contributions {
		require.Equal(t, ContributionPending, c.Status)
		if c.Collectable() {
			collectable++
		}
	}
	require.Equal(t, 1, collectable)

	g, _ := f.groups.GetGroup(context.Background(), result.Group.ID)
	require.Equal(t, GroupCollecting, g.Status)
}

func settleAll(f *fixture, groupID string, status payment.Status) {
	payments, _ := f.payments.ListByGroup(context.Background(), groupID)
	for _, p := range payments {
		f.payments.setStatus(groupID, p.ID, status)
	}
}

func TestReconcileAllConfirmedSettlesGroup(t *testing.T) {
	f := newFixture(nil)
	result, err := f.svc.CreateGroup(context.Background(), "b1", twoShares())
	require.NoError(t, err)
	settleAll(f, result.Group.ID, payment.StatusConfirmed)

	require.NoError(t, f.svc.Reconcile(context.Background(), result.Group.ID))

	g, _ := f.groups.GetGroup(context.Background(), result.Group.ID)
	require.Equal(t, GroupConfirmed, g.Status)
	b, _ := f.bookings.Get(context.Background(), "b1")
	require.Equal(t, booking.StatusConfirmed, b.Status)
	require.Empty(t, f.opener.refunded)

	contributions, _ := f.groups.ListContributions(context.Background(), result.Group.ID)
	for _, c := range contributions {
		require.Equal(t, ContributionCaptured, c.Status)
	}
}

func TestReconcileAnyFailedCancelsAndRefunds(t *testing.T) {
	f := newFixture(nil)
	result, err := f.svc.CreateGroup(context.Background(), "b1", twoShares())
	require.NoError(t, err)

	payments, _ := f.payments.ListByGroup(context.Background(), result.Group.ID)
	f.payments.setStatus(result.Group.ID, payments[0].ID, payment.StatusConfirmed)
	f.payments.setStatus(result.Group.ID, payments[1].ID, payment.StatusFailed)

	require.NoError(t, f.svc.Reconcile(context.Background(), result.Group.ID))

	g, _ := f.groups.GetGroup(context.Background(), result.Group.ID)
	require.Equal(t, GroupCancelled, g.Status)
	b, _ := f.bookings.Get(context.Background(), "b1")
	require.Equal(t, booking.StatusCancelled, b.Status)
	// Only the captured contribution is compensated.
	require.Equal(t, []string{payments[0].ID}, f.opener.refunded)

	contributions, _ := f.groups.ListContributions(context.Background(), result.Group.ID)
	for _, c := range contributions {
		switch c.PaymentID {
		case payments[0].ID:
			require.Equal(t, ContributionCaptured, c.Status)
		case payments[1].ID:
			require.Equal(t, ContributionFailed, c.Status)
		}
	}
}

func TestReconcilePendingContributionsLeaveGroupCollecting(t *testing.T) {
	f := newFixture(nil)
	result, err := f.svc.CreateGroup(context.Background(), "b1", twoShares())
	require.NoError(t, err)

	payments, _ := f.payments.ListByGroup(context.Background(), result.Group.ID)
	f.payments.setStatus(result.Group.ID, payments[0].ID, payment.StatusConfirmed)

	require.NoError(t, f.svc.Reconcile(context.Background(), result.Group.ID))

	g, _ := f.groups.GetGroup(context.Background(), result.Group.ID)
	require.Equal(t, GroupCollecting, g.Status)
	b, _ := f.bookings.Get(context.Background(), "b1")
	require.Equal(t, booking.StatusPendingPayment, b.Status)
}

func TestReconcileMissingShareBlocksConfirmation(t *testing.T) {
	f := newFixture(map[string]error{"b@example.com": errors.New("provider down")})

	result, err := f.svc.CreateGroup(context.Background(), "b1", twoShares())
	require.NoError(t, err)

	// The surviving contributor pays in full, but 40000 of 100000 was never
	// collected.
	settleAll(f, result.Group.ID, payment.StatusConfirmed)
	require.NoError(t, f.svc.Reconcile(context.Background(), result.Group.ID))

	g, _ := f.groups.GetGroup(context.Background(), result.Group.ID)
	require.Equal(t, GroupCollecting, g.Status)
	b, _ := f.bookings.Get(context.Background(), "b1")
	require.Equal(t, booking.StatusPendingPayment, b.Status)
}

func TestRetryShareReopensFailedContribution(t *testing.T) {
	f := newFixture(map[string]error{"b@example.com": errors.New("provider down")})

	result, err := f.svc.CreateGroup(context.Background(), "b1", twoShares())
	require.NoError(t, err)

	contributions, _ := f.groups.ListContributions(context.Background(), result.Group.ID)
	var failedShare Contribution
	for _, c := range contributions {
		if c.Collectable() {
			failedShare = c
		}
	}
	require.NotEmpty(t, failedShare.ID)

	// Provider recovers; the share reopens and links its payment.
	f.opener.failFor = nil
	sh, err := f.svc.RetryShare(context.Background(), result.Group.ID, failedShare.ID)
	require.NoError(t, err)
	require.NotEmpty(t, sh.Payment.ID)
	require.Equal(t, failedShare.AmountMinor, sh.Payment.AmountMinor)

	// A share already collecting cannot be reopened again.
	_, err = f.svc.RetryShare(context.Background(), result.Group.ID, failedShare.ID)
	require.ErrorIs(t, err, ErrShareNotRetryable)

	settleAll(f, result.Group.ID, payment.StatusConfirmed)
	require.NoError(t, f.svc.Reconcile(context.Background(), result.Group.ID))

	g, _ := f.groups.GetGroup(context.Background(), result.Group.ID)
	require.Equal(t, GroupConfirmed, g.Status)
}

func TestRetryShareRejectsSettledGroup(t *testing.T) {
	f := newFixture(nil)
	result, err := f.svc.CreateGroup(context.Background(), "b1", twoShares())
	require.NoError(t, err)
	settleAll(f, result.Group.ID, payment.StatusConfirmed)
	require.NoError(t, f.svc.Reconcile(context.Background(), result.Group.ID))

	contributions, _ := f.groups.ListContributions(context.Background(), result.Group.ID)
	_, err = f.svc.RetryShare(context.Background(), result.Group.ID, contributions[0].ID)
	require.ErrorIs(t, err, ErrShareNotRetryable)
}

func TestReconcileIdempotentAfterSettlement(t *testing.T) {
	f := newFixture(nil)
	result, err := f.svc.CreateGroup(context.Background(), "b1", twoShares())
	require.NoError(t, err)
	settleAll(f, result.Group.ID, payment.StatusConfirmed)

	require.NoError(t, f.svc.Reconcile(context.Background(), result.Group.ID))
	require.NoError(t, f.svc.Reconcile(context.Background(), result.Group.ID))

	g, _ := f.groups.GetGroup(context.Background(), result.Group.ID)
	require.Equal(t, GroupConfirmed, g.Status)
}

func TestSweepReconcilesCollectingGroups(t *testing.T) {
	f := newFixture(nil)
	result, err := f.svc.CreateGroup(context.Background(), "b1", twoShares())
	require.NoError(t, err)
	settleAll(f, result.Group.ID, payment.StatusConfirmed)

	require.NoError(t, f.svc.Sweep(context.Background(), 10))

	g, _ := f.groups.GetGroup(context.Background(), result.Group.ID)
	require.Equal(t, GroupConfirmed, g.Status)
}
