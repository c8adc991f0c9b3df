package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-stays/internal/booking"
	"github.com/noah-isme/backend-stays/internal/lock"
	"github.com/noah-isme/backend-stays/internal/provider"
)

const webhookTestSecret = "whsec-test"

type recordingReconciler struct {
	groups []string
}

func (r *recordingReconciler) EnqueueReconcile(_ context.Context, groupID string) error {
	r.groups = append(r.groups, groupID)
	return nil
}

type webhookFixture struct {
	store      *memStore
	bookings   *memBookings
	reconciler *recordingReconciler
	router     *chi.Mux
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	registry, err := provider.NewRegistry(&provider.PaystackAdapter{Secret: webhookTestSecret})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := newMemStore()
	bookings := newMemBookings(pendingBooking("b1"))
	svc := NewService(store, bookings, registry, lock.Locker{R: rdb}, time.Second, zerolog.Nop())
	reconciler := &recordingReconciler{}

	handler := &WebhookHandler{
		Service:    svc,
		Registry:   registry,
		Redis:      rdb,
		ReplayTTL:  time.Hour,
		Reconciler: reconciler,
		Logger:     zerolog.Nop(),
	}
	router := chi.NewRouter()
	router.Post("/webhooks/payment/{provider}", handler.Handle)
	return &webhookFixture{store: store, bookings: bookings, reconciler: reconciler, router: router}
}

func (f *webhookFixture) openPayment(t *testing.T, reference, groupID string) Payment {
	t.Helper()
	p, err := f.store.Insert(context.Background(), Payment{
		BookingID:   "b1",
		GroupID:     groupID,
		Provider:    provider.Paystack,
		Reference:   reference,
		AmountMinor: 250000,
		Currency:    "NGN",
		Status:      StatusInitiated,
		ExpiresAt:   time.Now().Add(15 * time.Minute),
	})
	require.NoError(t, err)
	return p
}

func paystackBody(reference string) []byte {
	return []byte(fmt.Sprintf(
		`{"event":"charge.success","data":{"reference":%q,"amount":250000,"currency":"NGN"}}`, reference))
}

func signSHA512(body []byte) string {
	mac := hmac.New(sha512.New, []byte(webhookTestSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (f *webhookFixture) deliver(body []byte, sign bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment/paystack", bytes.NewReader(body))
	if sign {
		req.Header.Set("X-Paystack-Signature", signSHA512(body))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestWebhookMissingSignature(t *testing.T) {
	f := newWebhookFixture(t)
	rec := f.deliver(paystackBody("stays_ps_1_ref"), false)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookInvalidSignature(t *testing.T) {
	f := newWebhookFixture(t)
	body := paystackBody("stays_ps_1_ref")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment/paystack", bytes.NewReader(body))
	req.Header.Set("X-Paystack-Signature", "deadbeef")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookUnknownProvider(t *testing.T) {
	f := newWebhookFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment/stripe", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookAppliesEvent(t *testing.T) {
	f := newWebhookFixture(t)
	p := f.openPayment(t, "stays_ps_1_aaa", "")

	rec := f.deliver(paystackBody(p.Reference), true)
	require.Equal(t, http.StatusNoContent, rec.Code)

	stored, err := f.store.GetByReference(context.Background(), p.Reference)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, stored.Status)

	b, _ := f.bookings.Get(context.Background(), "b1")
	require.Equal(t, booking.StatusConfirmed, b.Status)
}

func TestWebhookReplaySuppressed(t *testing.T) {
	f := newWebhookFixture(t)
	p := f.openPayment(t, "stays_ps_1_bbb", "")
	body := paystackBody(p.Reference)

	require.Equal(t, http.StatusNoContent, f.deliver(body, true).Code)
	require.Equal(t, http.StatusNoContent, f.deliver(body, true).Code)

	// Only the first delivery reached the event log.
	require.Len(t, f.store.events, 1)
}

func TestWebhookUnmatchedReferenceDropped(t *testing.T) {
	f := newWebhookFixture(t)
	rec := f.deliver(paystackBody("stays_ps_1_unknown"), true)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, f.store.events)
}

func TestWebhookGroupPaymentEnqueuesReconcile(t *testing.T) {
	f := newWebhookFixture(t)
	p := f.openPayment(t, "stays_ps_1_ccc", "grp-9")

	rec := f.deliver(paystackBody(p.Reference), true)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []string{"grp-9"}, f.reconciler.groups)
}
